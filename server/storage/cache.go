package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchProject(ctx context.Context, projectID string) (domain.Project, error)
	CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error)
	UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error)
	DeleteTask(ctx context.Context, projectID, taskID string) (domain.Task, error)
	RemoveMembers(ctx context.Context, projectID string, userIDs []string) (domain.Project, error)
}

// Cache wraps a storage backend with Redis-backed caching of per-project
// task lists. Every mutation evicts the project's entry.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and
// TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, projectID); ok {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, projectID, tasks)
	return tasks, nil
}

func (c *Cache) FetchProject(ctx context.Context, projectID string) (domain.Project, error) {
	return c.base.FetchProject(ctx, projectID)
}

func (c *Cache) CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.CreateTask(ctx, projectID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, projectID)
	return task, nil
}

func (c *Cache) UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.UpdateTask(ctx, projectID, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, projectID)
	return task, nil
}

func (c *Cache) MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error) {
	task, err := c.base.MoveTask(ctx, projectID, taskID, status, position)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, projectID)
	return task, nil
}

func (c *Cache) DeleteTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	task, err := c.base.DeleteTask(ctx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, projectID)
	return task, nil
}

func (c *Cache) RemoveMembers(ctx context.Context, projectID string, userIDs []string) (domain.Project, error) {
	project, err := c.base.RemoveMembers(ctx, projectID, userIDs)
	if err != nil {
		return domain.Project{}, err
	}
	c.evict(ctx, projectID)
	return project, nil
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without
			// failing the read.
			_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, projectID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(projectID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(projectID)).Err()
}

func tasksCacheKey(projectID string) string {
	return "tasks:" + projectID
}
