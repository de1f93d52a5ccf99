// Package storage implements authoritative persistence for the board
// server: an in-memory store serialized behind a mutex, an optional Azure
// Tables mirror and a Redis read cache.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"boardsync/domain"
)

var (
	// ErrTaskNotFound is returned when the referenced task vanished,
	// e.g. deleted by another participant mid-move.
	ErrTaskNotFound = errors.New("task not found")
	// ErrProjectNotFound is returned for unknown projects.
	ErrProjectNotFound = errors.New("project not found")
	// ErrInvalidStatus rejects moves to an unknown column.
	ErrInvalidStatus = errors.New("invalid status")
)

// MemoryStore is the authoritative board state. The mutex is the single
// serializing point for concurrent mutations: whatever order overlapping
// moves acquire it in becomes the authoritative order.
type MemoryStore struct {
	mu        sync.Mutex
	projects  map[string]domain.Project
	tasks     map[string][]domain.Task
	now       func() time.Time
	lastStamp int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]domain.Project),
		tasks:    make(map[string][]domain.Task),
		now:      time.Now,
	}
}

// UpsertProject creates or replaces a project record.
func (s *MemoryStore) UpsertProject(p domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

// SeedTasks replaces a project's task list, for bootstrap and tests.
func (s *MemoryStore) SeedTasks(projectID string, tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[projectID] = domain.CloneTasks(tasks)
}

// stamp returns a strictly increasing UnixMilli timestamp. The wall
// clock can repeat a millisecond or step backwards across racing
// mutations; the CAS loop bumps such readings past the last issued
// value so event timestamps order the way the mutations did.
func (s *MemoryStore) stamp() int64 {
	for {
		now := s.now().UnixMilli()
		last := atomic.LoadInt64(&s.lastStamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&s.lastStamp, last, now) {
			return now
		}
	}
}

// FetchTasks returns the project's tasks ordered by status and position.
func (s *MemoryStore) FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := domain.CloneTasks(s.tasks[projectID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// FetchProject returns a project record.
func (s *MemoryStore) FetchProject(ctx context.Context, projectID string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	return p, nil
}

// CreateTask appends a new task to the end of its column.
func (s *MemoryStore) CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := domain.Task{
		ID:        uuid.NewString(),
		Status:    domain.StatusTodo,
		ProjectID: projectID,
	}
	applyPatch(&task, patch)
	if !task.Status.Valid() {
		return domain.Task{}, ErrInvalidStatus
	}
	now := s.stamp()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Position = domain.ColumnLength(s.tasks[projectID], task.Status)
	s.tasks[projectID] = append(s.tasks[projectID], task)
	return task, nil
}

// UpdateTask merges the patch into an existing task. Status changes go
// through MoveTask, not here.
func (s *MemoryStore) UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.tasks[projectID]
	for i := range tasks {
		if tasks[i].ID != taskID {
			continue
		}
		status := tasks[i].Status
		position := tasks[i].Position
		applyPatch(&tasks[i], patch)
		tasks[i].Status = status
		tasks[i].Position = position
		tasks[i].UpdatedAt = s.stamp()
		return tasks[i], nil
	}
	return domain.Task{}, ErrTaskNotFound
}

// MoveTask relocates a task, recomputing sibling positions, and returns
// the entity with its authoritative position.
func (s *MemoryStore) MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	moved, ok := domain.ApplyMove(s.tasks[projectID], taskID, status, position)
	if !ok {
		return domain.Task{}, ErrTaskNotFound
	}
	for i := range s.tasks[projectID] {
		if s.tasks[projectID][i].ID == taskID {
			s.tasks[projectID][i].UpdatedAt = s.stamp()
			moved = s.tasks[projectID][i]
			break
		}
	}
	return moved, nil
}

// DeleteTask removes a task and closes the position gap in its column.
func (s *MemoryStore) DeleteTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed domain.Task
	found := false
	for _, t := range s.tasks[projectID] {
		if t.ID == taskID {
			removed = t
			found = true
			break
		}
	}
	if !found {
		return domain.Task{}, ErrTaskNotFound
	}
	tasks, _ := domain.ApplyRemove(s.tasks[projectID], taskID)
	s.tasks[projectID] = tasks
	return removed, nil
}

// RemoveMembers drops the given users from a project's member set.
func (s *MemoryStore) RemoveMembers(ctx context.Context, projectID string, userIDs []string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	drop := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		drop[id] = struct{}{}
	}
	members := p.Members[:0:0]
	for _, m := range p.Members {
		if _, gone := drop[m]; !gone {
			members = append(members, m)
		}
	}
	p.Members = members
	s.projects[projectID] = p
	return p, nil
}

func applyPatch(task *domain.Task, patch domain.TaskPatch) {
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Notes != nil {
		task.Notes = *patch.Notes
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		task.AssigneeID = *patch.AssigneeID
	}
}
