package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// TableStore persists tasks to an Azure Table, one entity per task with
// PartitionKey=project and RowKey=task.
type TableStore struct {
	taskTable *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable string) (*TableStore, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	return &TableStore{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title      string `json:"Title"`
	Notes      string `json:"Notes"`
	Status     string `json:"Status"`
	Position   int    `json:"Position"`
	Priority   string `json:"Priority"`
	AssigneeID string `json:"AssigneeID"`
	CreatedAt  int64  `json:"CreatedAt"`
	UpdatedAt  int64  `json:"UpdatedAt"`
}

// LoadTasks reads every task entity, grouped by project.
func (t *TableStore) LoadTasks(ctx context.Context) (map[string][]domain.Task, error) {
	pager := t.taskTable.NewListEntitiesPager(nil)
	out := make(map[string][]domain.Task)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			out[ent.PartitionKey] = append(out[ent.PartitionKey], domain.Task{
				ID:         ent.RowKey,
				Title:      ent.Title,
				Notes:      ent.Notes,
				Status:     domain.Status(ent.Status),
				Position:   ent.Position,
				Priority:   ent.Priority,
				AssigneeID: ent.AssigneeID,
				ProjectID:  ent.PartitionKey,
				CreatedAt:  ent.CreatedAt,
				UpdatedAt:  ent.UpdatedAt,
			})
		}
	}
	return out, nil
}

// UpsertTask writes one task entity.
func (t *TableStore) UpsertTask(ctx context.Context, task domain.Task) error {
	ent := taskEntity{
		Entity:     aztables.Entity{PartitionKey: task.ProjectID, RowKey: task.ID},
		Title:      task.Title,
		Notes:      task.Notes,
		Status:     string(task.Status),
		Position:   task.Position,
		Priority:   task.Priority,
		AssigneeID: task.AssigneeID,
		CreatedAt:  task.CreatedAt,
		UpdatedAt:  task.UpdatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = t.taskTable.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteTask removes one task entity.
func (t *TableStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	_, err := t.taskTable.DeleteEntity(ctx, projectID, taskID, nil)
	return err
}

// Mirror pairs the in-memory authority with a TableStore so board state
// survives restarts. Table writes are best effort: the in-memory result
// is already authoritative and has been broadcast, so a failed mirror
// write is logged rather than unwound.
type Mirror struct {
	*MemoryStore
	table *TableStore
	log   *log.Logger
}

// NewMirror wraps mem with persistence to table.
func NewMirror(mem *MemoryStore, table *TableStore, logger *log.Logger) *Mirror {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mirror{MemoryStore: mem, table: table, log: logger}
}

// Load seeds the in-memory store from the table.
func (m *Mirror) Load(ctx context.Context) error {
	byProject, err := m.table.LoadTasks(ctx)
	if err != nil {
		return err
	}
	for projectID, tasks := range byProject {
		m.MemoryStore.SeedTasks(projectID, tasks)
	}
	return nil
}

func (m *Mirror) CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := m.MemoryStore.CreateTask(ctx, projectID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	if err := m.table.UpsertTask(ctx, task); err != nil {
		m.log.WithError(err).WithField("task", task.ID).Error("table mirror upsert failed")
	}
	return task, nil
}

func (m *Mirror) UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := m.MemoryStore.UpdateTask(ctx, projectID, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	if err := m.table.UpsertTask(ctx, task); err != nil {
		m.log.WithError(err).WithField("task", task.ID).Error("table mirror upsert failed")
	}
	return task, nil
}

// MoveTask mirrors the whole project after a move: sibling positions
// shift too, not just the moved entity.
func (m *Mirror) MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error) {
	task, err := m.MemoryStore.MoveTask(ctx, projectID, taskID, status, position)
	if err != nil {
		return domain.Task{}, err
	}
	m.mirrorProject(ctx, projectID)
	return task, nil
}

func (m *Mirror) DeleteTask(ctx context.Context, projectID, taskID string) (domain.Task, error) {
	task, err := m.MemoryStore.DeleteTask(ctx, projectID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := m.table.DeleteTask(ctx, projectID, taskID); err != nil {
		m.log.WithError(err).WithField("task", taskID).Error("table mirror delete failed")
	}
	m.mirrorProject(ctx, projectID)
	return task, nil
}

func (m *Mirror) mirrorProject(ctx context.Context, projectID string) {
	tasks, err := m.MemoryStore.FetchTasks(ctx, projectID)
	if err != nil {
		return
	}
	for _, t := range tasks {
		if err := m.table.UpsertTask(ctx, t); err != nil {
			m.log.WithError(err).WithField("task", t.ID).Error("table mirror upsert failed")
		}
	}
}
