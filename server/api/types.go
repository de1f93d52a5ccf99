package api

import (
	"context"

	"boardsync/domain"
)

// Storage abstracts authoritative persistence for handlers. It is the
// single serializing point for concurrent mutations.
type Storage interface {
	FetchTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	FetchProject(ctx context.Context, projectID string) (domain.Project, error)
	CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error)
	UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error)
	DeleteTask(ctx context.Context, projectID, taskID string) (domain.Task, error)
	RemoveMembers(ctx context.Context, projectID string, userIDs []string) (domain.Project, error)
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicated mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly
	// added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream
	// processing fails.
	Remove(ctx context.Context, userID, key string) error
}
