// Package board holds the client-side read model of every project the
// session is watching. All mutation goes through the mutation coordinator
// or the event dispatcher; UI layers only read snapshots.
package board

import (
	"sort"
	"sync"

	"boardsync/domain"
)

// Store keeps per-project task lists with dense, zero-based positions in
// every (project, status) partition. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	projects map[string][]domain.Task
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{projects: make(map[string][]domain.Task)}
}

// List returns a copy of the project's tasks ordered by status and
// position. An unknown project yields an empty list, never an error.
func (s *Store) List(projectID string) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := domain.CloneTasks(s.projects[projectID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// Get looks up a single task.
func (s *Store) Get(projectID, taskID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.projects[projectID] {
		if t.ID == taskID {
			return t, true
		}
	}
	return domain.Task{}, false
}

// Insert adds a task to its column. A task whose position exceeds the
// column length is appended at the end; intermediate positions push later
// siblings down. Inserting an already-present id is a no-op so duplicate
// creation events cannot corrupt the column.
func (s *Store) Insert(projectID string, task domain.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.projects[projectID]
	for i := range tasks {
		if tasks[i].ID == task.ID {
			return false
		}
	}
	task.Position = domain.ClampPosition(task.Position, domain.ColumnLength(tasks, task.Status))
	for i := range tasks {
		t := &tasks[i]
		if t.Status == task.Status && t.Position >= task.Position {
			t.Position++
		}
	}
	s.projects[projectID] = append(tasks, task)
	return true
}

// Move relocates a task to (status, position), recomputing sibling
// positions exactly the way the authority does. It returns the moved task
// and false when the id is unknown.
func (s *Store) Move(projectID, taskID string, status domain.Status, position int) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.ApplyMove(s.projects[projectID], taskID, status, position)
}

// Remove deletes a task and closes the gap it leaves in its column.
func (s *Store) Remove(projectID, taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := domain.ApplyRemove(s.projects[projectID], taskID)
	if ok {
		s.projects[projectID] = tasks
	}
	return ok
}

// Put replaces the stored task with the same id, or inserts it when
// absent. Used to reconcile an authoritative entity into the store.
func (s *Store) Put(projectID string, task domain.Task) {
	s.mu.Lock()
	tasks := s.projects[projectID]
	for i := range tasks {
		if tasks[i].ID == task.ID {
			tasks[i] = task
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.Insert(projectID, task)
}

// Replace swaps the project's entire task list for an authoritative one.
func (s *Store) Replace(projectID string, tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = domain.CloneTasks(tasks)
}

// Snapshot returns a structurally independent copy of the project's task
// list for exact rollback.
func (s *Store) Snapshot(projectID string) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CloneTasks(s.projects[projectID])
}

// Restore reinstates a snapshot taken with Snapshot.
func (s *Store) Restore(projectID string, snapshot []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID] = domain.CloneTasks(snapshot)
}

// Evict drops all cached state for a project.
func (s *Store) Evict(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}
