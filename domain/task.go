package domain

// Status identifies the board column a task lives in.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the known board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Task represents a single board item.
type Task struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Notes      string `json:"notes,omitempty"`
	Status     Status `json:"status"`
	Position   int    `json:"position"`
	Priority   string `json:"priority,omitempty"`
	AssigneeID string `json:"assigneeId,omitempty"`
	ProjectID  string `json:"projectId"`
	CreatedAt  int64  `json:"createdAt,omitempty"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// Project groups tasks and the users allowed to see them.
type Project struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	OwnerID string   `json:"ownerId"`
	Members []string `json:"members"`
}

// CloneTasks returns a structurally independent copy of tasks. Rollback
// snapshots rely on the copy sharing nothing with the original slice.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	return out
}
