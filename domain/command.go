package domain

// MoveRequest is the request-style body consumed by the authority's move
// endpoint. Its shape is fixed for client compatibility.
type MoveRequest struct {
	Status         Status `json:"status"`
	Position       int    `json:"position"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TaskPatch carries the mutable task fields for create/update requests.
// Pointer fields distinguish "unset" from zero values.
type TaskPatch struct {
	Title          *string `json:"title,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	Status         *Status `json:"status,omitempty"`
	Priority       *string `json:"priority,omitempty"`
	AssigneeID     *string `json:"assigneeId,omitempty"`
	IdempotencyKey string  `json:"idempotencyKey,omitempty"`
}

// ErrorBody is the structured error half of a response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope wraps every request-style response: exactly one of Data or
// Error is set.
type Envelope struct {
	Data  *Task      `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ListEnvelope wraps task-list responses.
type ListEnvelope struct {
	Tasks []Task     `json:"tasks,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// Error codes used in envelopes. The client maps them onto its error
// taxonomy, so the strings are part of the wire contract.
const (
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)
