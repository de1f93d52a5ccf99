package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"boardsync/domain"
)

// Kind classifies a synchronization failure. The kind decides whether the
// engine retries, rolls back, or gives up on the current credential.
type Kind int

const (
	// KindTransport covers connection drops and timeouts. Recovered
	// locally with backoff; speculative state is retained meanwhile.
	KindTransport Kind = iota
	// KindAuth means the credential was rejected. Terminal for that
	// credential; never retried with the same one.
	KindAuth
	// KindValidation means the authority refused a malformed mutation.
	// Not retried; rolls back immediately.
	KindValidation
	// KindConflict means the referenced entity vanished or changed under
	// us. Treated as stale; rolls back rather than retrying.
	KindConflict
	// KindServer is an authority-side failure. Retried a bounded number
	// of times, then surfaced like a validation error.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindServer:
		return "server"
	}
	return "unknown"
}

// Error is the tagged result type the synchronization layer returns; the
// UI layer decides how to render it.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, defaulting to KindTransport for
// plain network-ish errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransport
}

// retryable reports whether the coordinator may re-issue the remote call.
func retryable(err error) bool {
	return KindOf(err) == KindServer
}

// classifyStatus maps an envelope response onto the taxonomy.
func classifyStatus(status int, body *domain.ErrorBody) *Error {
	e := &Error{}
	if body != nil {
		e.Code = body.Code
		e.Message = body.Message
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusNotFound || status == http.StatusConflict:
		e.Kind = KindConflict
	case status >= 400 && status < 500:
		e.Kind = KindValidation
	default:
		e.Kind = KindServer
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// classifyTransport wraps a failed round trip. Context cancellation is
// passed through untouched so superseded reads are not mistaken for
// connectivity loss.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransport, Err: err}
}
