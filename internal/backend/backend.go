// Package backend defines the adapter contract every task-management
// backend must implement, plus the error taxonomy and a plugin registry.
//
// The core never constructs adapters; callers register factories and
// inject instances into the engines. Adapters are black boxes: whatever
// field encoding they use on the wire, the Task values they return must
// already be decoded into the shared model.
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/taskbridge/taskbridge/internal/task"
)

// Backend is the uniform CRUD + taxonomy interface the sync core consumes.
// Every operation takes a context and may block on I/O.
type Backend interface {
	// ID returns the process-unique identifier for this participant.
	ID() string

	ListTasks(ctx context.Context) ([]*task.Task, error)

	// GetTask returns the task or an Error with KindNotFound.
	GetTask(ctx context.Context, gid string) (*task.Task, error)

	CreateTask(ctx context.Context, req CreateRequest) (*task.Task, error)
	UpdateTask(ctx context.Context, gid string, update *task.Update) (*task.Task, error)
	DeleteTask(ctx context.Context, gid string) error

	ListTags(ctx context.Context) ([]*task.Tag, error)
	CreateTag(ctx context.Context, name string) (*task.Tag, error)

	ListSections(ctx context.Context) ([]*task.Section, error)
	CreateSection(ctx context.Context, name string) (*task.Section, error)
}

// CreateRequest carries the fields settable at task creation time.
// Anything else (completion, memberships, assignee) is applied with a
// follow-up UpdateTask by the engines.
type CreateRequest struct {
	Name        string
	Notes       string
	DueOn       string
	Priority    task.Priority
	IsMilestone bool
}

// Kind categorizes a failure. Kinds are part of the API contract and are
// preserved as errors cross package boundaries.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindBackend    Kind = "backend"
	KindCancelled  Kind = "cancelled"
	KindNotFound   Kind = "not_found"
	KindUnknown    Kind = "unknown"
)

// Error is a categorized backend failure.
type Error struct {
	Kind      Kind
	BackendID string
	Op        string // operation that failed, e.g. "create_task"
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.BackendID != "" {
		b.WriteString(e.BackendID)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a categorized backend error.
func NewError(kind Kind, backendID, op string, err error) *Error {
	return &Error{Kind: kind, BackendID: backendID, Op: op, Err: err}
}

// Categorize derives the error kind. Tagged errors keep their kind;
// context cancellation maps to KindCancelled; anything else falls back to
// a substring heuristic on the message, KindUnknown last.
func Categorize(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "network", "connection", "timeout", "timed out", "unreachable", "dial", "eof"):
		return KindNetwork
	case containsAny(msg, "validation", "invalid", "required", "must be"):
		return KindValidation
	case containsAny(msg, "conflict"):
		return KindConflict
	case containsAny(msg, "not found", "no such"):
		return KindNotFound
	case containsAny(msg, "backend", "server error", "internal error", "unavailable"):
		return KindBackend
	}
	return KindUnknown
}

// IsNotFound reports whether err is a KindNotFound backend error.
func IsNotFound(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == KindNotFound
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
