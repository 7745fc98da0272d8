package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"tagged error keeps kind", NewError(KindConflict, "b1", "op", errors.New("boom")), KindConflict},
		{"wrapped tagged error", fmt.Errorf("outer: %w", NewError(KindValidation, "b1", "op", errors.New("bad"))), KindValidation},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindCancelled},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"timeout", errors.New("request timed out"), KindNetwork},
		{"validation message", errors.New("name is required"), KindValidation},
		{"conflict message", errors.New("edit conflict on field"), KindConflict},
		{"not found message", errors.New("task not found"), KindNotFound},
		{"server error", errors.New("internal error (500)"), KindBackend},
		{"mystery", errors.New("splines unreticulated"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.want {
				t.Errorf("Categorize(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(KindNotFound, "asana", "get_task", errors.New("task 42 not found"))
	want := "asana: get_task: task 42 not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound = false for a not_found error")
	}
	if IsNotFound(errors.New("task 42 not found")) {
		t.Error("IsNotFound matched an untagged error")
	}
}

func TestRegistry(t *testing.T) {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("fake", func(id string) (Backend, error) {
		return &fakeBackend{id: id}, nil
	})

	if got := r.List(); len(got) != 1 || got[0] != "fake" {
		t.Errorf("List = %v", got)
	}
	b, err := r.New("fake", "b1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.ID() != "b1" {
		t.Errorf("ID = %q, want b1", b.ID())
	}
	if _, err := r.New("missing", "b2"); err == nil {
		t.Error("New with unknown type succeeded")
	}

	r.Clear()
	if got := r.List(); len(got) != 0 {
		t.Errorf("List after Clear = %v", got)
	}
}
