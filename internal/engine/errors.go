package engine

import (
	"fmt"

	"github.com/taskbridge/taskbridge/internal/backend"
)

// SyncError is a categorized failure recorded against a run. Per-item
// failures are collected here and do not abort the run; detection and
// state-load failures do.
type SyncError struct {
	Kind      backend.Kind `json:"kind"`
	BackendID string       `json:"backend_id,omitempty"`
	ItemID    string       `json:"item_id,omitempty"`
	Message   string       `json:"message"`
	Err       error        `json:"-"`
}

func (e *SyncError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] item %s: %s", e.Kind, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// newSyncError categorizes err and attaches item/backend context.
func newSyncError(backendID, itemID string, err error) *SyncError {
	return &SyncError{
		Kind:      backend.Categorize(err),
		BackendID: backendID,
		ItemID:    itemID,
		Message:   err.Error(),
		Err:       err,
	}
}
