package engine

import (
	"time"

	"github.com/taskbridge/taskbridge/internal/conflict"
)

// Stats accumulates counters during a run. Dry runs advance the counters
// exactly as a real run would, without issuing writes.
type Stats struct {
	ItemsChecked      int `json:"items_checked"`
	ItemsCreated      int `json:"items_created"`
	ItemsUpdated      int `json:"items_updated"`
	ItemsDeleted      int `json:"items_deleted"`
	ItemsSkipped      int `json:"items_skipped"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
	TagsCreated       int `json:"tags_created"`
	SectionsCreated   int `json:"sections_created"`
}

// Result is the envelope returned to the caller. Success is true iff the
// errors list is empty; callers must inspect Stats rather than assume every
// item propagated.
type Result struct {
	Success     bool                 `json:"success"`
	Direction   Direction            `json:"direction"`
	Backends    []string             `json:"backends"`
	Stats       Stats                `json:"stats"`
	Conflicts   []*conflict.Conflict `json:"conflicts,omitempty"`
	Errors      []*SyncError         `json:"errors,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	DurationMs  int64                `json:"duration_ms"`
}

// Phase names the coarse stages of a run.
type Phase string

const (
	PhaseDetecting  Phase = "detecting-changes"
	PhaseResolving  Phase = "resolving-conflicts"
	PhaseSyncing    Phase = "syncing"
	PhaseFinalizing Phase = "finalizing"
)

// Progress is delivered through Callbacks.OnProgress at phase transitions
// and after every processed item.
type Progress struct {
	Phase          Phase  `json:"phase"`
	Percent        int    `json:"percent"`
	ItemsProcessed int    `json:"items_processed"`
	TotalItems     int    `json:"total_items"`
	Message        string `json:"message,omitempty"`
}

// phase percentage bands: detecting 0-25, resolving 25-50, syncing 50-90,
// finalizing 90-100.
const (
	bandDetectEnd  = 25
	bandResolveEnd = 50
	bandSyncEnd    = 90
	bandDone       = 100
)

// syncPercent maps item progress into the syncing band.
func syncPercent(processed, total int) int {
	if total <= 0 {
		return bandSyncEnd
	}
	return bandResolveEnd + (bandSyncEnd-bandResolveEnd)*processed/total
}
