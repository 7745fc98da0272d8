// Package engine implements the one-way, two-way, and N-way reconciliation
// engines that keep participating task backends mutually consistent.
//
// An engine run is a single logical sequencer: change detection fans out
// across backends in parallel, but per-backend writes are serial and all
// sync-state mutations happen between fan-outs. Two concurrent runs against
// the same backend set are excluded by the sync-state store's file lock.
package engine

import (
	"fmt"
	"time"

	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/task"
)

// Direction selects the reconciliation topology.
type Direction string

const (
	OneWay Direction = "one-way"
	TwoWay Direction = "two-way"
	NWay   Direction = "n-way"
)

// Filter suppresses changes that must not propagate.
// Deletions always pass: there is no task left to evaluate.
type Filter struct {
	// Completed, when set, admits only tasks with the matching completion
	// state.
	Completed *bool

	// Tags admits only tasks carrying at least one of the listed tags.
	Tags []string

	// Sections admits only tasks with a membership in one of the listed
	// section names.
	Sections []string

	// Assignees admits only tasks assigned to one of the listed names.
	Assignees []string

	// ModifiedAfter admits only tasks modified after the cutoff, for
	// backends that report modification times.
	ModifiedAfter *time.Time

	// Custom is an arbitrary predicate applied last.
	Custom func(*task.Task) bool
}

// Match reports whether the task passes the filter. A nil task (deletion)
// always passes.
func (f *Filter) Match(t *task.Task) bool {
	if t == nil {
		return true
	}
	if f.Completed != nil && t.Completed != *f.Completed {
		return false
	}
	if len(f.Tags) > 0 && !anyOverlap(t.Tags, f.Tags) {
		return false
	}
	if len(f.Sections) > 0 {
		names := make([]string, 0, len(t.Memberships))
		for _, m := range t.Memberships {
			names = append(names, m.SectionName)
		}
		if !anyOverlap(names, f.Sections) {
			return false
		}
	}
	if len(f.Assignees) > 0 && !anyOverlap([]string{t.Assignee}, f.Assignees) {
		return false
	}
	if f.ModifiedAfter != nil {
		if t.ModifiedAt == nil || !t.ModifiedAt.After(*f.ModifiedAfter) {
			return false
		}
	}
	if f.Custom != nil && !f.Custom(t) {
		return false
	}
	return true
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Callbacks are the engine's reporting and extension surface. All fields
// are optional except OnConflict under the manual strategy.
type Callbacks struct {
	// OnProgress is invoked at phase transitions and after every
	// processed item.
	OnProgress func(Progress)

	// OnConflict resolves conflicts under the manual strategy. Its return
	// value becomes the reconciled field value.
	OnConflict conflict.ResolverFunc

	// OnError receives every per-item error as it is recorded.
	OnError func(*SyncError)
}

// Config enumerates the recognized sync options.
type Config struct {
	Direction        Direction
	ConflictStrategy conflict.Strategy

	// Related-data phases. Only SyncTags and SyncSections are
	// contract-mandatory; the rest are reserved for extension and
	// currently ignored by the engines.
	SyncTags         bool
	SyncSections     bool
	SyncSubtasks     bool
	SyncComments     bool
	SyncAttachments  bool
	SyncDependencies bool
	SyncTimeEntries  bool
	SyncCustomFields bool

	// DryRun advances counters without writing to backends or state.
	DryRun bool

	// BatchSize is an advisory hint; must be >= 1 when set.
	BatchSize int

	// FieldMapping is a reserved per-backend field-name remapping table.
	FieldMapping map[string]map[string]string

	Filter    *Filter
	Callbacks Callbacks
}

// Validate checks the configuration up front, before any backend I/O.
func (c *Config) Validate() error {
	switch c.Direction {
	case OneWay, TwoWay, NWay:
	case "":
		return fmt.Errorf("sync direction is required")
	default:
		return fmt.Errorf("unknown sync direction %q", c.Direction)
	}
	if c.ConflictStrategy == "" {
		return fmt.Errorf("conflict strategy is required")
	}
	if !c.ConflictStrategy.Valid() {
		return fmt.Errorf("unknown conflict strategy %q", c.ConflictStrategy)
	}
	if c.ConflictStrategy == conflict.Manual && c.Callbacks.OnConflict == nil {
		return fmt.Errorf("manual conflict strategy requires the OnConflict callback")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be >= 1")
	}
	return nil
}
