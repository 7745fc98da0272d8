// Package detect classifies the drift between a backend's current task
// snapshot and the versions recorded in the sync-state store.
//
// Classification is hash-based: a task whose gid is unknown to the store is
// created, a known gid whose content hash moved is updated, and a recorded
// gid missing from the snapshot is deleted. The detector never resolves
// which specific fields changed from a hash diff; DetectFieldChanges does
// exact field-pair diffing for callers that hold both versions.
package detect

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
)

// ChangeType tags an ItemChange.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ItemChange is one detected local change. Ephemeral: produced per run,
// never persisted.
type ItemChange struct {
	// ItemID is the task gid in the source backend.
	ItemID        string
	Type          ChangeType
	SourceBackend string

	// ChangedFields lists fields that may have changed. For hash-detected
	// updates this is the full syncable-field list ("potentially changed");
	// exact deltas come from DetectFieldChanges.
	ChangedFields []string

	// OldValues is unavailable for hash-detected changes: the store does
	// not retain task contents. Populated only by DetectFieldChanges.
	OldValues map[string]interface{}
	NewValues map[string]interface{}

	// Task is the current snapshot in the source backend; nil for deletes.
	Task *task.Task

	// SyncID is set when the store already anchors this task.
	SyncID string

	DetectedAt time.Time
}

// Detector computes per-backend change sets against the sync-state store.
type Detector struct {
	store *syncstate.Store

	// now is swappable for tests.
	now func() time.Time
}

// New creates a detector bound to the given store.
func New(store *syncstate.Store) *Detector {
	return &Detector{store: store, now: time.Now}
}

// Detect fetches the backend's full task list and classifies every task as
// created, updated, or unchanged against the recorded versions, then emits
// deletes for recorded gids absent from the snapshot. The returned order is
// stable: snapshot enumeration order, deletes last sorted by gid.
func (d *Detector) Detect(ctx context.Context, b backend.Backend) ([]ItemChange, error) {
	tasks, err := b.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks from %s: %w", b.ID(), err)
	}

	items, err := d.store.GetSyncItemsByBackend(b.ID())
	if err != nil {
		return nil, fmt.Errorf("loading sync items for %s: %w", b.ID(), err)
	}
	recorded := make(map[string]*syncstate.SyncItem, len(items))
	for _, item := range items {
		recorded[item.BackendIDs[b.ID()]] = item
	}

	now := d.now().UTC()
	var changes []ItemChange
	seen := make(map[string]bool, len(tasks))

	for _, t := range tasks {
		seen[t.GID] = true
		item, known := recorded[t.GID]
		if !known {
			changes = append(changes, ItemChange{
				ItemID:        t.GID,
				Type:          ChangeCreated,
				SourceBackend: b.ID(),
				Task:          t,
				DetectedAt:    now,
			})
			continue
		}
		if hash := task.ContentHash(t); hash != item.Versions[b.ID()] {
			changes = append(changes, ItemChange{
				ItemID:        t.GID,
				Type:          ChangeUpdated,
				SourceBackend: b.ID(),
				ChangedFields: append([]string(nil), task.SyncableFields...),
				Task:          t,
				SyncID:        item.SyncID,
				DetectedAt:    now,
			})
		}
	}

	// Recorded gids missing from the snapshot were deleted in this backend.
	deleted := make([]*syncstate.SyncItem, 0)
	for gid, item := range recorded {
		if !seen[gid] {
			deleted = append(deleted, item)
		}
	}
	sortItemsByGID(deleted, b.ID())
	for _, item := range deleted {
		changes = append(changes, ItemChange{
			ItemID:        item.BackendIDs[b.ID()],
			Type:          ChangeDeleted,
			SourceBackend: b.ID(),
			SyncID:        item.SyncID,
			DetectedAt:    now,
		})
	}

	return changes, nil
}

// DetectFieldChanges diffs two task versions field by field under the sync
// equality rules and returns the exact changed-field list with old and new
// values keyed by field name.
func DetectFieldChanges(old, new *task.Task) ([]string, map[string]interface{}, map[string]interface{}) {
	var fields []string
	oldVals := make(map[string]interface{})
	newVals := make(map[string]interface{})
	for _, f := range task.SyncableFields {
		ov, nv := old.FieldValue(f), new.FieldValue(f)
		if !task.Equal(ov, nv) {
			fields = append(fields, f)
			oldVals[f] = ov
			newVals[f] = nv
		}
	}
	return fields, oldVals, newVals
}

// GroupChangesByType partitions changes by their change type.
func GroupChangesByType(changes []ItemChange) map[ChangeType][]ItemChange {
	out := make(map[ChangeType][]ItemChange)
	for _, c := range changes {
		out[c.Type] = append(out[c.Type], c)
	}
	return out
}

// FilterChangesByTime selects changes detected strictly after the cutoff.
func FilterChangesByTime(changes []ItemChange, after time.Time) []ItemChange {
	var out []ItemChange
	for _, c := range changes {
		if c.DetectedAt.After(after) {
			out = append(out, c)
		}
	}
	return out
}

func sortItemsByGID(items []*syncstate.SyncItem, backendID string) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].BackendIDs[backendID] < items[j].BackendIDs[backendID]
	})
}
