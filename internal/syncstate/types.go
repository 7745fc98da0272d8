// Package syncstate persists cross-backend task identity: SyncItems anchor
// the logical identity of a task across participating backends, and
// IDMappings project their backend-id pairs for fast lookup.
//
// State lives in two JSONL row logs under
// <base>/sync-state/<pairID>/{sync-items.jsonl,id-mappings.jsonl}, scoped by
// the deterministic pair id of the participating backends. The store is
// single-writer per pair id, enforced with a file lock on the pair
// directory.
package syncstate

import (
	"sort"
	"strings"
	"time"
)

// SyncItem anchors the cross-backend identity of one task.
//
// Invariants: every backend-id key in BackendIDs also appears in Versions
// and LastSyncTimes; a task GID appears in at most one SyncItem per
// backend; SyncID is immutable once assigned; UpdatedAt is non-decreasing.
type SyncItem struct {
	SyncID        string               `json:"sync_id"`
	BackendIDs    map[string]string    `json:"backend_ids"`     // backend id -> task gid
	Versions      map[string]string    `json:"versions"`        // backend id -> content hash
	LastSyncTimes map[string]time.Time `json:"last_sync_times"` // backend id -> last sync (UTC)
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	HasConflicts  bool                 `json:"has_conflicts,omitempty"`
}

// Clone returns a deep copy so callers can hold read-references without
// aliasing the store's cache.
func (s *SyncItem) Clone() *SyncItem {
	c := *s
	c.BackendIDs = copyStrMap(s.BackendIDs)
	c.Versions = copyStrMap(s.Versions)
	c.LastSyncTimes = make(map[string]time.Time, len(s.LastSyncTimes))
	for k, v := range s.LastSyncTimes {
		c.LastSyncTimes[k] = v
	}
	return &c
}

// Backends returns the item's backend ids in lexicographic order.
func (s *SyncItem) Backends() []string {
	out := make([]string, 0, len(s.BackendIDs))
	for id := range s.BackendIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IDMapping is one directed (source, target) projection of a SyncItem's
// backend ids. A SyncItem with N populated slots owns N*(N-1) mappings.
type IDMapping struct {
	SyncID         string    `json:"sync_id"`
	SourceBackend  string    `json:"source_backend"`
	SourceID       string    `json:"source_id"`
	TargetBackend  string    `json:"target_backend"`
	TargetID       string    `json:"target_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// Update is a partial SyncItem mutation. Map fields merge key-wise into the
// existing item; nil maps leave the field untouched. SyncID cannot change.
type Update struct {
	BackendIDs    map[string]string
	Versions      map[string]string
	LastSyncTimes map[string]time.Time
	HasConflicts  *bool
}

// PairID derives the deterministic state scope for a set of participating
// backends: their ids sorted and joined by "-".
func PairID(backendIDs []string) string {
	ids := make([]string, len(backendIDs))
	copy(ids, backendIDs)
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

func copyStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
