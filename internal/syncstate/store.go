package syncstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	itemsFile    = "sync-items.jsonl"
	mappingsFile = "id-mappings.jsonl"
	lockFile     = ".lock"
)

// ErrNotFound is returned when a sync id is unknown to the store.
var ErrNotFound = errors.New("sync item not found")

// ErrLocked is returned when another process holds the pair's state lock.
var ErrLocked = errors.New("sync state is locked by another process")

// Store owns the persisted SyncItems and IDMappings for one pair id.
// All mutations go through the store, which keeps the in-memory caches and
// the backing row logs consistent: every cache mutation is paired with a
// persist, and rolled back if the persist fails.
//
// The store is not safe for concurrent use; the engines serialize access
// within a run, and the file lock excludes other processes.
type Store struct {
	dir  string
	lock *flock.Flock

	cacheLoaded bool
	items       map[string]*SyncItem  // keyed by sync id
	mappings    map[string]*IDMapping // keyed by source|sourceID|target

	// now is swappable for tests.
	now func() time.Time
}

// Open acquires the state directory for the given participants, creating it
// if needed, and takes the single-writer lock. Callers must Close the store
// to release the lock. Returns ErrLocked if another sync holds the pair.
func Open(basePath string, backendIDs []string) (*Store, error) {
	if len(backendIDs) < 2 {
		return nil, fmt.Errorf("sync state requires at least 2 backends, got %d", len(backendIDs))
	}
	dir := filepath.Join(basePath, "sync-state", PairID(backendIDs))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	// Exclusive lock prevents concurrent syncs from corrupting the row logs.
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &Store{
		dir:  dir,
		lock: lock,
		now:  time.Now,
	}, nil
}

// Close releases the pair lock. The store must not be used afterwards.
func (s *Store) Close() error {
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			return fmt.Errorf("releasing sync lock: %w", err)
		}
		s.lock = nil
	}
	return nil
}

// Dir returns the pair's state directory.
func (s *Store) Dir() string { return s.dir }

// CreateSyncItem assigns a fresh sync id, stamps timestamps to now, and
// persists the item together with its derived mapping set. On persist
// failure the in-memory insert is rolled back before the error surfaces.
func (s *Store) CreateSyncItem(backendIDs, versions map[string]string) (*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	if len(backendIDs) == 0 {
		return nil, fmt.Errorf("sync item requires at least one backend id")
	}
	for b := range backendIDs {
		if _, ok := versions[b]; !ok {
			return nil, fmt.Errorf("missing version hash for backend %q", b)
		}
	}

	now := s.now().UTC()
	item := &SyncItem{
		SyncID:        uuid.NewString(),
		BackendIDs:    copyStrMap(backendIDs),
		Versions:      copyStrMap(versions),
		LastSyncTimes: make(map[string]time.Time, len(backendIDs)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for b := range backendIDs {
		item.LastSyncTimes[b] = now
	}

	s.items[item.SyncID] = item
	newMappings := deriveMappings(item, now)
	for _, m := range newMappings {
		s.mappings[mappingKey(m.SourceBackend, m.SourceID, m.TargetBackend)] = m
	}

	if err := s.persist(); err != nil {
		// Roll back so memory matches disk.
		delete(s.items, item.SyncID)
		for _, m := range newMappings {
			delete(s.mappings, mappingKey(m.SourceBackend, m.SourceID, m.TargetBackend))
		}
		return nil, err
	}
	return item.Clone(), nil
}

// UpdateSyncItem applies a partial mutation. Map fields merge key-wise; if
// BackendIDs changed, the item's mapping set is regenerated. UpdatedAt is
// stamped to now. Returns ErrNotFound for unknown ids.
func (s *Store) UpdateSyncItem(syncID string, update Update) (*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	item, ok := s.items[syncID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}

	prev := item.Clone()
	backendsChanged := false
	for b, gid := range update.BackendIDs {
		if item.BackendIDs[b] != gid {
			backendsChanged = true
		}
		item.BackendIDs[b] = gid
	}
	for b, hash := range update.Versions {
		item.Versions[b] = hash
	}
	for b, t := range update.LastSyncTimes {
		item.LastSyncTimes[b] = t.UTC()
	}
	if update.HasConflicts != nil {
		item.HasConflicts = *update.HasConflicts
	}
	item.UpdatedAt = s.now().UTC()

	var prevMappings map[string]*IDMapping
	if backendsChanged {
		// Delete-then-recreate the full mapping set for this sync id.
		prevMappings = s.removeMappings(syncID)
		for _, m := range deriveMappings(item, item.UpdatedAt) {
			s.mappings[mappingKey(m.SourceBackend, m.SourceID, m.TargetBackend)] = m
		}
	}

	if err := s.persist(); err != nil {
		s.items[syncID] = prev
		if backendsChanged {
			s.removeMappings(syncID)
			for k, m := range prevMappings {
				s.mappings[k] = m
			}
		}
		return nil, err
	}
	return item.Clone(), nil
}

// GetSyncItem returns the item for a sync id, or nil if unknown.
func (s *Store) GetSyncItem(syncID string) (*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	item, ok := s.items[syncID]
	if !ok {
		return nil, nil
	}
	return item.Clone(), nil
}

// FindSyncItemByBackendID scans for the item binding (backendID, gid).
// Linear scan of the cache; corpora are expected in the 1e3..1e6 range.
func (s *Store) FindSyncItemByBackendID(backendID, gid string) (*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	for _, item := range s.items {
		if item.BackendIDs[backendID] == gid && gid != "" {
			return item.Clone(), nil
		}
	}
	return nil, nil
}

// ListSyncItems returns every item, sorted by sync id.
func (s *Store) ListSyncItems() ([]*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]*SyncItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncID < out[j].SyncID })
	return out, nil
}

// GetSyncItemsByBackend returns every item with a slot for backendID.
func (s *Store) GetSyncItemsByBackend(backendID string) ([]*SyncItem, error) {
	if err := s.load(); err != nil {
		return nil, err
	}
	var out []*SyncItem
	for _, item := range s.items {
		if _, ok := item.BackendIDs[backendID]; ok {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

// GetIDMapping resolves a source task id into the target backend's id.
// The second return is false when no mapping exists.
func (s *Store) GetIDMapping(sourceBackend, sourceID, targetBackend string) (string, bool, error) {
	if err := s.load(); err != nil {
		return "", false, err
	}
	m, ok := s.mappings[mappingKey(sourceBackend, sourceID, targetBackend)]
	if !ok {
		return "", false, nil
	}
	return m.TargetID, true, nil
}

// DeleteSyncItem removes the item and every mapping with its sync id.
func (s *Store) DeleteSyncItem(syncID string) error {
	if err := s.load(); err != nil {
		return err
	}
	item, ok := s.items[syncID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, syncID)
	}

	delete(s.items, syncID)
	prevMappings := s.removeMappings(syncID)

	if err := s.persist(); err != nil {
		s.items[syncID] = item
		for k, m := range prevMappings {
			s.mappings[k] = m
		}
		return err
	}
	return nil
}

// ClearAll resets the pair to empty state, on disk and in memory.
func (s *Store) ClearAll() error {
	if err := s.load(); err != nil {
		return err
	}
	prevItems, prevMappings := s.items, s.mappings
	s.items = make(map[string]*SyncItem)
	s.mappings = make(map[string]*IDMapping)
	if err := s.persist(); err != nil {
		s.items, s.mappings = prevItems, prevMappings
		return err
	}
	return nil
}

// load reads both row logs into the caches on first access.
func (s *Store) load() error {
	if s.cacheLoaded {
		return nil
	}
	items := make(map[string]*SyncItem)
	if err := readRows(filepath.Join(s.dir, itemsFile), func(line []byte) error {
		var item SyncItem
		if err := json.Unmarshal(line, &item); err != nil {
			return err
		}
		items[item.SyncID] = &item
		return nil
	}); err != nil {
		return fmt.Errorf("loading %s: %w", itemsFile, err)
	}

	mappings := make(map[string]*IDMapping)
	if err := readRows(filepath.Join(s.dir, mappingsFile), func(line []byte) error {
		var m IDMapping
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		// Orphan mappings are dropped: every mapping must resolve to an item.
		if _, ok := items[m.SyncID]; !ok {
			return nil
		}
		mappings[mappingKey(m.SourceBackend, m.SourceID, m.TargetBackend)] = &m
		return nil
	}); err != nil {
		return fmt.Errorf("loading %s: %w", mappingsFile, err)
	}

	s.items = items
	s.mappings = mappings
	s.cacheLoaded = true
	return nil
}

func readRows(path string, fn func(line []byte) error) error {
	file, err := os.Open(path) // #nosec G304 -- path is store-owned
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	return scanner.Err()
}

// persist rewrites both row logs from the caches, atomically per file
// (write to temp, then rename). Creates go through the same path as
// updates so a partial failure never leaves one log ahead of the caches.
func (s *Store) persist() error {
	itemRows := make([]interface{}, 0, len(s.items))
	for _, item := range s.items {
		itemRows = append(itemRows, item)
	}
	if err := writeJSONL(filepath.Join(s.dir, itemsFile), itemRows); err != nil {
		return fmt.Errorf("writing sync items: %w", err)
	}

	mappingRows := make([]interface{}, 0, len(s.mappings))
	for _, m := range s.mappings {
		mappingRows = append(mappingRows, m)
	}
	if err := writeJSONL(filepath.Join(s.dir, mappingsFile), mappingRows); err != nil {
		return fmt.Errorf("writing id mappings: %w", err)
	}
	return nil
}

func writeJSONL(path string, rows []interface{}) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// removeMappings drops every mapping for syncID and returns what was
// removed, keyed for restoration on rollback.
func (s *Store) removeMappings(syncID string) map[string]*IDMapping {
	removed := make(map[string]*IDMapping)
	for k, m := range s.mappings {
		if m.SyncID == syncID {
			removed[k] = m
			delete(s.mappings, k)
		}
	}
	return removed
}

// deriveMappings builds the full N*(N-1) directed mapping set for an item.
func deriveMappings(item *SyncItem, now time.Time) []*IDMapping {
	backends := item.Backends()
	var out []*IDMapping
	for _, src := range backends {
		for _, dst := range backends {
			if src == dst {
				continue
			}
			out = append(out, &IDMapping{
				SyncID:         item.SyncID,
				SourceBackend:  src,
				SourceID:       item.BackendIDs[src],
				TargetBackend:  dst,
				TargetID:       item.BackendIDs[dst],
				CreatedAt:      now,
				LastVerifiedAt: now,
			})
		}
	}
	return out
}

func mappingKey(sourceBackend, sourceID, targetBackend string) string {
	return sourceBackend + "|" + sourceID + "|" + targetBackend
}
