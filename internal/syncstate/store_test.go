package syncstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, backendIDs ...string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	if len(backendIDs) == 0 {
		backendIDs = []string{"alpha", "beta"}
	}
	store, err := Open(dir, backendIDs)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestPairID(t *testing.T) {
	if got := PairID([]string{"beta", "alpha"}); got != "alpha-beta" {
		t.Errorf("PairID = %q, want alpha-beta", got)
	}
	if PairID([]string{"a", "c", "b"}) != PairID([]string{"c", "b", "a"}) {
		t.Error("PairID is order-sensitive")
	}
}

func TestOpenRequiresTwoBackends(t *testing.T) {
	if _, err := Open(t.TempDir(), []string{"solo"}); err == nil {
		t.Fatal("expected error for single backend")
	}
}

func TestOpenLockExcludesSecondStore(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer first.Close()

	if _, err := Open(dir, []string{"alpha", "beta"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open error = %v, want ErrLocked", err)
	}

	// A different pair is a different scope and locks independently.
	other, err := Open(dir, []string{"alpha", "gamma"})
	if err != nil {
		t.Fatalf("Open other pair: %v", err)
	}
	other.Close()
}

func TestCreateSyncItem(t *testing.T) {
	store, _ := openTestStore(t)

	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-9"},
		map[string]string{"alpha": "hash-a", "beta": "hash-b"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}
	if item.SyncID == "" {
		t.Error("sync id not assigned")
	}
	if item.CreatedAt.IsZero() || item.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
	if item.BackendIDs["alpha"] != "a-1" || item.Versions["beta"] != "hash-b" {
		t.Errorf("item fields wrong: %+v", item)
	}

	got, err := store.GetSyncItem(item.SyncID)
	if err != nil || got == nil {
		t.Fatalf("GetSyncItem: %v, %v", got, err)
	}
}

func TestCreateSyncItemRequiresVersionPerBackend(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "hash-a"},
	)
	if err == nil {
		t.Fatal("expected error for missing beta version")
	}
}

func TestMappingCompleteness(t *testing.T) {
	store, _ := openTestStore(t, "alpha", "beta", "gamma")

	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1", "gamma": "g-1"},
		map[string]string{"alpha": "h", "beta": "h", "gamma": "h"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	// Three backends yield all six directed projections.
	pairs := [][3]string{
		{"alpha", "a-1", "beta"}, {"alpha", "a-1", "gamma"},
		{"beta", "b-1", "alpha"}, {"beta", "b-1", "gamma"},
		{"gamma", "g-1", "alpha"}, {"gamma", "g-1", "beta"},
	}
	want := map[string]string{"alpha": "a-1", "beta": "b-1", "gamma": "g-1"}
	for _, p := range pairs {
		target, ok, err := store.GetIDMapping(p[0], p[1], p[2])
		if err != nil {
			t.Fatalf("GetIDMapping(%v): %v", p, err)
		}
		if !ok || target != want[p[2]] {
			t.Errorf("mapping %s/%s -> %s = %q (ok=%v), want %q", p[0], p[1], p[2], target, ok, want[p[2]])
		}
	}
	_ = item
}

func TestIDMappingRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	if _, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-42", "beta": "b-7"},
		map[string]string{"alpha": "h", "beta": "h"},
	); err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	forward, ok, err := store.GetIDMapping("alpha", "a-42", "beta")
	if err != nil || !ok {
		t.Fatalf("forward mapping missing: %v", err)
	}
	back, ok, err := store.GetIDMapping("beta", forward, "alpha")
	if err != nil || !ok {
		t.Fatalf("reverse mapping missing: %v", err)
	}
	if back != "a-42" {
		t.Errorf("round trip = %q, want a-42", back)
	}
}

func TestGetIDMappingUnknown(t *testing.T) {
	store, _ := openTestStore(t)
	_, ok, err := store.GetIDMapping("alpha", "nope", "beta")
	if err != nil {
		t.Fatalf("GetIDMapping: %v", err)
	}
	if ok {
		t.Error("unknown mapping reported as found")
	}
}

func TestUpdateSyncItemMergesMaps(t *testing.T) {
	store, _ := openTestStore(t)
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h1", "beta": "h1"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	now := time.Now().UTC()
	updated, err := store.UpdateSyncItem(item.SyncID, Update{
		Versions:      map[string]string{"alpha": "h2"},
		LastSyncTimes: map[string]time.Time{"alpha": now},
	})
	if err != nil {
		t.Fatalf("UpdateSyncItem: %v", err)
	}
	if updated.Versions["alpha"] != "h2" {
		t.Errorf("alpha version = %q, want h2", updated.Versions["alpha"])
	}
	if updated.Versions["beta"] != "h1" {
		t.Errorf("beta version clobbered: %q", updated.Versions["beta"])
	}
	if updated.BackendIDs["beta"] != "b-1" {
		t.Errorf("beta binding lost: %+v", updated.BackendIDs)
	}
	if !updated.UpdatedAt.After(item.UpdatedAt) && !updated.UpdatedAt.Equal(item.UpdatedAt) {
		t.Error("UpdatedAt went backwards")
	}
}

func TestUpdateSyncItemRebindsRegeneratesMappings(t *testing.T) {
	store, _ := openTestStore(t)
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h", "beta": "h"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	if _, err := store.UpdateSyncItem(item.SyncID, Update{
		BackendIDs: map[string]string{"beta": "b-2"},
		Versions:   map[string]string{"beta": "h2"},
	}); err != nil {
		t.Fatalf("UpdateSyncItem: %v", err)
	}

	target, ok, err := store.GetIDMapping("alpha", "a-1", "beta")
	if err != nil || !ok {
		t.Fatalf("mapping missing after rebind: %v", err)
	}
	if target != "b-2" {
		t.Errorf("mapping target = %q, want b-2", target)
	}
	if _, ok, _ := store.GetIDMapping("beta", "b-1", "alpha"); ok {
		t.Error("stale mapping for the old gid survived the rebind")
	}
}

func TestUpdateSyncItemUnknown(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.UpdateSyncItem("missing", Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSyncItemDropsMappings(t *testing.T) {
	store, _ := openTestStore(t)
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h", "beta": "h"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	if err := store.DeleteSyncItem(item.SyncID); err != nil {
		t.Fatalf("DeleteSyncItem: %v", err)
	}
	got, err := store.GetSyncItem(item.SyncID)
	if err != nil {
		t.Fatalf("GetSyncItem: %v", err)
	}
	if got != nil {
		t.Error("item survived delete")
	}
	if _, ok, _ := store.GetIDMapping("alpha", "a-1", "beta"); ok {
		t.Error("mapping survived item delete")
	}
}

func TestFindSyncItemByBackendID(t *testing.T) {
	store, _ := openTestStore(t)
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h", "beta": "h"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}

	found, err := store.FindSyncItemByBackendID("beta", "b-1")
	if err != nil || found == nil {
		t.Fatalf("FindSyncItemByBackendID: %v, %v", found, err)
	}
	if found.SyncID != item.SyncID {
		t.Errorf("found %q, want %q", found.SyncID, item.SyncID)
	}

	none, err := store.FindSyncItemByBackendID("beta", "missing")
	if err != nil {
		t.Fatalf("FindSyncItemByBackendID: %v", err)
	}
	if none != nil {
		t.Error("unknown gid resolved to an item")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h-a", "beta": "h-b"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, []string{"beta", "alpha"}) // order must not matter
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetSyncItem(item.SyncID)
	if err != nil || got == nil {
		t.Fatalf("GetSyncItem after reopen: %v, %v", got, err)
	}
	if got.BackendIDs["alpha"] != "a-1" || got.Versions["beta"] != "h-b" {
		t.Errorf("reloaded item wrong: %+v", got)
	}
	if _, ok, _ := reopened.GetIDMapping("alpha", "a-1", "beta"); !ok {
		t.Error("mapping lost across reopen")
	}
}

func TestLoadDropsOrphanMappings(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h", "beta": "h"},
	); err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}
	store.Close()

	// Append a mapping row whose sync id resolves to no item.
	orphan := `{"sync_id":"ghost","source_backend":"alpha","source_id":"a-x","target_backend":"beta","target_id":"b-x"}` + "\n"
	path := filepath.Join(dir, "sync-state", PairID([]string{"alpha", "beta"}), mappingsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open mappings log: %v", err)
	}
	if _, err := f.WriteString(orphan); err != nil {
		t.Fatalf("append orphan: %v", err)
	}
	f.Close()

	reopened, err := Open(dir, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok, _ := reopened.GetIDMapping("alpha", "a-x", "beta"); ok {
		t.Error("orphan mapping survived load")
	}
	if _, ok, _ := reopened.GetIDMapping("alpha", "a-1", "beta"); !ok {
		t.Error("valid mapping dropped with the orphan")
	}
}

func TestClearAll(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h", "beta": "h"},
	); err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}
	if err := store.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	items, err := store.ListSyncItems()
	if err != nil {
		t.Fatalf("ListSyncItems: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items after ClearAll = %d, want 0", len(items))
	}
}

func TestCreateSyncItemPersistFailureRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	pairDir := store.Dir()
	// A directory squatting on the temp file makes the rewrite fail.
	if err := os.Mkdir(filepath.Join(pairDir, itemsFile+".tmp"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	_, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h1", "beta": "h2"},
	)
	if err == nil {
		t.Fatal("expected create to fail when the log cannot be written")
	}

	items, err := store.ListSyncItems()
	if err != nil {
		t.Fatalf("ListSyncItems: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("failed create left %d items in memory", len(items))
	}
	if _, ok, _ := store.GetIDMapping("alpha", "a-1", "beta"); ok {
		t.Error("failed create left an id mapping in memory")
	}
	if _, statErr := os.Stat(filepath.Join(pairDir, itemsFile)); !os.IsNotExist(statErr) {
		t.Errorf("failed create wrote the items log: %v", statErr)
	}

	// Once the obstruction is gone the same create goes through.
	if err := os.Remove(filepath.Join(pairDir, itemsFile+".tmp")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	item, err := store.CreateSyncItem(
		map[string]string{"alpha": "a-1", "beta": "b-1"},
		map[string]string{"alpha": "h1", "beta": "h2"},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem after clearing obstruction: %v", err)
	}
	if _, err := os.Stat(filepath.Join(pairDir, itemsFile)); err != nil {
		t.Errorf("items log missing after successful create: %v", err)
	}
	got, err := store.GetSyncItem(item.SyncID)
	if err != nil || got == nil {
		t.Fatalf("GetSyncItem: %v", err)
	}
}
