package detect

import (
	"context"
	"testing"

	"github.com/taskbridge/taskbridge/internal/backend/memory"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
)

func testStore(t *testing.T) *syncstate.Store {
	t.Helper()
	store, err := syncstate.Open(t.TempDir(), []string{"local", "remote"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, m *memory.Memory, tk *task.Task) {
	t.Helper()
	if err := m.Seed(tk); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestDetectCreated(t *testing.T) {
	store := testStore(t)
	b := memory.New("local")
	seed(t, b, &task.Task{GID: "local-task-1", Name: "fresh"})

	changes, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.Type != ChangeCreated || c.ItemID != "local-task-1" || c.SourceBackend != "local" {
		t.Errorf("change = %+v", c)
	}
	if c.SyncID != "" {
		t.Error("unanchored create carries a sync id")
	}
	if c.Task == nil || c.Task.Name != "fresh" {
		t.Error("change missing task snapshot")
	}
}

func TestDetectUnchanged(t *testing.T) {
	store := testStore(t)
	b := memory.New("local")
	tk := &task.Task{GID: "local-task-1", Name: "steady"}
	seed(t, b, tk)
	mustAnchor(t, store, tk, "remote-task-9")

	changes, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("changes = %v, want none", changes)
	}
}

func TestDetectUpdated(t *testing.T) {
	store := testStore(t)
	b := memory.New("local")
	tk := &task.Task{GID: "local-task-1", Name: "before"}
	item := mustAnchor(t, store, tk, "remote-task-9")

	edited := tk.Clone()
	edited.Name = "after"
	seed(t, b, edited)

	changes, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.Type != ChangeUpdated || c.SyncID != item.SyncID {
		t.Errorf("change = %+v", c)
	}
	if len(c.ChangedFields) != len(task.SyncableFields) {
		t.Errorf("hash-detected update should carry the full field list, got %v", c.ChangedFields)
	}
}

func TestDetectDeleted(t *testing.T) {
	store := testStore(t)
	b := memory.New("local")
	item := mustAnchor(t, store, &task.Task{GID: "local-task-1", Name: "gone"}, "remote-task-9")

	changes, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.Type != ChangeDeleted || c.ItemID != "local-task-1" || c.SyncID != item.SyncID {
		t.Errorf("change = %+v", c)
	}
	if c.Task != nil {
		t.Error("deletion carries a task snapshot")
	}
}

func TestDetectDeterministicOrder(t *testing.T) {
	store := testStore(t)
	b := memory.New("local")
	for _, gid := range []string{"local-task-3", "local-task-1", "local-task-2"} {
		seed(t, b, &task.Task{GID: gid, Name: gid})
	}

	first, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	second, err := New(store).Detect(context.Background(), b)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("change counts = %d, %d, want 3", len(first), len(second))
	}
	for i := range first {
		if first[i].ItemID != second[i].ItemID {
			t.Errorf("order differs at %d: %s vs %s", i, first[i].ItemID, second[i].ItemID)
		}
	}
}

func TestDetectFieldChanges(t *testing.T) {
	old := &task.Task{GID: "x", Name: "before", Notes: "same", Tags: []string{"a", "b"}}
	new := &task.Task{GID: "x", Name: "after", Notes: "same", Tags: []string{"b", "a"}, Completed: true}

	fields, oldVals, newVals := DetectFieldChanges(old, new)
	want := map[string]bool{"name": true, "completed": true}
	if len(fields) != len(want) {
		t.Fatalf("fields = %v, want name and completed only", fields)
	}
	for _, f := range fields {
		if !want[f] {
			t.Errorf("unexpected changed field %q", f)
		}
	}
	if oldVals["name"] != "before" || newVals["name"] != "after" {
		t.Errorf("name values = %v -> %v", oldVals["name"], newVals["name"])
	}
	if oldVals["completed"] != false || newVals["completed"] != true {
		t.Errorf("completed values = %v -> %v", oldVals["completed"], newVals["completed"])
	}
}

func TestGroupChangesByType(t *testing.T) {
	changes := []ItemChange{
		{ItemID: "a", Type: ChangeCreated},
		{ItemID: "b", Type: ChangeUpdated},
		{ItemID: "c", Type: ChangeCreated},
	}
	groups := GroupChangesByType(changes)
	if len(groups[ChangeCreated]) != 2 || len(groups[ChangeUpdated]) != 1 || len(groups[ChangeDeleted]) != 0 {
		t.Errorf("groups = %v", groups)
	}
}

// mustAnchor records tk as already synced between local and remote.
func mustAnchor(t *testing.T, store *syncstate.Store, tk *task.Task, remoteGID string) *syncstate.SyncItem {
	t.Helper()
	item, err := store.CreateSyncItem(
		map[string]string{"local": tk.GID, "remote": remoteGID},
		map[string]string{"local": task.ContentHash(tk), "remote": task.ContentHash(tk)},
	)
	if err != nil {
		t.Fatalf("CreateSyncItem: %v", err)
	}
	return item
}
