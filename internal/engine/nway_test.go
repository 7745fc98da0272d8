package engine

import (
	"context"
	"testing"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/backend/memory"
	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/task"
)

func nWayConfig(strategy conflict.Strategy) *Config {
	return &Config{Direction: NWay, ConflictStrategy: strategy}
}

func threeBackends(t *testing.T) (*memory.Memory, *memory.Memory, *memory.Memory) {
	t.Helper()
	return memory.New("one"), memory.New("two"), memory.New("three")
}

func TestNWayCreatesConvergeEverywhere(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "From one"})
	mustSeed(t, b2, &task.Task{GID: "two-task-1", Name: "From two"})
	mustSeed(t, b3, &task.Task{GID: "three-task-1", Name: "From three"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)

	result := mustSync(t, e)
	if result.Stats.ItemsCreated != 3 {
		t.Errorf("stats = %+v", result.Stats)
	}
	for _, b := range []backend.Backend{b1, b2, b3} {
		tasks, _ := b.ListTasks(context.Background())
		if len(tasks) != 3 {
			t.Fatalf("%s holds %d tasks, want 3", b.ID(), len(tasks))
		}
	}
	assertConverged(t, b1, b2, b3)

	second := mustSync(t, e)
	if second.Stats != (Stats{}) {
		t.Errorf("second run stats = %+v, want all zero", second.Stats)
	}
}

func TestNWayItemBindsAllBackends(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Everywhere"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)
	mustSync(t, e)

	item, err := e.store.FindSyncItemByBackendID("one", "one-task-1")
	if err != nil || item == nil {
		t.Fatalf("sync item missing: %v", err)
	}
	if len(item.BackendIDs) != 3 {
		t.Errorf("item binds %d backends, want 3: %+v", len(item.BackendIDs), item.BackendIDs)
	}
	// All six directed mappings must resolve.
	for _, src := range item.Backends() {
		for _, dst := range item.Backends() {
			if src == dst {
				continue
			}
			if _, ok, _ := e.store.GetIDMapping(src, item.BackendIDs[src], dst); !ok {
				t.Errorf("mapping %s -> %s missing", src, dst)
			}
		}
	}
}

func TestNWayAdoptsIdenticalCreates(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Shared", Notes: "same"})
	mustSeed(t, b2, &task.Task{GID: "two-task-9", Name: "Shared", Notes: "same"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)

	mustSync(t, e)
	for _, b := range []backend.Backend{b1, b2, b3} {
		tasks, _ := b.ListTasks(context.Background())
		if len(tasks) != 1 {
			t.Fatalf("%s holds %d tasks, want 1 (no duplicates)", b.ID(), len(tasks))
		}
	}
	item, _ := e.store.FindSyncItemByBackendID("one", "one-task-1")
	if item == nil || item.BackendIDs["two"] != "two-task-9" || item.BackendIDs["three"] == "" {
		t.Errorf("item = %+v", item)
	}
}

func TestNWayConcurrentUpdatesMerge(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Hot document"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)
	mustSync(t, e)

	item, _ := e.store.FindSyncItemByBackendID("one", "one-task-1")

	// Two backends edit different fields concurrently.
	notes := "edited on one"
	if _, err := b1.UpdateTask(context.Background(), "one-task-1", &task.Update{Notes: &notes}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	completed := true
	if _, err := b2.UpdateTask(context.Background(), item.BackendIDs["two"], &task.Update{Completed: &completed}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	result := mustSync(t, e)
	if result.Stats.ItemsUpdated != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	// The unchanged third backend receives the merged record too.
	third, _ := b3.GetTask(context.Background(), item.BackendIDs["three"])
	if third.Notes != "edited on one" || !third.Completed {
		t.Errorf("third copy = %+v, want both edits", third)
	}
	assertConverged(t, b1, b2, b3)
}

func TestNWayAllDeletes(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Condemned"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)
	mustSync(t, e)

	item, _ := e.store.FindSyncItemByBackendID("one", "one-task-1")
	// Deleted in two of three backends; the third copy goes with them.
	if err := b1.DeleteTask(context.Background(), "one-task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := b2.DeleteTask(context.Background(), item.BackendIDs["two"]); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	result := mustSync(t, e)
	if result.Stats.ItemsDeleted != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	tasks, _ := b3.ListTasks(context.Background())
	if len(tasks) != 0 {
		t.Errorf("third backend still holds %d tasks", len(tasks))
	}
	if got, _ := e.store.GetSyncItem(item.SyncID); got != nil {
		t.Error("sync item survived")
	}
}

func TestNWayDeleteVsUpdatePreservesData(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Contested"})
	e := newTestEngine(t, nWayConfig(conflict.Merge), b1, b2, b3)
	mustSync(t, e)

	item, _ := e.store.FindSyncItemByBackendID("one", "one-task-1")
	if err := b1.DeleteTask(context.Background(), "one-task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	notes := "survivor"
	if _, err := b2.UpdateTask(context.Background(), item.BackendIDs["two"], &task.Update{Notes: &notes}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	mustSync(t, e)
	// The update survives and the deleted copy is re-created.
	one, _ := b1.ListTasks(context.Background())
	if len(one) != 1 || one[0].Notes != "survivor" {
		t.Errorf("backend one = %+v", one)
	}
	assertConverged(t, b1, b2, b3)
}

func TestNWayDeleteVsUpdateSourceWinsLexFirst(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Contested"})
	e := newTestEngine(t, nWayConfig(conflict.SourceWins), b1, b2, b3)
	mustSync(t, e)

	item, _ := e.store.FindSyncItemByBackendID("one", "one-task-1")
	// "one" sorts before "two": the delete is the lexicographically first
	// change and source-wins honours it.
	if err := b1.DeleteTask(context.Background(), "one-task-1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	notes := "doomed"
	if _, err := b2.UpdateTask(context.Background(), item.BackendIDs["two"], &task.Update{Notes: &notes}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	mustSync(t, e)
	for _, b := range []backend.Backend{b1, b2, b3} {
		tasks, _ := b.ListTasks(context.Background())
		if len(tasks) != 0 {
			t.Errorf("%s still holds %d tasks", b.ID(), len(tasks))
		}
	}
}

func TestNWayDryRun(t *testing.T) {
	b1, b2, b3 := threeBackends(t)
	mustSeed(t, b1, &task.Task{GID: "one-task-1", Name: "Phantom"})
	cfg := nWayConfig(conflict.Merge)
	cfg.DryRun = true
	e := newTestEngine(t, cfg, b1, b2, b3)

	result := mustSync(t, e)
	if result.Stats.ItemsCreated != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}
	for _, b := range []backend.Backend{b2, b3} {
		tasks, _ := b.ListTasks(context.Background())
		if len(tasks) != 0 {
			t.Errorf("dry run wrote to %s", b.ID())
		}
	}
}
