package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/task"
)

func TestCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	m := New("b1")

	created, err := m.CreateTask(ctx, backend.CreateRequest{
		Name:     "write docs",
		Notes:    "user guide",
		DueOn:    "2026-09-15",
		Priority: task.PriorityMedium,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.GID == "" || created.Name != "write docs" {
		t.Errorf("created = %+v", created)
	}
	if created.ModifiedAt == nil {
		t.Error("create did not stamp ModifiedAt")
	}

	got, err := m.GetTask(ctx, created.GID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Notes != "user guide" || got.Priority != task.PriorityMedium {
		t.Errorf("got = %+v", got)
	}

	name := "write better docs"
	completed := true
	updated, err := m.UpdateTask(ctx, created.GID, &task.Update{Name: &name, Completed: &completed})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Name != name || !updated.Completed {
		t.Errorf("updated = %+v", updated)
	}
	if updated.DueOn != "2026-09-15" {
		t.Error("partial update clobbered an unset field")
	}

	if err := m.DeleteTask(ctx, created.GID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := m.GetTask(ctx, created.GID); !backend.IsNotFound(err) {
		t.Errorf("GetTask after delete = %v, want not_found", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	m := New("b1")

	_, err := m.CreateTask(ctx, backend.CreateRequest{})
	assertKind(t, err, backend.KindValidation)

	_, err = m.CreateTask(ctx, backend.CreateRequest{Name: "x", Priority: "urgent"})
	assertKind(t, err, backend.KindValidation)
}

func TestUpdateTaskTagLimit(t *testing.T) {
	ctx := context.Background()
	m := New("b1")
	created, err := m.CreateTask(ctx, backend.CreateRequest{Name: "tagged"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tags := make([]string, MaxTags+1)
	for i := range tags {
		tags[i] = fmt.Sprintf("tag-%d", i)
	}
	_, err = m.UpdateTask(ctx, created.GID, &task.Update{Tags: &tags})
	assertKind(t, err, backend.KindValidation)

	// Exactly at the cap is fine, and tag taxonomy entries appear.
	tags = tags[:MaxTags]
	if _, err := m.UpdateTask(ctx, created.GID, &task.Update{Tags: &tags}); err != nil {
		t.Fatalf("UpdateTask at cap: %v", err)
	}
	listed, err := m.ListTags(ctx)
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(listed) != MaxTags {
		t.Errorf("taxonomy entries = %d, want %d", len(listed), MaxTags)
	}
}

func TestListTasksSorted(t *testing.T) {
	ctx := context.Background()
	m := New("b1")
	for i := 0; i < 5; i++ {
		if _, err := m.CreateTask(ctx, backend.CreateRequest{Name: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	tasks, err := m.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i-1].GID >= tasks[i].GID {
			t.Fatalf("list not sorted: %s before %s", tasks[i-1].GID, tasks[i].GID)
		}
	}
}

func TestUpdateStampsModifiedAt(t *testing.T) {
	ctx := context.Background()
	m := New("b1")
	current := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return current })

	created, err := m.CreateTask(ctx, backend.CreateRequest{Name: "clocked"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !created.ModifiedAt.Equal(current) {
		t.Errorf("ModifiedAt = %v, want %v", created.ModifiedAt, current)
	}

	current = current.Add(time.Hour)
	name := "reclocked"
	updated, err := m.UpdateTask(ctx, created.GID, &task.Update{Name: &name})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !updated.ModifiedAt.Equal(current) {
		t.Errorf("ModifiedAt = %v, want %v", updated.ModifiedAt, current)
	}
}

func TestTagsAndSectionsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := New("b1")

	first, err := m.CreateTag(ctx, "launch")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	second, err := m.CreateTag(ctx, "launch")
	if err != nil {
		t.Fatalf("CreateTag again: %v", err)
	}
	if first.GID != second.GID {
		t.Error("duplicate tag name minted a second gid")
	}

	s1, err := m.CreateSection(ctx, "Backlog")
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	s2, err := m.CreateSection(ctx, "Backlog")
	if err != nil {
		t.Fatalf("CreateSection again: %v", err)
	}
	if s1.GID != s2.GID {
		t.Error("duplicate section name minted a second gid")
	}
}

func TestContextCancellation(t *testing.T) {
	m := New("b1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ListTasks(ctx)
	assertKind(t, err, backend.KindCancelled)
}

func TestRegisteredInGlobalRegistry(t *testing.T) {
	b, err := backend.New("memory", "reg-test")
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	if b.ID() != "reg-test" {
		t.Errorf("ID = %q", b.ID())
	}
}

func assertKind(t *testing.T, err error, want backend.Kind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	if got := backend.Categorize(err); got != want {
		t.Errorf("kind = %v, want %v (err: %v)", got, want, err)
	}
}

func TestCreateTaskSkipsSeededGIDs(t *testing.T) {
	ctx := context.Background()
	m := New("b1")
	// Seeded records may occupy ids the minting counter would produce next.
	if err := m.Seed(&task.Task{GID: "b1-task-1", Name: "seeded"}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	created, err := m.CreateTask(ctx, backend.CreateRequest{Name: "minted"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.GID == "b1-task-1" {
		t.Fatalf("minted gid %q collides with the seeded task", created.GID)
	}
	seeded, err := m.GetTask(ctx, "b1-task-1")
	if err != nil {
		t.Fatalf("GetTask seeded: %v", err)
	}
	if seeded.Name != "seeded" {
		t.Errorf("seeded task overwritten: %+v", seeded)
	}
	tasks, _ := m.ListTasks(ctx)
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}
}
