// Package memory provides an in-memory Backend implementation.
//
// It backs the engine test suites and serves as the local participant when
// syncing a file-driven corpus against a remote backend. All operations are
// safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/task"
)

// MaxTags caps the number of tags a single task may carry, matching the
// tightest limit among supported remote backends.
const MaxTags = 25

func init() {
	backend.Register("memory", func(id string) (backend.Backend, error) {
		return New(id), nil
	})
}

// Memory is an in-memory task backend identified by a backend id.
type Memory struct {
	id string

	mu       sync.RWMutex
	tasks    map[string]*task.Task
	tags     map[string]*task.Tag     // keyed by gid
	sections map[string]*task.Section // keyed by gid
	nextGID  int

	// now is swappable for tests that need deterministic ModifiedAt stamps.
	now func() time.Time
}

// New creates an empty in-memory backend with the given participant id.
func New(id string) *Memory {
	return &Memory{
		id:       id,
		tasks:    make(map[string]*task.Task),
		tags:     make(map[string]*task.Tag),
		sections: make(map[string]*task.Section),
		nextGID:  1,
		now:      time.Now,
	}
}

// ID returns the participant id.
func (m *Memory) ID() string { return m.id }

// SetClock replaces the modification-time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed inserts a task verbatim, preserving its GID. Intended for tests and
// corpus loading; fails if the GID is already taken.
func (m *Memory) Seed(t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.GID == "" {
		return backend.NewError(backend.KindValidation, m.id, "seed", fmt.Errorf("task gid is required"))
	}
	if _, exists := m.tasks[t.GID]; exists {
		return backend.NewError(backend.KindValidation, m.id, "seed", fmt.Errorf("task %s already exists", t.GID))
	}
	m.tasks[t.GID] = t.Clone()
	return nil
}

func (m *Memory) ListTasks(ctx context.Context) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "list_tasks", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	// Stable enumeration order keeps change detection deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].GID < out[j].GID })
	return out, nil
}

func (m *Memory) GetTask(ctx context.Context, gid string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "get_task", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[gid]
	if !ok {
		return nil, backend.NewError(backend.KindNotFound, m.id, "get_task", fmt.Errorf("task %s not found", gid))
	}
	return t.Clone(), nil
}

func (m *Memory) CreateTask(ctx context.Context, req backend.CreateRequest) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "create_task", err)
	}
	if req.Name == "" {
		return nil, backend.NewError(backend.KindValidation, m.id, "create_task", fmt.Errorf("task name is required"))
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, backend.NewError(backend.KindValidation, m.id, "create_task", fmt.Errorf("invalid priority %q", req.Priority))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t := &task.Task{
		GID:         m.newGID("task"),
		Name:        req.Name,
		Notes:       req.Notes,
		DueOn:       req.DueOn,
		Priority:    req.Priority,
		IsMilestone: req.IsMilestone,
		ModifiedAt:  &now,
	}
	m.tasks[t.GID] = t
	return t.Clone(), nil
}

func (m *Memory) UpdateTask(ctx context.Context, gid string, update *task.Update) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "update_task", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[gid]
	if !ok {
		return nil, backend.NewError(backend.KindNotFound, m.id, "update_task", fmt.Errorf("task %s not found", gid))
	}
	if update.Tags != nil && len(*update.Tags) > MaxTags {
		return nil, backend.NewError(backend.KindValidation, m.id, "update_task",
			fmt.Errorf("too many tags: %d exceeds limit of %d", len(*update.Tags), MaxTags))
	}
	if update.Priority != nil && *update.Priority != "" && !update.Priority.Valid() {
		return nil, backend.NewError(backend.KindValidation, m.id, "update_task", fmt.Errorf("invalid priority %q", *update.Priority))
	}

	if update.Name != nil {
		t.Name = *update.Name
	}
	if update.Notes != nil {
		t.Notes = *update.Notes
	}
	if update.Completed != nil {
		t.Completed = *update.Completed
	}
	if update.DueOn != nil {
		t.DueOn = *update.DueOn
	}
	if update.StartOn != nil {
		t.StartOn = *update.StartOn
	}
	if update.Assignee != nil {
		t.Assignee = *update.Assignee
	}
	if update.AssigneeGID != nil {
		t.AssigneeGID = *update.AssigneeGID
	}
	if update.Tags != nil {
		t.Tags = append([]string(nil), (*update.Tags)...)
		m.ensureTags(t.Tags)
	}
	if update.Parent != nil {
		t.Parent = *update.Parent
	}
	if update.Priority != nil {
		t.Priority = *update.Priority
	}
	if update.IsMilestone != nil {
		t.IsMilestone = *update.IsMilestone
	}
	if update.Memberships != nil {
		t.Memberships = append([]task.Membership(nil), (*update.Memberships)...)
	}

	now := m.now()
	t.ModifiedAt = &now
	return t.Clone(), nil
}

func (m *Memory) DeleteTask(ctx context.Context, gid string) error {
	if err := ctx.Err(); err != nil {
		return backend.NewError(backend.KindCancelled, m.id, "delete_task", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[gid]; !ok {
		return backend.NewError(backend.KindNotFound, m.id, "delete_task", fmt.Errorf("task %s not found", gid))
	}
	delete(m.tasks, gid)
	return nil
}

func (m *Memory) ListTags(ctx context.Context) ([]*task.Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "list_tags", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Tag, 0, len(m.tags))
	for _, tg := range m.tags {
		cp := *tg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CreateTag(ctx context.Context, name string) (*task.Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "create_tag", err)
	}
	if name == "" {
		return nil, backend.NewError(backend.KindValidation, m.id, "create_tag", fmt.Errorf("tag name is required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tg := range m.tags {
		if tg.Name == name {
			cp := *tg
			return &cp, nil
		}
	}
	tg := &task.Tag{GID: m.newGID("tag"), Name: name}
	m.tags[tg.GID] = tg
	cp := *tg
	return &cp, nil
}

func (m *Memory) ListSections(ctx context.Context) ([]*task.Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "list_sections", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Section, 0, len(m.sections))
	for _, s := range m.sections {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) CreateSection(ctx context.Context, name string) (*task.Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(backend.KindCancelled, m.id, "create_section", err)
	}
	if name == "" {
		return nil, backend.NewError(backend.KindValidation, m.id, "create_section", fmt.Errorf("section name is required"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sections {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	s := &task.Section{GID: m.newGID("section"), Name: name}
	m.sections[s.GID] = s
	cp := *s
	return &cp, nil
}

// ensureTags registers tag taxonomy entries for names applied to tasks.
// Must be called with the write lock held.
func (m *Memory) ensureTags(names []string) {
	for _, name := range names {
		found := false
		for _, tg := range m.tags {
			if tg.Name == name {
				found = true
				break
			}
		}
		if !found {
			tg := &task.Tag{GID: m.newGID("tag"), Name: name}
			m.tags[tg.GID] = tg
		}
	}
}

// newGID mints a backend-local identifier, skipping ids already taken by
// seeded records. Must be called with the write lock held.
func (m *Memory) newGID(kind string) string {
	for {
		gid := fmt.Sprintf("%s-%s-%d", m.id, kind, m.nextGID)
		m.nextGID++
		var taken bool
		switch kind {
		case "task":
			_, taken = m.tasks[gid]
		case "tag":
			_, taken = m.tags[gid]
		case "section":
			_, taken = m.sections[gid]
		}
		if !taken {
			return gid
		}
	}
}
