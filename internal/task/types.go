// Package task defines the core data structures shared by every backend
// adapter and sync engine: the Task entity, its taxonomies (tags, sections),
// and the normalization/hashing rules used for change detection.
package task

import (
	"sort"
	"time"
)

// Priority is the coarse task priority shared across backends.
// The empty string means "not set".
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the recognized priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is the synced entity. Identity within a backend is GID; identity
// across backends is mediated by the sync-state store.
//
// Backends are free to encode fields idiosyncratically on the wire (e.g.
// priority as a specially-named tag), but the Task values they hand to the
// core must already be decoded: Priority populated, synthetic encoding tags
// stripped from Tags.
type Task struct {
	GID         string   `json:"gid"`
	Name        string   `json:"name"`
	Notes       string   `json:"notes,omitempty"`
	Completed   bool     `json:"completed"`
	DueOn       string   `json:"due_on,omitempty"`   // YYYY-MM-DD
	StartOn     string   `json:"start_on,omitempty"` // YYYY-MM-DD
	Assignee    string   `json:"assignee,omitempty"` // display name
	AssigneeGID string   `json:"assignee_gid,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Parent      string   `json:"parent,omitempty"` // parent task GID
	Priority    Priority `json:"priority,omitempty"`
	IsMilestone bool     `json:"is_milestone,omitempty"`

	// Memberships lists the sections this task belongs to, in backend order.
	Memberships []Membership `json:"memberships,omitempty"`

	Dependencies []string `json:"dependencies,omitempty"` // GIDs this task depends on
	Dependents   []string `json:"dependents,omitempty"`   // GIDs depending on this task

	// ModifiedAt is the backend's last-modification timestamp, when the
	// backend tracks one. It is excluded from normalization and hashing and
	// exists only so last-write-wins resolution has something to compare.
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// Membership records one section membership.
type Membership struct {
	SectionGID  string `json:"section_gid"`
	SectionName string `json:"section_name,omitempty"`
}

// Tag is a named label taxonomy entry.
type Tag struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// Section is a named grouping taxonomy entry.
type Section struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// Update is a partial task: only non-nil fields are applied.
// Backends receive Updates from the engines and must leave every other
// field of the stored task untouched.
type Update struct {
	Name        *string       `json:"name,omitempty"`
	Notes       *string       `json:"notes,omitempty"`
	Completed   *bool         `json:"completed,omitempty"`
	DueOn       *string       `json:"due_on,omitempty"`
	StartOn     *string       `json:"start_on,omitempty"`
	Assignee    *string       `json:"assignee,omitempty"`
	AssigneeGID *string       `json:"assignee_gid,omitempty"`
	Tags        *[]string     `json:"tags,omitempty"`
	Parent      *string       `json:"parent,omitempty"`
	Priority    *Priority     `json:"priority,omitempty"`
	IsMilestone *bool         `json:"is_milestone,omitempty"`
	Memberships *[]Membership `json:"memberships,omitempty"`
}

// IsEmpty reports whether the update carries no fields at all.
func (u *Update) IsEmpty() bool {
	return u.Name == nil && u.Notes == nil && u.Completed == nil &&
		u.DueOn == nil && u.StartOn == nil && u.Assignee == nil &&
		u.AssigneeGID == nil && u.Tags == nil && u.Parent == nil &&
		u.Priority == nil && u.IsMilestone == nil && u.Memberships == nil
}

// SyncableFields lists the attributes that participate in update detection
// and propagation, in the order engines iterate them.
var SyncableFields = []string{
	"name", "notes", "completed", "due_on", "start_on",
	"assignee", "assignee_gid", "tags", "sections", "parent", "priority", "is_milestone",
}

// FieldValue returns the value of a syncable field by its canonical name.
// Unset optional scalars come back as nil so null-vs-empty comparisons
// follow the equality rules in Equal.
func (t *Task) FieldValue(field string) interface{} {
	switch field {
	case "name":
		return t.Name
	case "notes":
		return t.Notes
	case "completed":
		return t.Completed
	case "due_on":
		return nilIfEmpty(t.DueOn)
	case "start_on":
		return nilIfEmpty(t.StartOn)
	case "assignee":
		return nilIfEmpty(t.Assignee)
	case "assignee_gid":
		return nilIfEmpty(t.AssigneeGID)
	case "tags":
		return toAnySlice(t.Tags)
	case "sections":
		return toAnySlice(t.SectionNames())
	case "parent":
		return nilIfEmpty(t.Parent)
	case "priority":
		return nilIfEmpty(string(t.Priority))
	case "is_milestone":
		return t.IsMilestone
	}
	return nil
}

// SetField assigns a syncable field from a resolver-produced value.
// Values arrive as the types FieldValue returns (strings, bools, []interface{}).
// Unknown fields and mistyped values are ignored rather than propagated.
func (t *Task) SetField(field string, value interface{}) {
	switch field {
	case "name":
		if s, ok := value.(string); ok {
			t.Name = s
		}
	case "notes":
		t.Notes = asString(value)
	case "completed":
		if b, ok := value.(bool); ok {
			t.Completed = b
		}
	case "due_on":
		t.DueOn = asString(value)
	case "start_on":
		t.StartOn = asString(value)
	case "assignee":
		t.Assignee = asString(value)
	case "assignee_gid":
		t.AssigneeGID = asString(value)
	case "tags":
		t.Tags = asStringSlice(value)
	case "sections":
		// Names only; the writing engine resolves backend-local gids.
		names := asStringSlice(value)
		if len(names) == 0 {
			t.Memberships = nil
			break
		}
		ms := make([]Membership, 0, len(names))
		for _, n := range names {
			ms = append(ms, Membership{SectionName: n})
		}
		t.Memberships = ms
	case "parent":
		t.Parent = asString(value)
	case "priority":
		t.Priority = Priority(asString(value))
	case "is_milestone":
		if b, ok := value.(bool); ok {
			t.IsMilestone = b
		}
	}
}

// SectionNames returns the names of the sections the task belongs to,
// sorted. Names are the cross-backend section identity; a membership
// without a name falls back to its gid.
func (t *Task) SectionNames() []string {
	if len(t.Memberships) == 0 {
		return nil
	}
	names := make([]string, 0, len(t.Memberships))
	for _, m := range t.Memberships {
		if m.SectionName != "" {
			names = append(names, m.SectionName)
		} else {
			names = append(names, m.SectionGID)
		}
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Memberships = append([]Membership(nil), t.Memberships...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Dependents = append([]string(nil), t.Dependents...)
	if t.ModifiedAt != nil {
		mt := *t.ModifiedAt
		c.ModifiedAt = &mt
	}
	return &c
}

func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case Priority:
		return string(s)
	case nil:
		return ""
	}
	return ""
}

func asStringSlice(v interface{}) []string {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...)
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(ss []string) []interface{} {
	if ss == nil {
		return nil
	}
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
