// Package conflict implements field-level conflict detection, strategy
// dispatch, and value merging for competing task versions of the same sync
// identity.
package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskbridge/taskbridge/internal/task"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// SourceWins picks the value from the first backend in the conflict.
	SourceWins Strategy = "source-wins"
	// TargetWins picks the value from the second backend.
	TargetWins Strategy = "target-wins"
	// LastWriteWins compares modification timestamps when the backends
	// carry them and keeps the newer value; without timestamps it
	// degenerates to the first value.
	LastWriteWins Strategy = "last-write-wins"
	// FirstWriteWins is symmetric: the older value wins, first on tie.
	FirstWriteWins Strategy = "first-write-wins"
	// Manual delegates to a caller-provided resolver callback.
	Manual Strategy = "manual"
	// Merge reconciles the two values by type-dispatched merging.
	Merge Strategy = "merge"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case SourceWins, TargetWins, LastWriteWins, FirstWriteWins, Manual, Merge:
		return true
	}
	return false
}

// ErrManualResolverRequired is returned when the manual strategy fires
// without a configured callback.
var ErrManualResolverRequired = errors.New("manual conflict strategy requires a resolver callback")

// Resolution records how a conflict was settled.
type Resolution struct {
	ChosenValue   interface{} `json:"chosen_value"`
	ChosenBackend string      `json:"chosen_backend,omitempty"`
	ResolvedAt    time.Time   `json:"resolved_at"`
}

// Conflict is a disagreement between backends about one syncable field.
// Ephemeral: detected per run and surfaced through callbacks and results.
type Conflict struct {
	Field string `json:"field"`

	// Backends lists the competing backend ids in insertion order; the
	// source/target strategies depend on this order.
	Backends []string `json:"backends"`

	// Values maps backend id to that backend's value for the field.
	Values map[string]interface{} `json:"values"`

	// ModifiedAt carries per-backend modification timestamps when the
	// backends track them. Empty entries degrade the write-wins
	// strategies to insertion order.
	ModifiedAt map[string]time.Time `json:"modified_at,omitempty"`

	DetectedAt time.Time   `json:"detected_at"`
	Strategy   Strategy    `json:"strategy"`
	Resolved   bool        `json:"resolved"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// ResolverFunc is the manual-resolution callback: it receives the full
// conflict and returns the value to use.
type ResolverFunc func(*Conflict) (interface{}, error)

// Resolver detects and resolves conflicts under a configured strategy.
type Resolver struct {
	strategy Strategy
	manual   ResolverFunc

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver creates a resolver. The manual callback may be nil unless the
// strategy is Manual.
func NewResolver(strategy Strategy, manual ResolverFunc) *Resolver {
	return &Resolver{strategy: strategy, manual: manual, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// Detect compares two task versions over the candidate fields and emits a
// conflict for every field whose values differ under the sync equality
// rules. The first task's backend becomes the conflict's first entry.
func (r *Resolver) Detect(t1, t2 *task.Task, fields []string, backend1, backend2 string) []*Conflict {
	now := r.now().UTC()
	var conflicts []*Conflict
	for _, f := range fields {
		v1, v2 := t1.FieldValue(f), t2.FieldValue(f)
		if task.Equal(v1, v2) {
			continue
		}
		c := &Conflict{
			Field:      f,
			Backends:   []string{backend1, backend2},
			Values:     map[string]interface{}{backend1: v1, backend2: v2},
			ModifiedAt: make(map[string]time.Time),
			DetectedAt: now,
			Strategy:   r.strategy,
		}
		if t1.ModifiedAt != nil {
			c.ModifiedAt[backend1] = *t1.ModifiedAt
		}
		if t2.ModifiedAt != nil {
			c.ModifiedAt[backend2] = *t2.ModifiedAt
		}
		conflicts = append(conflicts, c)
	}
	return conflicts
}

// Resolve settles the conflict under the configured strategy, stamps the
// resolution, and returns the chosen value.
func (r *Resolver) Resolve(c *Conflict) (interface{}, error) {
	if len(c.Backends) == 0 {
		return nil, fmt.Errorf("conflict on %q has no competing values", c.Field)
	}

	var value interface{}
	var chosen string

	switch r.strategy {
	case SourceWins:
		chosen = c.Backends[0]
		value = c.Values[chosen]
	case TargetWins:
		if len(c.Backends) > 1 {
			chosen = c.Backends[1]
		} else {
			chosen = c.Backends[0]
		}
		value = c.Values[chosen]
	case LastWriteWins:
		chosen = c.newestBackend()
		value = c.Values[chosen]
	case FirstWriteWins:
		chosen = c.oldestBackend()
		value = c.Values[chosen]
	case Manual:
		if r.manual == nil {
			return nil, ErrManualResolverRequired
		}
		v, err := r.manual(c)
		if err != nil {
			return nil, fmt.Errorf("manual resolver for %q: %w", c.Field, err)
		}
		value = v
	case Merge:
		value = c.Values[c.Backends[0]]
		for _, b := range c.Backends[1:] {
			value = MergeValues(value, c.Values[b])
		}
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", r.strategy)
	}

	c.Resolved = true
	c.Resolution = &Resolution{
		ChosenValue:   value,
		ChosenBackend: chosen,
		ResolvedAt:    r.now().UTC(),
	}
	return value, nil
}

// newestBackend returns the backend with the latest modification time,
// falling back to insertion order when timestamps are missing.
func (c *Conflict) newestBackend() string {
	chosen := c.Backends[0]
	best, ok := c.ModifiedAt[chosen]
	for _, b := range c.Backends[1:] {
		t, has := c.ModifiedAt[b]
		if !has {
			continue
		}
		if !ok || t.After(best) {
			chosen, best, ok = b, t, true
		}
	}
	return chosen
}

func (c *Conflict) oldestBackend() string {
	chosen := c.Backends[0]
	best, ok := c.ModifiedAt[chosen]
	for _, b := range c.Backends[1:] {
		t, has := c.ModifiedAt[b]
		if !has {
			continue
		}
		if !ok || t.Before(best) {
			chosen, best, ok = b, t, true
		}
	}
	return chosen
}
