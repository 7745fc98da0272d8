package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/detect"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
	"github.com/taskbridge/taskbridge/internal/telemetry"
)

// Engine reconciles a fixed set of participating backends against the
// sync-state store. One Engine value serves one run topology; engines are
// not safe for concurrent Sync calls (the store is single-writer).
type Engine struct {
	backends []backend.Backend
	byID     map[string]backend.Backend
	store    *syncstate.Store
	detector *detect.Detector
	resolver *conflict.Resolver
	cfg      *Config

	// now is swappable for tests.
	now func() time.Time
}

// New validates the configuration and builds an engine over the given
// backends. One-way and two-way require exactly two participants, in
// source-then-target order for one-way; N-way requires at least two.
func New(store *syncstate.Store, cfg *Config, backends ...backend.Backend) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	switch cfg.Direction {
	case OneWay, TwoWay:
		if len(backends) != 2 {
			return nil, fmt.Errorf("%s sync requires exactly 2 backends, got %d", cfg.Direction, len(backends))
		}
	case NWay:
		if len(backends) < 2 {
			return nil, fmt.Errorf("n-way sync requires at least 2 backends, got %d", len(backends))
		}
	}

	byID := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		if b.ID() == "" {
			return nil, fmt.Errorf("backend id must not be empty")
		}
		if _, dup := byID[b.ID()]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", b.ID())
		}
		byID[b.ID()] = b
	}

	return &Engine{
		backends: backends,
		byID:     byID,
		store:    store,
		detector: detect.New(store),
		resolver: conflict.NewResolver(cfg.ConflictStrategy, cfg.Callbacks.OnConflict),
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// Sync runs the configured reconciliation and returns the result envelope.
// Per-item failures are collected in the result; only detection and
// state-load failures abort the run.
func (e *Engine) Sync(ctx context.Context) *Result {
	ctx, endSpan := telemetry.StartSync(ctx, string(e.cfg.Direction))
	result := &Result{
		Direction: e.cfg.Direction,
		Backends:  e.backendIDs(),
		StartedAt: e.now().UTC(),
	}

	switch e.cfg.Direction {
	case OneWay:
		e.syncOneWay(ctx, result)
	case TwoWay:
		e.syncTwoWay(ctx, result)
	case NWay:
		e.syncNWay(ctx, result)
	}

	result.CompletedAt = e.now().UTC()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()
	result.Success = len(result.Errors) == 0
	e.progress(PhaseFinalizing, bandDone, result.Stats.ItemsChecked, result.Stats.ItemsChecked, "")

	telemetry.RecordSync(ctx, string(e.cfg.Direction), result.Success,
		int64(result.Stats.ItemsCreated+result.Stats.ItemsUpdated+result.Stats.ItemsDeleted),
		int64(result.Stats.ConflictsDetected), int64(len(result.Errors)))
	endSpan(result.Success, len(result.Errors))
	return result
}

func (e *Engine) backendIDs() []string {
	ids := make([]string, len(e.backends))
	for i, b := range e.backends {
		ids[i] = b.ID()
	}
	return ids
}

// sortedBackendIDs returns participant ids in lexicographic order, the
// deterministic ordering N-way uses for graph iteration and tie-breaking.
func (e *Engine) sortedBackendIDs() []string {
	ids := e.backendIDs()
	sort.Strings(ids)
	return ids
}

// detectAll fans change detection out across the given backends in
// parallel and returns per-backend change sets. Any failure aborts the
// whole detection phase.
func (e *Engine) detectAll(ctx context.Context, backends []backend.Backend) (map[string][]detect.ItemChange, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]detect.ItemChange, len(backends))
	for i, b := range backends {
		g.Go(func() error {
			changes, err := e.detector.Detect(gctx, b)
			if err != nil {
				return err
			}
			results[i] = changes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]detect.ItemChange, len(backends))
	for i, b := range backends {
		out[b.ID()] = results[i]
	}
	return out, nil
}

// applyFilter drops changes whose tasks the configured filter rejects.
// Deletions always pass.
func (e *Engine) applyFilter(changes []detect.ItemChange) []detect.ItemChange {
	if e.cfg.Filter == nil {
		return changes
	}
	out := changes[:0:0]
	for _, c := range changes {
		if e.cfg.Filter.Match(c.Task) {
			out = append(out, c)
		}
	}
	return out
}

// cancelled checks for run cancellation between items. A cancelled run
// keeps its partial stats; state written so far remains valid.
func (e *Engine) cancelled(ctx context.Context, result *Result) bool {
	if err := ctx.Err(); err == nil {
		return false
	}
	result.Errors = append(result.Errors, &SyncError{
		Kind:    backend.KindCancelled,
		Message: "sync cancelled",
		Err:     ctx.Err(),
	})
	return true
}

// abort records a fatal (whole-run) failure.
func (e *Engine) abort(result *Result, err error) {
	syncErr := newSyncError("", "", err)
	result.Errors = append(result.Errors, syncErr)
	if e.cfg.Callbacks.OnError != nil {
		e.cfg.Callbacks.OnError(syncErr)
	}
}

// recordItemErr captures a per-item failure: categorized, reported, counted
// as skipped. The loop continues.
func (e *Engine) recordItemErr(result *Result, backendID, itemID string, err error) {
	syncErr := newSyncError(backendID, itemID, err)
	result.Errors = append(result.Errors, syncErr)
	result.Stats.ItemsSkipped++
	if e.cfg.Callbacks.OnError != nil {
		e.cfg.Callbacks.OnError(syncErr)
	}
}

func (e *Engine) progress(phase Phase, percent, processed, total int, msg string) {
	if e.cfg.Callbacks.OnProgress == nil {
		return
	}
	e.cfg.Callbacks.OnProgress(Progress{
		Phase:          phase,
		Percent:        percent,
		ItemsProcessed: processed,
		TotalItems:     total,
		Message:        msg,
	})
}

// createInBackend creates src's task in the target backend: one create
// call with the creation-time fields, then a follow-up update for anything
// else that is set. Returns the target's final record.
func (e *Engine) createInBackend(ctx context.Context, tgt backend.Backend, src *task.Task, sourceBackend string) (*task.Task, error) {
	created, err := tgt.CreateTask(ctx, backend.CreateRequest{
		Name:        src.Name,
		Notes:       src.Notes,
		DueOn:       src.DueOn,
		Priority:    src.Priority,
		IsMilestone: src.IsMilestone,
	})
	if err != nil {
		return nil, err
	}

	followUp := &task.Update{}
	if src.Completed {
		completed := true
		followUp.Completed = &completed
	}
	if src.StartOn != "" {
		startOn := src.StartOn
		followUp.StartOn = &startOn
	}
	if src.Assignee != "" {
		assignee := src.Assignee
		followUp.Assignee = &assignee
	}
	if src.AssigneeGID != "" {
		gid := src.AssigneeGID
		followUp.AssigneeGID = &gid
	}
	if len(src.Tags) > 0 {
		tags := append([]string(nil), src.Tags...)
		followUp.Tags = &tags
	}
	if parent := e.translateGID(sourceBackend, src.Parent, tgt.ID()); parent != "" {
		followUp.Parent = &parent
	}
	if names := src.SectionNames(); len(names) > 0 {
		ms, err := e.sectionMemberships(ctx, tgt, names)
		if err != nil {
			return nil, err
		}
		followUp.Memberships = &ms
	}
	if followUp.IsEmpty() {
		return created, nil
	}

	updated, err := tgt.UpdateTask(ctx, created.GID, followUp)
	if err != nil {
		return nil, fmt.Errorf("applying follow-up fields: %w", err)
	}
	return updated, nil
}

// buildUpdate computes the exact partial needed to bring current in line
// with desired, limited to the candidate fields. Returns nil when nothing
// differs.
func (e *Engine) buildUpdate(current, desired *task.Task, fields []string, sourceBackend, targetBackend string) *task.Update {
	u := &task.Update{}
	for _, f := range fields {
		cv, dv := current.FieldValue(f), desired.FieldValue(f)
		if task.Equal(cv, dv) {
			continue
		}
		switch f {
		case "name":
			v := desired.Name
			u.Name = &v
		case "notes":
			v := desired.Notes
			u.Notes = &v
		case "completed":
			v := desired.Completed
			u.Completed = &v
		case "due_on":
			v := desired.DueOn
			u.DueOn = &v
		case "start_on":
			v := desired.StartOn
			u.StartOn = &v
		case "assignee":
			v := desired.Assignee
			u.Assignee = &v
		case "assignee_gid":
			v := desired.AssigneeGID
			u.AssigneeGID = &v
		case "tags":
			v := append([]string(nil), desired.Tags...)
			u.Tags = &v
		case "sections":
			// Name-only memberships; resolveUpdateSections fills in the
			// target's section gids before the write.
			names := desired.SectionNames()
			ms := make([]task.Membership, 0, len(names))
			for _, n := range names {
				ms = append(ms, task.Membership{SectionName: n})
			}
			u.Memberships = &ms
		case "parent":
			// Parent is a backend-local gid; cross-backend it only
			// propagates when an id mapping exists in the target.
			if sourceBackend == targetBackend {
				v := desired.Parent
				u.Parent = &v
			} else if v := e.translateGID(sourceBackend, desired.Parent, targetBackend); v != "" || desired.Parent == "" {
				u.Parent = &v
			}
		case "priority":
			v := desired.Priority
			u.Priority = &v
		case "is_milestone":
			v := desired.IsMilestone
			u.IsMilestone = &v
		}
	}
	if u.IsEmpty() {
		return nil
	}
	return u
}

// sectionMemberships resolves section names into memberships carrying the
// target backend's section gids. CreateSection is idempotent by adapter
// contract, so resolution doubles as creation of missing sections.
func (e *Engine) sectionMemberships(ctx context.Context, tgt backend.Backend, names []string) ([]task.Membership, error) {
	ms := make([]task.Membership, 0, len(names))
	for _, name := range names {
		sec, err := tgt.CreateSection(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving section %q in %s: %w", name, tgt.ID(), err)
		}
		ms = append(ms, task.Membership{SectionGID: sec.GID, SectionName: sec.Name})
	}
	return ms, nil
}

// resolveUpdateSections swaps a pending update's name-only memberships for
// ones bound to the target backend's section gids.
func (e *Engine) resolveUpdateSections(ctx context.Context, tgt backend.Backend, u *task.Update) error {
	if u == nil || u.Memberships == nil {
		return nil
	}
	names := make([]string, 0, len(*u.Memberships))
	for _, m := range *u.Memberships {
		names = append(names, m.SectionName)
	}
	ms, err := e.sectionMemberships(ctx, tgt, names)
	if err != nil {
		return err
	}
	u.Memberships = &ms
	return nil
}

// translateGID maps a task gid from one backend's namespace to another's
// via the id-mapping store. Returns "" when no mapping exists.
func (e *Engine) translateGID(sourceBackend, gid, targetBackend string) string {
	if gid == "" {
		return ""
	}
	target, ok, err := e.store.GetIDMapping(sourceBackend, gid, targetBackend)
	if err != nil || !ok {
		return ""
	}
	return target
}
