package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/conflict"
	"github.com/taskbridge/taskbridge/internal/detect"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
)

// pairedChange holds up to one change per side for a single sync identity.
type pairedChange struct {
	syncID  string
	change1 *detect.ItemChange // from the first backend
	change2 *detect.ItemChange // from the second backend
}

// syncTwoWay reconciles both backends bidirectionally.
func (e *Engine) syncTwoWay(ctx context.Context, result *Result) {
	b1, b2 := e.backends[0], e.backends[1]

	e.progress(PhaseDetecting, 0, 0, 0, "detecting changes")
	detected, err := e.detectAll(ctx, e.backends)
	if err != nil {
		e.abort(result, err)
		return
	}
	changes1 := e.applyFilter(detected[b1.ID()])
	changes2 := e.applyFilter(detected[b2.ID()])
	result.Stats.ItemsChecked = len(detected[b1.ID()]) + len(detected[b2.ID()])

	e.progress(PhaseResolving, bandDetectEnd, 0, 0, "pairing changes")
	pairs := pairChanges(changes1, changes2)
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := len(keys)
	e.progress(PhaseSyncing, bandResolveEnd, 0, total, "")

	for i, key := range keys {
		if e.cancelled(ctx, result) {
			return
		}
		if err := e.reconcilePair(ctx, result, b1, b2, pairs[key]); err != nil {
			itemID := ""
			if p := pairs[key]; p.change1 != nil {
				itemID = p.change1.ItemID
			} else if p.change2 != nil {
				itemID = p.change2.ItemID
			}
			e.recordItemErr(result, "", itemID, err)
		}
		e.progress(PhaseSyncing, syncPercent(i+1, total), i+1, total, "")
	}

	e.syncRelatedUnion(ctx, result, e.backends)
}

// pairChanges groups both sides' changes by sync identity. Anchored
// changes pair on their sync id. Unanchored creates pair for first-run
// adoption, by content hash first and then by task name, so diverged
// copies of the same task are adopted instead of duplicated; everything
// else stands alone.
func pairChanges(changes1, changes2 []detect.ItemChange) map[string]*pairedChange {
	pairs := make(map[string]*pairedChange)

	// Index side-2 creates by content hash and by name for adoption
	// matching. On duplicate names the lowest gid wins (changes arrive in
	// gid order).
	createsByHash := make(map[string]*detect.ItemChange)
	createsByName := make(map[string]*detect.ItemChange)
	for i := range changes2 {
		c := &changes2[i]
		if c.Type == detect.ChangeCreated {
			createsByHash[task.ContentHash(c.Task)] = c
			if _, dup := createsByName[c.Task.Name]; !dup {
				createsByName[c.Task.Name] = c
			}
		}
	}
	claimed := make(map[*detect.ItemChange]bool)

	for i := range changes1 {
		c := &changes1[i]
		switch {
		case c.SyncID != "":
			pairs["sync:"+c.SyncID] = &pairedChange{syncID: c.SyncID, change1: c}
		case c.Type == detect.ChangeCreated:
			if other, ok := createsByHash[task.ContentHash(c.Task)]; ok && !claimed[other] {
				claimed[other] = true
				pairs["adopt:"+task.ContentHash(c.Task)] = &pairedChange{change1: c, change2: other}
				continue
			}
			if other, ok := createsByName[c.Task.Name]; ok && !claimed[other] {
				claimed[other] = true
				pairs["adopt:name:"+c.Task.Name] = &pairedChange{change1: c, change2: other}
				continue
			}
			pairs["new:"+c.SourceBackend+":"+c.ItemID] = &pairedChange{change1: c}
		default:
			pairs["new:"+c.SourceBackend+":"+c.ItemID] = &pairedChange{change1: c}
		}
	}

	for i := range changes2 {
		c := &changes2[i]
		if claimed[c] {
			continue
		}
		if c.SyncID != "" {
			if p, ok := pairs["sync:"+c.SyncID]; ok {
				p.change2 = c
			} else {
				pairs["sync:"+c.SyncID] = &pairedChange{syncID: c.SyncID, change2: c}
			}
			continue
		}
		pairs["new:"+c.SourceBackend+":"+c.ItemID] = &pairedChange{change2: c}
	}

	return pairs
}

// reconcilePair applies the two-way reconciliation rules to one identity.
func (e *Engine) reconcilePair(ctx context.Context, result *Result, b1, b2 backend.Backend, p *pairedChange) error {
	c1, c2 := p.change1, p.change2

	switch {
	case c1 != nil && c2 == nil:
		return e.propagateChange(ctx, result, b1, b2, *c1)
	case c1 == nil && c2 != nil:
		return e.propagateChange(ctx, result, b2, b1, *c2)
	case c1 == nil && c2 == nil:
		return nil
	}

	// Both sides changed the same identity.
	switch {
	case c1.Type == detect.ChangeDeleted && c2.Type == detect.ChangeDeleted:
		return e.dropBothSides(result, p.syncID)
	case c1.Type == detect.ChangeDeleted || c2.Type == detect.ChangeDeleted:
		return e.resolveDeleteVsUpdate(ctx, result, b1, b2, p)
	case c1.Type == detect.ChangeCreated && c2.Type == detect.ChangeCreated:
		return e.adoptPair(ctx, result, b1, b2, c1, c2)
	default:
		return e.mergeUpdates(ctx, result, b1, b2, c1, c2, p.syncID)
	}
}

// propagateChange mirrors a single-sided change, reusing the one-way item
// handlers with the roles parameterized.
func (e *Engine) propagateChange(ctx context.Context, result *Result, src, tgt backend.Backend, c detect.ItemChange) error {
	switch c.Type {
	case detect.ChangeCreated:
		return e.oneWayCreate(ctx, result, src, tgt, c)
	case detect.ChangeUpdated:
		return e.oneWayUpdate(ctx, result, src, tgt, c)
	case detect.ChangeDeleted:
		return e.oneWayDelete(ctx, result, src, tgt, c)
	}
	return nil
}

// dropBothSides handles a double delete: both copies are already gone, so
// only the SyncItem remains to clean up. Idempotent.
func (e *Engine) dropBothSides(result *Result, syncID string) error {
	if e.cfg.DryRun {
		result.Stats.ItemsDeleted++
		return nil
	}
	if err := e.store.DeleteSyncItem(syncID); err != nil {
		return fmt.Errorf("dropping sync item: %w", err)
	}
	result.Stats.ItemsDeleted++
	return nil
}

// resolveDeleteVsUpdate settles continue-versus-erase: source-wins honours
// the deletion; every other strategy preserves the updated version and
// re-creates it on the deleting side.
func (e *Engine) resolveDeleteVsUpdate(ctx context.Context, result *Result, b1, b2 backend.Backend, p *pairedChange) error {
	deleting, updating := b1, b2
	updateChange := p.change2
	if p.change2.Type == detect.ChangeDeleted {
		deleting, updating = b2, b1
		updateChange = p.change1
	}

	honourDelete := e.resolver.Strategy() == conflict.SourceWins
	if honourDelete {
		if e.cfg.DryRun {
			result.Stats.ItemsDeleted++
			return nil
		}
		if gid := updateChangeGID(updateChange); gid != "" {
			if err := updating.DeleteTask(ctx, gid); err != nil && !backend.IsNotFound(err) {
				return err
			}
		}
		if err := e.store.DeleteSyncItem(p.syncID); err != nil {
			return fmt.Errorf("dropping sync item: %w", err)
		}
		result.Stats.ItemsDeleted++
		return nil
	}

	// Preserve data: re-create the updated version on the deleting side.
	if e.cfg.DryRun {
		result.Stats.ItemsCreated++
		return nil
	}
	recreated, err := e.createInBackend(ctx, deleting, updateChange.Task, updating.ID())
	if err != nil {
		return err
	}
	now := e.now().UTC()
	_, err = e.store.UpdateSyncItem(p.syncID, syncstate.Update{
		BackendIDs: map[string]string{deleting.ID(): recreated.GID},
		Versions: map[string]string{
			deleting.ID(): task.ContentHash(recreated),
			updating.ID(): task.ContentHash(updateChange.Task),
		},
		LastSyncTimes: map[string]time.Time{deleting.ID(): now, updating.ID(): now},
	})
	if err != nil {
		return fmt.Errorf("rebinding sync item: %w", err)
	}
	result.Stats.ItemsCreated++
	return nil
}

// adoptPair binds two copies of the same task found on both sides into a
// single SyncItem. Hash-equal copies need no writes; diverged copies are
// settled source-wins: the first backend's version overwrites the second's
// before the pair is bound.
func (e *Engine) adoptPair(ctx context.Context, result *Result, b1, b2 backend.Backend, c1, c2 *detect.ItemChange) error {
	diverged := task.ContentHash(c1.Task) != task.ContentHash(c2.Task)
	if e.cfg.DryRun {
		if diverged {
			result.Stats.ItemsUpdated++
		}
		return nil
	}

	final2 := c2.Task
	if diverged {
		var err error
		final2, err = e.writeReconciled(ctx, b2, c2.Task, c1.Task, b1.ID())
		if err != nil {
			return err
		}
		result.Stats.ItemsUpdated++
	}

	_, err := e.store.CreateSyncItem(
		map[string]string{b1.ID(): c1.ItemID, b2.ID(): c2.ItemID},
		map[string]string{b1.ID(): task.ContentHash(c1.Task), b2.ID(): task.ContentHash(final2)},
	)
	if err != nil {
		return fmt.Errorf("adopting existing pair: %w", err)
	}
	return nil
}

// mergeUpdates reconciles a double update: detect field conflicts over the
// union of changed fields, resolve each under the configured strategy,
// write the reconciled record to both sides symmetrically, and bump both
// recorded versions.
func (e *Engine) mergeUpdates(ctx context.Context, result *Result, b1, b2 backend.Backend, c1, c2 *detect.ItemChange, syncID string) error {
	fields := unionFields(c1.ChangedFields, c2.ChangedFields)
	conflicts := e.resolver.Detect(c1.Task, c2.Task, fields, b1.ID(), b2.ID())

	merged := c1.Task.Clone()
	for _, c := range conflicts {
		result.Stats.ConflictsDetected++
		value, err := e.resolver.Resolve(c)
		if err != nil {
			result.Conflicts = append(result.Conflicts, c)
			return fmt.Errorf("resolving conflict on %q: %w", c.Field, err)
		}
		merged.SetField(c.Field, value)
		result.Stats.ConflictsResolved++
		result.Conflicts = append(result.Conflicts, c)
	}

	if e.cfg.DryRun {
		result.Stats.ItemsUpdated++
		return nil
	}

	final1, err := e.writeReconciled(ctx, b1, c1.Task, merged, b1.ID())
	if err != nil {
		return err
	}
	final2, err := e.writeReconciled(ctx, b2, c2.Task, merged, b1.ID())
	if err != nil {
		return err
	}

	now := e.now().UTC()
	noConflicts := false
	_, err = e.store.UpdateSyncItem(syncID, syncstate.Update{
		Versions: map[string]string{
			b1.ID(): task.ContentHash(final1),
			b2.ID(): task.ContentHash(final2),
		},
		LastSyncTimes: map[string]time.Time{b1.ID(): now, b2.ID(): now},
		HasConflicts:  &noConflicts,
	})
	if err != nil {
		return fmt.Errorf("bumping sync item versions: %w", err)
	}
	result.Stats.ItemsUpdated++
	return nil
}

// writeReconciled brings one backend's copy in line with the reconciled
// record, writing only the fields that actually differ.
func (e *Engine) writeReconciled(ctx context.Context, b backend.Backend, current, desired *task.Task, desiredBackend string) (*task.Task, error) {
	u := e.buildUpdate(current, desired, task.SyncableFields, desiredBackend, b.ID())
	if u == nil {
		return current, nil
	}
	if err := e.resolveUpdateSections(ctx, b, u); err != nil {
		return nil, err
	}
	updated, err := b.UpdateTask(ctx, current.GID, u)
	if err != nil {
		return nil, fmt.Errorf("writing reconciled record to %s: %w", b.ID(), err)
	}
	return updated, nil
}

func updateChangeGID(c *detect.ItemChange) string {
	if c == nil || c.Task == nil {
		return ""
	}
	return c.Task.GID
}

func unionFields(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, f := range append(append([]string(nil), a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
