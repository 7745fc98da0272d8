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

// multiBackendChanges is one node of the change graph: the per-backend
// changes observed on a single sync identity.
type multiBackendChanges struct {
	syncID  string
	changes map[string]*detect.ItemChange // backend id -> change
}

// orderedChanges returns (backendID, change) pairs in lexicographic
// backend order. Every classification and tie-break below iterates this
// order so runs are deterministic regardless of map iteration.
func (m *multiBackendChanges) orderedChanges() ([]string, []*detect.ItemChange) {
	ids := make([]string, 0, len(m.changes))
	for id := range m.changes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	changes := make([]*detect.ItemChange, len(ids))
	for i, id := range ids {
		changes[i] = m.changes[id]
	}
	return ids, changes
}

// syncNWay reconciles N backends over the item-change graph.
func (e *Engine) syncNWay(ctx context.Context, result *Result) {
	e.progress(PhaseDetecting, 0, 0, 0, "detecting changes")
	detected, err := e.detectAll(ctx, e.backends)
	if err != nil {
		e.abort(result, err)
		return
	}

	e.progress(PhaseResolving, bandDetectEnd, 0, 0, "building change graph")
	graph := make(map[string]*multiBackendChanges)
	adopted := make(map[string]string) // content hash -> graph key, for create adoption

	for _, id := range e.sortedBackendIDs() {
		result.Stats.ItemsChecked += len(detected[id])
		for i := range detected[id] {
			c := &detected[id][i]
			if e.cfg.Filter != nil && !e.cfg.Filter.Match(c.Task) {
				continue
			}
			key := graphKey(c, adopted)
			node, ok := graph[key]
			if !ok {
				node = &multiBackendChanges{changes: make(map[string]*detect.ItemChange)}
				graph[key] = node
			}
			if node.syncID == "" {
				node.syncID = c.SyncID
			}
			node.changes[c.SourceBackend] = c
		}
	}

	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := len(keys)
	e.progress(PhaseSyncing, bandResolveEnd, 0, total, "")

	for i, key := range keys {
		if e.cancelled(ctx, result) {
			return
		}
		if err := e.reconcileNode(ctx, result, graph[key]); err != nil {
			ids, changes := graph[key].orderedChanges()
			itemID, backendID := "", ""
			if len(changes) > 0 {
				itemID, backendID = changes[0].ItemID, ids[0]
			}
			e.recordItemErr(result, backendID, itemID, err)
		}
		e.progress(PhaseSyncing, syncPercent(i+1, total), i+1, total, "")
	}

	e.syncRelatedUnion(ctx, result, e.backends)
}

// graphKey buckets a change into the graph: anchored changes by sync id,
// unanchored creates by content hash (first-run adoption), the rest alone.
func graphKey(c *detect.ItemChange, adopted map[string]string) string {
	if c.SyncID != "" {
		return "sync:" + c.SyncID
	}
	if c.Type == detect.ChangeCreated {
		hash := task.ContentHash(c.Task)
		if key, ok := adopted[hash]; ok {
			return key
		}
		key := "adopt:" + hash
		adopted[hash] = key
		return key
	}
	return "new:" + c.SourceBackend + ":" + c.ItemID
}

// reconcileNode classifies one graph node by the multiset of its change
// types and applies the matching rule.
func (e *Engine) reconcileNode(ctx context.Context, result *Result, node *multiBackendChanges) error {
	_, changes := node.orderedChanges()
	var deletes, updates, creates int
	for _, c := range changes {
		switch c.Type {
		case detect.ChangeDeleted:
			deletes++
		case detect.ChangeUpdated:
			updates++
		case detect.ChangeCreated:
			creates++
		}
	}

	switch {
	case deletes == len(changes):
		return e.nWayDeleteAll(ctx, result, node)
	case deletes > 0 && updates > 0:
		return e.nWayDeleteVsUpdate(ctx, result, node)
	case creates > 0:
		// All-creates and creates-mixed-with-updates share a path: an
		// updated version, when present, is the reference record.
		return e.nWayPopulate(ctx, result, node)
	default:
		return e.nWayMergeUpdates(ctx, result, node)
	}
}

// nWayDeleteAll removes the task from every backend the SyncItem knows,
// including unchanged ones, then drops the item.
func (e *Engine) nWayDeleteAll(ctx context.Context, result *Result, node *multiBackendChanges) error {
	if node.syncID == "" {
		return nil
	}
	if e.cfg.DryRun {
		result.Stats.ItemsDeleted++
		return nil
	}
	item, err := e.store.GetSyncItem(node.syncID)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	for _, id := range item.Backends() {
		b, ok := e.byID[id]
		if !ok {
			continue
		}
		if _, changed := node.changes[id]; changed {
			continue // already gone in this backend
		}
		if err := b.DeleteTask(ctx, item.BackendIDs[id]); err != nil && !backend.IsNotFound(err) {
			return err
		}
	}
	if err := e.store.DeleteSyncItem(node.syncID); err != nil {
		return fmt.Errorf("dropping sync item: %w", err)
	}
	result.Stats.ItemsDeleted++
	return nil
}

// nWayDeleteVsUpdate settles continue-versus-erase across N backends.
// Under source-wins the first change in backend-id lexicographic order is
// respected; every other strategy prefers updates and re-populates the
// deleted sides from the merged record.
func (e *Engine) nWayDeleteVsUpdate(ctx context.Context, result *Result, node *multiBackendChanges) error {
	ids, changes := node.orderedChanges()

	if e.resolver.Strategy() == conflict.SourceWins && changes[0].Type == detect.ChangeDeleted {
		// The deletion wins: erase everywhere.
		return e.nWayDeleteAll(ctx, result, &multiBackendChanges{
			syncID:  node.syncID,
			changes: map[string]*detect.ItemChange{ids[0]: changes[0]},
		})
	}

	// Preserve data: merge the surviving updates and push the result to
	// every backend, re-creating the deleted copies.
	survivors := &multiBackendChanges{syncID: node.syncID, changes: make(map[string]*detect.ItemChange)}
	deletedBackends := make([]string, 0)
	for i, c := range changes {
		if c.Type == detect.ChangeDeleted {
			deletedBackends = append(deletedBackends, ids[i])
			continue
		}
		survivors.changes[ids[i]] = c
	}

	merged, refBackend, err := e.foldUpdates(result, survivors)
	if err != nil {
		return err
	}

	if e.cfg.DryRun {
		result.Stats.ItemsUpdated++
		return nil
	}

	item, err := e.store.GetSyncItem(node.syncID)
	if err != nil {
		return err
	}

	update := syncstate.Update{
		BackendIDs:    make(map[string]string),
		Versions:      make(map[string]string),
		LastSyncTimes: make(map[string]time.Time),
	}
	now := e.now().UTC()

	for _, id := range deletedBackends {
		recreated, err := e.createInBackend(ctx, e.byID[id], merged, refBackend)
		if err != nil {
			return err
		}
		update.BackendIDs[id] = recreated.GID
		update.Versions[id] = task.ContentHash(recreated)
		update.LastSyncTimes[id] = now
	}
	survivorIDs, survivorChanges := survivors.orderedChanges()
	for i, id := range survivorIDs {
		final, err := e.writeReconciled(ctx, e.byID[id], survivorChanges[i].Task, merged, refBackend)
		if err != nil {
			return err
		}
		update.Versions[id] = task.ContentHash(final)
		update.LastSyncTimes[id] = now
	}

	// Unchanged backends receive the reconciled record too, otherwise they
	// drift from the survivors with no change left to detect it.
	if item != nil {
		for _, id := range item.Backends() {
			b, ok := e.byID[id]
			if !ok {
				continue
			}
			if _, touched := node.changes[id]; touched {
				continue
			}
			current, err := b.GetTask(ctx, item.BackendIDs[id])
			if err != nil {
				if backend.IsNotFound(err) {
					recreated, cerr := e.createInBackend(ctx, b, merged, refBackend)
					if cerr != nil {
						return cerr
					}
					update.BackendIDs[id] = recreated.GID
					update.Versions[id] = task.ContentHash(recreated)
					update.LastSyncTimes[id] = now
					continue
				}
				return err
			}
			final, err := e.writeReconciled(ctx, b, current, merged, refBackend)
			if err != nil {
				return err
			}
			update.Versions[id] = task.ContentHash(final)
			update.LastSyncTimes[id] = now
		}
	}

	if _, err := e.store.UpdateSyncItem(node.syncID, update); err != nil {
		return fmt.Errorf("rebinding sync item: %w", err)
	}
	result.Stats.ItemsUpdated++
	return nil
}

// nWayPopulate handles all-creates and creates-mixed-with-updates: the
// reference record (first update in lexicographic order, else the first
// create) is created in every backend missing this identity, and a single
// SyncItem binds the full set.
func (e *Engine) nWayPopulate(ctx context.Context, result *Result, node *multiBackendChanges) error {
	ids, changes := node.orderedChanges()

	var ref *task.Task
	var refBackend string
	for i, c := range changes {
		if c.Type == detect.ChangeUpdated {
			ref, refBackend = c.Task, ids[i]
			break
		}
	}
	if ref == nil {
		ref, refBackend = changes[0].Task, ids[0]
	}

	if e.cfg.DryRun {
		result.Stats.ItemsCreated++
		return nil
	}

	backendIDs := make(map[string]string)
	versions := make(map[string]string)
	for i, c := range changes {
		if c.Type != detect.ChangeDeleted {
			backendIDs[ids[i]] = c.ItemID
			versions[ids[i]] = task.ContentHash(c.Task)
		}
	}

	// Already-anchored identities keep their existing slots.
	var existing *syncstate.SyncItem
	if node.syncID != "" {
		var err error
		existing, err = e.store.GetSyncItem(node.syncID)
		if err != nil {
			return err
		}
		if existing != nil {
			for id, gid := range existing.BackendIDs {
				if _, ok := backendIDs[id]; !ok {
					backendIDs[id] = gid
					versions[id] = existing.Versions[id]
				}
			}
		}
	}

	for _, b := range e.backends {
		if _, present := backendIDs[b.ID()]; present {
			continue
		}
		created, err := e.createInBackend(ctx, b, ref, refBackend)
		if err != nil {
			return err
		}
		backendIDs[b.ID()] = created.GID
		versions[b.ID()] = task.ContentHash(created)
	}

	if existing != nil {
		now := e.now().UTC()
		times := make(map[string]time.Time, len(backendIDs))
		for id := range backendIDs {
			times[id] = now
		}
		if _, err := e.store.UpdateSyncItem(node.syncID, syncstate.Update{
			BackendIDs:    backendIDs,
			Versions:      versions,
			LastSyncTimes: times,
		}); err != nil {
			return fmt.Errorf("extending sync item: %w", err)
		}
	} else {
		if _, err := e.store.CreateSyncItem(backendIDs, versions); err != nil {
			return fmt.Errorf("registering sync item: %w", err)
		}
	}
	result.Stats.ItemsCreated++
	return nil
}

// nWayMergeUpdates reconciles concurrent updates across the collection:
// fold the per-pair conflicts into one reconciled record, then write it to
// every backend the SyncItem knows so hash-only drift converges too.
func (e *Engine) nWayMergeUpdates(ctx context.Context, result *Result, node *multiBackendChanges) error {
	merged, refBackend, err := e.foldUpdates(result, node)
	if err != nil {
		return err
	}

	if e.cfg.DryRun {
		result.Stats.ItemsUpdated++
		return nil
	}

	item, err := e.store.GetSyncItem(node.syncID)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("sync item %s vanished during run", node.syncID)
	}

	update := syncstate.Update{
		Versions:      make(map[string]string),
		LastSyncTimes: make(map[string]time.Time),
	}
	now := e.now().UTC()

	for _, id := range item.Backends() {
		b, ok := e.byID[id]
		if !ok {
			continue
		}
		current := currentTaskFor(node, id)
		if current == nil {
			fetched, err := b.GetTask(ctx, item.BackendIDs[id])
			if err != nil {
				if backend.IsNotFound(err) {
					recreated, cerr := e.createInBackend(ctx, b, merged, refBackend)
					if cerr != nil {
						return cerr
					}
					if update.BackendIDs == nil {
						update.BackendIDs = make(map[string]string)
					}
					update.BackendIDs[id] = recreated.GID
					update.Versions[id] = task.ContentHash(recreated)
					update.LastSyncTimes[id] = now
					continue
				}
				return err
			}
			current = fetched
		}
		final, err := e.writeReconciled(ctx, b, current, merged, refBackend)
		if err != nil {
			return err
		}
		update.Versions[id] = task.ContentHash(final)
		update.LastSyncTimes[id] = now
	}

	noConflicts := false
	update.HasConflicts = &noConflicts
	if _, err := e.store.UpdateSyncItem(node.syncID, update); err != nil {
		return fmt.Errorf("bumping sync item versions: %w", err)
	}
	result.Stats.ItemsUpdated++
	return nil
}

// foldUpdates merges the node's update changes pairwise in lexicographic
// backend order, resolving each detected conflict under the configured
// strategy. Returns the reconciled record and the backend whose gid
// namespace it carries.
func (e *Engine) foldUpdates(result *Result, node *multiBackendChanges) (*task.Task, string, error) {
	ids, changes := node.orderedChanges()
	if len(changes) == 0 {
		return nil, "", fmt.Errorf("no surviving changes to merge")
	}

	allFields := make([]string, 0)
	for _, c := range changes {
		allFields = unionFields(allFields, c.ChangedFields)
	}
	if len(allFields) == 0 {
		allFields = append([]string(nil), task.SyncableFields...)
	}

	merged := changes[0].Task.Clone()
	refBackend := ids[0]
	for i := 1; i < len(changes); i++ {
		conflicts := e.resolver.Detect(merged, changes[i].Task, allFields, refBackend, ids[i])
		for _, c := range conflicts {
			result.Stats.ConflictsDetected++
			value, err := e.resolver.Resolve(c)
			if err != nil {
				result.Conflicts = append(result.Conflicts, c)
				return nil, "", fmt.Errorf("resolving conflict on %q: %w", c.Field, err)
			}
			merged.SetField(c.Field, value)
			result.Stats.ConflictsResolved++
			result.Conflicts = append(result.Conflicts, c)
		}
	}
	return merged, refBackend, nil
}

func currentTaskFor(node *multiBackendChanges, backendID string) *task.Task {
	if c, ok := node.changes[backendID]; ok && c.Task != nil {
		return c.Task
	}
	return nil
}
