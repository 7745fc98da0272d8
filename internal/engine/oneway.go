package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/taskbridge/taskbridge/internal/backend"
	"github.com/taskbridge/taskbridge/internal/detect"
	"github.com/taskbridge/taskbridge/internal/syncstate"
	"github.com/taskbridge/taskbridge/internal/task"
)

// syncOneWay propagates source changes to the target backend. The first
// configured backend is the source, the second the target.
func (e *Engine) syncOneWay(ctx context.Context, result *Result) {
	src, tgt := e.backends[0], e.backends[1]

	e.progress(PhaseDetecting, 0, 0, 0, "detecting changes in "+src.ID())
	changes, err := e.detector.Detect(ctx, src)
	if err != nil {
		e.abort(result, err)
		return
	}
	result.Stats.ItemsChecked = len(changes)

	filtered := e.applyFilter(changes)
	total := len(filtered)
	e.progress(PhaseSyncing, bandResolveEnd, 0, total, "")

	for i, c := range filtered {
		if e.cancelled(ctx, result) {
			return
		}
		var err error
		switch c.Type {
		case detect.ChangeCreated:
			err = e.oneWayCreate(ctx, result, src, tgt, c)
		case detect.ChangeUpdated:
			err = e.oneWayUpdate(ctx, result, src, tgt, c)
		case detect.ChangeDeleted:
			err = e.oneWayDelete(ctx, result, src, tgt, c)
		}
		if err != nil {
			e.recordItemErr(result, src.ID(), c.ItemID, err)
		}
		e.progress(PhaseSyncing, syncPercent(i+1, total), i+1, total, "")
	}

	e.syncRelatedOneWay(ctx, result, src, tgt)
}

// oneWayCreate mirrors a source-only task into the target and registers
// the binding SyncItem. A source id already anchored by a SyncItem means a
// previous run got this far: skip instead of duplicating.
func (e *Engine) oneWayCreate(ctx context.Context, result *Result, src, tgt backend.Backend, c detect.ItemChange) error {
	existing, err := e.store.FindSyncItemByBackendID(src.ID(), c.ItemID)
	if err != nil {
		return err
	}
	if existing != nil {
		result.Stats.ItemsSkipped++
		return nil
	}

	if e.cfg.DryRun {
		result.Stats.ItemsCreated++
		return nil
	}

	targetTask, err := e.createInBackend(ctx, tgt, c.Task, src.ID())
	if err != nil {
		return err
	}

	_, err = e.store.CreateSyncItem(
		map[string]string{src.ID(): c.ItemID, tgt.ID(): targetTask.GID},
		map[string]string{src.ID(): task.ContentHash(c.Task), tgt.ID(): task.ContentHash(targetTask)},
	)
	if err != nil {
		return fmt.Errorf("registering sync item: %w", err)
	}
	result.Stats.ItemsCreated++
	return nil
}

// oneWayUpdate writes the exact field delta to the target and bumps the
// recorded versions. Degrades to create when no SyncItem (or no target
// task) exists anymore.
func (e *Engine) oneWayUpdate(ctx context.Context, result *Result, src, tgt backend.Backend, c detect.ItemChange) error {
	item, err := e.store.FindSyncItemByBackendID(src.ID(), c.ItemID)
	if err != nil {
		return err
	}
	if item == nil || item.BackendIDs[tgt.ID()] == "" {
		return e.oneWayCreate(ctx, result, src, tgt, c)
	}

	if e.cfg.DryRun {
		result.Stats.ItemsUpdated++
		return nil
	}

	current, err := tgt.GetTask(ctx, item.BackendIDs[tgt.ID()])
	if err != nil {
		if backend.IsNotFound(err) {
			// The target copy vanished outside our view; recreate it.
			return e.recreateTarget(ctx, result, src, tgt, c, item)
		}
		return err
	}

	final := current
	if u := e.buildUpdate(current, c.Task, c.ChangedFields, src.ID(), tgt.ID()); u != nil {
		if err := e.resolveUpdateSections(ctx, tgt, u); err != nil {
			return err
		}
		final, err = tgt.UpdateTask(ctx, current.GID, u)
		if err != nil {
			return err
		}
	}

	now := e.now().UTC()
	_, err = e.store.UpdateSyncItem(item.SyncID, syncstate.Update{
		Versions: map[string]string{
			src.ID(): task.ContentHash(c.Task),
			tgt.ID(): task.ContentHash(final),
		},
		LastSyncTimes: map[string]time.Time{src.ID(): now, tgt.ID(): now},
	})
	if err != nil {
		return fmt.Errorf("bumping sync item version: %w", err)
	}
	result.Stats.ItemsUpdated++
	return nil
}

// recreateTarget rebuilds the target copy of an anchored task whose target
// record disappeared, rebinding the SyncItem to the new gid.
func (e *Engine) recreateTarget(ctx context.Context, result *Result, src, tgt backend.Backend, c detect.ItemChange, item *syncstate.SyncItem) error {
	targetTask, err := e.createInBackend(ctx, tgt, c.Task, src.ID())
	if err != nil {
		return err
	}
	now := e.now().UTC()
	_, err = e.store.UpdateSyncItem(item.SyncID, syncstate.Update{
		BackendIDs: map[string]string{tgt.ID(): targetTask.GID},
		Versions: map[string]string{
			src.ID(): task.ContentHash(c.Task),
			tgt.ID(): task.ContentHash(targetTask),
		},
		LastSyncTimes: map[string]time.Time{src.ID(): now, tgt.ID(): now},
	})
	if err != nil {
		return fmt.Errorf("rebinding sync item: %w", err)
	}
	result.Stats.ItemsUpdated++
	return nil
}

// oneWayDelete removes the target copy and drops the SyncItem. Unknown
// source ids have nothing to propagate.
func (e *Engine) oneWayDelete(ctx context.Context, result *Result, src, tgt backend.Backend, c detect.ItemChange) error {
	item, err := e.store.FindSyncItemByBackendID(src.ID(), c.ItemID)
	if err != nil {
		return err
	}
	if item == nil {
		result.Stats.ItemsSkipped++
		return nil
	}

	if e.cfg.DryRun {
		result.Stats.ItemsDeleted++
		return nil
	}

	if targetGID := item.BackendIDs[tgt.ID()]; targetGID != "" {
		if err := tgt.DeleteTask(ctx, targetGID); err != nil && !backend.IsNotFound(err) {
			return err
		}
	}
	if err := e.store.DeleteSyncItem(item.SyncID); err != nil {
		return fmt.Errorf("dropping sync item: %w", err)
	}
	result.Stats.ItemsDeleted++
	return nil
}
