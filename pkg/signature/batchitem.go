package signature

import (
	"context"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/store"
	"github.com/mageflow/mageflow/pkg/workflowadapter"
)

// BatchItemSignature is the thin wrapper the swarm owns for each member
// (spec §3, §4.7.3): bound to the user's original signature and its owning
// swarm, it receives the original's executor success/error callbacks and
// bridges them back to swarm bookkeeping.
type BatchItemSignature struct {
	Base
	OriginalTaskID string `json:"original_task_id"`
	SwarmID        string `json:"swarm_id"`
}

func (b *BatchItemSignature) GetBase() *Base { return &b.Base }

func loadBatchItem(ctx context.Context, s *store.Store, itemID string) (*BatchItemSignature, error) {
	v, err := loadOrNil[BatchItemSignature](ctx, s, itemID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, mferrors.ErrMissingSwarmItem
	}
	return v.(*BatchItemSignature), nil
}

// RunBatchItem is the on_swarm_item_run executor task body (spec §4.7.3):
// under the item's lock it loads the original, claims a concurrency slot or
// defers under the swarm's own lock (add_to_running_tasks), composes the
// effective kwargs, and either triggers the original now ("run") or leaves
// it queued ("deferred", to be picked up later by fill_running_tasks).
func RunBatchItem(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, itemID string, incoming map[string]any) error {
	var (
		runNow      bool
		original    *Signature
		swarmKwargs map[string]any
	)
	err := s.WithLock(ctx, itemID, func() error {
		item, lerr := loadBatchItem(ctx, s, itemID)
		if lerr != nil {
			return lerr
		}
		orig, lerr := LoadSignature(ctx, s, item.OriginalTaskID)
		if lerr != nil {
			return lerr
		}
		if orig == nil {
			return mferrors.ErrMissingSwarmItem
		}

		// add_to_running_tasks (spec §4.7.3) belongs to the swarm, not the
		// item: nest the swarm's own lock inside the item's lock so that
		// two items triggered concurrently never race on
		// CurrentRunningTasks/TasksLeftToRun through two independent,
		// stale copies of the swarm.
		lerr = s.WithLock(ctx, item.SwarmID, func() error {
			w, werr := loadSwarm(ctx, s, item.SwarmID)
			if werr != nil {
				return mferrors.ErrMissingSignature
			}
			if w.CurrentRunningTasks < w.Config.MaxConcurrency {
				w.CurrentRunningTasks++
				runNow = true
			} else {
				w.TasksLeftToRun = append(w.TasksLeftToRun, itemID)
				runNow = false
			}
			swarmKwargs = w.Kwargs
			return Save(ctx, s, w)
		})
		if lerr != nil {
			return lerr
		}

		merged := workflowadapter.DeepMerge(item.Kwargs, orig.Kwargs)
		merged = workflowadapter.DeepMerge(merged, swarmKwargs)
		if !runNow {
			// overlay the incoming payload too, so a deferred run still
			// reflects the latest trigger's data once it is finally run.
			merged = workflowadapter.DeepMerge(merged, incoming)
		}
		orig.Kwargs = merged
		if err := Save(ctx, s, orig); err != nil {
			return err
		}
		original = orig
		return nil
	})
	if err != nil {
		return err
	}
	if !runNow {
		return nil
	}
	return Trigger(ctx, reg, ex, &original.Base, map[string]any{})
}

// OnSwarmEnd is the on_swarm_end executor task body: bridges the original's
// success callback into swarm bookkeeping via SwarmItemDone.
func OnSwarmEnd(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID, swarmItemID string, result map[string]any) error {
	return SwarmItemDone(ctx, s, reg, ex, swarmID, swarmItemID, result)
}

// OnSwarmError is the on_swarm_error executor task body: bridges the
// original's error callback into swarm bookkeeping via SwarmItemFailed.
func OnSwarmError(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID, swarmItemID string, errPayload map[string]any) error {
	return SwarmItemFailed(ctx, s, reg, ex, swarmID, swarmItemID, errPayload)
}
