package signature

import (
	"context"
	"encoding/json"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/store"
)

// Synthetic internal task names driving swarm transitions (spec §6.3).
const (
	TaskOnSwarmStart   = SyntheticTaskPrefix + "on_swarm_start"
	TaskOnSwarmItemRun = SyntheticTaskPrefix + "on_swarm_item_run"
	TaskOnSwarmEnd     = SyntheticTaskPrefix + "on_swarm_end"
	TaskOnSwarmError   = SyntheticTaskPrefix + "on_swarm_error"
)

// SwarmConfig is the bounded-concurrency fan-out policy (spec §4.7).
// stop_after_n_failures == 0 is treated as "no threshold" (documented
// deviation from a degenerate immediate-stop reading, spec §9 Open
// Question #1) — only a positive threshold trips the cancel-on-failure path.
type SwarmConfig = registry.SwarmConfig

// SwarmSignature is the bounded-concurrency fan-out engine (spec §4.7, §3).
// It owns its batch items and, transitively, the originals they wrap.
type SwarmSignature struct {
	Base
	Tasks               []string          `json:"tasks"`
	TasksLeftToRun      []string          `json:"tasks_left_to_run"`
	FinishedTasks       []string          `json:"finished_tasks"`
	FailedTasks         []string          `json:"failed_tasks"`
	TasksResults        []json.RawMessage `json:"tasks_results"`
	IsSwarmClosed       bool              `json:"is_swarm_closed"`
	CurrentRunningTasks int               `json:"current_running_tasks"`
	Config              SwarmConfig       `json:"config"`
}

func (w *SwarmSignature) GetBase() *Base { return &w.Base }

// NewSwarm creates an Open swarm with no members yet.
func NewSwarm(ctx context.Context, s *store.Store, cfg SwarmConfig, opts Options) (*SwarmSignature, error) {
	taskName := TaskOnSwarmStart
	w := &SwarmSignature{
		Base:   newBase(TagSwarm, taskName, opts),
		Config: cfg,
	}
	if err := Save(ctx, s, w); err != nil {
		return nil, err
	}
	return w, nil
}

func loadSwarm(ctx context.Context, s *store.Store, swarmID string) (*SwarmSignature, error) {
	v, err := loadOrNil[SwarmSignature](ctx, s, swarmID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, mferrors.ErrMissingSignature
	}
	return v.(*SwarmSignature), nil
}

// AddTask implements membership (spec §4.7.1): resolves task to a signature
// already saved by the caller, wraps it in a BatchItemSignature bound to the
// swarm, and wires the synthetic on_swarm_end/on_swarm_error callbacks onto
// the ORIGINAL's own success/error callback lists — not the batch item's —
// since it is the original finishing, not the wrapper's dispatch decision,
// that ends the item. AddTask itself never claims running-task capacity; it
// only appends the item to Tasks and then triggers the item's own
// on_swarm_item_run task, leaving add_to_running_tasks's admit-or-queue
// decision entirely to RunBatchItem under the swarm's lock. If closeOnMax
// and max_tasks_allowed is now reached, the swarm is closed as a side
// effect.
func AddTask(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID string, originalID string, closeOnMax bool) (*BatchItemSignature, error) {
	var item *BatchItemSignature
	err := s.WithLock(ctx, swarmID, func() error {
		w, err := loadSwarm(ctx, s, swarmID)
		if err != nil {
			return err
		}
		if w.Config.MaxTasksAllowed != nil && len(w.Tasks) >= *w.Config.MaxTasksAllowed {
			return mferrors.ErrTooManyTasks
		}
		if w.TaskStatus.Status == StatusCanceled {
			return mferrors.ErrSwarmCanceled
		}

		orig, err := LoadSignature(ctx, s, originalID)
		if err != nil {
			return err
		}
		if orig == nil {
			return mferrors.ErrMissingSignature
		}

		item = &BatchItemSignature{
			Base:           newBase(TagBatchItem, TaskOnSwarmItemRun, Options{}),
			OriginalTaskID: originalID,
			SwarmID:        swarmID,
		}
		onEnd, err := FromTaskName(ctx, s, reg, TaskOnSwarmEnd, Options{
			TaskIdentifiers: map[string]any{"swarm_task_id": swarmID, "swarm_item_id": item.ID},
		})
		if err != nil {
			return err
		}
		onErr, err := FromTaskName(ctx, s, reg, TaskOnSwarmError, Options{
			TaskIdentifiers: map[string]any{"swarm_task_id": swarmID, "swarm_item_id": item.ID},
		})
		if err != nil {
			return err
		}
		orig.SuccessCallbacks = append(orig.SuccessCallbacks, onEnd.ID)
		orig.ErrorCallbacks = append(orig.ErrorCallbacks, onErr.ID)
		if err := Save(ctx, s, orig); err != nil {
			return err
		}
		if err := Save(ctx, s, item); err != nil {
			return err
		}

		w.Tasks = append(w.Tasks, item.ID)
		if closeOnMax && w.Config.MaxTasksAllowed != nil && len(w.Tasks) >= *w.Config.MaxTasksAllowed {
			w.IsSwarmClosed = true
		}
		return Save(ctx, s, w)
	})
	if err != nil {
		return nil, err
	}
	// Dynamic membership (spec §9 Open Question #2): every newly added item
	// is offered to run immediately — RunBatchItem is the sole arbiter of
	// whether capacity is actually free, queuing it to TasksLeftToRun under
	// the swarm's lock otherwise.
	if terr := Trigger(ctx, reg, ex, &item.Base, map[string]any{}); terr != nil {
		return item, terr
	}
	return item, nil
}

// fillRunningTasks pulls from TasksLeftToRun (FIFO) until concurrency
// saturates, returning the items to trigger outside the lock.
func fillRunningTasks(ctx context.Context, s *store.Store, w *SwarmSignature) []*BatchItemSignature {
	var toTrigger []*BatchItemSignature
	for w.CurrentRunningTasks < w.Config.MaxConcurrency && len(w.TasksLeftToRun) > 0 {
		id := w.TasksLeftToRun[0]
		w.TasksLeftToRun = w.TasksLeftToRun[1:]
		v, err := loadOrNil[BatchItemSignature](ctx, s, id)
		if err != nil || v == nil {
			continue
		}
		w.CurrentRunningTasks++
		toTrigger = append(toTrigger, v.(*BatchItemSignature))
	}
	return toTrigger
}

// SwarmItemDone records a successful batch item completion (spec §4.7.4).
func SwarmItemDone(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID, itemID string, resultPayload map[string]any) error {
	raw, _ := json.Marshal(resultPayload)
	return finishSwarmItem(ctx, s, reg, ex, swarmID, itemID, func(w *SwarmSignature) bool {
		w.FinishedTasks = append(w.FinishedTasks, itemID)
		w.TasksResults = append(w.TasksResults, raw)
		return false
	})
}

// SwarmItemFailed records a failed batch item (spec §4.7.4): if
// stop_after_n_failures is configured and now met, the swarm is canceled,
// its error callbacks fire, and it is removed immediately without running
// the usual fill/done bookkeeping.
func SwarmItemFailed(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID, itemID string, errPayload map[string]any) error {
	return finishSwarmItem(ctx, s, reg, ex, swarmID, itemID, func(w *SwarmSignature) bool {
		w.FailedTasks = append(w.FailedTasks, itemID)
		threshold := w.Config.StopAfterNFailures
		if threshold != nil && *threshold > 0 && len(w.FailedTasks) >= *threshold {
			ChangeStatus(&w.Base, StatusCanceled)
			return true
		}
		return false
	})
}

// finishSwarmItem is the shared lock-acquire/update/handle-finish body for
// SwarmItemDone and SwarmItemFailed (spec §4.7.4 handle_finish_tasks).
func finishSwarmItem(
	ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor,
	swarmID, itemID string,
	apply func(w *SwarmSignature) (canceledNow bool),
) error {
	var (
		toTrigger     []*BatchItemSignature
		fireSuccess   bool
		fireCancelErr bool
		swarmSnapshot *SwarmSignature
	)
	err := s.WithLock(ctx, swarmID, func() error {
		w, lerr := loadSwarm(ctx, s, swarmID)
		if lerr != nil {
			return lerr
		}
		canceledNow := apply(w)
		if canceledNow {
			fireCancelErr = true
			swarmSnapshot = w
			return Save(ctx, s, w)
		}

		w.CurrentRunningTasks--
		if w.CurrentRunningTasks < 0 {
			w.CurrentRunningTasks = 0
		}
		toTrigger = fillRunningTasks(ctx, s, w)

		if isSwarmDone(w) {
			fireSuccess = true
		}
		swarmSnapshot = w
		return Save(ctx, s, w)
	})
	if err != nil {
		return err
	}

	// Once the bookkeeping is saved, remove this item's batch-item wrapper
	// before firing or triggering anything else (spec §4.7.4 "finally-style
	// block"). The on_swarm_end/on_swarm_error signature itself is removed by
	// its own invoker.
	TryRemove(ctx, s, itemID)

	if fireCancelErr {
		_ = ActivateCallbacks(ctx, s, reg, ex, swarmSnapshot.ErrorCallbacks, map[string]any{}, false)
		return Remove(ctx, s, &swarmSnapshot.Base, false, false)
	}

	for _, item := range toTrigger {
		if terr := Trigger(ctx, reg, ex, &item.Base, map[string]any{}); terr != nil {
			return terr
		}
	}

	if fireSuccess {
		results := make([]any, 0, len(swarmSnapshot.TasksResults))
		for _, r := range swarmSnapshot.TasksResults {
			var v any
			_ = json.Unmarshal(r, &v)
			results = append(results, v)
		}
		payload := map[string]any{"results": results}
		if err := ActivateCallbacks(ctx, s, reg, ex, swarmSnapshot.SuccessCallbacks, payload, true); err != nil {
			return err
		}
		return Remove(ctx, s, &swarmSnapshot.Base, false, false)
	}
	return nil
}

// isSwarmDone implements W4: done iff closed and every task has finished or failed.
func isSwarmDone(w *SwarmSignature) bool {
	if !w.IsSwarmClosed {
		return false
	}
	return len(w.FinishedTasks)+len(w.FailedTasks) >= len(w.Tasks)
}

// CloseSwarm implements 4.7.5: marks the swarm closed; if it is already
// done as of closing, fires success callbacks immediately. Idempotent.
func CloseSwarm(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID string) error {
	var fireSuccess bool
	var snapshot *SwarmSignature
	err := s.WithLock(ctx, swarmID, func() error {
		w, lerr := loadSwarm(ctx, s, swarmID)
		if lerr != nil {
			return lerr
		}
		if w.IsSwarmClosed {
			snapshot = w
			fireSuccess = isSwarmDone(w)
			return nil
		}
		w.IsSwarmClosed = true
		fireSuccess = isSwarmDone(w)
		snapshot = w
		return Save(ctx, s, w)
	})
	if err != nil {
		return err
	}
	if fireSuccess {
		results := make([]any, 0, len(snapshot.TasksResults))
		for _, r := range snapshot.TasksResults {
			var v any
			_ = json.Unmarshal(r, &v)
			results = append(results, v)
		}
		if err := ActivateCallbacks(ctx, s, reg, ex, snapshot.SuccessCallbacks, map[string]any{"results": results}, true); err != nil {
			return err
		}
		return Remove(ctx, s, &snapshot.Base, false, false)
	}
	return nil
}

// SuspendSwarm flips every child original's status to SUSPENDED and then
// the swarm's own (spec §4.7.7). Best-effort broadcast: a missing child is
// skipped rather than aborting the whole operation.
func SuspendSwarm(ctx context.Context, s *store.Store, swarmID string) error {
	w, err := loadSwarm(ctx, s, swarmID)
	if err != nil {
		return err
	}
	for _, itemID := range w.Tasks {
		item, lerr := loadOrNil[BatchItemSignature](ctx, s, itemID)
		if lerr != nil || item == nil {
			continue
		}
		bi := item.(*BatchItemSignature)
		_ = SuspendByID(ctx, s, bi.OriginalTaskID)
	}
	return SuspendByID(ctx, s, swarmID)
}

// ResumeSwarm restores each original to its last_status, re-triggering any
// that were ACTIVE at suspend time (spec §4.7.7).
func ResumeSwarm(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, swarmID string) error {
	w, err := loadSwarm(ctx, s, swarmID)
	if err != nil {
		return err
	}
	for _, itemID := range w.Tasks {
		item, lerr := loadOrNil[BatchItemSignature](ctx, s, itemID)
		if lerr != nil || item == nil {
			continue
		}
		bi := item.(*BatchItemSignature)
		_ = Resume(ctx, s, reg, ex, bi.OriginalTaskID)
	}
	return Resume(ctx, s, reg, ex, swarmID)
}
