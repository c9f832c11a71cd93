// Package invoker is the executor-facing lifecycle wrapper every registered
// task body runs under (spec §4.4). Grounded on the teacher's TaskExecutor
// wrapping in task_executor.go, generalized from the teacher's fixed
// HTTP/Shell/Script task kinds to the should_run/start/end/callback
// lifecycle this spec requires around an arbitrary user body.
package invoker

import (
	"context"
	"time"

	"github.com/mageflow/mageflow/pkg/controlplane"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"
)

const taskDataMetadataKey = "task_data"

// Wrap builds an executor.TaskBody that runs body inside the mageflow
// lifecycle: should_run_task, start_task, the body itself, then the
// success or error path (spec §4.4 steps 1-5). The in-flight attempt is not
// tracked for a future real Interrupt to abort — use WrapTracked for that.
func Wrap(s *store.Store, reg *registry.Registry, ex executor.Executor, body executor.TaskBody) executor.TaskBody {
	return WrapTracked(s, reg, ex, nil, body)
}

// WrapTracked is Wrap plus registration of the body's context.CancelFunc in
// cancels for the duration of the attempt, keyed by signature ID, so a real
// Interrupt implementation (spec §9 Open Question #3) has something to call
// into. cancels may be nil, in which case this behaves exactly like Wrap.
func WrapTracked(s *store.Store, reg *registry.Registry, ex executor.Executor, cancels *controlplane.CancelRegistry, body executor.TaskBody) executor.TaskBody {
	return func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		sigID := signatureIDFromMetadata(tc)
		if sigID == "" {
			// No signature metadata: this task was triggered outside mageflow
			// (e.g. directly by the executor's own scheduler); run the body
			// unwrapped rather than failing a lookup that was never expected
			// to succeed.
			return body(ctx, payload, tc)
		}

		v, err := signature.Load(ctx, s, sigID)
		if err != nil {
			return nil, err
		}

		// Step 1: should_run_task.
		if v == nil {
			tc.RequestCancel()
			return nil, nil
		}
		b := v.(signature.BaseAccessor).GetBase()
		if !signature.ShouldRun(b) {
			_ = signature.HandleInactiveTask(ctx, s, v.(signature.BaseAccessor), payload)
			tc.RequestCancel()
			return nil, nil
		}

		// Step 2: start_task.
		runCtx, err := startTask(ctx, s, reg, ex, v, tc)
		if err != nil {
			return nil, err
		}

		if cancels != nil {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithCancel(runCtx)
			cancels.Track(sigID, cancel)
			defer cancels.Untrack(sigID)
			defer cancel()
		}

		// Step 3: the user body.
		result, bodyErr := body(runCtx, payload, tc)

		if bodyErr == nil {
			return onSuccess(ctx, s, reg, ex, v, b, result)
		}
		return onError(ctx, s, reg, ex, v, b, tc, bodyErr)
	}
}

func signatureIDFromMetadata(tc *executor.TaskContext) string {
	if tc == nil || tc.AdditionalMetadata == nil {
		return ""
	}
	taskData, ok := tc.AdditionalMetadata[taskDataMetadataKey].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := taskData["task_id"].(string)
	return id
}

// startTask acquires the per-signature lock, transitions to ACTIVE, records
// the executor's attempt, and runs the subtype's start_task hook (only
// RootSignature has one of consequence: creating its swarm and threading
// the submission sink through the returned context).
func startTask(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, v any, tc *executor.TaskContext) (context.Context, error) {
	b := v.(signature.BaseAccessor).GetBase()
	err := s.WithLock(ctx, b.ID, func() error {
		signature.ChangeStatus(b, signature.StatusActive)
		if tc != nil {
			b.TaskStatus.WorkerExecutionID = workerExecutionID(tc)
		}
		return store.Put(ctx, s, b.ID, v, false)
	})
	if err != nil {
		return ctx, err
	}
	if root, ok := v.(*signature.RootSignature); ok {
		return signature.RootStartTask(ctx, s, reg, ex, root.ID)
	}
	return ctx, nil
}

func workerExecutionID(tc *executor.TaskContext) string {
	if id, ok := tc.AdditionalMetadata["execution_id"].(string); ok {
		return id
	}
	return ""
}

// endTask runs the subtype's end_task hook. Only RootSignature overrides it
// (spec §4.8): it closes (or, on failure, suspends and lifts the error
// callbacks of) its implicit swarm.
func endTask(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, v any, success bool) error {
	if root, ok := v.(*signature.RootSignature); ok {
		return signature.RootEndTask(ctx, s, reg, ex, root.ID, success)
	}
	return nil
}

// onSuccess implements step 4 (spec §4.4): end_task(true), activate success
// callbacks, then remove this signature (leaving success callbacks alive so
// they can still run — with_success=false).
func onSuccess(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, v any, b *signature.Base, result map[string]any) (map[string]any, error) {
	if err := endTask(ctx, s, reg, ex, v, true); err != nil {
		return nil, err
	}
	if err := signature.ActivateCallbacks(ctx, s, reg, ex, b.SuccessCallbacks, result, true); err != nil {
		// Fatal to this invocation per spec §7 propagation rules: re-raise
		// and let the executor apply its own retry policy.
		return nil, err
	}
	if err := signature.Remove(ctx, s, b, false, false); err != nil {
		return nil, err
	}
	return result, nil
}

// onError implements step 5 (spec §4.4): retry if the registry says to and
// the error is retriable, otherwise end_task(false), fire error callbacks,
// remove, and rethrow.
func onError(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, v any, b *signature.Base, tc *executor.TaskContext, bodyErr error) (map[string]any, error) {
	tr, _ := reg.Get(ctx, b.TaskName)
	attempt := 0
	if tc != nil {
		attempt = tc.AttemptNumber
	}
	if registry.ShouldRetry(tr, attempt, bodyErr) {
		return nil, bodyErr
	}

	if err := endTask(ctx, s, reg, ex, v, false); err != nil {
		return nil, err
	}
	errPayload := map[string]any{"error": bodyErr.Error()}
	if err := signature.ActivateCallbacks(ctx, s, reg, ex, b.ErrorCallbacks, errPayload, false); err != nil {
		return nil, err
	}
	if err := signature.Remove(ctx, s, b, false, false); err != nil {
		return nil, err
	}
	return nil, bodyErr
}

// executionTimeout is a small helper kept for registrations that set one;
// not otherwise interpreted at this layer (spec §5: timeouts are the
// executor's concern).
func executionTimeout(reg *registry.TaskRegistration) *time.Duration {
	if reg == nil || reg.ExecutionTimeoutS == nil {
		return nil
	}
	d := time.Duration(*reg.ExecutionTimeoutS) * time.Second
	return &d
}

