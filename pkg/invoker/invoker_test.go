package invoker_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/controlplane"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/invoker"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"
	"go.opentelemetry.io/otel"
)

func newHarness(t *testing.T) (*store.Store, *registry.Registry, *executor.InMemory) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mageflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, registry.New(s), executor.NewInMemory()
}

func TestWrapRunsBodyAndActivatesSuccessCallback(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var callbackPayload map[string]any
	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "collector", ExecutorTaskName: "collector"}))
	require.NoError(t, ex.RegisterTask(ctx, "collector", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		callbackPayload = payload
		return payload, nil
	})))

	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "work", ExecutorTaskName: "work"}))
	require.NoError(t, ex.RegisterTask(ctx, "work", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		return map[string]any{"result": "ok"}, nil
	})))

	collector, err := signature.FromTaskName(ctx, s, reg, "collector", signature.Options{})
	require.NoError(t, err)
	sig, err := signature.FromTaskName(ctx, s, reg, "work", signature.Options{
		SuccessCallbacks: []string{collector.ID},
	})
	require.NoError(t, err)

	require.NoError(t, signature.Trigger(ctx, reg, ex, &sig.Base, map[string]any{}))

	require.Equal(t, "ok", callbackPayload["result"])

	exists, err := s.Exists(ctx, sig.ID)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestWrapRetriesAccordingToRegistryPolicyThenActivatesErrorCallback(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	retries := 2
	var attempts int
	var errorPayload map[string]any

	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "error_collector", ExecutorTaskName: "error_collector"}))
	require.NoError(t, ex.RegisterTask(ctx, "error_collector", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		errorPayload = payload
		return payload, nil
	})))

	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "flaky", ExecutorTaskName: "flaky", Retries: &retries}))
	require.NoError(t, ex.RegisterTask(ctx, "flaky", "", &retries, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		attempts++
		return nil, errors.New("boom")
	})))

	errSig, err := signature.FromTaskName(ctx, s, reg, "error_collector", signature.Options{})
	require.NoError(t, err)
	sig, err := signature.FromTaskName(ctx, s, reg, "flaky", signature.Options{
		ErrorCallbacks: []string{errSig.ID},
	})
	require.NoError(t, err)

	err = signature.Trigger(ctx, reg, ex, &sig.Base, map[string]any{})
	require.Error(t, err, "exhausted retries must surface the last error to the executor")

	require.Equal(t, retries+1, attempts, "one initial attempt plus retries retries")
	require.Equal(t, "boom", errorPayload["error"])

	exists, err := s.Exists(ctx, sig.ID)
	require.NoError(t, err)
	require.False(t, exists, "signature is removed once retries are exhausted and the error callback fires")
}

func TestWrapShortCircuitsWhenSignatureIsMissing(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var ran bool
	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "ghost", ExecutorTaskName: "ghost"}))
	require.NoError(t, ex.RegisterTask(ctx, "ghost", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		ran = true
		return payload, nil
	})))

	_, err := ex.Trigger(ctx, executor.Trigger{
		TaskName: "ghost",
		Payload:  map[string]any{},
		Metadata: map[string]any{"task_data": map[string]any{"task_id": "sig:does-not-exist"}},
	})
	require.NoError(t, err)
	require.False(t, ran, "should_run_task must short-circuit before the user body runs")
}

func TestWrapTrackedLetsCancelRegistryAbortAnInFlightAttempt(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)
	cancels := controlplane.NewCancelRegistry(otel.GetMeterProvider().Meter("mageflow-test"))

	started := make(chan struct{})
	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "blocker", ExecutorTaskName: "blocker"}))
	require.NoError(t, ex.RegisterTask(ctx, "blocker", "", nil, nil, invoker.WrapTracked(s, reg, ex, cancels, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	sig, err := signature.FromTaskName(ctx, s, reg, "blocker", signature.Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- signature.Trigger(ctx, reg, ex, &sig.Base, map[string]any{}) }()

	<-started
	require.Equal(t, 1, cancels.ActiveCount())
	require.NoError(t, cancels.CancelNow(ctx, sig.ID, "test"))

	require.Error(t, <-done, "the body's context is canceled once CancelNow fires")
	require.Equal(t, 0, cancels.ActiveCount(), "the attempt is untracked once it ends")
}

func TestWrapSkipsSignatureLookupWhenNoTaskDataMetadata(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var ran bool
	require.NoError(t, ex.RegisterTask(ctx, "bare", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		ran = true
		return payload, nil
	})))

	_, err := ex.Trigger(ctx, executor.Trigger{TaskName: "bare", Payload: map[string]any{}})
	require.NoError(t, err)
	require.True(t, ran, "a task triggered outside mageflow's own signature bookkeeping still runs")
}
