package signature_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/invoker"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"
)

func newHarness(t *testing.T) (*store.Store, *registry.Registry, *executor.InMemory) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mageflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, registry.New(s), executor.NewInMemory()
}

func register(t *testing.T, s *store.Store, reg *registry.Registry, ex *executor.InMemory, name string, body executor.TaskBody) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), registry.TaskRegistration{LogicalName: name, ExecutorTaskName: name}))
	require.NoError(t, ex.RegisterTask(context.Background(), name, "", nil, nil, invoker.Wrap(s, reg, ex, body)))
}

func TestSingleSignatureSuccessPathFiresCallbackAndRemovesItself(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var sawResult map[string]any
	var mu sync.Mutex

	register(t, s, reg, ex, "echo", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		return payload, nil
	})
	register(t, s, reg, ex, "collector", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		mu.Lock()
		sawResult = payload
		mu.Unlock()
		return payload, nil
	})

	collector, err := signature.FromTaskName(ctx, s, reg, "collector", signature.Options{})
	require.NoError(t, err)

	sig, err := signature.FromTaskName(ctx, s, reg, "echo", signature.Options{
		SuccessCallbacks: []string{collector.ID},
	})
	require.NoError(t, err)

	require.NoError(t, signature.Trigger(ctx, reg, ex, &sig.Base, map[string]any{"hello": "world"}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "world", sawResult["hello"])

	exists, err := s.Exists(ctx, sig.ID)
	require.NoError(t, err)
	require.False(t, exists, "signature should remove itself on success")
}

func TestChainRunsStepsInOrderAndFiresChainSuccessOnce(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var order []string
	var mu sync.Mutex
	record := func(name string) executor.TaskBody {
		return func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			payload["from"] = name
			return payload, nil
		}
	}
	register(t, s, reg, ex, "step_a", record("a"))
	register(t, s, reg, ex, "step_b", record("b"))
	register(t, s, reg, ex, "step_c", record("c"))

	var chainResult map[string]any
	register(t, s, reg, ex, "chain_success", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		mu.Lock()
		chainResult = payload
		mu.Unlock()
		return payload, nil
	})

	register(t, s, reg, ex, signature.TaskOnChainEnd, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		chainID := taskData["chain_id"].(string)
		return payload, signature.OnChainEnd(ctx, s, reg, ex, chainID, payload)
	})
	register(t, s, reg, ex, signature.TaskOnChainError, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		chainID := taskData["chain_id"].(string)
		return payload, signature.OnChainError(ctx, s, reg, ex, chainID, payload)
	})

	stepA, err := signature.FromTaskName(ctx, s, reg, "step_a", signature.Options{})
	require.NoError(t, err)
	stepB, err := signature.FromTaskName(ctx, s, reg, "step_b", signature.Options{})
	require.NoError(t, err)
	stepC, err := signature.FromTaskName(ctx, s, reg, "step_c", signature.Options{})
	require.NoError(t, err)
	successSig, err := signature.FromTaskName(ctx, s, reg, "chain_success", signature.Options{})
	require.NoError(t, err)

	chain, err := signature.Chain(ctx, s, reg, []string{stepA.ID, stepB.ID, stepC.ID}, signature.ChainOptions{
		Success: []string{successSig.ID},
	})
	require.NoError(t, err)

	require.NoError(t, signature.Trigger(ctx, reg, ex, &stepA.Base, map[string]any{"seed": 1}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, order, "steps must run in declaration order")
	require.Equal(t, "c", chainResult["from"], "chain success callback sees the last step's result")

	exists, err := s.Exists(ctx, chain.ID)
	require.NoError(t, err)
	require.False(t, exists, "chain must be removed after completion")
}

func TestSwarmRespectsConcurrencyCapAndCollectsAllResults(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	const total = 8
	const maxConcurrency = 4

	var mu sync.Mutex
	inFlight, peak := 0, 0
	register(t, s, reg, ex, "work", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		return payload, nil
	})

	var successCount int
	var lastResults []any
	register(t, s, reg, ex, "swarm_success", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		mu.Lock()
		successCount++
		lastResults, _ = payload["results"].([]any)
		mu.Unlock()
		return payload, nil
	})

	register(t, s, reg, ex, signature.TaskOnSwarmItemRun, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		itemID := taskData["task_id"].(string)
		return payload, signature.RunBatchItem(ctx, s, reg, ex, itemID, payload)
	})
	register(t, s, reg, ex, signature.TaskOnSwarmEnd, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		return payload, signature.OnSwarmEnd(ctx, s, reg, ex, taskData["swarm_task_id"].(string), taskData["swarm_item_id"].(string), payload)
	})
	register(t, s, reg, ex, signature.TaskOnSwarmError, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		return payload, signature.OnSwarmError(ctx, s, reg, ex, taskData["swarm_task_id"].(string), taskData["swarm_item_id"].(string), payload)
	})

	successSig, err := signature.FromTaskName(ctx, s, reg, "swarm_success", signature.Options{})
	require.NoError(t, err)

	sw, err := signature.NewSwarm(ctx, s, signature.SwarmConfig{MaxConcurrency: maxConcurrency}, signature.Options{
		SuccessCallbacks: []string{successSig.ID},
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		orig, err := signature.FromTaskName(ctx, s, reg, "work", signature.Options{})
		require.NoError(t, err)
		_, err = signature.AddTask(ctx, s, reg, ex, sw.ID, orig.ID, false)
		require.NoError(t, err)
	}
	require.NoError(t, signature.CloseSwarm(ctx, s, reg, ex, sw.ID))

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, maxConcurrency, "no more than max_concurrency originals run at once (W3)")
	require.Equal(t, 1, successCount, "swarm success callback fires exactly once (W5)")
	require.Len(t, lastResults, total)
}

func TestRootBodySubmitsChildThroughSwarmAndEndsOnBodySuccess(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	register(t, s, reg, ex, signature.TaskOnSwarmItemRun, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		itemID := taskData["task_id"].(string)
		return payload, signature.RunBatchItem(ctx, s, reg, ex, itemID, payload)
	})
	register(t, s, reg, ex, signature.TaskOnSwarmEnd, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		return payload, signature.OnSwarmEnd(ctx, s, reg, ex, taskData["swarm_task_id"].(string), taskData["swarm_item_id"].(string), payload)
	})
	register(t, s, reg, ex, signature.TaskOnSwarmError, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
		return payload, signature.OnSwarmError(ctx, s, reg, ex, taskData["swarm_task_id"].(string), taskData["swarm_item_id"].(string), payload)
	})

	var childRuns int
	var swarmID string
	var mu sync.Mutex
	register(t, s, reg, ex, "child_task", func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		mu.Lock()
		childRuns++
		mu.Unlock()
		return payload, nil
	})

	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "root_task", ExecutorTaskName: "root_task"}))
	require.NoError(t, ex.RegisterTask(ctx, "root_task", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		sink, ok := signature.SinkFromContext(ctx)
		require.True(t, ok, "root task body must run with a submission sink in context")

		child, err := signature.FromTaskName(ctx, s, reg, "child_task", signature.Options{})
		require.NoError(t, err)
		require.NoError(t, sink.Submit(ctx, child))

		// The root's swarm only exists from start_task onward, so capture
		// its ID from the root record while the body is still running, before
		// end_task closes and removes it.
		rv, lerr := signature.Load(ctx, s, taskDataSignatureID(tc))
		require.NoError(t, lerr)
		mu.Lock()
		swarmID = rv.(*signature.RootSignature).SwarmID
		mu.Unlock()
		return payload, nil
	})))

	root, err := signature.RootFromTaskName(ctx, s, reg, "root_task", signature.SwarmConfig{MaxConcurrency: 1}, signature.Options{})
	require.NoError(t, err)

	require.NoError(t, signature.Trigger(ctx, reg, ex, &root.Base, map[string]any{}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, childRuns, "child submitted through the root's sink must actually run exactly once")
	require.NotEmpty(t, swarmID, "root's implicit swarm must have been created by start_task")

	rootExists, err := s.Exists(ctx, root.ID)
	require.NoError(t, err)
	require.False(t, rootExists, "root signature should remove itself once its implicit swarm closes successfully")

	swarmExists, err := s.Exists(ctx, swarmID)
	require.NoError(t, err)
	require.False(t, swarmExists, "implicit swarm should remove itself once done and closed")
}

func taskDataSignatureID(tc *executor.TaskContext) string {
	taskData := tc.AdditionalMetadata["task_data"].(map[string]any)
	return taskData["task_id"].(string)
}
