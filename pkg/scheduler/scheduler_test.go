package scheduler_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/invoker"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/scheduler"
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

func TestAddJobRunsTaskOnItsCronSchedule(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	ran := make(chan struct{}, 8)
	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "heartbeat", ExecutorTaskName: "heartbeat"}))
	require.NoError(t, ex.RegisterTask(ctx, "heartbeat", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		ran <- struct{}{}
		return payload, nil
	})))

	sch := scheduler.New(s, reg, ex, nil, otel.GetMeterProvider().Meter("mageflow-test"))
	_, err := sch.AddJob(scheduler.Job{
		TaskName: "heartbeat",
		CronExpr: "* * * * * *",
		Payload:  map[string]any{},
	})
	require.NoError(t, err)
	sch.Start()
	defer sch.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat task never ran on its cron schedule")
	}
}

func TestResumeSweepResumesSuspendedRootSignatures(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "rooted", ExecutorTaskName: "rooted"}))
	require.NoError(t, ex.RegisterTask(ctx, "rooted", "", nil, nil, invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		return payload, nil
	})))

	root, err := signature.RootFromTaskName(ctx, s, reg, "rooted", signature.SwarmConfig{MaxConcurrency: 1}, signature.Options{})
	require.NoError(t, err)

	require.NoError(t, signature.SuspendByID(ctx, s, root.ID))
	v, err := signature.Load(ctx, s, root.ID)
	require.NoError(t, err)
	require.Equal(t, signature.StatusSuspended, v.(signature.BaseAccessor).GetBase().TaskStatus.Status)

	sch := scheduler.New(s, reg, ex, nil, otel.GetMeterProvider().Meter("mageflow-test"))
	_, err = sch.AddResumeSweep("* * * * * *")
	require.NoError(t, err)
	sch.Start()
	defer sch.Stop(context.Background())

	require.Eventually(t, func() bool {
		v, err := signature.Load(ctx, s, root.ID)
		if err != nil || v == nil {
			return false
		}
		return v.(signature.BaseAccessor).GetBase().TaskStatus.Status != signature.StatusSuspended
	}, 3*time.Second, 50*time.Millisecond, "resume sweep should have restored the root signature's status")
}
