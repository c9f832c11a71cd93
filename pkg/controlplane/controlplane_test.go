package controlplane_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/controlplane"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
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

func TestSuspendAndResumeRoundTripsPlainSignature(t *testing.T) {
	ctx := context.Background()
	s, reg, ex := newHarness(t)

	var ran int
	require.NoError(t, reg.Register(ctx, registry.TaskRegistration{LogicalName: "noop", ExecutorTaskName: "noop"}))
	require.NoError(t, ex.RegisterTask(ctx, "noop", "", nil, nil, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		ran++
		return payload, nil
	}))

	sig, err := signature.FromTaskName(ctx, s, reg, "noop", signature.Options{})
	require.NoError(t, err)

	require.NoError(t, controlplane.ChangeStatus(ctx, s, sig.ID, signature.StatusActive))
	require.NoError(t, controlplane.Suspend(ctx, s, sig.ID))

	loaded, err := signature.LoadSignature(ctx, s, sig.ID)
	require.NoError(t, err)
	require.Equal(t, signature.StatusSuspended, loaded.TaskStatus.Status)

	require.NoError(t, controlplane.Resume(ctx, s, reg, ex, sig.ID))
	require.Equal(t, 1, ran, "resuming a signature that was ACTIVE at suspend time re-triggers it")
}

func TestCancelMarksCanceledStatus(t *testing.T) {
	ctx := context.Background()
	s, reg, _ := newHarness(t)

	sig, err := signature.FromTaskName(ctx, s, reg, "noop", signature.Options{})
	require.NoError(t, err)

	require.NoError(t, controlplane.Cancel(ctx, s, sig.ID))

	loaded, err := signature.LoadSignature(ctx, s, sig.ID)
	require.NoError(t, err)
	require.Equal(t, signature.StatusCanceled, loaded.TaskStatus.Status)
}

func TestInterruptIsReservedNotImplemented(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newHarness(t)

	err := controlplane.Interrupt(ctx, s, "sig:anything")
	require.ErrorIs(t, err, mferrors.ErrNotImplemented)
}

func TestPauseHardDelegatesToInterrupt(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newHarness(t)

	err := controlplane.Pause(ctx, s, "sig:anything", signature.PauseHard)
	require.ErrorIs(t, err, mferrors.ErrNotImplemented)
}

func TestChangeStatusOnMissingSignatureIsMissingSignatureError(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newHarness(t)

	err := controlplane.ChangeStatus(ctx, s, "sig:does-not-exist", signature.StatusActive)
	require.ErrorIs(t, err, mferrors.ErrMissingSignature)
}
