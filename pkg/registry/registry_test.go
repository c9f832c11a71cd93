package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mageflow.db")
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := New(s)

	retries := 3
	require.NoError(t, r.Register(ctx, TaskRegistration{
		LogicalName:      "send_email",
		ExecutorTaskName: "tasks.send_email",
		Retries:          &retries,
	}))

	got, err := r.Get(ctx, "send_email")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "tasks.send_email", got.ExecutorTaskName)
	require.Equal(t, 3, *got.Retries)
}

func TestGetMissingIsNilNotError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	r := New(s)

	got, err := r.Get(ctx, "does_not_exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestShouldRetry(t *testing.T) {
	retries := 2
	reg := &TaskRegistration{Retries: &retries}

	require.True(t, ShouldRetry(reg, 0, assertErr))
	require.True(t, ShouldRetry(reg, 1, assertErr))
	require.False(t, ShouldRetry(reg, 2, assertErr), "attempt must be below retries")
	require.False(t, ShouldRetry(nil, 0, assertErr), "no registration means no retry")
	require.False(t, ShouldRetry(&TaskRegistration{}, 0, assertErr), "retries unset means no retry")
}

var assertErr = errStub{}

type errStub struct{}

func (errStub) Error() string { return "boom" }
