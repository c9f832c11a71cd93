package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/mferrors"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mageflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, Put(ctx, s, "widget:1", widget{Name: "a", Count: 1}, false))
	got, err := Get[widget](ctx, s, "widget:1")
	require.NoError(t, err)
	require.Equal(t, widget{Name: "a", Count: 1}, got)
}

func TestGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	_, err := Get[widget](ctx, s, "widget:missing")
	require.ErrorIs(t, err, mferrors.ErrNotFound)
}

func TestExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, Put(ctx, s, "widget:1", widget{Name: "a"}, false))
	ok, err := s.Exists(ctx, "widget:1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete(ctx, "widget:1"))
	ok, err = s.Exists(ctx, "widget:1")
	require.NoError(t, err)
	require.False(t, ok)

	// deleting an absent key is not an error
	require.NoError(t, s.Delete(ctx, "widget:1"))
}

func TestMutateIncrementsValue(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, Put(ctx, s, "widget:1", widget{Name: "a", Count: 0}, false))

	result, err := Mutate(ctx, s, "widget:1", false, func(w *widget) error {
		w.Count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)

	got, err := Get[widget](ctx, s, "widget:1")
	require.NoError(t, err)
	require.Equal(t, 1, got.Count)
}

func TestWithLockSerializesConcurrentMutators(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, Put(ctx, s, "widget:1", widget{Count: 0}, false))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(ctx, s, "widget:1", false, func(w *widget) error {
				w.Count++
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := Get[widget](ctx, s, "widget:1")
	require.NoError(t, err)
	require.Equal(t, 20, got.Count)
}

func TestStatsReportsRecordCount(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, Put(ctx, s, "widget:1", widget{}, false))
	require.NoError(t, Put(ctx, s, "widget:2", widget{}, false))

	stats := s.Stats()
	require.EqualValues(t, 2, stats["record_count"])
}
