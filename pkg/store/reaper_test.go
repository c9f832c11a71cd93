package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	"github.com/stretchr/testify/require"

	"github.com/mageflow/mageflow/pkg/mferrors"
)

// expireNow rewrites key's envelope with an ExpiresAt in the past, without
// waiting out DefaultTTL.
func expireNow(t *testing.T, s *Store, key string) {
	t.Helper()
	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		raw := bucket.Get([]byte(key))
		require.NotNil(t, raw)
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		past := time.Now().Add(-time.Hour)
		env.ExpiresAt = &past
		out, err := json.Marshal(env)
		require.NoError(t, err)
		return bucket.Put([]byte(key), out)
	}))
}

func TestReaperSweepsExpiredRecordsButKeepsPersistentOnes(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, Put(ctx, s, "widget:persistent", widget{Name: "keeper"}, true))
	require.NoError(t, Put(ctx, s, "widget:transient", widget{Name: "gone"}, false))
	expireNow(t, s, "widget:transient")

	r := NewReaper(s, nil, otel.GetMeterProvider().Meter("mageflow-test"))
	r.sweepOnce()

	_, err := Get[widget](ctx, s, "widget:transient")
	require.ErrorIs(t, err, mferrors.ErrNotFound, "expired record reads as absent")
	require.EqualValues(t, 1, s.Stats()["record_count"], "expired record must be physically removed by the sweep")

	got, err := Get[widget](ctx, s, "widget:persistent")
	require.NoError(t, err)
	require.Equal(t, "keeper", got.Name)
}
