// Package store is the key-value store binding layer (spec §4.1, §6.2):
// atomic get/put, a per-key advisory lock, a "pipeline"-style locked
// read-modify-write, and a sliding TTL. Every record carries a version
// counter that Put increments, but no write compares it: there is no
// compare-and-set update and ErrConflict is never returned, so concurrent
// writers are serialized only by holding the per-key lock. Grounded on the teacher's
// persistence.go (BoltDB-backed WorkflowStore with per-operation metrics and
// a memory cache), generalized from one fixed record shape to any JSON
// record addressed by an opaque string key.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mageflow/mageflow/internal/corelib/resilience"
	"github.com/mageflow/mageflow/pkg/mferrors"
)

var recordsBucket = []byte("mageflow_records")

// DefaultTTL is the sliding lifetime applied to non-persistent records (spec §3).
const DefaultTTL = 24 * time.Hour

// Store is the durable record store every persisted mageflow type is built
// on. Writes are last-writer-wins; see the package doc on versions.
type Store struct {
	db    *bbolt.DB
	locks keyLockTable

	tracer trace.Tracer

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	conflicts    metric.Int64Counter
	lockWaitTime metric.Float64Histogram
}

// Option configures Open.
type Option func(*Store)

// WithMeter attaches an OpenTelemetry meter; without it, metrics are no-ops.
func WithMeter(meter metric.Meter) Option {
	return func(s *Store) {
		s.readLatency, _ = meter.Float64Histogram("mageflow_store_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("mageflow_store_write_ms")
		s.conflicts, _ = meter.Int64Counter("mageflow_store_conflicts_total")
		s.lockWaitTime, _ = meter.Float64Histogram("mageflow_store_lock_wait_ms")
	}
}

// Open creates or opens a BoltDB-backed store at dbPath.
func Open(dbPath string, opts ...Option) (*Store, error) {
	opened, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := opened.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		opened.Close()
		return nil, fmt.Errorf("create records bucket: %w", err)
	}

	s := &Store{
		db:     opened,
		locks:  newKeyLockTable(),
		tracer: otel.Tracer("mageflow-store"),
	}
	noop := otel.GetMeterProvider().Meter("mageflow")
	WithMeter(noop)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

type envelope struct {
	Version     int64           `json:"version"`
	Persistent  bool            `json:"persistent"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	LastTouched time.Time       `json:"last_touched"`
	Data        json.RawMessage `json:"data"`
}

func (s *Store) getEnvelope(tx *bbolt.Tx, key string) (*envelope, bool) {
	raw := tx.Bucket(recordsBucket).Get([]byte(key))
	if raw == nil {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.ExpiresAt != nil && time.Now().After(*env.ExpiresAt) {
		return nil, false
	}
	return &env, true
}

// Put unconditionally writes v under key, refreshing its sliding TTL unless
// persistent is true (persistent records, e.g. TaskRegistration, never expire).
func Put[T any](ctx context.Context, s *Store, key string, v T, persistent bool) error {
	start := time.Now()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		version := int64(1)
		created := time.Now()
		if existing, ok := s.getEnvelope(tx, key); ok {
			version = existing.Version + 1
			created = existing.CreatedAt
		}
		env := envelope{
			Version:     version,
			Persistent:  persistent,
			CreatedAt:   created,
			LastTouched: time.Now(),
			Data:        data,
		}
		if !persistent {
			exp := time.Now().Add(DefaultTTL)
			env.ExpiresAt = &exp
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), raw)
	})
	s.recordWrite(ctx, "put", start)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get loads the record stored under key, or mferrors.ErrNotFound.
func Get[T any](ctx context.Context, s *Store, key string) (T, error) {
	start := time.Now()
	var out T
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		env, ok := s.getEnvelope(tx, key)
		if !ok {
			return nil
		}
		found = true
		return json.Unmarshal(env.Data, &out)
	})
	s.recordRead(ctx, "get", start)
	if err != nil {
		return out, fmt.Errorf("get %s: %w", key, err)
	}
	if !found {
		return out, mferrors.ErrNotFound
	}
	return out, nil
}

// Exists reports whether key resolves to a live (unexpired) record.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, found = s.getEnvelope(tx, key)
		return nil
	})
	return found, err
}

// Delete removes key unconditionally. Deleting a key that does not exist is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
	s.recordWrite(ctx, "delete", start)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// lockRetryAttempts/lockRetryDelay bound how long WithLock and Mutate wait
// for a held advisory lock: one blocking wait of lockRetryAttempts ×
// lockRetryDelay (80ms by default), after which acquisition fails with
// ErrTransient. There is no retry loop or growing backoff.
const lockRetryAttempts = 8

var lockRetryDelay = 10 * time.Millisecond

// WithLock acquires the advisory per-key lock for the duration of fn. Use
// this when a logical operation spans more than one store call (e.g. load
// the swarm, load the original, decide, write both) and the whole window
// must be serialized against other holders of the same key's lock.
//
// Locks are never held across a call into the executor (spec §9): fn must
// not itself perform a blocking RPC to the executor.
func (s *Store) WithLock(ctx context.Context, key string, fn func() error) error {
	start := time.Now()
	release, err := s.locks.acquire(ctx, key, lockRetryAttempts, lockRetryDelay)
	s.recordLockWait(ctx, start)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Mutate runs a locked load-mutate-save cycle on the record stored at key:
// it acquires the per-key lock, loads the current value, lets fn mutate it
// in place, and writes the result back inside the same lock window. This is
// the "pipeline"/"lock with write-back" primitive (spec §4.1). The
// signature package does not call Mutate: its counter and list updates load
// the record, change it and Put it back inside its own WithLock call.
func Mutate[T any](ctx context.Context, s *Store, key string, persistent bool, fn func(*T) error) (T, error) {
	var result T
	var opErr error
	lockErr := s.WithLock(ctx, key, func() error {
		current, err := Get[T](ctx, s, key)
		if err != nil {
			opErr = err
			return nil
		}
		if err := fn(&current); err != nil {
			opErr = err
			return nil
		}
		if err := Put(ctx, s, key, current, persistent); err != nil {
			opErr = err
			return nil
		}
		result = current
		return nil
	})
	if lockErr != nil {
		return result, lockErr
	}
	return result, opErr
}

// retryOnConflict wraps fn with the store's bounded-backoff retry policy for
// store-side conflicts and transient failures (spec §7 propagation rules).
func retryOnConflict[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return resilience.Retry(ctx, 3, 20*time.Millisecond, fn)
}

// Keys returns every live key with the given prefix. Used by maintenance
// sweeps (the resume scheduler's suspended-root scan) that need to walk a
// subtype's ID space rather than address one key directly.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			var env envelope
			if json.Unmarshal(v, &env) != nil {
				continue
			}
			if env.ExpiresAt != nil && time.Now().After(*env.ExpiresAt) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Stats reports bucket occupancy, mirroring the teacher's GetStats introspection.
func (s *Store) Stats() map[string]any {
	stats := map[string]any{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		if b := tx.Bucket(recordsBucket); b != nil {
			stats["record_count"] = b.Stats().KeyN
		}
		return nil
	})
	return stats
}

func (s *Store) recordRead(ctx context.Context, op string, start time.Time) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
}

func (s *Store) recordWrite(ctx context.Context, op string, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", op)))
}

func (s *Store) recordLockWait(ctx context.Context, start time.Time) {
	if s.lockWaitTime == nil {
		return
	}
	s.lockWaitTime.Record(ctx, float64(time.Since(start).Milliseconds()))
}

// keyLockTable is the in-process advisory lock table: one buffered channel
// per key acting as a mutex, created lazily and reference-counted so it can
// be cleaned up once unheld. A channel (rather than sync.Mutex) lets acquire
// select over the lock, a timeout and ctx cancellation without leaking a
// goroutine blocked on Lock() past a timed-out caller.
type keyLockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	refs  map[string]int
}

func newKeyLockTable() keyLockTable {
	return keyLockTable{
		locks: make(map[string]chan struct{}),
		refs:  make(map[string]int),
	}
}

func (t *keyLockTable) acquire(ctx context.Context, key string, attempts int, delay time.Duration) (release func(), err error) {
	t.mu.Lock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	t.refs[key]++
	t.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-time.After(delay * time.Duration(attempts)):
		t.decref(key)
		return nil, fmt.Errorf("mageflow: %w: timed out acquiring lock on %s", mferrors.ErrTransient, key)
	case <-ctx.Done():
		t.decref(key)
		return nil, ctx.Err()
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		<-ch
		t.decref(key)
	}, nil
}

func (t *keyLockTable) decref(key string) {
	t.mu.Lock()
	t.refs[key]--
	if t.refs[key] <= 0 {
		delete(t.refs, key)
		delete(t.locks, key)
	}
	t.mu.Unlock()
}
