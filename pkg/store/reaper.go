package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

// Reaper periodically sweeps expired non-persistent records off disk on a
// cron schedule. getEnvelope already treats an expired record as absent for
// any single Get/Exists call, but without a sweep the bytes never actually
// leave the bucket; Reaper is what turns the sliding TTL (spec §3) into
// bounded on-disk growth. Grounded on the teacher's cron-driven Scheduler in
// scheduler.go, generalized from workflow-run scheduling to a maintenance
// sweep over the store itself.
type Reaper struct {
	s       *Store
	cron    *cron.Cron
	logger  *slog.Logger
	swept   metric.Int64Counter
	entryID cron.EntryID
}

// NewReaper builds a Reaper bound to s. It does not start sweeping until Start is called.
func NewReaper(s *Store, logger *slog.Logger, meter metric.Meter) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	swept, _ := meter.Int64Counter("mageflow_store_reaped_records_total")
	return &Reaper{
		s:      s,
		cron:   cron.New(),
		logger: logger,
		swept:  swept,
	}
}

// Start schedules a sweep on spec (standard 5-field cron syntax) and begins
// the cron scheduler's background goroutine.
func (r *Reaper) Start(spec string) error {
	id, err := r.cron.AddFunc(spec, r.sweepOnce)
	if err != nil {
		return err
	}
	r.entryID = id
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// sweepOnce deletes every record whose envelope has a past ExpiresAt. It
// runs as a single bbolt transaction per invocation; a mid-sweep crash loses
// at most one sweep cycle, not correctness, since expired records are
// already treated as absent by every reader.
func (r *Reaper) sweepOnce() {
	ctx := context.Background()
	now := time.Now()
	var reaped int64

	err := r.s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucket)
		c := bucket.Cursor()
		var staleKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env envelope
			if json.Unmarshal(v, &env) != nil {
				continue
			}
			if env.ExpiresAt != nil && now.After(*env.ExpiresAt) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range staleKeys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		r.logger.Error("reaper sweep failed", "error", err)
		return
	}
	if reaped > 0 && r.swept != nil {
		r.swept.Add(ctx, reaped)
	}
	r.logger.Debug("reaper sweep complete", "reaped", reaped)
}
