// Package scheduler is the cron-driven entry point for two maintenance
// concerns that sit above the signature lifecycle itself: periodically
// starting a named task on a fixed cadence, and periodically sweeping
// suspended root signatures back to life. Grounded on the teacher's
// cron-backed Scheduler (scheduler.go), generalized from its
// ScheduleConfig/EventHandler workflow-triggering surface (cron or
// event-driven invocation of a stored DAG) down to mageflow's narrower
// need: a recurring Trigger of a registered task and an optional
// resume-sweep, both already exercised end to end by pkg/signature and
// pkg/controlplane.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mageflow/mageflow/pkg/controlplane"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"
)

// Job describes one cron-triggered task start: CronExpr fires FromTaskName
// + Trigger against TaskName with Payload on every tick.
type Job struct {
	TaskName string
	CronExpr string
	Payload  map[string]any
	Opts     signature.Options
}

// Scheduler runs a set of cron Jobs plus, optionally, a recurring
// resume-sweep over every suspended root signature.
type Scheduler struct {
	s   *store.Store
	reg *registry.Registry
	ex  executor.Executor

	cron   *cron.Cron
	logger *slog.Logger
	tracer trace.Tracer

	runs   metric.Int64Counter
	fails  metric.Int64Counter
	resume metric.Int64Counter

	mu      sync.Mutex
	entries []cron.EntryID
}

// New builds a Scheduler with no jobs registered yet; call AddJob/
// AddResumeSweep then Start.
func New(s *store.Store, reg *registry.Registry, ex executor.Executor, logger *slog.Logger, meter metric.Meter) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	runs, _ := meter.Int64Counter("mageflow_schedule_runs_total")
	fails, _ := meter.Int64Counter("mageflow_schedule_failures_total")
	resume, _ := meter.Int64Counter("mageflow_schedule_resume_sweeps_total")
	return &Scheduler{
		s:      s,
		reg:    reg,
		ex:     ex,
		cron:   cron.New(cron.WithSeconds()),
		logger: logger,
		tracer: otel.Tracer("mageflow-scheduler"),
		runs:   runs,
		fails:  fails,
		resume: resume,
	}
}

// AddJob registers job's cron expression. Returns the cron library's entry
// ID, which RemoveJob accepts.
func (sch *Scheduler) AddJob(job Job) (cron.EntryID, error) {
	id, err := sch.cron.AddFunc(job.CronExpr, func() {
		sch.runJob(context.Background(), job)
	})
	if err != nil {
		return 0, fmt.Errorf("add job %s: %w", job.TaskName, err)
	}
	sch.mu.Lock()
	sch.entries = append(sch.entries, id)
	sch.mu.Unlock()
	return id, nil
}

// RemoveJob cancels a previously added job.
func (sch *Scheduler) RemoveJob(id cron.EntryID) {
	sch.cron.Remove(id)
}

// AddResumeSweep schedules a recurring scan of every suspended root
// signature, resuming ("controlplane.Resume") each one found — the optional
// periodic safety net for a root signature that was suspended (e.g. an
// operator-triggered pause) and never explicitly resumed.
func (sch *Scheduler) AddResumeSweep(cronExpr string) (cron.EntryID, error) {
	id, err := sch.cron.AddFunc(cronExpr, func() {
		sch.resumeSweepOnce(context.Background())
	})
	if err != nil {
		return 0, fmt.Errorf("add resume sweep: %w", err)
	}
	sch.mu.Lock()
	sch.entries = append(sch.entries, id)
	sch.mu.Unlock()
	return id, nil
}

// Start begins running every added job on its schedule.
func (sch *Scheduler) Start() {
	sch.cron.Start()
	sch.logger.Info("scheduler started")
}

// Stop halts the cron scheduler, waiting for ctx or the in-flight jobs to finish.
func (sch *Scheduler) Stop(ctx context.Context) error {
	done := sch.cron.Stop()
	select {
	case <-done.Done():
		sch.logger.Info("scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		sch.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

func (sch *Scheduler) runJob(ctx context.Context, job Job) {
	ctx, span := sch.tracer.Start(ctx, "scheduler.run_job",
		trace.WithAttributes(attribute.String("task_name", job.TaskName)),
	)
	defer span.End()

	start := time.Now()
	sig, err := signature.FromTaskName(ctx, sch.s, sch.reg, job.TaskName, job.Opts)
	if err != nil {
		sch.logger.Error("scheduled job: build signature failed", "task_name", job.TaskName, "error", err)
		sch.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", job.TaskName)))
		return
	}

	if err := signature.Trigger(ctx, sch.reg, sch.ex, &sig.Base, job.Payload); err != nil {
		sch.logger.Error("scheduled job failed", "task_name", job.TaskName, "error", err, "duration_ms", time.Since(start).Milliseconds())
		sch.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", job.TaskName)))
		return
	}

	sch.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("task_name", job.TaskName)))
	sch.logger.Info("scheduled job completed", "task_name", job.TaskName, "signature_id", sig.ID, "duration_ms", time.Since(start).Milliseconds())
}

func (sch *Scheduler) resumeSweepOnce(ctx context.Context) {
	ctx, span := sch.tracer.Start(ctx, "scheduler.resume_sweep")
	defer span.End()

	ids, err := sch.s.Keys(ctx, signature.TagRoot+":")
	if err != nil {
		sch.logger.Error("resume sweep: list roots failed", "error", err)
		return
	}

	var resumed int64
	for _, id := range ids {
		v, err := signature.Load(ctx, sch.s, id)
		if err != nil || v == nil {
			continue
		}
		b := v.(signature.BaseAccessor).GetBase()
		if b.TaskStatus.Status != signature.StatusSuspended {
			continue
		}
		if err := controlplane.Resume(ctx, sch.s, sch.reg, sch.ex, id); err != nil {
			sch.logger.Error("resume sweep: resume failed", "signature_id", id, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 && sch.resume != nil {
		sch.resume.Add(ctx, resumed)
	}
	sch.logger.Debug("resume sweep complete", "resumed", resumed, "scanned", len(ids))
}
