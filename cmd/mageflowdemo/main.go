// Command mageflowdemo wires the store, registry, executor, invoker and
// scheduler into a runnable process: an HTTP surface for triggering
// registered tasks and applying control-plane operations by signature ID,
// plus /health. /metrics is mounted only when otelinit.InitMetrics returns an
// http.Handler; InitMetrics pushes metrics over OTLP and returns no handler,
// so /metrics is not served. Grounded on the teacher's main.go (an
// http.ServeMux workflow-run service over otelinit/logging), generalized
// from its ad hoc in-memory DAG runner to this module's signature/executor
// lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	logging "github.com/mageflow/mageflow/internal/corelib/logging"
	"github.com/mageflow/mageflow/internal/corelib/otelinit"
	"github.com/mageflow/mageflow/pkg/controlplane"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/invoker"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/natsexecutor"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/scheduler"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"

	"github.com/nats-io/nats.go"
)

func main() {
	service := "mageflowdemo"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	dbPath := os.Getenv("MAGEFLOW_DB_PATH")
	if dbPath == "" {
		dbPath = "mageflow.db"
	}
	s, err := store.Open(dbPath, store.WithMeter(meter))
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	reg := registry.New(s)
	ex := buildExecutor(logger)
	registerDemoTasks(ctx, s, reg, ex, logger)

	reaper := store.NewReaper(s, logger, meter)
	if err := reaper.Start("@every 5m"); err != nil {
		logger.Error("start reaper", "error", err)
	}
	defer reaper.Stop()

	sch := scheduler.New(s, reg, ex, logger, meter)
	if _, err := sch.AddResumeSweep("@every 1m"); err != nil {
		logger.Error("add resume sweep", "error", err)
	}
	sch.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = sch.Stop(stopCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}
	mux.HandleFunc("/v1/tasks/trigger", triggerHandler(s, reg, ex))
	mux.HandleFunc("/v1/signatures/suspend", applyByIDHandler(func(ctx context.Context, id string) error {
		return controlplane.Suspend(ctx, s, id)
	}))
	mux.HandleFunc("/v1/signatures/resume", applyByIDHandler(func(ctx context.Context, id string) error {
		return controlplane.Resume(ctx, s, reg, ex, id)
	}))
	mux.HandleFunc("/v1/signatures/cancel", applyByIDHandler(func(ctx context.Context, id string) error {
		return controlplane.Cancel(ctx, s, id)
	}))

	srv := &http.Server{Addr: addr(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()
	logger.Info("service started", "addr", srv.Addr)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	logger.Info("shutdown complete")
}

func addr() string {
	if a := os.Getenv("MAGEFLOW_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

// buildExecutor picks the NATS-backed executor when MAGEFLOW_NATS_URL is
// set, falling back to the in-memory reference executor for a
// dependency-free local run.
func buildExecutor(logger *slog.Logger) executor.Executor {
	url := os.Getenv("MAGEFLOW_NATS_URL")
	if url == "" {
		return executor.NewInMemory()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		logger.Error("connect nats, falling back to in-memory executor", "error", err)
		return executor.NewInMemory()
	}
	return natsexecutor.New(nc, natsexecutor.Config{PerTaskPublishRate: 50, Logger: logger})
}

// registerDemoTasks seeds a trivial "echo" task so the HTTP surface has
// something to trigger out of the box.
func registerDemoTasks(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, logger *slog.Logger) {
	const taskName = "echo"
	if err := reg.Register(ctx, registry.TaskRegistration{LogicalName: taskName, ExecutorTaskName: taskName}); err != nil {
		logger.Error("register demo task", "task_name", taskName, "error", err)
		return
	}
	body := invoker.Wrap(s, reg, ex, func(ctx context.Context, payload map[string]any, tc *executor.TaskContext) (map[string]any, error) {
		return payload, nil
	})
	if err := ex.RegisterTask(ctx, taskName, "", nil, nil, body); err != nil {
		logger.Error("register demo task with executor", "task_name", taskName, "error", err)
	}
}

type triggerRequest struct {
	TaskName string         `json:"task_name"`
	Payload  map[string]any `json:"payload"`
}

func triggerHandler(s *store.Store, reg *registry.Registry, ex executor.Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req triggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskName == "" {
			http.Error(w, "task_name is required", http.StatusBadRequest)
			return
		}

		sig, err := signature.FromTaskName(r.Context(), s, reg, req.TaskName, signature.Options{Kwargs: req.Payload})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := signature.Trigger(r.Context(), reg, ex, &sig.Base, req.Payload); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"signature_id": sig.ID})
	}
}

type applyByIDRequest struct {
	SignatureID string `json:"signature_id"`
}

func applyByIDHandler(apply func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req applyByIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignatureID == "" {
			http.Error(w, "signature_id is required", http.StatusBadRequest)
			return
		}
		if err := apply(r.Context(), req.SignatureID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, mferrors.ErrMissingSignature) {
				status = http.StatusNotFound
			} else if errors.Is(err, mferrors.ErrNotImplemented) {
				status = http.StatusNotImplemented
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
