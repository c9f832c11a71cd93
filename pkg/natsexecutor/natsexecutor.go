// Package natsexecutor is a concrete executor.Executor backed by NATS
// core pub/sub (spec §6.1): Trigger publishes one message per subject named
// after the task, RegisterTask subscribes a queue group so multiple worker
// processes load-balance the same task's invocations. Grounded on the
// teacher's use of libs/go/core/natsctx for trace-propagating publish and
// subscribe (services/*/main.go wiring), generalized from fixed
// service-to-service event subjects to one subject per registered task name.
package natsexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mageflow/mageflow/internal/corelib/natsctx"
	"github.com/mageflow/mageflow/internal/corelib/resilience"
	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
)

const subjectPrefix = "mageflow.tasks."

func subjectFor(taskName string) string {
	return subjectPrefix + taskName
}

// wireMessage is what crosses the NATS subject: the trigger payload plus
// its out-of-band metadata (the task_data signature reference lives inside
// Metadata, spec §6.4), and the attempt number the invoker's retry
// accounting needs on redelivery.
type wireMessage struct {
	Payload  map[string]any `json:"payload"`
	Metadata map[string]any `json:"metadata"`
	Attempt  int            `json:"attempt"`
}

// Executor publishes task triggers over NATS core and runs registered
// bodies inline inside the subscription handler. It is not a queue of
// record: NATS core has no redelivery of its own, so retry-on-error is
// driven entirely by re-publishing from inside the handler, bounded by the
// registration's retry count, exactly the same contract InMemory honors.
type Executor struct {
	nc          *nats.Conn
	logger      *slog.Logger
	defaultRate float64
	limits      map[string]*resilience.RateLimiter
	breaker     *resilience.CircuitBreaker
}

var _ executor.Executor = (*Executor)(nil)

// Config tunes the publish-side resilience wrapping every Trigger call passes through.
type Config struct {
	// PerTaskPublishRate caps publishes per second per task name (token
	// bucket capacity == rate, refills continuously). Zero disables limiting.
	PerTaskPublishRate float64
	Logger             *slog.Logger
}

// New wraps an already-connected NATS conn.
func New(nc *nats.Conn, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		nc:          nc,
		logger:      logger,
		defaultRate: cfg.PerTaskPublishRate,
		limits:      make(map[string]*resilience.RateLimiter),
		breaker:     resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

func (e *Executor) limiterFor(taskName string, rate float64) *resilience.RateLimiter {
	if rl, ok := e.limits[taskName]; ok {
		return rl
	}
	rl := resilience.NewRateLimiter(int64(rate), rate, time.Second, int64(rate))
	e.limits[taskName] = rl
	return rl
}

// RegisterTask subscribes subjectFor(name) under a durable queue group so
// concurrent worker processes load-balance deliveries of the same task.
func (e *Executor) RegisterTask(ctx context.Context, name string, inputSchema string, retries *int, executionTimeout *time.Duration, body executor.TaskBody) error {
	maxAttempts := 1
	if retries != nil {
		maxAttempts = *retries + 1
	}

	_, err := e.nc.QueueSubscribe(subjectFor(name), "mageflow-workers", func(msg *nats.Msg) {
		var wm wireMessage
		if err := json.Unmarshal(msg.Data, &wm); err != nil {
			e.logger.Error("natsexecutor: malformed message", "task", name, "error", err)
			return
		}

		runCtx, cancel := context.WithCancel(context.Background())
		if executionTimeout != nil {
			runCtx, cancel = context.WithTimeout(runCtx, *executionTimeout)
		}
		tc := executor.NewTaskContext(wm.Metadata, wm.Attempt, e.logger, cancel)
		_, bodyErr := body(runCtx, wm.Payload, tc)
		cancel()
		if bodyErr == nil {
			return
		}
		if wm.Attempt+1 >= maxAttempts || mferrors.IsNonRetriable(bodyErr) {
			e.logger.Error("natsexecutor: task failed, retries exhausted", "task", name, "error", bodyErr)
			return
		}
		wm.Attempt++
		if republishErr := e.publish(context.Background(), name, wm); republishErr != nil {
			e.logger.Error("natsexecutor: requeue after failure failed", "task", name, "error", republishErr)
		}
	})
	return err
}

// Trigger publishes t to subjectFor(t.TaskName), rate-limited per task name
// and gated by a shared adaptive circuit breaker so a failing downstream
// worker pool does not get hammered by a fan-out swarm (spec §9 note on
// protecting the executor boundary).
func (e *Executor) Trigger(ctx context.Context, t executor.Trigger) (executor.Handle, error) {
	if !e.breaker.Allow() {
		return executor.Handle{}, fmt.Errorf("natsexecutor: circuit open for %s", t.TaskName)
	}
	err := e.publish(ctx, t.TaskName, wireMessage{Payload: t.Payload, Metadata: t.Metadata})
	e.breaker.RecordResult(err == nil)
	if err != nil {
		return executor.Handle{}, err
	}
	return executor.Handle{ID: t.TaskName}, nil
}

func (e *Executor) publish(ctx context.Context, taskName string, wm wireMessage) error {
	rl, ok := e.limits[taskName]
	if !ok && e.defaultRate > 0 {
		rl = e.limiterFor(taskName, e.defaultRate)
		ok = true
	}
	if ok && !rl.Allow() {
		return fmt.Errorf("natsexecutor: publish rate exceeded for %s", taskName)
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("natsexecutor: marshal %s: %w", taskName, err)
	}
	return natsctx.Publish(ctx, e.nc, subjectFor(taskName), data)
}

// WithPublishRateLimit installs a per-task publish cap; call once per task
// name after RegisterTask if a caller wants a tighter limit than the
// Config default.
func (e *Executor) WithPublishRateLimit(taskName string, ratePerSecond float64) {
	e.limiterFor(taskName, ratePerSecond)
}
