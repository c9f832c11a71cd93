// Package executor defines the work-queue contract mageflow consumes
// (spec §6.1): task registration, non-blocking trigger, and the per-invocation
// context the invoker hands to a task body. Concrete adapters (pkg/natsexecutor,
// or an in-process test double) implement Executor; this package only
// declares the shape, grounded on the teacher's TaskExecutor interface in
// task_executor.go generalized from one in-process queue to any at-least-once
// delivery backend.
package executor

import (
	"context"
	"log/slog"
	"time"
)

// Trigger is a non-blocking task submission: a task name, the effective
// input payload, and out-of-band metadata (spec §6.4's task_data key lives
// inside Metadata).
type Trigger struct {
	TaskName string
	Payload  map[string]any
	Metadata map[string]any
}

// Handle is the opaque submission receipt returned by Trigger; callers are
// not required to wait on it (spec §4.5: "submit... without waiting").
type Handle struct {
	ID string
}

// TaskContext is what a registered task body receives alongside its payload.
type TaskContext struct {
	AdditionalMetadata map[string]any
	AttemptNumber      int
	Logger             *slog.Logger

	cancelFn context.CancelFunc
}

// RequestCancel asks the executor to abandon the current attempt without
// retrying it (used by the invoker's should_run_task short-circuit).
func (c *TaskContext) RequestCancel() {
	if c.cancelFn != nil {
		c.cancelFn()
	}
}

// NewTaskContext builds a TaskContext, wiring RequestCancel to cancel.
func NewTaskContext(metadata map[string]any, attempt int, logger *slog.Logger, cancel context.CancelFunc) *TaskContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskContext{AdditionalMetadata: metadata, AttemptNumber: attempt, Logger: logger, cancelFn: cancel}
}

// TaskBody is a registered task's user-supplied implementation.
type TaskBody func(ctx context.Context, payload map[string]any, tc *TaskContext) (map[string]any, error)

// Executor is the contract consumed by the core (spec §6.1).
type Executor interface {
	// RegisterTask declares a task under name with its input schema,
	// retry count and execution timeout (nil retries means no automatic
	// retry at the executor level).
	RegisterTask(ctx context.Context, name string, inputSchema string, retries *int, executionTimeout *time.Duration, body TaskBody) error

	// Trigger submits name with payload and metadata. Non-blocking: the
	// executor may run the task body asynchronously on any worker.
	Trigger(ctx context.Context, t Trigger) (Handle, error)
}
