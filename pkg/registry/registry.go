// Package registry is the task registry (spec §4.2): a persistent mapping
// from logical task name to the executor task definition it is bound to,
// plus the retry policy consulted by the invoker. Grounded on the teacher's
// persistence.go pattern of a single bucket of persistent, immutable
// records, and on original_source's task/model.py registration shape.
package registry

import (
	"context"
	"fmt"

	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/store"
)

const keyPrefix = "taskreg:"

// SwarmConfig is the optional root swarm configuration a TaskRegistration
// may carry when IsRoot is true (spec §4.7 Configuration).
type SwarmConfig struct {
	MaxConcurrency     int  `json:"max_concurrency"`
	StopAfterNFailures *int `json:"stop_after_n_failures,omitempty"`
	MaxTasksAllowed    *int `json:"max_tasks_allowed,omitempty"`
}

// TaskRegistration is a persistent (non-expiring) record binding a logical
// task name to its executor-side counterpart (spec §3).
type TaskRegistration struct {
	LogicalName       string       `json:"logical_name"`
	ExecutorTaskName  string       `json:"executor_task_name"`
	InputSchema       string       `json:"input_schema,omitempty"`
	Retries           *int         `json:"retries,omitempty"`
	IsRoot            bool         `json:"is_root"`
	RootConfig        *SwarmConfig `json:"root_config,omitempty"`
	ReturnValueField  string       `json:"return_value_field,omitempty"`
	ExecutionTimeoutS *int         `json:"execution_timeout_seconds,omitempty"`
}

func key(logicalName string) string {
	return keyPrefix + logicalName
}

// Registry is the read-through task registration table.
type Registry struct {
	store *store.Store
}

// New wraps a store as a task registry.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Register inserts a TaskRegistration at startup. Nothing updates a
// registration in place, but a second Register for the same logical name
// overwrites the whole record, mirroring the teacher's "redeploy
// re-registers" startup pattern rather than rejecting the rewrite.
func (r *Registry) Register(ctx context.Context, reg TaskRegistration) error {
	if reg.LogicalName == "" {
		return fmt.Errorf("registry: logical_name is required")
	}
	return store.Put(ctx, r.store, key(reg.LogicalName), reg, true)
}

// Get is a read-through lookup. Unlike Store.Get, a missing registration is
// not an error: callers get (nil, nil), matching the spec's safe_get
// NotFound→nil shortcut.
func (r *Registry) Get(ctx context.Context, logicalName string) (*TaskRegistration, error) {
	reg, err := store.Get[TaskRegistration](ctx, r.store, key(logicalName))
	if err == mferrors.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ShouldRetry reports whether attempt should be retried against reg: retries
// must be configured, attempt must be below the configured count, and err
// must not be marked non-retriable (spec §4.2).
func ShouldRetry(reg *TaskRegistration, attempt int, err error) bool {
	if reg == nil || reg.Retries == nil {
		return false
	}
	if attempt >= *reg.Retries {
		return false
	}
	return !mferrors.IsNonRetriable(err)
}
