package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mageflow/mageflow/pkg/mferrors"
)

type registration struct {
	body    TaskBody
	retries *int
}

// InMemory is a synchronous, in-process reference Executor (spec §6.1,
// domain-stack layout: "in-memory reference executor for tests"). Trigger
// runs the registered body inline rather than asynchronously so tests can
// assert on observable state immediately after a call returns, and applies
// the same "retry on exception unless non-retriable" rule a real executor
// would apply at the transport boundary.
type InMemory struct {
	mu    sync.Mutex
	tasks map[string]registration
}

// NewInMemory constructs an empty in-memory executor.
func NewInMemory() *InMemory {
	return &InMemory{tasks: make(map[string]registration)}
}

var _ Executor = (*InMemory)(nil)

func (m *InMemory) RegisterTask(ctx context.Context, name string, inputSchema string, retries *int, executionTimeout *time.Duration, body TaskBody) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[name] = registration{body: body, retries: retries}
	return nil
}

func (m *InMemory) Trigger(ctx context.Context, t Trigger) (Handle, error) {
	m.mu.Lock()
	reg, ok := m.tasks[t.TaskName]
	m.mu.Unlock()
	if !ok {
		return Handle{}, fmt.Errorf("executor: no task registered as %q", t.TaskName)
	}

	maxAttempts := 1
	if reg.retries != nil {
		maxAttempts = *reg.retries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		runCtx, cancel := context.WithCancel(ctx)
		tc := NewTaskContext(t.Metadata, attempt, nil, cancel)
		_, err := reg.body(runCtx, t.Payload, tc)
		cancel()
		if err == nil {
			return Handle{ID: t.TaskName}, nil
		}
		lastErr = err
		if mferrors.IsNonRetriable(err) {
			break
		}
	}
	return Handle{}, lastErr
}
