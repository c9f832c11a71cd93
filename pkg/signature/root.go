package signature

import (
	"context"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/store"
)

// RootSignature is an outer task whose body's child triggers are redirected
// into an implicit swarm created at start_task and awaited at end_task
// (spec §4.8).
type RootSignature struct {
	Base
	SwarmID     string      `json:"swarm_id,omitempty"`
	SwarmConfig SwarmConfig `json:"swarm_config"`
}

func (r *RootSignature) GetBase() *Base { return &r.Base }

// RootFromTaskName constructs and saves a new root signature for taskName,
// carrying cfg as the configuration of the swarm it creates at start_task.
// The registry is not consulted: a TaskRegistration's RootConfig is not read
// here.
func RootFromTaskName(ctx context.Context, s *store.Store, reg *registry.Registry, taskName string, cfg SwarmConfig, opts Options) (*RootSignature, error) {
	r := &RootSignature{
		Base:        newBase(TagRoot, taskName, opts),
		SwarmConfig: cfg,
	}
	if err := Save(ctx, s, r); err != nil {
		return nil, err
	}
	return r, nil
}

func loadRoot(ctx context.Context, s *store.Store, id string) (*RootSignature, error) {
	v, err := loadOrNil[RootSignature](ctx, s, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, mferrors.ErrMissingSignature
	}
	return v.(*RootSignature), nil
}

// sinkKey is the context key under which the root engine's submission sink
// is threaded through a root task body's execution, so any Submit call
// inside the body is redirected into the root's implicit swarm instead of
// going straight to the executor. This replaces the Python original's
// ContextVar-based dynamic scope with an explicit collaborator carried on
// context.Context, matching Go's preference for explicit over ambient state.
type sinkKey struct{}

// Sink is the collaborator a root task body uses to submit child work; it
// redirects into the root's swarm rather than triggering the executor
// directly (spec §4.8).
type Sink struct {
	s       *store.Store
	reg     *registry.Registry
	ex      executor.Executor
	swarmID string
}

// WithSink returns a context carrying sink so code running inside a root
// task body can find it via SinkFromContext.
func WithSink(ctx context.Context, sink *Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFromContext retrieves the current root's submission sink, if any.
// Code outside a root task body (or a plain task/chain/swarm-item body)
// gets (nil, false) and should trigger the executor directly instead.
func SinkFromContext(ctx context.Context) (*Sink, bool) {
	sink, ok := ctx.Value(sinkKey{}).(*Sink)
	return sink, ok
}

// Submit adds sig as a member of the root's implicit swarm (spec §4.8:
// "trigger performed in the body is redirected: instead of going straight
// to the executor, it is turned into swarm.add_task(sig); batch_item.trigger(msg)").
// AddTask itself already triggers the new batch item's on_swarm_item_run
// task, which is what runs add_to_running_tasks and, if admitted, triggers
// sig; Submit must not trigger it again.
func (sink *Sink) Submit(ctx context.Context, sig *Signature) error {
	_, err := AddTask(ctx, sink.s, sink.reg, sink.ex, sink.swarmID, sig.ID, false)
	return err
}

// RootStartTask is RootSignature's start_task override (spec §4.8): it
// creates a fresh swarm, records its ID on the root, and returns a context
// carrying the submission sink the body should run under.
func RootStartTask(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, rootID string) (context.Context, error) {
	r, err := loadRoot(ctx, s, rootID)
	if err != nil {
		return ctx, err
	}
	w, err := NewSwarm(ctx, s, r.SwarmConfig, Options{})
	if err != nil {
		return ctx, err
	}
	r.SwarmID = w.ID
	if err := Save(ctx, s, r); err != nil {
		return ctx, err
	}
	sink := &Sink{s: s, reg: reg, ex: ex, swarmID: w.ID}
	return WithSink(ctx, sink), nil
}

// RootEndTask is RootSignature's end_task override (spec §4.8): it closes
// the root's swarm; on body failure, it suspends the swarm instead and
// lifts the swarm's error callbacks onto the root itself so the root's own
// callers see the failure.
func RootEndTask(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, rootID string, bodySucceeded bool) error {
	r, err := loadRoot(ctx, s, rootID)
	if err != nil {
		return err
	}
	if r.SwarmID == "" {
		return nil
	}
	if bodySucceeded {
		return CloseSwarm(ctx, s, reg, ex, r.SwarmID)
	}

	if err := SuspendSwarm(ctx, s, r.SwarmID); err != nil {
		return err
	}
	w, err := loadSwarm(ctx, s, r.SwarmID)
	if err != nil {
		return err
	}
	if _, err := AddCallbacks(ctx, s, rootID, nil, w.ErrorCallbacks); err != nil {
		return err
	}
	return nil
}
