package controlplane

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CancelRegistry tracks the in-flight context.CancelFunc for every signature
// currently executing its body, keyed by signature ID. Interrupt (spec §4.10,
// §9) is reserved but unimplemented at the signature-status layer; this
// registry is the wired mechanism a future Interrupt would call into to
// actually abort a running attempt rather than only mark CANCELED for the
// next invocation to observe. Grounded on the teacher's CancellationManager
// (cancellation.go): generalized from one workflow-execution-at-a-time
// tracking to per-signature-ID tracking. The registry keeps no status of its
// own; a signature's status lives on the signature record.
type CancelRegistry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancelRegistry builds an empty registry, wiring metrics through meter.
func NewCancelRegistry(meter metric.Meter) *CancelRegistry {
	cancellations, _ := meter.Int64Counter("mageflow_interrupt_cancellations_total")
	return &CancelRegistry{
		active:        make(map[string]context.CancelFunc),
		cancellations: cancellations,
		tracer:        otel.Tracer("mageflow-controlplane"),
	}
}

// Track records cancel as the way to abort id's in-flight attempt. Callers
// (invoker.WrapTracked, around the user body) must call Untrack once the
// attempt ends, success or not.
func (r *CancelRegistry) Track(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = cancel
}

// Untrack removes id once its attempt has ended.
func (r *CancelRegistry) Untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// CancelNow aborts id's in-flight attempt immediately, if one is tracked.
// This is what a real Interrupt implementation calls in addition to the
// status transition ChangeStatus(CANCELED) already performs.
func (r *CancelRegistry) CancelNow(ctx context.Context, id, reason string) error {
	ctx, span := r.tracer.Start(ctx, "controlplane.cancel_now",
		trace.WithAttributes(
			attribute.String("signature_id", id),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	r.mu.Lock()
	cancel, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("controlplane: no in-flight attempt tracked for %s", id)
	}
	cancel()
	if r.cancellations != nil {
		r.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	span.AddEvent("attempt_cancelled")
	return nil
}

// ActiveCount reports how many attempts are currently tracked, for health/metrics surfaces.
func (r *CancelRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
