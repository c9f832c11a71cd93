// Package signature is the core of mageflow (spec §4.3): the persisted
// Signature type and its Chain/Swarm/BatchItem/Root subtypes, all stored as
// `<tag>:<uuid>` records so a single opaque ID string carries enough
// information to dispatch Load to the right concrete type. Grounded on the
// teacher's Workflow/Task records in persistence.go and dag_engine.go,
// generalized from one static DAG shape to composable, self-triggering
// signatures.
package signature

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/store"
	"github.com/mageflow/mageflow/pkg/workflowadapter"
)

// Status is a signature's lifecycle state (spec §3).
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusSuspended   Status = "SUSPENDED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCanceled    Status = "CANCELED"
)

// Subtype tag prefixes for the `<tag>:<uuid>` key layout (spec §6.3).
const (
	TagSignature = "sig"
	TagChain     = "chain"
	TagSwarm     = "swarm"
	TagBatchItem = "batch"
	TagRoot      = "root"
)

// Reserved synthetic task name prefix (spec §6.3).
const SyntheticTaskPrefix = "mageflow_"

// TaskStatusRecord is the embedded lifecycle sub-record (spec §3).
type TaskStatusRecord struct {
	Status            Status `json:"status"`
	LastStatus        Status `json:"last_status"`
	WorkerExecutionID string `json:"worker_execution_id,omitempty"`
}

// Base holds the fields common to every signature subtype.
type Base struct {
	ID               string         `json:"id"`
	TaskName         string         `json:"task_name"`
	Kwargs           map[string]any `json:"kwargs,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	InputSchema      string         `json:"input_schema,omitempty"`
	SuccessCallbacks []string       `json:"success_callbacks,omitempty"`
	ErrorCallbacks   []string       `json:"error_callbacks,omitempty"`
	TaskStatus       TaskStatusRecord `json:"task_status"`
	TaskIdentifiers  map[string]any `json:"task_identifiers,omitempty"`
}

// BaseAccessor is implemented by every concrete signature type so the
// generic base operations below can work uniformly across Signature,
// ChainSignature, SwarmSignature, BatchItemSignature and RootSignature.
type BaseAccessor interface {
	GetBase() *Base
}

func newID(tag string) string {
	return tag + ":" + uuid.NewString()
}

// TagOf extracts the subtype tag from an ID of the form `<tag>:<uuid>`.
func TagOf(id string) string {
	tag, _, ok := strings.Cut(id, ":")
	if !ok {
		return ""
	}
	return tag
}

// Options configure construction via FromTask/FromTaskName.
type Options struct {
	Kwargs           map[string]any
	InputSchema      string
	SuccessCallbacks []string
	ErrorCallbacks   []string
	TaskIdentifiers  map[string]any
}

func newBase(tag, taskName string, opts Options) Base {
	return Base{
		ID:               newID(tag),
		TaskName:         taskName,
		Kwargs:           opts.Kwargs,
		CreatedAt:        time.Now(),
		InputSchema:      opts.InputSchema,
		SuccessCallbacks: append([]string(nil), opts.SuccessCallbacks...),
		ErrorCallbacks:   append([]string(nil), opts.ErrorCallbacks...),
		TaskStatus:       TaskStatusRecord{Status: StatusPending, LastStatus: StatusPending},
		TaskIdentifiers:  opts.TaskIdentifiers,
	}
}

// Signature is a plain leaf task signature (spec §3, base type).
type Signature struct {
	Base
}

func (s *Signature) GetBase() *Base { return &s.Base }

// FromTaskName constructs a new Signature for an already-registered task
// name, resolving input_schema from the registry when opts.InputSchema is
// empty, persists it, and returns it.
func FromTaskName(ctx context.Context, s *store.Store, reg *registry.Registry, taskName string, opts Options) (*Signature, error) {
	if opts.InputSchema == "" && reg != nil {
		if tr, err := reg.Get(ctx, taskName); err == nil && tr != nil {
			opts.InputSchema = tr.InputSchema
		}
	}
	sig := &Signature{Base: newBase(TagSignature, taskName, opts)}
	if err := Save(ctx, s, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// FromTask registers taskDef (an ad-hoc task definition not already known
// to the registry) and then behaves like FromTaskName (spec §4.3
// from_task vs. from_task_name: the former also registers).
func FromTask(ctx context.Context, s *store.Store, reg *registry.Registry, taskDef registry.TaskRegistration, opts Options) (*Signature, error) {
	if err := reg.Register(ctx, taskDef); err != nil {
		return nil, err
	}
	if opts.InputSchema == "" {
		opts.InputSchema = taskDef.InputSchema
	}
	return FromTaskName(ctx, s, reg, taskDef.LogicalName, opts)
}

// Save unconditionally persists any signature subtype under its own ID.
func Save[T BaseAccessor](ctx context.Context, s *store.Store, v T) error {
	return store.Put(ctx, s, v.GetBase().ID, v, false)
}

// Load is the polymorphic loader (spec §4.3): it dispatches on the ID's tag
// to the matching concrete type and returns it as `any`; callers type-switch
// to recover the concrete type they expect, or use the helper Load* variants
// below. A missing ID yields (nil, nil) — NotFound is not surfaced as an
// error to match "absence is an expected signal" (one-shot callbacks).
func Load(ctx context.Context, s *store.Store, id string) (any, error) {
	switch TagOf(id) {
	case TagSignature:
		return loadOrNil[Signature](ctx, s, id)
	case TagChain:
		return loadOrNil[ChainSignature](ctx, s, id)
	case TagSwarm:
		return loadOrNil[SwarmSignature](ctx, s, id)
	case TagBatchItem:
		return loadOrNil[BatchItemSignature](ctx, s, id)
	case TagRoot:
		return loadOrNil[RootSignature](ctx, s, id)
	default:
		return nil, fmt.Errorf("signature: unrecognized id tag in %q", id)
	}
}

func loadOrNil[T any](ctx context.Context, s *store.Store, id string) (any, error) {
	v, err := store.Get[T](ctx, s, id)
	if err == mferrors.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadSignature loads id expecting it to resolve to a plain Signature.
func LoadSignature(ctx context.Context, s *store.Store, id string) (*Signature, error) {
	v, err := loadOrNil[Signature](ctx, s, id)
	if v == nil || err != nil {
		return nil, err
	}
	return v.(*Signature), nil
}

// AddCallbacks atomically appends to both callback lists (spec §4.3),
// working against any concrete subtype via the polymorphic loader so
// callers don't need to know which kind of signature id names.
func AddCallbacks(ctx context.Context, s *store.Store, id string, success, errorCbs []string) (any, error) {
	var result any
	err := s.WithLock(ctx, id, func() error {
		v, lerr := Load(ctx, s, id)
		if lerr != nil {
			return lerr
		}
		if v == nil {
			return mferrors.ErrMissingSignature
		}
		b := v.(BaseAccessor).GetBase()
		b.SuccessCallbacks = append(b.SuccessCallbacks, success...)
		b.ErrorCallbacks = append(b.ErrorCallbacks, errorCbs...)
		if perr := store.Put(ctx, s, id, v, false); perr != nil {
			return perr
		}
		result = v
		return nil
	})
	return result, err
}

// ShouldRun implements S4: should_run() == true iff status ∈ {PENDING, ACTIVE}.
func ShouldRun(b *Base) bool {
	return b.TaskStatus.Status == StatusPending || b.TaskStatus.Status == StatusActive
}

// ChangeStatus implements S2: last_status records the prior status.
func ChangeStatus(b *Base, newStatus Status) {
	b.TaskStatus.LastStatus = b.TaskStatus.Status
	b.TaskStatus.Status = newStatus
}

// Trigger builds a workflow adapter trigger for b and submits it to ex
// without waiting for completion (spec §4.3, §4.5).
func Trigger(ctx context.Context, reg *registry.Registry, ex executor.Executor, b *Base, payload map[string]any) error {
	returnValueField := ""
	if reg != nil {
		if tr, err := reg.Get(ctx, b.TaskName); err == nil && tr != nil {
			returnValueField = tr.ReturnValueField
		}
	}
	t := workflowadapter.Build(b.TaskName, b.Kwargs, payload, returnValueField, true, b.TaskIdentifiers, b.ID)
	_, err := ex.Trigger(ctx, t)
	return err
}

// HandleInactiveTask implements the base should_run_task short-circuit
// (spec §4.3): SUSPENDED merges the incoming payload into kwargs so a
// resumed run sees the latest arguments; CANCELED removes the signature.
// v must be a BaseAccessor obtained from Load (i.e. a pointer to a concrete
// subtype) so the mutation below is visible to the subsequent Put.
func HandleInactiveTask(ctx context.Context, s *store.Store, v BaseAccessor, payload map[string]any) error {
	b := v.GetBase()
	switch b.TaskStatus.Status {
	case StatusSuspended:
		return s.WithLock(ctx, b.ID, func() error {
			b.Kwargs = workflowadapter.DeepMerge(b.Kwargs, payload)
			return store.Put(ctx, s, b.ID, v, false)
		})
	case StatusCanceled:
		return s.Delete(ctx, b.ID)
	}
	return nil
}

// ActivateCallbacks loads every listed callback signature in parallel and
// fires each (spec §4.9). A missing callback ID is MissingSignature: the
// contract is that one-shot callbacks are consumed on fire, so absence
// means this is a duplicate activation. The error path must not apply the
// return-value-field renaming.
func ActivateCallbacks(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, ids []string, payload map[string]any, withReturnValueField bool) error {
	type result struct {
		err error
	}
	results := make(chan result, len(ids))
	for _, id := range ids {
		id := id
		go func() {
			v, err := Load(ctx, s, id)
			if err != nil {
				results <- result{err}
				return
			}
			if v == nil {
				results <- result{fmt.Errorf("signature: activate callback %s: %w", id, mferrors.ErrMissingSignature)}
				return
			}
			b := v.(BaseAccessor).GetBase()
			rvField := ""
			if withReturnValueField && reg != nil {
				if tr, regErr := reg.Get(ctx, b.TaskName); regErr == nil && tr != nil {
					rvField = tr.ReturnValueField
				}
			}
			t := workflowadapter.Build(b.TaskName, b.Kwargs, payload, rvField, withReturnValueField, b.TaskIdentifiers, b.ID)
			_, triggerErr := ex.Trigger(ctx, t)
			results <- result{triggerErr}
		}()
	}
	var firstErr error
	for range ids {
		if r := <-results; r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return firstErr
}

// Remove deletes id and, conditionally, its listed success/error callbacks
// (spec §4.3). Direct callbacks are not owned by default — only deleted
// when the corresponding flag is set.
func Remove(ctx context.Context, s *store.Store, b *Base, withSuccess, withError bool) error {
	if withSuccess {
		for _, id := range b.SuccessCallbacks {
			TryRemove(ctx, s, id)
		}
	}
	if withError {
		for _, id := range b.ErrorCallbacks {
			TryRemove(ctx, s, id)
		}
	}
	return s.Delete(ctx, b.ID)
}

// TryRemove is a best-effort delete that swallows errors (supplemented
// feature, used by batch-item and chain cleanup paths that must not fail
// the caller's own cleanup over an already-gone dependent record).
func TryRemove(ctx context.Context, s *store.Store, id string) {
	_ = s.Delete(ctx, id)
}

// DuplicateMany creates n independent copies of a signature sharing its
// task_name, kwargs and callbacks but with fresh IDs (supplemented feature,
// used by the chain engine's per-step error signature fan-out).
func DuplicateMany(ctx context.Context, s *store.Store, sig *Signature, n int) ([]*Signature, error) {
	out := make([]*Signature, 0, n)
	for i := 0; i < n; i++ {
		cp := *sig
		cp.ID = newID(TagSignature)
		cp.CreatedAt = time.Now()
		cp.SuccessCallbacks = append([]string(nil), sig.SuccessCallbacks...)
		cp.ErrorCallbacks = append([]string(nil), sig.ErrorCallbacks...)
		if err := Save(ctx, s, &cp); err != nil {
			return out, err
		}
		out = append(out, &cp)
	}
	return out, nil
}

// SuspendByID flips status to SUSPENDED without the caller knowing the
// concrete subtype up front; used by the control-plane's apply-by-ID helpers
// (spec §4.10) which operate on arbitrary IDs.
func SuspendByID(ctx context.Context, s *store.Store, id string) error {
	v, err := Load(ctx, s, id)
	if err != nil {
		return err
	}
	if v == nil {
		return mferrors.ErrMissingSignature
	}
	ChangeStatus(v.(BaseAccessor).GetBase(), StatusSuspended)
	return store.Put(ctx, s, id, v, false)
}

// Interrupt is reserved but not implemented (spec §4.10, §9): callers must
// see an explicit error rather than silently falling back to suspend.
func Interrupt(ctx context.Context, s *store.Store, id string) error {
	return mferrors.ErrNotImplemented
}

// Resume restores a suspended signature (spec §4.3 base Resume semantics):
// if last_status was ACTIVE, transition to PENDING and re-trigger with an
// empty payload (the latest kwargs are already persisted, merged on pause
// by HandleInactiveTask); otherwise just restore last_status.
func Resume(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, id string) error {
	v, err := Load(ctx, s, id)
	if err != nil {
		return err
	}
	if v == nil {
		return mferrors.ErrMissingSignature
	}
	b := v.(BaseAccessor).GetBase()
	wasActive := b.TaskStatus.LastStatus == StatusActive
	// Chain/swarm resume has extra bookkeeping (restoring child statuses) on
	// top of this base transition; see chain.go/swarm.go for their own
	// resume entry points, which call this after handling their children.
	if wasActive {
		b.TaskStatus.Status = StatusPending
	} else {
		b.TaskStatus.Status = b.TaskStatus.LastStatus
	}
	if err := store.Put(ctx, s, id, v, false); err != nil {
		return err
	}
	if wasActive {
		return Trigger(ctx, reg, ex, b, map[string]any{})
	}
	return nil
}

// PauseKind distinguishes soft (suspend) from hard (interrupt) pauses
// (spec §4.10).
type PauseKind string

const (
	PauseSoft PauseKind = "SUSPEND"
	PauseHard PauseKind = "INTERRUPT"
)

// Pause applies kind to id: soft pauses suspend, hard pauses are the
// reserved-but-unimplemented Interrupt path.
func Pause(ctx context.Context, s *store.Store, id string, kind PauseKind) error {
	if kind == PauseHard {
		return Interrupt(ctx, s, id)
	}
	return SuspendByID(ctx, s, id)
}
