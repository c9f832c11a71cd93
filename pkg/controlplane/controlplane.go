// Package controlplane exposes the static "apply by ID" operations (spec
// §4.10): suspend, resume, interrupt, pause and change_status, each
// resolving the right composite-aware behavior (chain/swarm broadcast vs.
// plain signature) from the ID's subtype tag alone. Grounded on the
// teacher's cancellation.go (a store of per-workflow cancel handles exposed
// through a handful of top-level functions), generalized to mageflow's
// signature tag dispatch.
package controlplane

import (
	"context"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/signature"
	"github.com/mageflow/mageflow/pkg/store"
)

// Suspend applies the soft pause to id, dispatching to the chain- or
// swarm-aware broadcast when id names a composite, or the plain per-ID
// suspend otherwise.
func Suspend(ctx context.Context, s *store.Store, id string) error {
	switch signature.TagOf(id) {
	case signature.TagChain:
		return signature.SuspendChain(ctx, s, id)
	case signature.TagSwarm:
		return signature.SuspendSwarm(ctx, s, id)
	default:
		return signature.SuspendByID(ctx, s, id)
	}
}

// Resume restores id (and, for composites, its children) from SUSPEND.
func Resume(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, id string) error {
	switch signature.TagOf(id) {
	case signature.TagChain:
		return signature.ResumeChain(ctx, s, reg, ex, id)
	case signature.TagSwarm:
		return signature.ResumeSwarm(ctx, s, reg, ex, id)
	default:
		return signature.Resume(ctx, s, reg, ex, id)
	}
}

// Interrupt is reserved but not implemented (spec §4.10, §9): callers must
// see an explicit error, never a silent fallback to Suspend.
func Interrupt(ctx context.Context, s *store.Store, id string) error {
	return mferrors.ErrNotImplemented
}

// Pause applies kind (soft or hard) to id.
func Pause(ctx context.Context, s *store.Store, id string, kind signature.PauseKind) error {
	if kind == signature.PauseHard {
		return Interrupt(ctx, s, id)
	}
	return Suspend(ctx, s, id)
}

// ChangeStatus loads id, applies newStatus under its per-ID lock, and
// persists the transition (recording last_status per S2).
func ChangeStatus(ctx context.Context, s *store.Store, id string, newStatus signature.Status) error {
	return s.WithLock(ctx, id, func() error {
		v, err := signature.Load(ctx, s, id)
		if err != nil {
			return err
		}
		if v == nil {
			return mferrors.ErrMissingSignature
		}
		signature.ChangeStatus(v.(signature.BaseAccessor).GetBase(), newStatus)
		return store.Put(ctx, s, id, v, false)
	})
}

// Cancel is change_status(CANCELED): the invoker removes it on next touch
// (spec §5 "Cancellation").
func Cancel(ctx context.Context, s *store.Store, id string) error {
	return ChangeStatus(ctx, s, id, signature.StatusCanceled)
}
