package signature

import (
	"context"
	"fmt"

	"github.com/mageflow/mageflow/pkg/executor"
	"github.com/mageflow/mageflow/pkg/mferrors"
	"github.com/mageflow/mageflow/pkg/registry"
	"github.com/mageflow/mageflow/pkg/store"
)

// Synthetic internal task names driving chain transitions (spec §6.3).
const (
	TaskOnChainEnd   = SyntheticTaskPrefix + "on_chain_end"
	TaskOnChainError = SyntheticTaskPrefix + "on_chain_error"
)

// ChainSignature is a linear composition of ≥2 task signatures (spec §4.6,
// §3). It owns the tasks list: they are deleted together with the chain.
type ChainSignature struct {
	Base
	Tasks []string `json:"tasks"`
}

func (c *ChainSignature) GetBase() *Base { return &c.Base }

// ChainOptions configures Chain.
type ChainOptions struct {
	Name    string
	Success []string
	Error   []string
}

// Chain builds a ChainSignature from at least two already-resolved step
// signature IDs (spec §4.6): it creates the on_chain_end/on_chain_error
// synthetic signatures, duplicates the error signature once per step, and
// wires each step's success callback to the next step (or on_chain_end) and
// error callback to its own duplicate.
func Chain(ctx context.Context, s *store.Store, reg *registry.Registry, stepIDs []string, opts ChainOptions) (*ChainSignature, error) {
	if len(stepIDs) < 2 {
		return nil, fmt.Errorf("signature: chain requires at least 2 tasks, got %d", len(stepIDs))
	}

	taskName := opts.Name
	if taskName == "" {
		taskName = TaskOnChainEnd
	}
	chain := &ChainSignature{
		Base:  newBase(TagChain, taskName, Options{SuccessCallbacks: opts.Success, ErrorCallbacks: opts.Error}),
		Tasks: append([]string(nil), stepIDs...),
	}
	if err := Save(ctx, s, chain); err != nil {
		return nil, err
	}

	onEnd, err := FromTaskName(ctx, s, reg, TaskOnChainEnd, Options{
		TaskIdentifiers: map[string]any{"chain_id": chain.ID},
	})
	if err != nil {
		return nil, err
	}

	onErrTemplate, err := FromTaskName(ctx, s, reg, TaskOnChainError, Options{
		TaskIdentifiers: map[string]any{"chain_id": chain.ID},
	})
	if err != nil {
		return nil, err
	}
	errSigs, err := DuplicateMany(ctx, s, onErrTemplate, len(stepIDs))
	if err != nil {
		return nil, err
	}
	// The template itself is superseded by its duplicates.
	TryRemove(ctx, s, onErrTemplate.ID)

	for i, stepID := range stepIDs {
		successTarget := onEnd.ID
		if i+1 < len(stepIDs) {
			successTarget = stepIDs[i+1]
		}
		if _, err := AddCallbacks(ctx, s, stepID, []string{successTarget}, []string{errSigs[i].ID}); err != nil {
			return nil, err
		}
	}

	return chain, nil
}

// OnChainEnd is the on_chain_end executor task body (spec §4.6): it loads
// the chain referenced by task_identifiers["chain_id"], activates the
// chain's own success callbacks with the last step's result, then deletes
// the chain. The final step's signature is not deleted here: its own invoker
// removes it once its success callbacks have fired.
func OnChainEnd(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, chainID string, result map[string]any) error {
	chain, err := loadChain(ctx, s, chainID)
	if err != nil {
		return err
	}
	if err := ActivateCallbacks(ctx, s, reg, ex, chain.SuccessCallbacks, result, true); err != nil {
		return err
	}
	return Remove(ctx, s, &chain.Base, false, false)
}

// OnChainError is the on_chain_error executor task body (spec §4.6): loads
// the chain, fires chain-level error callbacks, then deletes the chain and
// every still-present step signature.
func OnChainError(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, chainID string, errPayload map[string]any) error {
	chain, err := loadChain(ctx, s, chainID)
	if err != nil {
		return err
	}
	if err := ActivateCallbacks(ctx, s, reg, ex, chain.ErrorCallbacks, errPayload, false); err != nil {
		return err
	}
	for _, stepID := range chain.Tasks {
		TryRemove(ctx, s, stepID)
	}
	return Remove(ctx, s, &chain.Base, false, false)
}

func loadChain(ctx context.Context, s *store.Store, chainID string) (*ChainSignature, error) {
	v, err := loadOrNil[ChainSignature](ctx, s, chainID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, mferrors.ErrMissingSignature
	}
	return v.(*ChainSignature), nil
}

// SuspendChain flips every step's status to SUSPENDED plus the chain's own
// (spec §4.6 Suspend/resume).
func SuspendChain(ctx context.Context, s *store.Store, chainID string) error {
	chain, err := loadChain(ctx, s, chainID)
	if err != nil {
		return err
	}
	for _, stepID := range chain.Tasks {
		_ = SuspendByID(ctx, s, stepID)
	}
	return SuspendByID(ctx, s, chainID)
}

// ResumeChain restores every step to its last_status, re-triggering any that
// were ACTIVE at suspend time (spec §4.6).
func ResumeChain(ctx context.Context, s *store.Store, reg *registry.Registry, ex executor.Executor, chainID string) error {
	chain, err := loadChain(ctx, s, chainID)
	if err != nil {
		return err
	}
	for _, stepID := range chain.Tasks {
		if err := Resume(ctx, s, reg, ex, stepID); err != nil {
			return err
		}
	}
	return Resume(ctx, s, reg, ex, chainID)
}
