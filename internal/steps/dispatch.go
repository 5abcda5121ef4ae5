// Package steps implements the per-type step handlers (spec §4.C): a step is
// modeled as a tagged variant dispatched by a switch over StepType, each
// handler obeying the config-first/preamble/cancel-check/side-effect
// contract.
package steps

import (
	"context"
	"fmt"

	"github.com/aldctl/control-core/internal/audit"
	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
)

// Handlers bundles the collaborators every step handler needs. One Handlers
// is constructed per runtime instance and shared across every process
// execution (the machine has exactly one recipe executor at a time, by I5,
// but the handlers themselves carry no per-run state).
type Handlers struct {
	Store     store.Store
	PLC       plc.PLC
	Cancel    *cancel.Registry
	Audit     *audit.Queue
	Params    *paramcache.Cache
	MachineID string
}

// normalizeType treats "set parameter" as an alias for "set_parameter"
// (spec §9: "some step rows have a type spelled 'set parameter'... no other
// aliasing is permitted").
func normalizeType(t models.StepType) models.StepType {
	if t == "set parameter" {
		return models.StepParameter
	}
	return t
}

// Dispatch runs step against processID, recursing into itself for loop
// children so nested loops use the same path as the top level (spec §4.C).
func (h *Handlers) Dispatch(ctx context.Context, processID string, step *models.RecipeStep) error {
	switch normalizeType(step.Type) {
	case models.StepValve:
		return h.runValve(ctx, processID, step)
	case models.StepPurge:
		return h.runPurge(ctx, processID, step)
	case models.StepParameter:
		return h.runParameter(ctx, processID, step)
	case models.StepLoop:
		return h.runLoop(ctx, processID, step)
	default:
		return fmt.Errorf("%w: unknown step type %q", errs.ErrStepConfigMissing, step.Type)
	}
}

// preamble loads the Process Execution State row, applies mutate to set the
// type-discriminated fields, stamps current_step_type/current_step_name, and
// persists it before any side effect is performed (spec §4.C step 2).
func (h *Handlers) preamble(ctx context.Context, processID string, step *models.RecipeStep, mutate func(*models.ProcessExecutionState)) error {
	state, err := h.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.CurrentType = normalizeType(step.Type)
	state.CurrentName = step.Name
	if mutate != nil {
		mutate(state)
	}
	if err := h.Store.UpdateProcessExecutionState(ctx, state); err != nil {
		return fmt.Errorf("persist process execution state: %w", err)
	}
	return nil
}
