package steps

import (
	"context"
	"fmt"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
)

// runParameter writes a single parameter value, validating range before the
// PLC write and persisting set_value only after the PLC write succeeds
// (spec §4.C, §9 decision 6). The parameter-metadata cache is invalidated
// with the post-update row on success.
func (h *Handlers) runParameter(ctx context.Context, processID string, step *models.RecipeStep) error {
	if step.ParameterID == nil || step.ParameterValue == nil {
		return fmt.Errorf("%w: set_parameter step %s missing parameter_id/value", errs.ErrStepConfigMissing, step.ID)
	}
	parameterID := *step.ParameterID
	value := *step.ParameterValue

	meta, err := h.Params.Get(ctx, parameterID)
	if err != nil {
		return fmt.Errorf("%w: parameter %s: %v", errs.ErrStepConfigMissing, parameterID, err)
	}

	if err := h.preamble(ctx, processID, step, func(s *models.ProcessExecutionState) {
		s.CurrentParameterID = &parameterID
		s.CurrentParameterValue = &value
	}); err != nil {
		return err
	}

	if h.Cancel.IsCancelled(processID) {
		return nil
	}

	if !meta.InRange(value) {
		return fmt.Errorf("%w: %s=%v not in [%v, %v]", errs.ErrParameterOutOfRange, parameterID, value, meta.MinValue, meta.MaxValue)
	}

	if err := h.PLC.WriteParameter(ctx, parameterID, value); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrPLCWriteFailed, parameterID, err)
	}

	if err := h.Store.UpdateParameterSetValue(ctx, parameterID, value); err != nil {
		return fmt.Errorf("persist parameter set_value: %w", err)
	}
	meta.SetValue = value
	h.Params.Invalidate(meta)
	return nil
}
