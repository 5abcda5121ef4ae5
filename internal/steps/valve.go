package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
)

// runValve drives a valve pulse. The PLC itself times the pulse; this
// handler does not sleep in parallel. It fires one fire-and-forget audit
// write that must never block or fail the step.
func (h *Handlers) runValve(ctx context.Context, processID string, step *models.RecipeStep) error {
	valveNumber, durationMs, err := h.loadValveConfig(ctx, step)
	if err != nil {
		return err
	}

	if err := h.preamble(ctx, processID, step, func(s *models.ProcessExecutionState) {
		s.CurrentValveNumber = &valveNumber
		s.CurrentValveDurationMs = &durationMs
	}); err != nil {
		return err
	}

	if h.Cancel.IsCancelled(processID) {
		return nil
	}

	if err := h.PLC.ControlValve(ctx, valveNumber, true, durationMs); err != nil {
		return fmt.Errorf("%w: valve %d: %v", errs.ErrPLCWriteFailed, valveNumber, err)
	}

	h.Audit.Enqueue(h.MachineID, fmt.Sprintf("Valve_%d", valveNumber), float64(valveNumber), &processID)
	return nil
}

func (h *Handlers) loadValveConfig(ctx context.Context, step *models.RecipeStep) (valveNumber, durationMs int, err error) {
	cfg, err := h.Store.GetValveStepConfig(ctx, step.ID)
	if err == nil {
		valveNumber, durationMs = cfg.ValveNumber, cfg.DurationMs
	} else if errors.Is(err, errs.ErrNotFound) {
		vn, ok1 := step.InlineParameters["valve_number"]
		dm, ok2 := step.InlineParameters["duration_ms"]
		if !ok1 || !ok2 {
			return 0, 0, fmt.Errorf("%w: valve step %s has no config or inline parameters", errs.ErrStepConfigMissing, step.ID)
		}
		valveNumber, durationMs = int(vn), int(dm)
	} else {
		return 0, 0, fmt.Errorf("load valve step config: %w", err)
	}

	if valveNumber <= 0 || durationMs <= 0 {
		return 0, 0, fmt.Errorf("%w: valve step %s requires valve_number>0 and duration_ms>0", errs.ErrStepConfigMissing, step.ID)
	}
	return valveNumber, durationMs, nil
}
