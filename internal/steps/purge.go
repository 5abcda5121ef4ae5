package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// cancelPollInterval bounds how stale a cancellation observation can be
// during a purge wait (spec §4.A: "≤250 ms").
const cancelPollInterval = 250 * time.Millisecond

// defaultPurgeDurationMs substitutes for a missing or non-positive
// duration_ms, per the recovery rule named in spec §3.
const defaultPurgeDurationMs = 1000

// runPurge sleeps for duration_ms, polling for cancellation on a tight
// interval so a stop_recipe unblocks a multi-second purge promptly. No PLC
// calls are made; gas_type and flow_rate are informational only.
func (h *Handlers) runPurge(ctx context.Context, processID string, step *models.RecipeStep) error {
	durationMs, gasType, flowRate := h.loadPurgeConfig(ctx, step)

	if err := h.preamble(ctx, processID, step, func(s *models.ProcessExecutionState) {
		s.CurrentPurgeDurationMs = &durationMs
	}); err != nil {
		return err
	}
	log.Debug().Str("process_id", processID).Str("gas_type", gasType).Float64("flow_rate", flowRate).Msg("purge wait started")

	if h.Cancel.IsCancelled(processID) {
		return nil
	}

	deadline := time.Now().Add(time.Duration(durationMs) * time.Millisecond)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := cancelPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if h.Cancel.IsCancelled(processID) {
			return nil
		}
	}
}

func (h *Handlers) loadPurgeConfig(ctx context.Context, step *models.RecipeStep) (durationMs int, gasType string, flowRate float64) {
	cfg, err := h.Store.GetPurgeStepConfig(ctx, step.ID)
	if err == nil {
		durationMs, gasType, flowRate = cfg.DurationMs, cfg.GasType, cfg.FlowRate
	} else if errors.Is(err, errs.ErrNotFound) {
		if dm, ok := step.InlineParameters["duration_ms"]; ok {
			durationMs = int(dm)
		}
	} else {
		log.Warn().Err(err).Str("step_id", step.ID).Msg("load purge step config failed, using default duration")
	}

	if durationMs <= 0 {
		log.Warn().Str("step_id", step.ID).Msg(fmt.Sprintf("purge step has no usable duration_ms, defaulting to %dms", defaultPurgeDurationMs))
		durationMs = defaultPurgeDurationMs
	}
	return durationMs, gasType, flowRate
}
