package steps

import (
	"context"
	"fmt"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// runLoop repeats its child steps iteration_count times, recursing through
// Dispatch for each child so nested loops reuse the same path as the top
// level (spec §4.C). A loop with zero children is a no-op.
func (h *Handlers) runLoop(ctx context.Context, processID string, step *models.RecipeStep) error {
	iterationCount, err := h.loadLoopConfig(ctx, step)
	if err != nil {
		return err
	}

	children, err := h.childrenOf(ctx, step)
	if err != nil {
		return err
	}

	if err := h.preamble(ctx, processID, step, func(s *models.ProcessExecutionState) {
		s.CurrentLoopCount = &iterationCount
	}); err != nil {
		return err
	}

	if len(children) == 0 {
		log.Warn().Str("step_id", step.ID).Msg("loop step has no children, treating as a no-op")
		return nil
	}

	if err := h.adjustProgressForLoop(ctx, processID, iterationCount, len(children)); err != nil {
		return err
	}

	for i := 1; i <= iterationCount; i++ {
		if h.Cancel.IsCancelled(processID) {
			return nil
		}
		iter := i
		if err := h.preamble(ctx, processID, step, func(s *models.ProcessExecutionState) {
			s.CurrentLoopCount = &iterationCount
			s.CurrentLoopIteration = &iter
		}); err != nil {
			return err
		}
		for _, child := range children {
			if h.Cancel.IsCancelled(processID) {
				return nil
			}
			if err := h.Dispatch(ctx, processID, child); err != nil {
				return fmt.Errorf("loop step %s iteration %d child %s: %w", step.ID, i, child.ID, err)
			}
			if err := h.bumpCompletedSteps(ctx, processID); err != nil {
				return err
			}
		}
		if err := h.bumpCompletedCycle(ctx, processID); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) loadLoopConfig(ctx context.Context, step *models.RecipeStep) (int, error) {
	cfg, err := h.Store.GetLoopStepConfig(ctx, step.ID)
	if err == nil {
		return cfg.IterationCount, nil
	}
	if iv, ok := step.InlineParameters["iteration_count"]; ok {
		return int(iv), nil
	}
	return 0, fmt.Errorf("%w: loop step %s has no iteration_count: %v", errs.ErrStepConfigMissing, step.ID, err)
}

func (h *Handlers) childrenOf(ctx context.Context, step *models.RecipeStep) ([]*models.RecipeStep, error) {
	all, err := h.Store.ListRecipeSteps(ctx, step.RecipeID)
	if err != nil {
		return nil, fmt.Errorf("list recipe steps: %w", err)
	}
	var out []*models.RecipeStep
	for _, s := range all {
		if s.ParentStepID != nil && *s.ParentStepID == step.ID {
			out = append(out, s)
		}
	}
	return out, nil
}

// adjustProgressForLoop grows total_steps/total_cycles on loop entry
// (spec §4.C: "Adjust progress.total_steps upward by
// iteration_count × len(children) and total_cycles by iteration_count").
func (h *Handlers) adjustProgressForLoop(ctx context.Context, processID string, iterationCount, childCount int) error {
	state, err := h.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.Progress.TotalSteps += iterationCount * childCount
	state.Progress.TotalCycles += iterationCount
	return h.Store.UpdateProcessExecutionState(ctx, state)
}

func (h *Handlers) bumpCompletedSteps(ctx context.Context, processID string) error {
	state, err := h.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.Progress.CompletedSteps++
	return h.Store.UpdateProcessExecutionState(ctx, state)
}

// bumpCompletedCycle increments completed_cycles once a loop iteration's
// children have all run (spec §4.C progress accounting).
func (h *Handlers) bumpCompletedCycle(ctx context.Context, processID string) error {
	state, err := h.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.Progress.CompletedCycles++
	return h.Store.UpdateProcessExecutionState(ctx, state)
}
