// Package recipe implements the Recipe Executor (spec §4.D): compiling a
// recipe into a step tree with a stable snapshot, then walking it to
// completion, stop, or failure.
package recipe

import (
	"context"
	"fmt"
	"time"

	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/machinestate"
	"github.com/aldctl/control-core/internal/paramlog"
	"github.com/aldctl/control-core/internal/steps"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxStateErrorMessageLen truncates the error message stored on Process
// Execution State on failure (spec §4.D); the full message is kept on the
// Process Execution row.
const maxStateErrorMessageLen = 100

// Executor compiles and runs recipes against one machine.
type Executor struct {
	Store     store.Store
	Steps     *steps.Handlers
	Cancel    *cancel.Registry
	Authority *machinestate.Authority
	Logger    *paramlog.Logger
	MachineID string
}

// New constructs an Executor. logger may be nil in tests that don't care
// about per-step telemetry snapshots.
func New(s store.Store, h *steps.Handlers, c *cancel.Registry, a *machinestate.Authority, logger *paramlog.Logger, machineID string) *Executor {
	return &Executor{Store: s, Steps: h, Cancel: c, Authority: a, Logger: logger, MachineID: machineID}
}

// compiled is the result of compiling a recipe: a stable snapshot plus the
// derived walk order and progress totals (spec §4.D).
type compiled struct {
	version       models.RecipeVersion
	topLevelSteps []*models.RecipeStep
	totalSteps    int
	totalCycles   int
}

// Compile reads the recipe, its steps, its parameters, and every step's
// sibling configuration, and snapshots them into a recipe_version along with
// the computed walk order and progress totals.
func (e *Executor) Compile(ctx context.Context, recipeID string) (*compiled, error) {
	r, err := e.Store.GetRecipe(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("get recipe: %w", err)
	}
	allSteps, err := e.Store.ListRecipeSteps(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("list recipe steps: %w", err)
	}
	params, err := e.Store.ListRecipeParameters(ctx, recipeID)
	if err != nil {
		return nil, fmt.Errorf("list recipe parameters: %w", err)
	}

	childrenOf := make(map[string][]*models.RecipeStep)
	var topLevel []*models.RecipeStep
	for _, s := range allSteps {
		if s.ParentStepID == nil {
			topLevel = append(topLevel, s)
			continue
		}
		childrenOf[*s.ParentStepID] = append(childrenOf[*s.ParentStepID], s)
	}

	var expand func(step *models.RecipeStep) (int, int) // (steps, cycles)
	expand = func(step *models.RecipeStep) (int, int) {
		if normalize(step.Type) != models.StepLoop {
			return 1, 0
		}
		iterationCount := e.loopIterationCount(ctx, step)
		children := childrenOf[step.ID]
		childSteps, childCycles := 0, 0
		for _, c := range children {
			cs, cc := expand(c)
			childSteps += cs
			childCycles += cc
		}
		return iterationCount * childSteps, iterationCount + iterationCount*childCycles
	}

	totalSteps, totalCycles := 0, 0
	for _, s := range topLevel {
		ts, tc := expand(s)
		totalSteps += ts
		totalCycles += tc
	}

	version := models.RecipeVersion{
		RecipeID:                   r.ID,
		Name:                       r.Name,
		Version:                    r.Version,
		ChamberTemperatureSetPoint: r.ChamberTemperatureSetPoint,
		PressureSetPoint:           r.PressureSetPoint,
		Steps:                      derefAll(allSteps),
		Parameters:                 params,
	}

	return &compiled{
		version:       version,
		topLevelSteps: topLevel,
		totalSteps:    totalSteps,
		totalCycles:   totalCycles,
	}, nil
}

func normalize(t models.StepType) models.StepType {
	if t == "set parameter" {
		return models.StepParameter
	}
	return t
}

func (e *Executor) loopIterationCount(ctx context.Context, step *models.RecipeStep) int {
	cfg, err := e.Store.GetLoopStepConfig(ctx, step.ID)
	if err == nil {
		return cfg.IterationCount
	}
	if iv, ok := step.InlineParameters["iteration_count"]; ok {
		return int(iv)
	}
	return 0
}

func derefAll(steps []*models.RecipeStep) []models.RecipeStep {
	out := make([]models.RecipeStep, len(steps))
	for i, s := range steps {
		out[i] = *s
	}
	return out
}

// Start compiles recipeID, transitions the machine to processing, creates
// the Process Execution (+ state) rows, and runs the walk in its own
// goroutine. It returns as soon as the run has been accepted and handed off;
// the caller (intake) does not block on completion.
func (e *Executor) Start(ctx context.Context, recipeID, sessionID, operatorID string, paramOverrides map[string]float64) (string, error) {
	c, err := e.Compile(ctx, recipeID)
	if err != nil {
		return "", err
	}

	processID := uuid.NewString()
	if err := e.Authority.ToProcessing(ctx, e.MachineID, processID); err != nil {
		return "", err
	}

	params := c.version.Parameters
	if len(paramOverrides) > 0 {
		merged := make(map[string]float64, len(params)+len(paramOverrides))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range paramOverrides {
			merged[k] = v
		}
		params = merged
	}

	now := time.Now().UTC()
	pe := &models.ProcessExecution{
		ProcessID:     processID,
		MachineID:     e.MachineID,
		RecipeID:      recipeID,
		RecipeVersion: c.version,
		SessionID:     sessionID,
		OperatorID:    operatorID,
		Status:        models.ProcessRunning,
		StartTime:     now,
		Parameters:    params,
		UpdatedAt:     now,
	}
	// TotalOverall is the full compile-time expanded total, used for the
	// static current_overall_step/total_overall_steps display. Progress's
	// totals start naive (top-level non-loop steps only, zero cycles): the
	// loop handler grows them on entry (spec §4.C), so seeding them from the
	// compiled total, or counting the loop step itself, would double-count.
	topLevelLeaves := 0
	for _, s := range c.topLevelSteps {
		if normalize(s.Type) != models.StepLoop {
			topLevelLeaves++
		}
	}
	state := &models.ProcessExecutionState{
		ExecutionID:  processID,
		CurrentType:  models.StateSetup,
		CurrentName:  "Recipe Starting",
		TotalOverall: c.totalSteps,
		Progress:     models.Progress{TotalSteps: topLevelLeaves},
		LastUpdated:  now,
	}
	if err := e.Store.CreateProcessExecution(ctx, pe, state); err != nil {
		// The machine is already bound to processID; force it back to idle so
		// a failed start does not strand the machine in processing.
		_ = e.Authority.ToIdle(ctx, e.MachineID)
		return "", fmt.Errorf("create process execution: %w", err)
	}

	e.Cancel.Register(processID)
	go e.run(context.Background(), processID, c)

	return processID, nil
}

// run walks the compiled step tree to a terminal state. It is invoked on its
// own goroutine with a panic-recovery boundary so a defect in one run cannot
// take down the control process.
func (e *Executor) run(ctx context.Context, processID string, c *compiled) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("process_id", processID).Msg("recipe executor panic recovered")
			e.fail(ctx, processID, fmt.Errorf("internal error: %v", r))
		}
	}()

	overall := 0
	for idx, step := range c.topLevelSteps {
		if e.Cancel.IsCancelled(processID) {
			e.stop(ctx, processID)
			return
		}

		_ = e.Store.TouchProcessExecution(ctx, processID)
		if err := e.publishStepIndex(ctx, processID, idx, overall, c.totalSteps); err != nil {
			e.fail(ctx, processID, err)
			return
		}

		if err := e.Steps.Dispatch(ctx, processID, step); err != nil {
			e.fail(ctx, processID, err)
			return
		}
		if e.Cancel.IsCancelled(processID) {
			e.stop(ctx, processID)
			return
		}

		if e.Logger != nil {
			if err := e.Logger.RecordOnce(ctx, processID); err != nil {
				log.Warn().Err(err).Str("process_id", processID).Str("step_id", step.ID).Msg("per-step telemetry snapshot failed")
			}
		}

		// Loop steps own their own completed_steps/completed_cycles accounting
		// (internal/steps/loop.go bumps once per child and once per iteration);
		// bumping again here would double-count scenario 3's 3x[valve,purge]
		// loop (spec.md:308 expects completed_steps=6, not 7).
		if normalize(step.Type) != models.StepLoop {
			if err := e.bumpCompletedSteps(ctx, processID); err != nil {
				e.fail(ctx, processID, err)
				return
			}
		}
		overall++
	}

	e.complete(ctx, processID)
}

func (e *Executor) publishStepIndex(ctx context.Context, processID string, idx, overall, total int) error {
	state, err := e.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.CurrentStepIdx = idx
	state.CurrentOverall = overall
	state.TotalOverall = total
	return e.Store.UpdateProcessExecutionState(ctx, state)
}

func (e *Executor) bumpCompletedSteps(ctx context.Context, processID string) error {
	state, err := e.Store.GetProcessExecutionState(ctx, processID)
	if err != nil {
		return fmt.Errorf("load process execution state: %w", err)
	}
	state.Progress.CompletedSteps++
	return e.Store.UpdateProcessExecutionState(ctx, state)
}

func (e *Executor) complete(ctx context.Context, processID string) {
	now := time.Now().UTC()
	pe, err := e.Store.GetProcessExecution(ctx, processID)
	if err == nil {
		pe.Status = models.ProcessCompleted
		pe.EndTime = &now
		_ = e.Store.UpdateProcessExecution(ctx, pe)
	}
	if state, err := e.Store.GetProcessExecutionState(ctx, processID); err == nil {
		state.CurrentType = models.StateCompleted
		state.CurrentName = "Recipe Completed"
		_ = e.Store.UpdateProcessExecutionState(ctx, state)
	}
	e.Cancel.Clear(processID)
	if err := e.Authority.ToIdle(ctx, e.MachineID); err != nil {
		log.Error().Err(err).Str("process_id", processID).Msg("failed to return machine to idle after completion")
	}
}

func (e *Executor) stop(ctx context.Context, processID string) {
	now := time.Now().UTC()
	pe, err := e.Store.GetProcessExecution(ctx, processID)
	if err == nil {
		pe.Status = models.ProcessStopped
		pe.EndTime = &now
		_ = e.Store.UpdateProcessExecution(ctx, pe)
	}
	e.Cancel.Clear(processID)
	if err := e.Authority.ToIdle(ctx, e.MachineID); err != nil {
		log.Error().Err(err).Str("process_id", processID).Msg("failed to return machine to idle after stop")
	}
}

func (e *Executor) fail(ctx context.Context, processID string, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	pe, err := e.Store.GetProcessExecution(ctx, processID)
	if err == nil {
		pe.Status = models.ProcessFailed
		pe.EndTime = &now
		pe.ErrorMessage = &msg
		_ = e.Store.UpdateProcessExecution(ctx, pe)
	}
	if state, err := e.Store.GetProcessExecutionState(ctx, processID); err == nil {
		state.CurrentType = models.StateError
		state.CurrentName = truncate(msg, maxStateErrorMessageLen)
		_ = e.Store.UpdateProcessExecutionState(ctx, state)
	}
	e.Cancel.Clear(processID)
	if err := e.Authority.ToError(ctx, e.MachineID, msg); err != nil {
		log.Error().Err(err).Str("process_id", processID).Msg("failed to transition machine to error after run failure")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
