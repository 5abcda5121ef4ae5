package recipe

import (
	"context"
	"testing"
	"time"

	"github.com/aldctl/control-core/internal/audit"
	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/machinestate"
	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/paramlog"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/steps"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) (*Executor, *store.MemoryStore, *plc.SimulatedPLC) {
	t.Helper()
	s := store.NewMemoryStore("m1")
	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))
	reg := cancel.New()
	h := &steps.Handlers{Store: s, PLC: p, Cancel: reg, Audit: audit.New(s), Params: cache, MachineID: "m1"}
	auth := machinestate.New(s)
	logger := paramlog.New(s, p, cache, "m1", 2)
	e := New(s, h, reg, auth, logger, "m1")
	return e, s, p
}

func waitTerminal(t *testing.T, s *store.MemoryStore, processID string) *models.ProcessExecution {
	t.Helper()
	var pe *models.ProcessExecution
	require.Eventually(t, func() bool {
		var err error
		pe, err = s.GetProcessExecution(context.Background(), processID)
		require.NoError(t, err)
		return pe.Status != models.ProcessRunning
	}, 2*time.Second, 5*time.Millisecond)
	return pe
}

func TestExecutor_SimpleSequentialRecipeCompletes(t *testing.T) {
	e, s, p := newExecutor(t)
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "basic"},
		[]*models.RecipeStep{
			{ID: "s1", RecipeID: "r1", SequenceNumber: 1, Name: "open valve", Type: models.StepValve},
			{ID: "s2", RecipeID: "r1", SequenceNumber: 2, Name: "purge", Type: models.StepPurge},
		},
		nil,
	)
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "s1", ValveNumber: 1, DurationMs: 5})
	s.SeedPurgeConfig(&models.PurgeStepConfig{StepID: "s2", DurationMs: 5})

	processID, err := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err)

	pe := waitTerminal(t, s, processID)
	require.Equal(t, models.ProcessCompleted, pe.Status)
	require.True(t, p.ValveState(1) == false) // auto-closed by the time purge finishes

	mm, err := s.GetMachine(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineIdle, mm.Status)
}

func TestExecutor_StopDuringPurgeEndsStopped(t *testing.T) {
	e, s, _ := newExecutor(t)
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "long purge"},
		[]*models.RecipeStep{
			{ID: "s1", RecipeID: "r1", SequenceNumber: 1, Name: "purge", Type: models.StepPurge},
		},
		nil,
	)
	s.SeedPurgeConfig(&models.PurgeStepConfig{StepID: "s1", DurationMs: 60000})

	processID, err := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	e.Cancel.Cancel(processID)

	pe := waitTerminal(t, s, processID)
	require.Equal(t, models.ProcessStopped, pe.Status)
}

func TestExecutor_OutOfRangeParameterFailsRun(t *testing.T) {
	e, s, _ := newExecutor(t)
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", MinValue: 0, MaxValue: 100})
	require.NoError(t, e.Steps.Params.Refresh(context.Background()))

	pid, val := "p1", 9999.0
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "bad param"},
		[]*models.RecipeStep{
			{ID: "s1", RecipeID: "r1", SequenceNumber: 1, Name: "set temp", Type: models.StepParameter, ParameterID: &pid, ParameterValue: &val},
		},
		nil,
	)

	processID, err := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err)

	pe := waitTerminal(t, s, processID)
	require.Equal(t, models.ProcessFailed, pe.Status)
	require.NotNil(t, pe.ErrorMessage)

	mm, err := s.GetMachine(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineError, mm.Status)
}

func TestExecutor_LoopExpansionRunsAllIterations(t *testing.T) {
	e, s, p := newExecutor(t)
	parentID := "loop1"
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "loop recipe"},
		[]*models.RecipeStep{
			{ID: "loop1", RecipeID: "r1", SequenceNumber: 1, Name: "cycle", Type: models.StepLoop},
			{ID: "child1", RecipeID: "r1", ParentStepID: &parentID, SequenceNumber: 1, Name: "pulse", Type: models.StepValve},
		},
		nil,
	)
	s.SeedLoopConfig(&models.LoopStepConfig{StepID: "loop1", IterationCount: 4})
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "child1", ValveNumber: 3, DurationMs: 2})

	processID, err := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err)

	pe := waitTerminal(t, s, processID)
	require.Equal(t, models.ProcessCompleted, pe.Status)
	_ = p
}

// TestExecutor_LoopProgressMatchesScenarioThree mirrors the seed scenario
// loop(n=3, children=[valve, purge]): 3 iterations x 2 children must leave
// completed_steps=6, total_steps=6, completed_cycles=3 — never 7, and never
// zero cycles.
func TestExecutor_LoopProgressMatchesScenarioThree(t *testing.T) {
	e, s, _ := newExecutor(t)
	parentID := "loop1"
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "scenario three"},
		[]*models.RecipeStep{
			{ID: "loop1", RecipeID: "r1", SequenceNumber: 1, Name: "cycle", Type: models.StepLoop},
			{ID: "child1", RecipeID: "r1", ParentStepID: &parentID, SequenceNumber: 1, Name: "valve", Type: models.StepValve},
			{ID: "child2", RecipeID: "r1", ParentStepID: &parentID, SequenceNumber: 2, Name: "purge", Type: models.StepPurge},
		},
		nil,
	)
	s.SeedLoopConfig(&models.LoopStepConfig{StepID: "loop1", IterationCount: 3})
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "child1", ValveNumber: 1, DurationMs: 2})
	s.SeedPurgeConfig(&models.PurgeStepConfig{StepID: "child2", DurationMs: 2})

	processID, err := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err)

	pe := waitTerminal(t, s, processID)
	require.Equal(t, models.ProcessCompleted, pe.Status)

	state, err := s.GetProcessExecutionState(context.Background(), processID)
	require.NoError(t, err)
	require.Equal(t, 6, state.Progress.TotalSteps)
	require.Equal(t, 6, state.Progress.CompletedSteps)
	require.Equal(t, 3, state.Progress.CompletedCycles)
	require.Equal(t, 3, state.Progress.TotalCycles)
}

func TestExecutor_ConcurrentStartsOnlyOneWins(t *testing.T) {
	e, s, _ := newExecutor(t)
	s.SeedRecipe(
		&models.Recipe{ID: "r1", Name: "slow"},
		[]*models.RecipeStep{
			{ID: "s1", RecipeID: "r1", SequenceNumber: 1, Name: "purge", Type: models.StepPurge},
		},
		nil,
	)
	s.SeedPurgeConfig(&models.PurgeStepConfig{StepID: "s1", DurationMs: 300})

	_, err1 := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	_, err2 := e.Start(context.Background(), "r1", "sess1", "op1", nil)
	require.NoError(t, err1)
	require.Error(t, err2)
}
