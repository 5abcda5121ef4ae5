package steps

import (
	"context"
	"testing"

	"github.com/aldctl/control-core/internal/audit"
	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/stretchr/testify/require"
)

func newHandlers(t *testing.T, s *store.MemoryStore) (*Handlers, *plc.SimulatedPLC) {
	t.Helper()
	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))
	return &Handlers{
		Store:     s,
		PLC:       p,
		Cancel:    cancel.New(),
		Audit:     audit.New(s),
		Params:    cache,
		MachineID: "m1",
	}, p
}

func seedExecution(s *store.MemoryStore, processID, recipeID string) {
	pe := &models.ProcessExecution{ProcessID: processID, MachineID: "m1", RecipeID: recipeID, Status: models.ProcessRunning}
	state := &models.ProcessExecutionState{ExecutionID: processID}
	_ = s.CreateProcessExecution(context.Background(), pe, state)
}

func TestRunValve_UsesSiblingConfig(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, p := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")

	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "open valve 1", Type: models.StepValve}
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "s1", ValveNumber: 1, DurationMs: 10})

	require.NoError(t, h.Dispatch(context.Background(), "proc1", step))
	require.True(t, p.ValveState(1))
}

func TestRunValve_MissingConfigFails(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, _ := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")

	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "bad valve", Type: models.StepValve}
	err := h.Dispatch(context.Background(), "proc1", step)
	require.ErrorIs(t, err, errs.ErrStepConfigMissing)
}

func TestRunValve_CancelledSkipsSideEffect(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, p := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")
	h.Cancel.Cancel("proc1")

	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "open valve 1", Type: models.StepValve}
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "s1", ValveNumber: 1, DurationMs: 10})

	require.NoError(t, h.Dispatch(context.Background(), "proc1", step))
	require.False(t, p.ValveState(1))
}

func TestRunPurge_CancelUnblocksWait(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, _ := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")

	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "purge", Type: models.StepPurge}
	s.SeedPurgeConfig(&models.PurgeStepConfig{StepID: "s1", DurationMs: 60000, GasType: "n2"})

	go func() { h.Cancel.Cancel("proc1") }()
	err := h.Dispatch(context.Background(), "proc1", step)
	require.NoError(t, err)
}

func TestRunParameter_OutOfRangeRejected(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, _ := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", MinValue: 0, MaxValue: 100})
	require.NoError(t, h.Params.Refresh(context.Background()))

	pid, val := "p1", 9999.0
	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "set temp", Type: models.StepParameter, ParameterID: &pid, ParameterValue: &val}

	err := h.Dispatch(context.Background(), "proc1", step)
	require.ErrorIs(t, err, errs.ErrParameterOutOfRange)
}

func TestRunParameter_WritesPLCAndPersists(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, p := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", MinValue: 0, MaxValue: 500})
	require.NoError(t, h.Params.Refresh(context.Background()))

	pid, val := "p1", 250.0
	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "set temp", Type: models.StepParameter, ParameterID: &pid, ParameterValue: &val}

	require.NoError(t, h.Dispatch(context.Background(), "proc1", step))

	v, err := p.ReadParameter(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 250.0, v)

	updated, err := s.GetComponentParameter(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 250.0, updated.SetValue)
}

func TestRunLoop_ExpandsChildrenAndProgress(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, p := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")

	loopStep := &models.RecipeStep{ID: "loop1", RecipeID: "r1", Name: "cycle", Type: models.StepLoop}
	parentID := "loop1"
	child := &models.RecipeStep{ID: "child1", RecipeID: "r1", ParentStepID: &parentID, Name: "pulse", Type: models.StepValve, SequenceNumber: 1}
	s.SeedRecipe(&models.Recipe{ID: "r1"}, []*models.RecipeStep{loopStep, child}, nil)
	s.SeedLoopConfig(&models.LoopStepConfig{StepID: "loop1", IterationCount: 3})
	s.SeedValveConfig(&models.ValveStepConfig{StepID: "child1", ValveNumber: 2, DurationMs: 5})

	require.NoError(t, h.Dispatch(context.Background(), "proc1", loopStep))
	require.True(t, p.ValveState(2))

	state, err := s.GetProcessExecutionState(context.Background(), "proc1")
	require.NoError(t, err)
	require.Equal(t, 3, state.Progress.TotalCycles)
	require.Equal(t, 3, state.Progress.TotalSteps)
	require.Equal(t, 3, state.Progress.CompletedSteps)
}

func TestRunLoop_EmptyChildrenIsNoOp(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, _ := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")

	loopStep := &models.RecipeStep{ID: "loop1", RecipeID: "r1", Name: "cycle", Type: models.StepLoop}
	s.SeedLoopConfig(&models.LoopStepConfig{StepID: "loop1", IterationCount: 5})

	require.NoError(t, h.Dispatch(context.Background(), "proc1", loopStep))

	state, err := s.GetProcessExecutionState(context.Background(), "proc1")
	require.NoError(t, err)
	require.Equal(t, 0, state.Progress.TotalSteps)
}

func TestDispatch_NormalizesSetParameterAlias(t *testing.T) {
	s := store.NewMemoryStore("m1")
	h, _ := newHandlers(t, s)
	seedExecution(s, "proc1", "r1")
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", MinValue: 0, MaxValue: 500})
	require.NoError(t, h.Params.Refresh(context.Background()))

	pid, val := "p1", 10.0
	step := &models.RecipeStep{ID: "s1", RecipeID: "r1", Name: "set temp", Type: models.StepType("set parameter"), ParameterID: &pid, ParameterValue: &val}

	require.NoError(t, h.Dispatch(context.Background(), "proc1", step))
}
