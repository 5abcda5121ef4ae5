package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory maps guarded by one mutex. It
// is the test/dev twin of PostgresStore, grounded on the teacher's
// map-of-structs-behind-one-mutex in-memory store.
type MemoryStore struct {
	mu sync.Mutex
	clk Clock

	machines      map[string]*models.Machine
	machineStates map[string]*models.MachineState
	sessions      map[string]*models.OperatorSession // key: session_id

	recipes     map[string]*models.Recipe
	steps       map[string][]*models.RecipeStep // key: recipe_id
	valveCfg    map[string]*models.ValveStepConfig
	purgeCfg    map[string]*models.PurgeStepConfig
	loopCfg     map[string]*models.LoopStepConfig
	recipeParams map[string]map[string]float64 // key: recipe_id

	executions map[string]*models.ProcessExecution
	execStates map[string]*models.ProcessExecutionState // key: process_id

	commands map[string]*models.RecipeCommand

	parameters map[string]*models.ComponentParameter
	history    []models.ParameterDataPoint
	procData   map[string][]models.ParameterDataPoint // key: process_id

	audit []*models.ParameterControlCommand
}

// NewMemoryStore constructs an empty in-memory store seeded with one
// machine in the idle state, matching the single-runtime-instance model
// (spec §3: machine_id is "process-wide constant for one runtime instance").
func NewMemoryStore(machineID string) *MemoryStore {
	return NewMemoryStoreWithClock(machineID, RealClock{})
}

// NewMemoryStoreWithClock allows tests to inject a deterministic Clock.
func NewMemoryStoreWithClock(machineID string, clk Clock) *MemoryStore {
	m := &MemoryStore{
		clk:           clk,
		machines:      make(map[string]*models.Machine),
		machineStates: make(map[string]*models.MachineState),
		sessions:      make(map[string]*models.OperatorSession),
		recipes:       make(map[string]*models.Recipe),
		steps:         make(map[string][]*models.RecipeStep),
		valveCfg:      make(map[string]*models.ValveStepConfig),
		purgeCfg:      make(map[string]*models.PurgeStepConfig),
		loopCfg:       make(map[string]*models.LoopStepConfig),
		recipeParams:  make(map[string]map[string]float64),
		executions:    make(map[string]*models.ProcessExecution),
		execStates:    make(map[string]*models.ProcessExecutionState),
		commands:      make(map[string]*models.RecipeCommand),
		parameters:    make(map[string]*models.ComponentParameter),
		procData:      make(map[string][]models.ParameterDataPoint),
	}
	m.machines[machineID] = &models.Machine{MachineID: machineID, Status: models.MachineIdle}
	m.machineStates[machineID] = &models.MachineState{MachineID: machineID, CurrentState: models.MachineIdle, UpdatedAt: clk.Now()}
	return m
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close()                         {}

// --- MachineStore ---

func (m *MemoryStore) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.machines[machineID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *mm
	return &cp, nil
}

func (m *MemoryStore) GetMachineState(ctx context.Context, machineID string) (*models.MachineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.machineStates[machineID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) AtomicToProcessing(ctx context.Context, machineID, processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.machines[machineID]
	if !ok {
		return errs.ErrNotFound
	}
	// Race guard: re-validated and written under the same lock (spec §4.B).
	if (mm.Status != models.MachineIdle && mm.Status != models.MachineOffline) || mm.CurrentProcessID != nil {
		return errs.ErrMachineBusy
	}
	pid := processID
	mm.Status = models.MachineProcessing
	mm.CurrentProcessID = &pid

	ms := m.machineStates[machineID]
	ms.CurrentState = models.MachineProcessing
	ms.ProcessID = &pid
	ms.IsFailureMode = false
	ms.FailureDescription = nil
	ms.UpdatedAt = m.clk.Now()
	return nil
}

func (m *MemoryStore) AtomicToIdle(ctx context.Context, machineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.machines[machineID]
	if !ok {
		return errs.ErrNotFound
	}
	mm.Status = models.MachineIdle
	mm.CurrentProcessID = nil

	ms := m.machineStates[machineID]
	ms.CurrentState = models.MachineIdle
	ms.ProcessID = nil
	ms.IsFailureMode = false
	ms.FailureDescription = nil
	ms.UpdatedAt = m.clk.Now()
	return nil
}

func (m *MemoryStore) AtomicToError(ctx context.Context, machineID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.machines[machineID]
	if !ok {
		return errs.ErrNotFound
	}
	mm.Status = models.MachineError
	mm.CurrentProcessID = nil

	ms := m.machineStates[machineID]
	ms.CurrentState = models.MachineError
	ms.ProcessID = nil
	ms.IsFailureMode = true
	desc := description
	ms.FailureDescription = &desc
	ms.UpdatedAt = m.clk.Now()
	return nil
}

// --- OperatorSessionStore ---

func (m *MemoryStore) GetActiveOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OperatorID == operatorID && s.MachineID == machineID && s.EndedAt == nil {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *MemoryStore) CreateOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &models.OperatorSession{
		SessionID:  uuid.NewString(),
		OperatorID: operatorID,
		MachineID:  machineID,
		StartedAt:  m.clk.Now(),
	}
	m.sessions[s.SessionID] = s
	cp := *s
	return &cp, nil
}

// --- RecipeStore ---

func (m *MemoryStore) GetRecipe(ctx context.Context, recipeID string) (*models.Recipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[recipeID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRecipeSteps(ctx context.Context, recipeID string) ([]*models.RecipeStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := append([]*models.RecipeStep(nil), m.steps[recipeID]...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].SequenceNumber < steps[j].SequenceNumber })
	return steps, nil
}

func (m *MemoryStore) ListRecipeParameters(ctx context.Context, recipeID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64)
	for k, v := range m.recipeParams[recipeID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) GetValveStepConfig(ctx context.Context, stepID string) (*models.ValveStepConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.valveCfg[stepID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetPurgeStepConfig(ctx context.Context, stepID string) (*models.PurgeStepConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.purgeCfg[stepID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetLoopStepConfig(ctx context.Context, stepID string) (*models.LoopStepConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.loopCfg[stepID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// --- ProcessExecutionStore ---

func (m *MemoryStore) CreateProcessExecution(ctx context.Context, pe *models.ProcessExecution, state *models.ProcessExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[pe.ProcessID]; exists {
		return fmt.Errorf("process execution %s already exists", pe.ProcessID)
	}
	cp := *pe
	m.executions[pe.ProcessID] = &cp
	scp := *state
	m.execStates[pe.ProcessID] = &scp
	return nil
}

func (m *MemoryStore) GetProcessExecution(ctx context.Context, processID string) (*models.ProcessExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.executions[processID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *pe
	return &cp, nil
}

func (m *MemoryStore) UpdateProcessExecution(ctx context.Context, pe *models.ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[pe.ProcessID]; !ok {
		return errs.ErrNotFound
	}
	cp := *pe
	cp.UpdatedAt = m.clk.Now()
	m.executions[pe.ProcessID] = &cp
	return nil
}

func (m *MemoryStore) TouchProcessExecution(ctx context.Context, processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.executions[processID]
	if !ok {
		return errs.ErrNotFound
	}
	pe.UpdatedAt = m.clk.Now()
	return nil
}

func (m *MemoryStore) GetProcessExecutionState(ctx context.Context, processID string) (*models.ProcessExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.execStates[processID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateProcessExecutionState(ctx context.Context, state *models.ProcessExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *state
	cp.LastUpdated = m.clk.Now()
	m.execStates[state.ExecutionID] = &cp
	return nil
}

func (m *MemoryStore) ListRunningProcessExecutions(ctx context.Context) ([]*models.ProcessExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProcessExecution
	for _, pe := range m.executions {
		if pe.Status == models.ProcessRunning {
			cp := *pe
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- RecipeCommandStore ---

func (m *MemoryStore) ListPendingCommands(ctx context.Context, machineID string) ([]*models.RecipeCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RecipeCommand
	for _, c := range m.commands {
		if c.MachineID == machineID && c.Status == models.CommandPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return false, errs.ErrNotFound
	}
	if c.Status != models.CommandPending {
		return false, nil
	}
	c.Status = models.CommandProcessing
	return true, nil
}

func (m *MemoryStore) FinalizeCommand(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return errs.ErrNotFound
	}
	c.Status = status
	c.ErrorMessage = errMsg
	now := m.clk.Now()
	c.ExecutedAt = &now
	return nil
}

// --- ComponentParameterStore ---

func (m *MemoryStore) GetComponentParameter(ctx context.Context, parameterID string) (*models.ComponentParameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parameters[parameterID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindComponentParameterByName(ctx context.Context, name string) ([]*models.ComponentParameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ComponentParameter
	for _, p := range m.parameters {
		if p.Name == name {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParameterID < out[j].ParameterID })
	return out, nil
}

func (m *MemoryStore) FindComponentParameterByWriteAddress(ctx context.Context, address int) (*models.ComponentParameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parameters {
		if p.WriteModbusAddress != nil && *p.WriteModbusAddress == address {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *MemoryStore) ListComponentParameters(ctx context.Context) ([]*models.ComponentParameter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ComponentParameter, 0, len(m.parameters))
	for _, p := range m.parameters {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParameterID < out[j].ParameterID })
	return out, nil
}

func (m *MemoryStore) UpdateParameterSetValue(ctx context.Context, parameterID string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parameters[parameterID]
	if !ok {
		return errs.ErrNotFound
	}
	p.SetValue = value
	p.UpdatedAt = m.clk.Now()
	return nil
}

func (m *MemoryStore) BatchInsertHistory(ctx context.Context, points []models.ParameterDataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, points...)
	return nil
}

func (m *MemoryStore) BatchInsertProcessData(ctx context.Context, processID string, points []models.ParameterDataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procData[processID] = append(m.procData[processID], points...)
	return nil
}

// --- AuditStore ---

func (m *MemoryStore) InsertParameterControlCommand(ctx context.Context, rec *models.ParameterControlCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.audit = append(m.audit, &cp)
	return nil
}

// --- test/seed helpers (not part of Store) ---

// SeedParameter inserts or replaces a component parameter. Test helper.
func (m *MemoryStore) SeedParameter(p *models.ComponentParameter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.parameters[p.ParameterID] = &cp
}

// SeedRecipe inserts a recipe with its steps and sibling configs. Test helper.
func (m *MemoryStore) SeedRecipe(r *models.Recipe, steps []*models.RecipeStep, params map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.recipes[r.ID] = &cp
	m.steps[r.ID] = steps
	if params != nil {
		m.recipeParams[r.ID] = params
	}
}

func (m *MemoryStore) SeedValveConfig(c *models.ValveStepConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.valveCfg[c.StepID] = &cp
}

func (m *MemoryStore) SeedPurgeConfig(c *models.PurgeStepConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.purgeCfg[c.StepID] = &cp
}

func (m *MemoryStore) SeedLoopConfig(c *models.LoopStepConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.loopCfg[c.StepID] = &cp
}

// SeedCommand inserts a pending command. Test helper.
func (m *MemoryStore) SeedCommand(c *models.RecipeCommand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.clk.Now()
	}
	m.commands[c.CommandID] = &cp
}

// GetCommand returns the current state of a command. Test helper.
func (m *MemoryStore) GetCommand(commandID string) (*models.RecipeCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// HistoryLen and ProcessDataLen expose telemetry stream sizes for tests.
func (m *MemoryStore) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *MemoryStore) ProcessDataLen(processID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procData[processID])
}

func (m *MemoryStore) AuditLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audit)
}
