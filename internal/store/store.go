// Package store defines the datastore collaborator (spec §6): a rowstore
// with transactional single-table operations, batched inserts, and the three
// atomic stored procedures the Machine-State Authority depends on.
//
// Store is composed of small per-entity interfaces, one per responsibility,
// following the same interface-segregation shape as the control-plane
// teacher this runtime's structure is grounded on.
package store

import (
	"context"
	"time"

	"github.com/aldctl/control-core/pkg/models"
)

// MachineStore is the only interface permitted to mutate the machines/
// machine_state tables, and does so only via the three atomic procedures
// named in spec §6. No other store interface writes these tables.
type MachineStore interface {
	GetMachine(ctx context.Context, machineID string) (*models.Machine, error)
	GetMachineState(ctx context.Context, machineID string) (*models.MachineState, error)

	// AtomicToProcessing implements atomic_processing_machine_state: it must
	// re-validate machine availability and bind processID inside the same
	// atomic section as the write (spec §4.B race guard). Returns
	// errs.ErrMachineBusy if the machine is not idle/offline or already has
	// a bound process.
	AtomicToProcessing(ctx context.Context, machineID, processID string) error

	// AtomicToIdle implements atomic_complete_machine_state.
	AtomicToIdle(ctx context.Context, machineID string) error

	// AtomicToError implements atomic_error_machine_state.
	AtomicToError(ctx context.Context, machineID, description string) error
}

// OperatorSessionStore resolves and creates operator sessions (spec §3,
// supplemented from original_source's get_or_create_operator_session).
type OperatorSessionStore interface {
	GetActiveOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error)
	CreateOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error)
}

// RecipeStore reads recipe definitions and their step trees.
type RecipeStore interface {
	GetRecipe(ctx context.Context, recipeID string) (*models.Recipe, error)
	ListRecipeSteps(ctx context.Context, recipeID string) ([]*models.RecipeStep, error)
	ListRecipeParameters(ctx context.Context, recipeID string) (map[string]float64, error)

	GetValveStepConfig(ctx context.Context, stepID string) (*models.ValveStepConfig, error)
	GetPurgeStepConfig(ctx context.Context, stepID string) (*models.PurgeStepConfig, error)
	GetLoopStepConfig(ctx context.Context, stepID string) (*models.LoopStepConfig, error)
}

// ProcessExecutionStore owns process_executions and process_execution_state.
type ProcessExecutionStore interface {
	// CreateProcessExecution inserts the process_executions row and its
	// process_execution_state sibling together (spec §9 decision 4).
	CreateProcessExecution(ctx context.Context, pe *models.ProcessExecution, state *models.ProcessExecutionState) error
	GetProcessExecution(ctx context.Context, processID string) (*models.ProcessExecution, error)
	UpdateProcessExecution(ctx context.Context, pe *models.ProcessExecution) error
	TouchProcessExecution(ctx context.Context, processID string) error

	// GetProcessExecutionState reports a missing row by returning
	// errs.ErrNotFound; the executor and the step handlers treat it as an
	// error and fail the run (no row is created lazily).
	GetProcessExecutionState(ctx context.Context, processID string) (*models.ProcessExecutionState, error)
	UpdateProcessExecutionState(ctx context.Context, state *models.ProcessExecutionState) error

	// ListRunningProcessExecutions supports the startup reconciliation pass
	// (spec §7): any row with status=running found here is orphaned.
	ListRunningProcessExecutions(ctx context.Context) ([]*models.ProcessExecution, error)
}

// RecipeCommandStore owns the recipe_commands intake table.
type RecipeCommandStore interface {
	ListPendingCommands(ctx context.Context, machineID string) ([]*models.RecipeCommand, error)

	// ClaimCommand performs the idempotent pending->processing transition
	// guard (spec §4.E). Returns (true, nil) only for the caller that wins
	// the race; all other concurrent callers get (false, nil).
	ClaimCommand(ctx context.Context, commandID string) (bool, error)

	// FinalizeCommand sets status, error message, and executed_at (always
	// set explicitly on a terminal transition, spec §9 decision 2).
	FinalizeCommand(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error
}

// ComponentParameterStore owns component_parameters and the two telemetry
// streams (parameter_value_history, process_data_points).
type ComponentParameterStore interface {
	GetComponentParameter(ctx context.Context, parameterID string) (*models.ComponentParameter, error)
	FindComponentParameterByName(ctx context.Context, name string) ([]*models.ComponentParameter, error)
	FindComponentParameterByWriteAddress(ctx context.Context, address int) (*models.ComponentParameter, error)
	ListComponentParameters(ctx context.Context) ([]*models.ComponentParameter, error)

	// UpdateParameterSetValue persists {set_value, updated_at} only (spec §9
	// decision 6); current_value is PLC-driver-internal state.
	UpdateParameterSetValue(ctx context.Context, parameterID string, value float64) error

	// BatchInsertHistory writes the global telemetry stream.
	BatchInsertHistory(ctx context.Context, points []models.ParameterDataPoint) error
	// BatchInsertProcessData writes the per-process telemetry stream.
	BatchInsertProcessData(ctx context.Context, processID string, points []models.ParameterDataPoint) error
}

// AuditStore owns the decorative parameter_control_commands table, written
// fire-and-forget by internal/audit (spec §4.C, §9).
type AuditStore interface {
	InsertParameterControlCommand(ctx context.Context, rec *models.ParameterControlCommand) error
}

// Store composes every collaborator interface this core depends on (spec
// §6), plus lifecycle methods.
type Store interface {
	MachineStore
	OperatorSessionStore
	RecipeStore
	ProcessExecutionStore
	RecipeCommandStore
	ComponentParameterStore
	AuditStore

	Ping(ctx context.Context) error
	Close()
}

// Clock is injected so tests can control "now" without relying on wall time;
// production code uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
