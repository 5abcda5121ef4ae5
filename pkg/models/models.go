// Package models defines the domain entities the control core persists and
// exchanges with the PLC and datastore collaborators.
package models

import "time"

// MachineStatus is the lifecycle state of a Machine.
type MachineStatus string

const (
	MachineIdle       MachineStatus = "idle"
	MachineProcessing MachineStatus = "processing"
	MachineError      MachineStatus = "error"
	MachineOffline    MachineStatus = "offline"
)

// Machine is the physical tool this runtime controls.
type Machine struct {
	MachineID         string        `json:"machine_id" db:"machine_id"`
	Status            MachineStatus `json:"status" db:"status"`
	CurrentProcessID  *string       `json:"current_process_id" db:"current_process_id"`
	CurrentOperatorID *string       `json:"current_operator_id" db:"current_operator_id"`
}

// MachineState is the sibling record to Machine carrying failure detail.
// The Machine-State Authority (internal/machinestate) is the only writer.
type MachineState struct {
	MachineID           string        `json:"machine_id" db:"machine_id"`
	CurrentState        MachineStatus `json:"current_state" db:"current_state"`
	ProcessID           *string       `json:"process_id" db:"process_id"`
	IsFailureMode       bool          `json:"is_failure_mode" db:"is_failure_mode"`
	FailureDescription  *string       `json:"failure_description" db:"failure_description"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// OperatorSession binds an operator to a machine for the duration of one or
// more process executions.
type OperatorSession struct {
	SessionID  string     `json:"session_id" db:"session_id"`
	OperatorID string     `json:"operator_id" db:"operator_id"`
	MachineID  string     `json:"machine_id" db:"machine_id"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	EndedAt    *time.Time `json:"ended_at" db:"ended_at"`
}

// ProcessStatus is the terminal/non-terminal state of a ProcessExecution.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessStopped   ProcessStatus = "stopped"
)

// ProcessExecution is one run of a recipe on one machine.
type ProcessExecution struct {
	ProcessID     string            `json:"process_id" db:"process_id"`
	MachineID     string            `json:"machine_id" db:"machine_id"`
	RecipeID      string            `json:"recipe_id" db:"recipe_id"`
	RecipeVersion RecipeVersion     `json:"recipe_version" db:"recipe_version"`
	SessionID     string            `json:"session_id" db:"session_id"`
	OperatorID    string            `json:"operator_id" db:"operator_id"`
	Status        ProcessStatus     `json:"status" db:"status"`
	StartTime     time.Time         `json:"start_time" db:"start_time"`
	EndTime       *time.Time        `json:"end_time" db:"end_time"`
	ErrorMessage  *string           `json:"error_message" db:"error_message"`
	Parameters    map[string]float64 `json:"parameters" db:"parameters"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// RecipeVersion is a stable snapshot of a recipe body taken at start, per
// spec §4.D ("compile"), so a later edit to the live recipe can never change
// the meaning of an in-flight run.
type RecipeVersion struct {
	RecipeID                   string       `json:"recipe_id"`
	Name                       string       `json:"name"`
	Version                    int          `json:"version"`
	ChamberTemperatureSetPoint float64      `json:"chamber_temperature_set_point"`
	PressureSetPoint           float64      `json:"pressure_set_point"`
	Steps                      []RecipeStep `json:"steps"`
	Parameters                 map[string]float64 `json:"parameters"`
}

// StepType discriminates the four step kinds a recipe can contain.
type StepType string

const (
	StepValve     StepType = "valve"
	StepPurge     StepType = "purge"
	StepLoop      StepType = "loop"
	StepParameter StepType = "set_parameter"
)

// ProgressState ∈ {valve, purge, loop, set_parameter, completed, error, setup}
// as written to ProcessExecutionState.CurrentStepType.
const (
	StateCompleted StepType = "completed"
	StateError     StepType = "error"
	StateSetup     StepType = "setup"
)

// RecipeStep is one node of a recipe's step tree.
type RecipeStep struct {
	ID             string   `json:"id" db:"id"`
	RecipeID       string   `json:"recipe_id" db:"recipe_id"`
	SequenceNumber int      `json:"sequence_number" db:"sequence_number"`
	ParentStepID   *string  `json:"parent_step_id" db:"parent_step_id"`
	Name           string   `json:"name" db:"name"`
	Type           StepType `json:"type" db:"type"`

	// Inline fallback parameters, used when the sibling config table has no
	// row for this step (legacy rows, per spec §3).
	InlineParameters map[string]float64 `json:"parameters,omitempty" db:"parameters"`

	// ParameterID and ParameterValue carry {parameter_id, value} inline for
	// StepParameter steps, which have no sibling config table.
	ParameterID    *string  `json:"parameter_id,omitempty" db:"parameter_id"`
	ParameterValue *float64 `json:"value,omitempty" db:"value"`
}

// ValveStepConfig is the sibling configuration for a StepValve step.
type ValveStepConfig struct {
	StepID      string `json:"step_id" db:"step_id"`
	ValveNumber int    `json:"valve_number" db:"valve_number"`
	DurationMs  int    `json:"duration_ms" db:"duration_ms"`
}

// PurgeStepConfig is the sibling configuration for a StepPurge step.
type PurgeStepConfig struct {
	StepID     string  `json:"step_id" db:"step_id"`
	DurationMs int     `json:"duration_ms" db:"duration_ms"`
	GasType    string  `json:"gas_type" db:"gas_type"`
	FlowRate   float64 `json:"flow_rate" db:"flow_rate"`
}

// LoopStepConfig is the sibling configuration for a StepLoop step.
type LoopStepConfig struct {
	StepID         string `json:"step_id" db:"step_id"`
	IterationCount int    `json:"iteration_count" db:"iteration_count"`
}

// Recipe is the operator-authored program this core compiles and executes.
type Recipe struct {
	ID                         string `json:"id" db:"id"`
	Name                       string `json:"name" db:"name"`
	Version                    int    `json:"version" db:"version"`
	ChamberTemperatureSetPoint float64 `json:"chamber_temperature_set_point" db:"chamber_temperature_set_point"`
	PressureSetPoint           float64 `json:"pressure_set_point" db:"pressure_set_point"`
}

// Progress tracks step/cycle accounting for one ProcessExecutionState.
type Progress struct {
	TotalSteps      int `json:"total_steps"`
	CompletedSteps  int `json:"completed_steps"`
	TotalCycles     int `json:"total_cycles"`
	CompletedCycles int `json:"completed_cycles"`
}

// ProcessExecutionState is the 1:1 sibling to ProcessExecution holding live
// progress, mutated by step handlers and the executor (spec §3).
type ProcessExecutionState struct {
	ExecutionID    string   `json:"execution_id" db:"execution_id"`
	CurrentStepIdx int      `json:"current_step_index" db:"current_step_index"`
	CurrentOverall int      `json:"current_overall_step" db:"current_overall_step"`
	TotalOverall   int      `json:"total_overall_steps" db:"total_overall_steps"`
	CurrentType    StepType `json:"current_step_type" db:"current_step_type"`
	CurrentName    string   `json:"current_step_name" db:"current_step_name"`

	CurrentValveNumber     *int     `json:"current_valve_number,omitempty" db:"current_valve_number"`
	CurrentValveDurationMs *int     `json:"current_valve_duration_ms,omitempty" db:"current_valve_duration_ms"`
	CurrentPurgeDurationMs *int     `json:"current_purge_duration_ms,omitempty" db:"current_purge_duration_ms"`
	CurrentLoopCount       *int     `json:"current_loop_count,omitempty" db:"current_loop_count"`
	CurrentLoopIteration   *int     `json:"current_loop_iteration,omitempty" db:"current_loop_iteration"`
	CurrentParameterID     *string  `json:"current_parameter_id,omitempty" db:"current_parameter_id"`
	CurrentParameterValue  *float64 `json:"current_parameter_value,omitempty" db:"current_parameter_value"`

	Progress    Progress  `json:"progress" db:"progress"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// CommandType ∈ {start_recipe, stop_recipe, set_parameter}.
type CommandType string

const (
	CommandStartRecipe  CommandType = "start_recipe"
	CommandStopRecipe   CommandType = "stop_recipe"
	CommandSetParameter CommandType = "set_parameter"
)

// CommandStatus is the finite lifecycle of a RecipeCommand.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandError      CommandStatus = "error"
)

// RecipeCommand is a unit of work ingested from the outside world (spec §3).
type RecipeCommand struct {
	CommandID    string                 `json:"command_id" db:"command_id"`
	MachineID    string                 `json:"machine_id" db:"machine_id"`
	Type         CommandType            `json:"type" db:"type"`
	Parameters   map[string]interface{} `json:"parameters" db:"parameters"`
	Status       CommandStatus          `json:"status" db:"status"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	ExecutedAt   *time.Time             `json:"executed_at" db:"executed_at"`
	ErrorMessage *string                `json:"error_message" db:"error_message"`
}

// ParameterDataType ∈ {float, int16, int32, binary}.
type ParameterDataType string

const (
	DataTypeFloat  ParameterDataType = "float"
	DataTypeInt16  ParameterDataType = "int16"
	DataTypeInt32  ParameterDataType = "int32"
	DataTypeBinary ParameterDataType = "binary"
)

// ComponentParameter is one sensor or actuator channel (spec §3).
type ComponentParameter struct {
	ParameterID       string            `json:"parameter_id" db:"parameter_id"`
	Name              string            `json:"name" db:"name"`
	MinValue          float64           `json:"min_value" db:"min_value"`
	MaxValue          float64           `json:"max_value" db:"max_value"`
	CurrentValue      float64           `json:"current_value" db:"current_value"`
	SetValue          float64           `json:"set_value" db:"set_value"`
	ReadModbusAddress *int              `json:"read_modbus_address" db:"read_modbus_address"`
	WriteModbusAddress *int             `json:"write_modbus_address" db:"write_modbus_address"`
	DataType          ParameterDataType `json:"data_type" db:"data_type"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// InRange reports whether value satisfies invariant I6.
func (p ComponentParameter) InRange(value float64) bool {
	return value >= p.MinValue && value <= p.MaxValue
}

// ParameterControlCommand is a decorative audit record written
// fire-and-forget by internal/audit after a valve actuation (spec §4.C, §9).
type ParameterControlCommand struct {
	ID            string     `json:"id" db:"id"`
	MachineID     string     `json:"machine_id" db:"machine_id"`
	ParameterName string     `json:"parameter_name" db:"parameter_name"`
	TargetValue   float64    `json:"target_value" db:"target_value"`
	ExecutedAt    time.Time  `json:"executed_at" db:"executed_at"`
	CompletedAt   *time.Time `json:"completed_at" db:"completed_at"`
	ProcessID     *string    `json:"process_id" db:"process_id"`
}

// ParameterDataPoint is one sample written into either the global history
// stream or a per-process stream by the continuous parameter logger.
type ParameterDataPoint struct {
	ParameterID string    `json:"parameter_id" db:"parameter_id"`
	Value       float64   `json:"value" db:"value"`
	SetPoint    float64   `json:"set_point" db:"set_point"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	ProcessID   *string   `json:"process_id,omitempty" db:"process_id"`
}
