package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store against a real Postgres database via pgx,
// calling the stored procedures named in spec §6 for every atomic machine
// transition.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, retrying transient failures with
// exponential backoff (spec §7 retry policy — the only retry path this core
// performs automatically).
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	var pool *pgxpool.Pool
	op := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrDatastoreTransient, err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("%w: %v", errs.ErrDatastoreTransient, err)
		}
		pool = p
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 32 * time.Second
	bo.MaxElapsedTime = 2 * time.Minute // overall time bound

	// WithMaxRetries(bo, 4) caps the connect at 5 attempts in total.
	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, 4)); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Info().Msg("connected to postgres datastore")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close()                         { s.pool.Close() }

// --- MachineStore ---

func (s *PostgresStore) GetMachine(ctx context.Context, machineID string) (*models.Machine, error) {
	row := s.pool.QueryRow(ctx, `SELECT machine_id, status, current_process_id, current_operator_id FROM machines WHERE machine_id = $1`, machineID)
	m := &models.Machine{}
	if err := row.Scan(&m.MachineID, &m.Status, &m.CurrentProcessID, &m.CurrentOperatorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) GetMachineState(ctx context.Context, machineID string) (*models.MachineState, error) {
	row := s.pool.QueryRow(ctx, `SELECT machine_id, current_state, process_id, is_failure_mode, failure_description, updated_at FROM machine_state WHERE machine_id = $1`, machineID)
	ms := &models.MachineState{}
	if err := row.Scan(&ms.MachineID, &ms.CurrentState, &ms.ProcessID, &ms.IsFailureMode, &ms.FailureDescription, &ms.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return ms, nil
}

func (s *PostgresStore) AtomicToProcessing(ctx context.Context, machineID, processID string) error {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT atomic_processing_machine_state($1, $2)`, machineID, processID).Scan(&ok)
	if err != nil {
		return fmt.Errorf("atomic_processing_machine_state: %w", err)
	}
	if !ok {
		return errs.ErrMachineBusy
	}
	return nil
}

func (s *PostgresStore) AtomicToIdle(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `SELECT atomic_complete_machine_state($1)`, machineID)
	if err != nil {
		return fmt.Errorf("atomic_complete_machine_state: %w", err)
	}
	return nil
}

func (s *PostgresStore) AtomicToError(ctx context.Context, machineID, description string) error {
	_, err := s.pool.Exec(ctx, `SELECT atomic_error_machine_state($1, $2)`, machineID, description)
	if err != nil {
		return fmt.Errorf("atomic_error_machine_state: %w", err)
	}
	return nil
}

// --- OperatorSessionStore ---

func (s *PostgresStore) GetActiveOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT session_id, operator_id, machine_id, started_at, ended_at FROM operator_sessions WHERE operator_id = $1 AND machine_id = $2 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, operatorID, machineID)
	os := &models.OperatorSession{}
	if err := row.Scan(&os.SessionID, &os.OperatorID, &os.MachineID, &os.StartedAt, &os.EndedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return os, nil
}

func (s *PostgresStore) CreateOperatorSession(ctx context.Context, operatorID, machineID string) (*models.OperatorSession, error) {
	os := &models.OperatorSession{OperatorID: operatorID, MachineID: machineID}
	row := s.pool.QueryRow(ctx, `INSERT INTO operator_sessions (operator_id, machine_id, started_at) VALUES ($1, $2, now()) RETURNING session_id, started_at`, operatorID, machineID)
	if err := row.Scan(&os.SessionID, &os.StartedAt); err != nil {
		return nil, err
	}
	return os, nil
}

// --- RecipeStore ---

func (s *PostgresStore) GetRecipe(ctx context.Context, recipeID string) (*models.Recipe, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, version, chamber_temperature_set_point, pressure_set_point FROM recipes WHERE id = $1`, recipeID)
	r := &models.Recipe{}
	if err := row.Scan(&r.ID, &r.Name, &r.Version, &r.ChamberTemperatureSetPoint, &r.PressureSetPoint); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListRecipeSteps(ctx context.Context, recipeID string) ([]*models.RecipeStep, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, recipe_id, sequence_number, parent_step_id, name, type, parameters FROM recipe_steps WHERE recipe_id = $1 ORDER BY sequence_number`, recipeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.RecipeStep
	for rows.Next() {
		st := &models.RecipeStep{}
		var raw []byte
		if err := rows.Scan(&st.ID, &st.RecipeID, &st.SequenceNumber, &st.ParentStepID, &st.Name, &st.Type, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &st.InlineParameters)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRecipeParameters(ctx context.Context, recipeID string) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, value FROM recipe_parameters WHERE recipe_id = $1`, recipeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var val float64
		if err := rows.Scan(&name, &val); err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetValveStepConfig(ctx context.Context, stepID string) (*models.ValveStepConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT step_id, valve_number, duration_ms FROM valve_step_config WHERE step_id = $1`, stepID)
	c := &models.ValveStepConfig{}
	if err := row.Scan(&c.StepID, &c.ValveNumber, &c.DurationMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetPurgeStepConfig(ctx context.Context, stepID string) (*models.PurgeStepConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT step_id, duration_ms, gas_type, flow_rate FROM purge_step_config WHERE step_id = $1`, stepID)
	c := &models.PurgeStepConfig{}
	if err := row.Scan(&c.StepID, &c.DurationMs, &c.GasType, &c.FlowRate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetLoopStepConfig(ctx context.Context, stepID string) (*models.LoopStepConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT step_id, iteration_count FROM loop_step_config WHERE step_id = $1`, stepID)
	c := &models.LoopStepConfig{}
	if err := row.Scan(&c.StepID, &c.IterationCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// --- ProcessExecutionStore ---

func (s *PostgresStore) CreateProcessExecution(ctx context.Context, pe *models.ProcessExecution, state *models.ProcessExecutionState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	versionJSON, err := json.Marshal(pe.RecipeVersion)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(pe.Parameters)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO process_executions
		(process_id, machine_id, recipe_id, recipe_version, session_id, operator_id, status, start_time, parameters, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())`,
		pe.ProcessID, pe.MachineID, pe.RecipeID, versionJSON, pe.SessionID, pe.OperatorID, pe.Status, pe.StartTime, paramsJSON)
	if err != nil {
		return fmt.Errorf("insert process_executions: %w", err)
	}

	progressJSON, err := json.Marshal(state.Progress)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO process_execution_state
		(execution_id, current_step_index, current_overall_step, total_overall_steps, current_step_type, current_step_name, progress, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
		state.ExecutionID, state.CurrentStepIdx, state.CurrentOverall, state.TotalOverall, state.CurrentType, state.CurrentName, progressJSON)
	if err != nil {
		return fmt.Errorf("insert process_execution_state: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetProcessExecution(ctx context.Context, processID string) (*models.ProcessExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT process_id, machine_id, recipe_id, recipe_version, session_id, operator_id, status, start_time, end_time, error_message, parameters, updated_at FROM process_executions WHERE process_id = $1`, processID)
	pe := &models.ProcessExecution{}
	var versionJSON, paramsJSON []byte
	if err := row.Scan(&pe.ProcessID, &pe.MachineID, &pe.RecipeID, &versionJSON, &pe.SessionID, &pe.OperatorID, &pe.Status, &pe.StartTime, &pe.EndTime, &pe.ErrorMessage, &paramsJSON, &pe.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(versionJSON, &pe.RecipeVersion)
	_ = json.Unmarshal(paramsJSON, &pe.Parameters)
	return pe, nil
}

func (s *PostgresStore) UpdateProcessExecution(ctx context.Context, pe *models.ProcessExecution) error {
	_, err := s.pool.Exec(ctx, `UPDATE process_executions SET status=$2, end_time=$3, error_message=$4, updated_at=now() WHERE process_id=$1`,
		pe.ProcessID, pe.Status, pe.EndTime, pe.ErrorMessage)
	return err
}

func (s *PostgresStore) TouchProcessExecution(ctx context.Context, processID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE process_executions SET updated_at = now() WHERE process_id = $1`, processID)
	return err
}

func (s *PostgresStore) GetProcessExecutionState(ctx context.Context, processID string) (*models.ProcessExecutionState, error) {
	row := s.pool.QueryRow(ctx, `SELECT execution_id, current_step_index, current_overall_step, total_overall_steps, current_step_type, current_step_name,
		current_valve_number, current_valve_duration_ms, current_purge_duration_ms, current_loop_count, current_loop_iteration,
		current_parameter_id, current_parameter_value, progress, last_updated FROM process_execution_state WHERE execution_id = $1`, processID)
	st := &models.ProcessExecutionState{}
	var progressJSON []byte
	if err := row.Scan(&st.ExecutionID, &st.CurrentStepIdx, &st.CurrentOverall, &st.TotalOverall, &st.CurrentType, &st.CurrentName,
		&st.CurrentValveNumber, &st.CurrentValveDurationMs, &st.CurrentPurgeDurationMs, &st.CurrentLoopCount, &st.CurrentLoopIteration,
		&st.CurrentParameterID, &st.CurrentParameterValue, &progressJSON, &st.LastUpdated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(progressJSON, &st.Progress)
	return st, nil
}

func (s *PostgresStore) UpdateProcessExecutionState(ctx context.Context, state *models.ProcessExecutionState) error {
	progressJSON, err := json.Marshal(state.Progress)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE process_execution_state SET
		current_step_index=$2, current_overall_step=$3, total_overall_steps=$4, current_step_type=$5, current_step_name=$6,
		current_valve_number=$7, current_valve_duration_ms=$8, current_purge_duration_ms=$9, current_loop_count=$10, current_loop_iteration=$11,
		current_parameter_id=$12, current_parameter_value=$13, progress=$14, last_updated=now()
		WHERE execution_id=$1`,
		state.ExecutionID, state.CurrentStepIdx, state.CurrentOverall, state.TotalOverall, state.CurrentType, state.CurrentName,
		state.CurrentValveNumber, state.CurrentValveDurationMs, state.CurrentPurgeDurationMs, state.CurrentLoopCount, state.CurrentLoopIteration,
		state.CurrentParameterID, state.CurrentParameterValue, progressJSON)
	return err
}

func (s *PostgresStore) ListRunningProcessExecutions(ctx context.Context) ([]*models.ProcessExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT process_id, machine_id, recipe_id, status, start_time FROM process_executions WHERE status = 'running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ProcessExecution
	for rows.Next() {
		pe := &models.ProcessExecution{}
		if err := rows.Scan(&pe.ProcessID, &pe.MachineID, &pe.RecipeID, &pe.Status, &pe.StartTime); err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

// --- RecipeCommandStore ---

func (s *PostgresStore) ListPendingCommands(ctx context.Context, machineID string) ([]*models.RecipeCommand, error) {
	rows, err := s.pool.Query(ctx, `SELECT command_id, machine_id, type, parameters, status, created_at FROM recipe_commands WHERE machine_id = $1 AND status = 'pending' ORDER BY created_at`, machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RecipeCommand
	for rows.Next() {
		c := &models.RecipeCommand{}
		var raw []byte
		if err := rows.Scan(&c.CommandID, &c.MachineID, &c.Type, &raw, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(raw, &c.Parameters)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE recipe_commands SET status = 'processing' WHERE command_id = $1 AND status = 'pending'`, commandID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinalizeCommand(ctx context.Context, commandID string, status models.CommandStatus, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `UPDATE recipe_commands SET status=$2, error_message=$3, executed_at=now() WHERE command_id=$1`, commandID, status, errMsg)
	return err
}

// --- ComponentParameterStore ---

func (s *PostgresStore) GetComponentParameter(ctx context.Context, parameterID string) (*models.ComponentParameter, error) {
	row := s.pool.QueryRow(ctx, `SELECT parameter_id, name, min_value, max_value, current_value, set_value, read_modbus_address, write_modbus_address, data_type, updated_at FROM component_parameters WHERE parameter_id = $1`, parameterID)
	p := &models.ComponentParameter{}
	if err := row.Scan(&p.ParameterID, &p.Name, &p.MinValue, &p.MaxValue, &p.CurrentValue, &p.SetValue, &p.ReadModbusAddress, &p.WriteModbusAddress, &p.DataType, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) FindComponentParameterByName(ctx context.Context, name string) ([]*models.ComponentParameter, error) {
	rows, err := s.pool.Query(ctx, `SELECT parameter_id, name, min_value, max_value, current_value, set_value, read_modbus_address, write_modbus_address, data_type, updated_at FROM component_parameters WHERE name = $1 ORDER BY parameter_id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ComponentParameter
	for rows.Next() {
		p := &models.ComponentParameter{}
		if err := rows.Scan(&p.ParameterID, &p.Name, &p.MinValue, &p.MaxValue, &p.CurrentValue, &p.SetValue, &p.ReadModbusAddress, &p.WriteModbusAddress, &p.DataType, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindComponentParameterByWriteAddress(ctx context.Context, address int) (*models.ComponentParameter, error) {
	row := s.pool.QueryRow(ctx, `SELECT parameter_id, name, min_value, max_value, current_value, set_value, read_modbus_address, write_modbus_address, data_type, updated_at FROM component_parameters WHERE write_modbus_address = $1`, address)
	p := &models.ComponentParameter{}
	if err := row.Scan(&p.ParameterID, &p.Name, &p.MinValue, &p.MaxValue, &p.CurrentValue, &p.SetValue, &p.ReadModbusAddress, &p.WriteModbusAddress, &p.DataType, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) ListComponentParameters(ctx context.Context) ([]*models.ComponentParameter, error) {
	rows, err := s.pool.Query(ctx, `SELECT parameter_id, name, min_value, max_value, current_value, set_value, read_modbus_address, write_modbus_address, data_type, updated_at FROM component_parameters ORDER BY parameter_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ComponentParameter
	for rows.Next() {
		p := &models.ComponentParameter{}
		if err := rows.Scan(&p.ParameterID, &p.Name, &p.MinValue, &p.MaxValue, &p.CurrentValue, &p.SetValue, &p.ReadModbusAddress, &p.WriteModbusAddress, &p.DataType, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateParameterSetValue(ctx context.Context, parameterID string, value float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE component_parameters SET set_value = $2, updated_at = now() WHERE parameter_id = $1`, parameterID, value)
	return err
}

func (s *PostgresStore) BatchInsertHistory(ctx context.Context, points []models.ParameterDataPoint) error {
	return s.batchInsert(ctx, `INSERT INTO parameter_value_history (parameter_id, value, set_point, timestamp) VALUES ($1,$2,$3,$4)`, points, false)
}

func (s *PostgresStore) BatchInsertProcessData(ctx context.Context, processID string, points []models.ParameterDataPoint) error {
	return s.batchInsert(ctx, `INSERT INTO process_data_points (parameter_id, value, set_point, timestamp, process_id) VALUES ($1,$2,$3,$4,$5)`, points, true)
}

func (s *PostgresStore) batchInsert(ctx context.Context, sql string, points []models.ParameterDataPoint, withProcessID bool) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		if withProcessID {
			batch.Queue(sql, p.ParameterID, p.Value, p.SetPoint, p.Timestamp, p.ProcessID)
		} else {
			batch.Queue(sql, p.ParameterID, p.Value, p.SetPoint, p.Timestamp)
		}
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// --- AuditStore ---

func (s *PostgresStore) InsertParameterControlCommand(ctx context.Context, rec *models.ParameterControlCommand) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO parameter_control_commands (machine_id, parameter_name, target_value, executed_at, completed_at, process_id) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.MachineID, rec.ParameterName, rec.TargetValue, rec.ExecutedAt, rec.CompletedAt, rec.ProcessID)
	return err
}

var _ Store = (*PostgresStore)(nil)
