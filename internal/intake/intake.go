// Package intake implements Command Intake (spec §4.E): a polling loop over
// recipe_commands that validates, resolves, and dispatches each command
// concurrently, with an idempotent claim guard against duplicate delivery.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/internal/machinestate"
	"github.com/aldctl/control-core/internal/recipe"
	"github.com/aldctl/control-core/internal/steps"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// Intake polls recipe_commands for a single machine_id and dispatches each
// claimed command on its own goroutine. A change-feed subscription is the
// named ideal (spec §6); polling is the portable fallback this
// implementation uses.
type Intake struct {
	Store     store.Store
	Executor  *recipe.Executor
	Steps     *steps.Handlers
	Cancel    *cancel.Registry
	Authority *machinestate.Authority
	MachineID string

	PollInterval time.Duration
}

// New constructs an Intake with the spec default 500ms poll interval.
func New(s store.Store, ex *recipe.Executor, h *steps.Handlers, c *cancel.Registry, a *machinestate.Authority, machineID string) *Intake {
	return &Intake{
		Store:        s,
		Executor:     ex,
		Steps:        h,
		Cancel:       c,
		Authority:    a,
		MachineID:    machineID,
		PollInterval: 500 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) {
	interval := in.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.pollOnce(ctx)
		}
	}
}

func (in *Intake) pollOnce(ctx context.Context) {
	pending, err := in.Store.ListPendingCommands(ctx, in.MachineID)
	if err != nil {
		log.Error().Err(err).Msg("list pending commands failed")
		return
	}
	for _, cmd := range pending {
		cmd := cmd
		won, err := in.Store.ClaimCommand(ctx, cmd.CommandID)
		if err != nil {
			log.Error().Err(err).Str("command_id", cmd.CommandID).Msg("claim command failed")
			continue
		}
		if !won {
			continue // another poller/replica already claimed it
		}
		go in.dispatch(ctx, cmd)
	}
}

func (in *Intake) dispatch(ctx context.Context, cmd *models.RecipeCommand) {
	var execErr error
	switch cmd.Type {
	case models.CommandStartRecipe:
		execErr = in.handleStartRecipe(ctx, cmd)
	case models.CommandStopRecipe:
		execErr = in.handleStopRecipe(ctx, cmd)
	case models.CommandSetParameter:
		execErr = in.handleSetParameter(ctx, cmd)
	default:
		execErr = fmt.Errorf("%w: unknown command type %q", errs.ErrValidation, cmd.Type)
	}

	status := models.CommandCompleted
	var msg *string
	if execErr != nil {
		status = models.CommandError
		m := execErr.Error()
		msg = &m
		log.Warn().Err(execErr).Str("command_id", cmd.CommandID).Str("type", string(cmd.Type)).Msg("command failed")
	}
	if err := in.Store.FinalizeCommand(ctx, cmd.CommandID, status, msg); err != nil {
		log.Error().Err(err).Str("command_id", cmd.CommandID).Msg("finalize command failed")
	}
}

func (in *Intake) handleStartRecipe(ctx context.Context, cmd *models.RecipeCommand) error {
	recipeID, ok := stringParam(cmd.Parameters, "recipe_id")
	if !ok || recipeID == "" {
		return fmt.Errorf("%w: start_recipe requires recipe_id", errs.ErrValidation)
	}
	operatorID, _ := stringParam(cmd.Parameters, "operator_id")
	if operatorID == "" {
		mm, err := in.Store.GetMachine(ctx, in.MachineID)
		if err != nil {
			return fmt.Errorf("resolve operator: %w", err)
		}
		if mm.CurrentOperatorID == nil {
			return fmt.Errorf("%w: no operator_id provided and machine has no current operator", errs.ErrValidation)
		}
		operatorID = *mm.CurrentOperatorID
	}

	session, err := in.Store.GetActiveOperatorSession(ctx, operatorID, in.MachineID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("resolve operator session: %w", err)
		}
		session, err = in.Store.CreateOperatorSession(ctx, operatorID, in.MachineID)
		if err != nil {
			return fmt.Errorf("create operator session: %w", err)
		}
	}

	overrides := overrideParams(cmd.Parameters)
	_, err = in.Executor.Start(ctx, recipeID, session.SessionID, operatorID, overrides)
	return err
}

func (in *Intake) handleStopRecipe(ctx context.Context, cmd *models.RecipeCommand) error {
	processID, ok := stringParam(cmd.Parameters, "process_id")
	if !ok || processID == "" {
		return fmt.Errorf("%w: stop_recipe requires process_id", errs.ErrValidation)
	}
	in.Cancel.Cancel(processID)
	return nil
}

func (in *Intake) handleSetParameter(ctx context.Context, cmd *models.RecipeCommand) error {
	param, value, err := in.resolveSetParameter(ctx, cmd.Parameters)
	if err != nil {
		return err
	}
	if !param.InRange(value) {
		return fmt.Errorf("%w: %s=%v not in [%v, %v]", errs.ErrParameterOutOfRange, param.ParameterID, value, param.MinValue, param.MaxValue)
	}
	if err := in.Steps.PLC.WriteParameter(ctx, param.ParameterID, value); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrPLCWriteFailed, param.ParameterID, err)
	}
	if err := in.Store.UpdateParameterSetValue(ctx, param.ParameterID, value); err != nil {
		return fmt.Errorf("persist parameter set_value: %w", err)
	}
	param.SetValue = value
	in.Steps.Params.Invalidate(param)
	in.Steps.Audit.Enqueue(in.MachineID, param.Name, value, nil)
	return nil
}

// resolveSetParameter implements the priority order named in spec §6:
// (1) explicit write address, (2) component parameter id, (3) parameter
// name (first match wins, with a warning on multiple matches).
func (in *Intake) resolveSetParameter(ctx context.Context, params map[string]interface{}) (*models.ComponentParameter, float64, error) {
	value, ok := floatParam(params, "value")
	if !ok {
		return nil, 0, fmt.Errorf("%w: set_parameter requires numeric value", errs.ErrValidation)
	}

	if addr, ok := floatParam(params, "write_modbus_address"); ok {
		p, err := in.Steps.Params.GetByWriteAddress(ctx, int(addr))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: write_modbus_address %d: %v", errs.ErrValidation, int(addr), err)
		}
		return p, value, nil
	}

	if id, ok := stringParam(params, "component_parameter_id"); ok && id != "" {
		p, err := in.Steps.Params.Get(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: component_parameter_id %s: %v", errs.ErrValidation, id, err)
		}
		return p, value, nil
	}

	if id, ok := stringParam(params, "parameter_id"); ok && id != "" {
		if p, err := in.Steps.Params.Get(ctx, id); err == nil {
			return p, value, nil
		}
		matches, err := in.Store.FindComponentParameterByName(ctx, id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: parameter_id %s: %v", errs.ErrValidation, id, err)
		}
		if len(matches) == 0 {
			return nil, 0, fmt.Errorf("%w: no parameter found for %s", errs.ErrValidation, id)
		}
		if len(matches) > 1 {
			log.Warn().Str("name", id).Int("matches", len(matches)).Msg("multiple component parameters matched by name, using first")
		}
		return matches[0], value, nil
	}

	return nil, 0, fmt.Errorf("%w: set_parameter requires write_modbus_address, component_parameter_id, or parameter_id", errs.ErrValidation)
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func overrideParams(params map[string]interface{}) map[string]float64 {
	raw, ok := params["parameters_override"]
	if !ok {
		return nil
	}
	asMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(asMap))
	for k := range asMap {
		if f, ok := floatParam(asMap, k); ok {
			out[k] = f
		}
	}
	return out
}
