// Package app wires together every collaborator into one running control
// instance: datastore, PLC driver, cancellation registry, machine-state
// authority, step handlers, recipe executor, command intake, continuous
// parameter logger, audit queue, and the health HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aldctl/control-core/internal/audit"
	"github.com/aldctl/control-core/internal/cancel"
	"github.com/aldctl/control-core/internal/config"
	"github.com/aldctl/control-core/internal/healthapi"
	"github.com/aldctl/control-core/internal/intake"
	"github.com/aldctl/control-core/internal/machinestate"
	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/paramlog"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/recipe"
	"github.com/aldctl/control-core/internal/steps"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// App bundles every long-running task this runtime drives.
type App struct {
	cfg *config.Config

	Store     store.Store
	PLC       plc.PLC
	Cancel    *cancel.Registry
	Authority *machinestate.Authority
	Params    *paramcache.Cache
	Audit     *audit.Queue
	Steps     *steps.Handlers
	Executor  *recipe.Executor
	Intake    *intake.Intake
	Logger    *paramlog.Logger

	healthServer *http.Server
}

// New constructs an App from already-built Store and PLC collaborators so
// callers (cmd/controld, tests) control which concrete implementations back
// them (PostgresStore vs MemoryStore, a real Modbus driver vs SimulatedPLC).
func New(cfg *config.Config, s store.Store, p plc.PLC) *App {
	reg := cancel.New()
	auth := machinestate.New(s)
	cache := paramcache.New(s)
	auditQueue := audit.New(s)

	// The simulated PLC keeps an address-keyed store separate from its
	// ID-keyed parameter values; bind the two together on every cache reload
	// so a set_parameter write is visible on the logger's next bulk read.
	if sp, ok := p.(*plc.SimulatedPLC); ok {
		cache.OnRefresh = func(params []*models.ComponentParameter) {
			for _, param := range params {
				sp.RegisterParameter(param.ParameterID, param.ReadModbusAddress, param.DataType == models.DataTypeBinary)
			}
		}
	}

	h := &steps.Handlers{
		Store:     s,
		PLC:       p,
		Cancel:    reg,
		Audit:     auditQueue,
		Params:    cache,
		MachineID: cfg.MachineID,
	}
	logger := paramlog.New(s, p, cache, cfg.MachineID, cfg.Logger.MaxWorkers)

	executor := recipe.New(s, h, reg, auth, logger, cfg.MachineID)
	in := intake.New(s, executor, h, reg, auth, cfg.MachineID)
	in.PollInterval = cfg.Intake.PollInterval

	return &App{
		cfg:       cfg,
		Store:     s,
		PLC:       p,
		Cancel:    reg,
		Authority: auth,
		Params:    cache,
		Audit:     auditQueue,
		Steps:     h,
		Executor:  executor,
		Intake:    in,
		Logger:    logger,
	}
}

// Start runs the startup recovery pass, loads the parameter-metadata cache,
// and launches every background task on its own goroutine. It returns once
// everything is running; callers should block on ctx.Done() or a signal.
func (a *App) Start(ctx context.Context) error {
	if err := a.PLC.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize plc: %w", err)
	}
	if err := a.Params.Refresh(ctx); err != nil {
		return fmt.Errorf("initial parameter cache refresh: %w", err)
	}
	if err := a.reconcileStartupState(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	go a.Intake.Run(ctx)
	go a.Logger.Run(ctx)
	go a.Params.RunBackgroundRefresh(ctx)
	go a.Audit.Run(ctx)

	a.startHealthServer()

	log.Info().Str("machine_id", a.cfg.MachineID).Msg("control runtime started")
	return nil
}

// reconcileStartupState runs the Machine-State Authority's repair pass and
// marks any orphaned "running" Process Executions as failed (spec §7): no
// partial run is ever resumed.
func (a *App) reconcileStartupState(ctx context.Context) error {
	running, err := a.Store.ListRunningProcessExecutions(ctx)
	if err != nil {
		return fmt.Errorf("list running process executions: %w", err)
	}

	hasRunning := false
	now := time.Now().UTC()
	for _, pe := range running {
		if pe.MachineID != a.cfg.MachineID {
			continue
		}
		hasRunning = true
		msg := "orphaned at startup: no partial run is ever resumed"
		pe.Status = models.ProcessFailed
		pe.EndTime = &now
		pe.ErrorMessage = &msg
		if err := a.Store.UpdateProcessExecution(ctx, pe); err != nil {
			log.Error().Err(err).Str("process_id", pe.ProcessID).Msg("failed to mark orphaned process execution as failed")
			continue
		}
		log.Warn().Str("process_id", pe.ProcessID).Msg("marked orphaned running process execution as failed at startup")
	}

	// hasRunning is deliberately passed as "false" once every orphaned run has
	// been marked failed above: Reconcile's job is to force the machine idle
	// when it disagrees with its state sibling or has no backing run, and by
	// this point no run is left running.
	_ = hasRunning
	return a.Authority.Reconcile(ctx, a.cfg.MachineID, func() bool { return false })
}

func (a *App) startHealthServer() {
	addr := fmt.Sprintf(":%d", a.cfg.Health.Port)
	a.healthServer = &http.Server{
		Addr:    addr,
		Handler: healthapi.NewRouter(a.Store, a.Logger),
	}
	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the health server and disconnects the PLC.
func (a *App) Shutdown(ctx context.Context) error {
	if a.healthServer != nil {
		if err := a.healthServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("health server shutdown error")
		}
	}
	return a.PLC.Disconnect(ctx)
}
