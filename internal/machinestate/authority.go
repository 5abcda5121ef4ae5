// Package machinestate implements the Machine-State Authority (spec §4.B):
// the single chokepoint for every mutation of (Machine.status,
// Machine.current_process_id) and its Machine State sibling.
package machinestate

import (
	"context"
	"fmt"

	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

// Authority is the only component permitted to call store.MachineStore's
// atomic transitions. internal/recipe and internal/intake depend on this
// package rather than on internal/store.MachineStore directly.
type Authority struct {
	store store.MachineStore
}

// New constructs an Authority backed by s.
func New(s store.MachineStore) *Authority {
	return &Authority{store: s}
}

// ToProcessing transitions machineID from idle/offline to processing, bound
// to processID. The store implementation performs the availability check
// and the write inside one atomic section (spec §4.B race guard) — this
// method does not pre-check and then write, which would reintroduce the bug
// the Authority exists to eliminate.
func (a *Authority) ToProcessing(ctx context.Context, machineID, processID string) error {
	if err := a.store.AtomicToProcessing(ctx, machineID, processID); err != nil {
		return err
	}
	log.Info().Str("machine_id", machineID).Str("process_id", processID).Msg("machine transitioned to processing")
	return nil
}

// ToIdle clears the process binding and returns the machine to idle.
func (a *Authority) ToIdle(ctx context.Context, machineID string) error {
	if err := a.store.AtomicToIdle(ctx, machineID); err != nil {
		return fmt.Errorf("transition to idle: %w", err)
	}
	log.Info().Str("machine_id", machineID).Msg("machine transitioned to idle")
	return nil
}

// ToError transitions the machine to the error state with description.
func (a *Authority) ToError(ctx context.Context, machineID, description string) error {
	if err := a.store.AtomicToError(ctx, machineID, description); err != nil {
		return fmt.Errorf("transition to error: %w", err)
	}
	log.Warn().Str("machine_id", machineID).Str("reason", description).Msg("machine transitioned to error")
	return nil
}

// Reconcile runs the startup recovery pass (spec §7): if Machine and Machine
// State disagree, or status=processing with no corresponding running
// process, both rows are forced to idle.
func (a *Authority) Reconcile(ctx context.Context, machineID string, hasRunningProcess func() bool) error {
	machine, err := a.store.GetMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("reconcile: get machine: %w", err)
	}
	state, err := a.store.GetMachineState(ctx, machineID)
	if err != nil {
		return fmt.Errorf("reconcile: get machine state: %w", err)
	}

	disagree := machine.Status != state.CurrentState || !sameProcessID(machine.CurrentProcessID, state.ProcessID)
	orphaned := machine.Status == models.MachineProcessing && !hasRunningProcess()

	if disagree || orphaned {
		log.Warn().
			Str("machine_id", machineID).
			Bool("disagree", disagree).
			Bool("orphaned", orphaned).
			Msg("machine state inconsistent at startup, forcing idle")
		return a.ToIdle(ctx, machineID)
	}
	return nil
}

func sameProcessID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
