package machinestate

import (
	"context"
	"testing"

	"github.com/aldctl/control-core/internal/errs"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestAuthority_ToProcessingThenToIdle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("m1")
	a := New(s)

	require.NoError(t, a.ToProcessing(ctx, "m1", "p1"))
	mm, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineProcessing, mm.Status)
	require.Equal(t, "p1", *mm.CurrentProcessID)

	require.NoError(t, a.ToIdle(ctx, "m1"))
	mm, err = s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineIdle, mm.Status)
	require.Nil(t, mm.CurrentProcessID)
}

func TestAuthority_ToProcessingRejectsWhenBusy(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("m1")
	a := New(s)

	require.NoError(t, a.ToProcessing(ctx, "m1", "p1"))
	err := a.ToProcessing(ctx, "m1", "p2")
	require.ErrorIs(t, err, errs.ErrMachineBusy)
}

func TestAuthority_ToError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("m1")
	a := New(s)

	require.NoError(t, a.ToError(ctx, "m1", "plc disconnected"))
	state, err := s.GetMachineState(ctx, "m1")
	require.NoError(t, err)
	require.True(t, state.IsFailureMode)
	require.Equal(t, "plc disconnected", *state.FailureDescription)
}

func TestAuthority_ReconcileForcesIdleOnOrphanedProcessing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("m1")
	a := New(s)
	require.NoError(t, a.ToProcessing(ctx, "m1", "p1"))

	require.NoError(t, a.Reconcile(ctx, "m1", func() bool { return false }))

	mm, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineIdle, mm.Status)
}

func TestAuthority_ReconcileLeavesConsistentRunningAlone(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore("m1")
	a := New(s)
	require.NoError(t, a.ToProcessing(ctx, "m1", "p1"))

	require.NoError(t, a.Reconcile(ctx, "m1", func() bool { return true }))

	mm, err := s.GetMachine(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.MachineProcessing, mm.Status)
}
