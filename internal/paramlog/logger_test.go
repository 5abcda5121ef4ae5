package paramlog

import (
	"context"
	"testing"
	"time"

	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestLogger_SingleCycleWritesHistory(t *testing.T) {
	s := store.NewMemoryStore("m1")
	addr := 100
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", ReadModbusAddress: &addr, DataType: models.DataTypeFloat})
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))

	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	p.RegisterParameter("p1", &addr, false)
	require.NoError(t, p.WriteParameter(context.Background(), "p1", 42))

	l := New(s, p, cache, "m1", 2)
	require.NoError(t, l.runCycle(context.Background(), time.Now()))

	require.Equal(t, 1, s.HistoryLen())
}

// TestLogger_SetParameterWriteVisibleOnNextBulkRead pins the fix for a
// set_parameter write having to be visible on the telemetry stream without
// a test-only backdoor into the address-keyed store.
func TestLogger_SetParameterWriteVisibleOnNextBulkRead(t *testing.T) {
	s := store.NewMemoryStore("m1")
	addr := 200
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "flow", MinValue: 0, MaxValue: 100, ReadModbusAddress: &addr, DataType: models.DataTypeFloat})
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))

	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	p.RegisterParameter("p1", &addr, false)

	require.NoError(t, p.WriteParameter(context.Background(), "p1", 77))

	regs, err := p.BulkReadHoldingRegisters(context.Background(), []plc.AddressRange{{Start: addr, Count: 1}})
	require.NoError(t, err)
	require.Equal(t, uint16(77), regs[addr])
}

func TestLogger_ProcessModeWritesPerProcessStream(t *testing.T) {
	s := store.NewMemoryStore("m1")
	addr := 100
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", ReadModbusAddress: &addr, DataType: models.DataTypeFloat})
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))

	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))

	pe := &models.ProcessExecution{ProcessID: "proc1", MachineID: "m1", RecipeID: "r1", Status: models.ProcessRunning}
	require.NoError(t, s.CreateProcessExecution(context.Background(), pe, &models.ProcessExecutionState{ExecutionID: "proc1"}))

	mm, err := s.GetMachine(context.Background(), "m1")
	require.NoError(t, err)
	_ = mm
	require.NoError(t, s.AtomicToProcessing(context.Background(), "m1", "proc1"))

	l := New(s, p, cache, "m1", 2)
	require.NoError(t, l.runCycle(context.Background(), time.Now()))

	require.Equal(t, 1, s.HistoryLen())
	require.Equal(t, 1, s.ProcessDataLen("proc1"))
}

func TestLogger_DisconnectedPLCSkipsTick(t *testing.T) {
	s := store.NewMemoryStore("m1")
	addr := 100
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", ReadModbusAddress: &addr, DataType: models.DataTypeFloat})
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))

	p := plc.NewSimulatedPLC() // never initialized: every call returns ErrPLCDisconnected

	l := New(s, p, cache, "m1", 2)
	err := l.runCycle(context.Background(), time.Now())
	require.Error(t, err)
	require.Equal(t, 0, s.HistoryLen())
}

func TestLogger_SetpointReconciliation(t *testing.T) {
	s := store.NewMemoryStore("m1")
	addr := 100
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p1", Name: "temp", ReadModbusAddress: &addr, DataType: models.DataTypeFloat, SetValue: 10})
	cache := paramcache.New(s)
	require.NoError(t, cache.Refresh(context.Background()))

	p := plc.NewSimulatedPLC()
	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.WriteParameter(context.Background(), "p1", 55)) // sets PLC-side setpoint

	l := New(s, p, cache, "m1", 2)
	require.NoError(t, l.runCycle(context.Background(), time.Now()))

	updated, err := s.GetComponentParameter(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 55.0, updated.SetValue)
}
