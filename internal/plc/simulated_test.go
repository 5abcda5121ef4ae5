package plc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulatedPLC_ValveAutoCloses(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))

	require.NoError(t, p.ControlValve(ctx, 1, true, 30))
	require.True(t, p.ValveState(1))

	require.Eventually(t, func() bool {
		return !p.ValveState(1)
	}, time.Second, 5*time.Millisecond)
}

func TestSimulatedPLC_WriteThenReadParameter(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))

	require.NoError(t, p.WriteParameter(ctx, "p1", 42.5))
	v, err := p.ReadParameter(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 42.5, v)

	sp, err := p.ReadSetpoint(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 42.5, sp)
}

func TestSimulatedPLC_DisconnectedRejectsCalls(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	_, err := p.ReadParameter(ctx, "p1")
	require.Error(t, err)
}

func TestSimulatedPLC_BulkReadHoldingRegisters(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.WriteHoldingRegister(ctx, 100, 7))
	require.NoError(t, p.WriteHoldingRegister(ctx, 101, 9))

	out, err := p.BulkReadHoldingRegisters(ctx, []AddressRange{{Start: 100, Count: 2}})
	require.NoError(t, err)
	require.Equal(t, uint16(7), out[100])
	require.Equal(t, uint16(9), out[101])
}

func TestSimulatedPLC_RegisterParameterMirrorsWriteToHoldingRegister(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))

	addr := 200
	p.RegisterParameter("p1", &addr, false)
	require.NoError(t, p.WriteParameter(ctx, "p1", 123))

	out, err := p.BulkReadHoldingRegisters(ctx, []AddressRange{{Start: 200, Count: 1}})
	require.NoError(t, err)
	require.Equal(t, uint16(123), out[200])
}

func TestSimulatedPLC_RegisterParameterMirrorsWriteToCoil(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))

	addr := 5
	p.RegisterParameter("p1", &addr, true)
	require.NoError(t, p.WriteParameter(ctx, "p1", 1))

	out, err := p.BulkReadCoils(ctx, []AddressRange{{Start: 5, Count: 1}})
	require.NoError(t, err)
	require.True(t, out[5])
}

func TestSimulatedPLC_RegisterParameterNilAddressUnregisters(t *testing.T) {
	ctx := context.Background()
	p := NewSimulatedPLC()
	require.NoError(t, p.Initialize(ctx))

	addr := 300
	p.RegisterParameter("p1", &addr, false)
	p.RegisterParameter("p1", nil, false)
	require.NoError(t, p.WriteParameter(ctx, "p1", 9))

	out, err := p.BulkReadHoldingRegisters(ctx, []AddressRange{{Start: 300, Count: 1}})
	require.NoError(t, err)
	require.Equal(t, uint16(0), out[300])
}
