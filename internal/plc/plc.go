// Package plc defines the PLC driver collaborator (spec §6): the capability
// interface this core consumes, plus a deterministic simulated
// implementation. A real Modbus TCP driver is an out-of-scope external
// collaborator satisfying the same interface.
package plc

import "context"

// AddressRange is a contiguous run of Modbus addresses of one function code,
// as produced by the continuous parameter logger's grouping step (spec §4.F).
type AddressRange struct {
	Start int
	Count int
}

// PLC is the capability interface the core depends on. Every method but
// IsConnected takes a context so callers can bound PLC round-trips (spec §5: "timeouts on PLC
// reads are enforced by the PLC driver").
type PLC interface {
	ReadParameter(ctx context.Context, parameterID string) (float64, error)
	WriteParameter(ctx context.Context, parameterID string, value float64) error
	ReadAllParameters(ctx context.Context) (map[string]float64, error)

	ReadSetpoint(ctx context.Context, parameterID string) (float64, error)
	ReadAllSetpoints(ctx context.Context) (map[string]float64, error)

	// ControlValve drives valve number to state. When durationMs > 0 the PLC
	// times the pulse itself and auto-closes; the caller does not sleep in
	// parallel (spec §4.C).
	ControlValve(ctx context.Context, number int, state bool, durationMs int) error

	BulkReadHoldingRegisters(ctx context.Context, ranges []AddressRange) (map[int]uint16, error)
	BulkReadCoils(ctx context.Context, ranges []AddressRange) (map[int]bool, error)

	WriteHoldingRegister(ctx context.Context, address int, value uint16) error
	WriteCoil(ctx context.Context, address int, value bool) error

	IsConnected() bool
	Initialize(ctx context.Context) error
	Disconnect(ctx context.Context) error
}
