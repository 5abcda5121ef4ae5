package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aldctl/control-core/internal/errs"
)

// SimulatedPLC is a deterministic in-process stand-in for a real Modbus TCP
// driver. It carries none of the randomized-fluctuation numeric model the
// Python source's simulator has — that model is explicitly out of scope
// (spec §1) — and instead just remembers the last value written to each
// channel, which is enough to exercise the core's logic and tests.
type SimulatedPLC struct {
	mu sync.Mutex

	connected bool

	values    map[string]float64
	setpoints map[string]float64
	valves    map[int]bool

	holdingRegs map[int]uint16
	coils       map[int]bool

	// readAddrs/readIsCoil bind a parameter ID to the Modbus address the
	// continuous logger's bulk reads consume, so a value set through
	// WriteParameter is visible on the next bulk read instead of living only
	// in the ID-keyed values map. Populated via RegisterParameter.
	readAddrs  map[string]int
	readIsCoil map[string]bool
}

// NewSimulatedPLC constructs a disconnected simulated PLC. Call Initialize
// before use.
func NewSimulatedPLC() *SimulatedPLC {
	return &SimulatedPLC{
		values:      make(map[string]float64),
		setpoints:   make(map[string]float64),
		valves:      make(map[int]bool),
		holdingRegs: make(map[int]uint16),
		coils:       make(map[int]bool),
		readAddrs:   make(map[string]int),
		readIsCoil:  make(map[string]bool),
	}
}

// RegisterParameter binds parameterID to the Modbus address the logger's
// bulk-read path groups by, so WriteParameter can mirror a value into the
// address-keyed store the same way a real controller would have it show up
// on its next register scan. A parameter with no read address (readAddress
// == nil) is unregistered. Safe to call repeatedly as the parameter cache
// refreshes.
func (p *SimulatedPLC) RegisterParameter(parameterID string, readAddress *int, isCoil bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if readAddress == nil {
		delete(p.readAddrs, parameterID)
		delete(p.readIsCoil, parameterID)
		return
	}
	p.readAddrs[parameterID] = *readAddress
	p.readIsCoil[parameterID] = isCoil
}

func (p *SimulatedPLC) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *SimulatedPLC) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *SimulatedPLC) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *SimulatedPLC) checkConnected() error {
	if !p.connected {
		return errs.ErrPLCDisconnected
	}
	return nil
}

func (p *SimulatedPLC) ReadParameter(ctx context.Context, parameterID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return 0, err
	}
	return p.values[parameterID], nil
}

func (p *SimulatedPLC) WriteParameter(ctx context.Context, parameterID string, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}
	p.setpoints[parameterID] = value
	p.values[parameterID] = value
	if addr, ok := p.readAddrs[parameterID]; ok {
		if p.readIsCoil[parameterID] {
			p.coils[addr] = value != 0
		} else {
			p.holdingRegs[addr] = uint16(value)
		}
	}
	return nil
}

func (p *SimulatedPLC) ReadAllParameters(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out, nil
}

func (p *SimulatedPLC) ReadSetpoint(ctx context.Context, parameterID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return 0, err
	}
	return p.setpoints[parameterID], nil
}

func (p *SimulatedPLC) ReadAllSetpoints(ctx context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(p.setpoints))
	for k, v := range p.setpoints {
		out[k] = v
	}
	return out, nil
}

// ControlValve drives valve `number`. When durationMs > 0 the PLC times the
// pulse itself in a detached goroutine and auto-closes — not tied to ctx,
// because a pulse is atomic from the PLC's own view (spec §5: a cancel
// received mid-pulse is deferred until the pulse completes).
func (p *SimulatedPLC) ControlValve(ctx context.Context, number int, state bool, durationMs int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}
	if number <= 0 {
		return fmt.Errorf("%w: valve number must be positive", errs.ErrPLCWriteFailed)
	}
	p.valves[number] = state
	if state && durationMs > 0 {
		go func() {
			time.Sleep(time.Duration(durationMs) * time.Millisecond)
			p.mu.Lock()
			p.valves[number] = false
			p.mu.Unlock()
		}()
	}
	return nil
}

func (p *SimulatedPLC) BulkReadHoldingRegisters(ctx context.Context, ranges []AddressRange) (map[int]uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[int]uint16)
	for _, r := range ranges {
		for a := r.Start; a < r.Start+r.Count; a++ {
			out[a] = p.holdingRegs[a]
		}
	}
	return out, nil
}

func (p *SimulatedPLC) BulkReadCoils(ctx context.Context, ranges []AddressRange) (map[int]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	out := make(map[int]bool)
	for _, r := range ranges {
		for a := r.Start; a < r.Start+r.Count; a++ {
			out[a] = p.coils[a]
		}
	}
	return out, nil
}

func (p *SimulatedPLC) WriteHoldingRegister(ctx context.Context, address int, value uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}
	p.holdingRegs[address] = value
	return nil
}

func (p *SimulatedPLC) WriteCoil(ctx context.Context, address int, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkConnected(); err != nil {
		return err
	}
	p.coils[address] = value
	return nil
}

// ValveState reports the current state of a valve. Test/observability helper.
func (p *SimulatedPLC) ValveState(number int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valves[number]
}

var _ PLC = (*SimulatedPLC)(nil)
