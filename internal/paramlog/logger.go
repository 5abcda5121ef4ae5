// Package paramlog implements the Continuous Parameter Logger (spec §4.F): a
// fixed-cadence background task that bulk-reads every cached parameter from
// the PLC and writes a dual telemetry stream (global + per-process).
package paramlog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aldctl/control-core/internal/paramcache"
	"github.com/aldctl/control-core/internal/plc"
	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	// period is the target cycle cadence (spec §4.F: "T = 1s").
	period = time.Second
	// batchSize is the target insert batch size for both telemetry streams.
	batchSize = 100
	// rollingWindow bounds how many cycle metrics are kept for observability.
	rollingWindow = 300
	// consecutiveFailureLimit triggers a cooldown sleep to avoid a tight
	// failure loop (spec §4.F).
	consecutiveFailureLimit = 3
	backoffSleep            = 10 * time.Second
	// setpointEpsilon bounds the tolerance before a PLC/DB setpoint
	// disagreement is reconciled.
	setpointEpsilon = 1e-6
)

// CycleMetrics records timing and error counts for one logging cycle,
// exposed via the health surface (spec §4.F step 5).
type CycleMetrics struct {
	StartedAt       time.Time
	PLCReadDuration time.Duration
	DBWriteDuration time.Duration
	TotalDuration   time.Duration
	JitterMs        float64
	ParameterCount  int
	Errors          int
}

// Logger is the single periodic telemetry task for one machine.
type Logger struct {
	Store      store.Store
	PLC        plc.PLC
	Params     *paramcache.Cache
	MachineID  string
	MaxWorkers int64

	mu                  sync.Mutex
	history             []CycleMetrics
	consecutiveFailures int
}

// New constructs a Logger. maxWorkers bounds the fallback individual-read
// concurrency (defaults to 4 when <= 0).
func New(s store.Store, p plc.PLC, cache *paramcache.Cache, machineID string, maxWorkers int) *Logger {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Logger{Store: s, PLC: p, Params: cache, MachineID: machineID, MaxWorkers: int64(maxWorkers)}
}

// Run drives the logger's tick loop until ctx is cancelled. No-catch-up-burst
// semantics: sleepFor = max(0, T - elapsed); after consecutiveFailureLimit
// consecutive failed cycles, the loop backs off for backoffSleep instead.
func (l *Logger) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cycleStart := time.Now()
		err := l.runCycle(ctx, cycleStart)
		elapsed := time.Since(cycleStart)

		sleepFor := period - elapsed
		if sleepFor < 0 {
			sleepFor = 0
		}
		if err != nil && l.consecutiveFailureCount() >= consecutiveFailureLimit {
			log.Warn().Int("consecutive_failures", l.consecutiveFailureCount()).Msg("parameter logger backing off after repeated failures")
			sleepFor = backoffSleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepFor):
		}
	}
}

func (l *Logger) runCycle(ctx context.Context, start time.Time) error {
	machine, err := l.Store.GetMachine(ctx, l.MachineID)
	if err != nil {
		l.recordFailure(start, fmt.Errorf("get machine: %w", err))
		return err
	}
	var processID *string
	isProcessMode := machine.Status == models.MachineProcessing
	if isProcessMode {
		processID = machine.CurrentProcessID
	}

	params := l.Params.All()
	if len(params) == 0 {
		l.recordSuccess(CycleMetrics{StartedAt: start, TotalDuration: time.Since(start)})
		return nil
	}

	readStart := time.Now()
	values, readErrs := l.bulkReadAll(ctx, params)
	readDuration := time.Since(readStart)

	if len(values) == 0 {
		// Nothing could be read at all: treat as a PLC-disconnected tick,
		// skip the write and let the next tick retry (spec §4.F failure
		// handling).
		err := fmt.Errorf("plc unreachable: 0/%d parameters read", len(params))
		l.recordFailure(start, err)
		return err
	}

	l.reconcileSetpoints(ctx, params)

	dbStart := time.Now()
	points := buildDataPoints(params, values)
	if err := l.writeDualStream(ctx, points, isProcessMode, processID); err != nil {
		l.recordFailure(start, err)
		return err
	}
	dbDuration := time.Since(dbStart)

	total := time.Since(start)
	jitter := math.Abs(float64(total.Milliseconds() - period.Milliseconds()))
	l.recordSuccess(CycleMetrics{
		StartedAt:       start,
		PLCReadDuration: readDuration,
		DBWriteDuration: dbDuration,
		TotalDuration:   total,
		JitterMs:        jitter,
		ParameterCount:  len(params),
		Errors:          readErrs,
	})
	return nil
}

// bulkReadAll groups parameters into contiguous address runs by Modbus
// function code (binary → coils, everything else → holding registers),
// bulk-reads each group, and falls back to bounded-concurrency individual
// reads for any group the bulk path errors on.
func (l *Logger) bulkReadAll(ctx context.Context, params []*models.ComponentParameter) (map[string]float64, int) {
	values := make(map[string]float64, len(params))
	errCount := 0

	var holding, coils []*models.ComponentParameter
	for _, p := range params {
		if p.ReadModbusAddress == nil {
			continue
		}
		if p.DataType == models.DataTypeBinary {
			coils = append(coils, p)
		} else {
			holding = append(holding, p)
		}
	}

	if len(holding) > 0 {
		regs, err := l.PLC.BulkReadHoldingRegisters(ctx, groupContiguous(addressesOf(holding)))
		if err != nil {
			log.Warn().Err(err).Int("count", len(holding)).Msg("bulk holding-register read failed, falling back to individual reads")
			l.fallbackIndividualRead(ctx, holding, values, &errCount)
		} else {
			for _, p := range holding {
				if v, ok := regs[*p.ReadModbusAddress]; ok {
					values[p.ParameterID] = float64(v)
				} else {
					errCount++
				}
			}
		}
	}

	if len(coils) > 0 {
		bits, err := l.PLC.BulkReadCoils(ctx, groupContiguous(addressesOf(coils)))
		if err != nil {
			log.Warn().Err(err).Int("count", len(coils)).Msg("bulk coil read failed, falling back to individual reads")
			l.fallbackIndividualRead(ctx, coils, values, &errCount)
		} else {
			for _, p := range coils {
				if v, ok := bits[*p.ReadModbusAddress]; ok {
					if v {
						values[p.ParameterID] = 1
					} else {
						values[p.ParameterID] = 0
					}
				} else {
					errCount++
				}
			}
		}
	}

	return values, errCount
}

// fallbackIndividualRead reads each parameter one at a time, bounded to
// MaxWorkers concurrent in-flight reads via a weighted semaphore.
func (l *Logger) fallbackIndividualRead(ctx context.Context, params []*models.ComponentParameter, values map[string]float64, errCount *int) {
	sem := semaphore.NewWeighted(l.MaxWorkers)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range params {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			v, err := l.PLC.ReadParameter(ctx, p.ParameterID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				*errCount++
				return
			}
			values[p.ParameterID] = v
		}()
	}
	wg.Wait()
}

func addressesOf(params []*models.ComponentParameter) []int {
	out := make([]int, len(params))
	for i, p := range params {
		out[i] = *p.ReadModbusAddress
	}
	return out
}

func groupContiguous(addrs []int) []plc.AddressRange {
	sorted := append([]int(nil), addrs...)
	sort.Ints(sorted)
	var out []plc.AddressRange
	for _, a := range sorted {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Start+last.Count == a {
				last.Count++
				continue
			}
		}
		out = append(out, plc.AddressRange{Start: a, Count: 1})
	}
	return out
}

// reconcileSetpoints detects externally-changed setpoints (an operator or
// another client wrote the PLC directly) and pulls the database in line.
func (l *Logger) reconcileSetpoints(ctx context.Context, params []*models.ComponentParameter) {
	setpoints, err := l.PLC.ReadAllSetpoints(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("read all setpoints failed, skipping reconciliation this cycle")
		return
	}
	for _, p := range params {
		sp, ok := setpoints[p.ParameterID]
		if !ok || math.Abs(sp-p.SetValue) <= setpointEpsilon {
			continue
		}
		if err := l.Store.UpdateParameterSetValue(ctx, p.ParameterID, sp); err != nil {
			log.Error().Err(err).Str("parameter_id", p.ParameterID).Msg("reconcile externally-changed setpoint failed")
			continue
		}
		p.SetValue = sp
		l.Params.Invalidate(p)
	}
}

func buildDataPoints(params []*models.ComponentParameter, values map[string]float64) []models.ParameterDataPoint {
	now := time.Now().UTC()
	out := make([]models.ParameterDataPoint, 0, len(params))
	for _, p := range params {
		v, ok := values[p.ParameterID]
		if !ok {
			continue
		}
		out = append(out, models.ParameterDataPoint{
			ParameterID: p.ParameterID,
			Value:       v,
			SetPoint:    p.SetValue,
			Timestamp:   now,
		})
	}
	return out
}

// RecordOnce snapshots a single data point per cached parameter directly
// into processID's stream, independent of the logger's own 1s cadence. The
// Recipe Executor calls this after every step so a run whose steps are all
// shorter than the cadence still leaves a per-process telemetry trail
// (spec §4.D: a snapshot after each step, in addition to the logger's own
// cadence).
func (l *Logger) RecordOnce(ctx context.Context, processID string) error {
	params := l.Params.All()
	if len(params) == 0 {
		return nil
	}

	values, _ := l.bulkReadAll(ctx, params)
	if len(values) == 0 {
		return fmt.Errorf("plc unreachable: 0/%d parameters read", len(params))
	}

	points := buildDataPoints(params, values)
	for i := range points {
		points[i].ProcessID = &processID
	}
	for _, batch := range chunk(points, batchSize) {
		if err := l.Store.BatchInsertProcessData(ctx, processID, batch); err != nil {
			return fmt.Errorf("record once: batch insert process data: %w", err)
		}
	}
	return nil
}

func (l *Logger) writeDualStream(ctx context.Context, points []models.ParameterDataPoint, isProcessMode bool, processID *string) error {
	for _, batch := range chunk(points, batchSize) {
		if err := l.Store.BatchInsertHistory(ctx, batch); err != nil {
			return fmt.Errorf("batch insert history: %w", err)
		}
	}
	if isProcessMode && processID != nil {
		withProcess := make([]models.ParameterDataPoint, len(points))
		for i, p := range points {
			p.ProcessID = processID
			withProcess[i] = p
		}
		for _, batch := range chunk(withProcess, batchSize) {
			if err := l.Store.BatchInsertProcessData(ctx, *processID, batch); err != nil {
				return fmt.Errorf("batch insert process data: %w", err)
			}
		}
	}
	return nil
}

func chunk(points []models.ParameterDataPoint, size int) [][]models.ParameterDataPoint {
	var out [][]models.ParameterDataPoint
	for i := 0; i < len(points); i += size {
		end := i + size
		if end > len(points) {
			end = len(points)
		}
		out = append(out, points[i:end])
	}
	return out
}

func (l *Logger) recordSuccess(m CycleMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consecutiveFailures = 0
	l.history = append(l.history, m)
	if len(l.history) > rollingWindow {
		l.history = l.history[len(l.history)-rollingWindow:]
	}
}

func (l *Logger) recordFailure(start time.Time, err error) {
	l.mu.Lock()
	l.consecutiveFailures++
	n := l.consecutiveFailures
	l.history = append(l.history, CycleMetrics{StartedAt: start, TotalDuration: time.Since(start), Errors: 1})
	if len(l.history) > rollingWindow {
		l.history = l.history[len(l.history)-rollingWindow:]
	}
	l.mu.Unlock()
	log.Error().Err(err).Int("consecutive_failures", n).Msg("parameter logger cycle failed")
}

func (l *Logger) consecutiveFailureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveFailures
}

// RecentMetrics returns a snapshot of the rolling cycle-metrics window, for
// the health surface.
func (l *Logger) RecentMetrics() []CycleMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CycleMetrics, len(l.history))
	copy(out, l.history)
	return out
}
