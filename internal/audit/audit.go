// Package audit implements the Audit Queue (spec §4.H): a bounded,
// fire-and-forget write path for the decorative parameter_control_commands
// table. No caller ever blocks on, or fails because of, an audit write.
package audit

import (
	"context"
	"time"

	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const queueCapacity = 256

// Queue drains enqueued records into store.AuditStore on a dedicated
// goroutine, dropping the oldest buffered record on overflow rather than
// blocking the caller.
type Queue struct {
	store store.AuditStore
	ch    chan *models.ParameterControlCommand
}

// New constructs a Queue. Call Run in its own goroutine to start draining.
func New(s store.AuditStore) *Queue {
	return &Queue{
		store: s,
		ch:    make(chan *models.ParameterControlCommand, queueCapacity),
	}
}

// Enqueue records a valve actuation or parameter write for audit. Non-blocking:
// on a full queue the oldest buffered record is dropped to make room.
func (q *Queue) Enqueue(machineID, parameterName string, targetValue float64, processID *string) {
	rec := &models.ParameterControlCommand{
		ID:            uuid.NewString(),
		MachineID:     machineID,
		ParameterName: parameterName,
		TargetValue:   targetValue,
		ExecutedAt:    time.Now().UTC(),
		ProcessID:     processID,
	}
	select {
	case q.ch <- rec:
		return
	default:
	}
	// Queue full: drop the oldest buffered record, then retry once.
	select {
	case <-q.ch:
		log.Warn().Msg("audit queue full, dropping oldest record")
	default:
	}
	select {
	case q.ch <- rec:
	default:
		log.Warn().Msg("audit queue still full after drop, discarding record")
	}
}

// Run drains the queue until ctx is cancelled. Intended to run in its own
// goroutine for the lifetime of the process.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-q.ch:
			if err := q.store.InsertParameterControlCommand(ctx, rec); err != nil {
				log.Error().Err(err).Str("parameter_name", rec.ParameterName).Msg("audit write failed")
			}
		}
	}
}
