package audit

import (
	"context"
	"testing"
	"time"

	"github.com/aldctl/control-core/internal/store"
	"github.com/stretchr/testify/require"
)

func TestQueue_DrainsEnqueuedRecord(t *testing.T) {
	s := store.NewMemoryStore("m1")
	q := New(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue("m1", "chamber_temp", 250.0, nil)

	require.Eventually(t, func() bool {
		return s.AuditLen() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_EnqueueNeverBlocksWhenFull(t *testing.T) {
	s := store.NewMemoryStore("m1")
	q := New(s) // drain goroutine not started: queue will fill up

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity+10; i++ {
			q.Enqueue("m1", "p", float64(i), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked past capacity")
	}
}
