// Package cancel implements the Cancellation Registry (spec §4.A): a
// process-wide keyed set of one-shot, edge-triggered cancellation signals
// indexed by process_id.
package cancel

import "sync"

// Registry tracks cooperative cancellation tokens per process_id. It is
// grounded on original_source's cancellation.py module-level token dict,
// generalized into a struct so it can be an explicit dependency rather than
// a module global.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tokens: make(map[string]chan struct{})}
}

// Register creates a token for pid if one does not already exist. Safe to
// call repeatedly; it never resets an already-cancelled token.
func (r *Registry) Register(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[pid]; !ok {
		r.tokens[pid] = make(chan struct{})
	}
}

// Cancel sets the cancellation signal for pid, creating the token lazily if
// stop_recipe arrives before register (spec §3: "created lazily on first
// stop_recipe"). Idempotent: cancelling twice is equivalent to cancelling
// once.
func (r *Registry) Cancel(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.tokens[pid]
	if !ok {
		ch = make(chan struct{})
		r.tokens[pid] = ch
	}
	select {
	case <-ch:
		// already cancelled
	default:
		close(ch)
	}
}

// IsCancelled is a non-blocking test of pid's cancellation state.
func (r *Registry) IsCancelled(pid string) bool {
	r.mu.Lock()
	ch, ok := r.tokens[pid]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when pid is cancelled, or nil if pid
// has no registered token yet. Callers that want to select on cancellation
// rather than poll should Register first.
func (r *Registry) Done(pid string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[pid]
}

// Clear discards pid's token. Called when a run reaches a terminal state
// (spec §3).
func (r *Registry) Clear(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, pid)
}
