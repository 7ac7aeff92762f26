// Package cancel implements the cancellation registry: a per-execution
// flag set by a request handler in one process and observed
// cooperatively by the engine's suspension points in another.
//
// The flag of record lives on the execution row (cancel_requested), so
// it is visible across the process boundary and survives restarts. The
// registry keeps an in-memory positive cache and throttles store reads,
// matching the flag's access pattern: high-frequency polling reads,
// rare writes.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tdawe/crewline/internal/bus"
	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/store"
)

// DefaultPollInterval bounds how often IsCancelled consults the store
// for an execution that is not known to be cancelled.
const DefaultPollInterval = 250 * time.Millisecond

// Registry tracks cancellation flags for in-flight executions.
// Safe for concurrent use.
type Registry struct {
	store *store.Store
	bus   *bus.Bus

	pollInterval time.Duration

	mu        sync.Mutex
	cancelled map[string]struct{} // positive hits never un-set
	lastCheck map[string]time.Time
}

// New creates a registry over the given store. bus may be nil in tests;
// when present, MarkCancelled publishes a cancellation hint so blocked
// gate waits wake immediately instead of at the next poll.
func New(st *store.Store, b *bus.Bus, pollInterval time.Duration) *Registry {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Registry{
		store:        st,
		bus:          b,
		pollInterval: pollInterval,
		cancelled:    make(map[string]struct{}),
		lastCheck:    make(map[string]time.Time),
	}
}

// MarkCancelled sets the cancellation flag. Idempotent: repeat calls on
// a non-terminal execution return true again. Returns false when the
// execution is already terminal or unknown (callers disambiguate via
// the execution row).
func (r *Registry) MarkCancelled(ctx context.Context, executionID string) (bool, error) {
	ok, err := r.store.RequestCancel(ctx, executionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	r.cancelled[executionID] = struct{}{}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Announce(executionID, pubsub.KindCancellation)
	}

	slog.Info("cancellation requested", "execution_id", executionID)
	return true, nil
}

// IsCancelled reports whether cancellation has been requested.
// Cheap: answers from memory when possible, and reads the store at most
// once per poll interval per execution otherwise. Store errors are
// logged and reported as "not cancelled"; a missed check is retried at
// the next suspension point.
func (r *Registry) IsCancelled(ctx context.Context, executionID string) bool {
	r.mu.Lock()
	if _, ok := r.cancelled[executionID]; ok {
		r.mu.Unlock()
		return true
	}
	now := time.Now()
	if last, ok := r.lastCheck[executionID]; ok && now.Sub(last) < r.pollInterval {
		r.mu.Unlock()
		return false
	}
	r.lastCheck[executionID] = now
	r.mu.Unlock()

	flagged, err := r.store.CancelRequested(ctx, executionID)
	if err != nil {
		slog.Warn("cancel flag read failed", "execution_id", executionID, "error", err)
		return false
	}
	if flagged {
		r.mu.Lock()
		r.cancelled[executionID] = struct{}{}
		r.mu.Unlock()
	}
	return flagged
}

// Forget drops registry state for a terminal execution to prevent the
// maps from growing without bound.
func (r *Registry) Forget(executionID string) {
	r.mu.Lock()
	delete(r.cancelled, executionID)
	delete(r.lastCheck, executionID)
	r.mu.Unlock()
}
