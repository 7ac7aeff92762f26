package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tdawe/crewline/internal/run"
)

// DefaultClaimInterval is how often an idle Runner polls the store for
// PENDING executions. The store is the queue; there is no reliable
// cross-process notification for new work.
const DefaultClaimInterval = 500 * time.Millisecond

// Runner is the worker loop: it resumes interrupted executions at
// startup, then claims PENDING executions and drives each one on its
// own goroutine, at most `workers` at a time.
type Runner struct {
	engine        *Engine
	workers       int
	claimInterval time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewRunner builds a Runner. workers <= 0 selects 1; claimInterval <= 0
// selects DefaultClaimInterval.
func NewRunner(e *Engine, workers int, claimInterval time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if claimInterval <= 0 {
		claimInterval = DefaultClaimInterval
	}
	return &Runner{
		engine:        e,
		workers:       workers,
		claimInterval: claimInterval,
		inflight:      make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight
// executions to unwind.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("worker started", "workers", r.workers, "claim_interval", r.claimInterval)

	sem := make(chan struct{}, r.workers)

	// Executions that were RUNNING or WAITING_FOR_HUMAN_INPUT when the
	// previous process died resume before any new work is claimed.
	if err := r.dispatchByStatus(ctx, sem, run.StatusRunning, run.StatusWaiting); err != nil {
		slog.Error("resume interrupted executions", "error", err)
	}

	ticker := time.NewTicker(r.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			slog.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.dispatchByStatus(ctx, sem, run.StatusPending); err != nil {
				slog.Error("claim pending executions", "error", err)
			}
		}
	}
}

// dispatchByStatus lists executions in the given statuses and starts a
// goroutine per execution not already in flight, respecting the worker
// semaphore.
func (r *Runner) dispatchByStatus(ctx context.Context, sem chan struct{}, statuses ...run.Status) error {
	execs, err := r.engine.store.ListExecutionsByStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	for _, exec := range execs {
		if !r.track(exec.ID) {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			r.untrack(exec.ID)
			return ctx.Err()
		}

		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			defer func() { <-sem }()
			defer r.untrack(id)

			if err := r.engine.Run(ctx, id); err != nil && ctx.Err() == nil {
				slog.Error("execution run failed", "execution_id", id, "error", err)
			}
		}(exec.ID)
	}
	return nil
}

// track records an execution as in flight; false means another
// goroutine in this process already owns it.
func (r *Runner) track(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
