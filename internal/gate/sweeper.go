package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/tdawe/crewline/internal/pubsub"
)

// DefaultSweepInterval is how often the background sweep looks for
// expired, still-unresolved requests.
const DefaultSweepInterval = 5 * time.Second

// Sweeper resolves expired input requests to timed_out so that no
// request waits forever even when no Await happens to observe its
// deadline (for example after a worker crash). It is just another
// "resolve iff still unresolved" writer, so a human answer landing in
// the same instant races safely.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
}

// NewSweeper creates a sweeper over the gate's store.
// interval <= 0 selects DefaultSweepInterval.
func NewSweeper(g *Gate, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{gate: g, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("gate sweeper starting", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("gate sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep performs one pass. Errors are logged, never fatal: the next
// tick retries.
func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.gate.store.ExpireInputRequests(ctx, time.Now())
	if err != nil {
		slog.Warn("gate sweep failed", "error", err)
		return
	}
	for _, executionID := range expired {
		s.gate.bus.Announce(executionID, pubsub.KindResolution)
		slog.Info("input request expired", "execution_id", executionID)
	}
}
