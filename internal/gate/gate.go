// Package gate implements the human-input gate: the cross-process
// primitive that lets the engine suspend a task while an HTTP handler
// in another process supplies the resolving value.
//
// The core correctness property is the single conditional "resolve iff
// still unresolved" write in the store. Any number of answers, timeout
// sweeps, and cancellations may race; exactly one takes effect and all
// others observe that they lost. There is no shared memory between the
// waiter and the resolver: the store row is the authority, and the
// pub/sub fabric only hints that the row is worth re-reading.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tdawe/crewline/internal/bus"
	"github.com/tdawe/crewline/internal/cancel"
	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/run"
	"github.com/tdawe/crewline/internal/store"
)

// DefaultPollInterval bounds how long an Await goes without re-reading
// the store when no fabric hint arrives. Pub/sub delivery is not
// assumed reliable across process restarts, so this is the floor on
// resolution latency, not an optimization knob.
const DefaultPollInterval = 500 * time.Millisecond

// ResolveStatus is the outcome of a Resolve call.
type ResolveStatus int

const (
	// Resolved: this caller's answer took effect.
	Resolved ResolveStatus = iota + 1
	// AlreadyResolved: another answer, a timeout, or a cancellation won.
	AlreadyResolved
	// NoSuchRequest: the execution has no input request at all.
	NoSuchRequest
)

// Resolution is what Await hands back to the engine.
type Resolution struct {
	Outcome run.InputOutcome
	// Answer is the winning caller's payload, NFC-normalized.
	// Empty for timed_out and cancelled outcomes.
	Answer string
}

// Gate creates and resolves human-input requests.
type Gate struct {
	store        *store.Store
	bus          *bus.Bus
	registry     *cancel.Registry
	pollInterval time.Duration
}

// New creates a Gate. pollInterval <= 0 selects DefaultPollInterval.
func New(st *store.Store, b *bus.Bus, registry *cancel.Registry, pollInterval time.Duration) *Gate {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Gate{store: st, bus: b, registry: registry, pollInterval: pollInterval}
}

// Handle is the engine's waitable reference to one open request.
type Handle struct {
	gate        *Gate
	executionID string
	requestID   int64
	deadline    *time.Time
}

// Request opens a gate for an execution: persists the request row,
// moves the execution to WAITING_FOR_HUMAN_INPUT, and emits the
// human_input_request stage.
//
// Requesting input while a request is already unresolved is a caller
// bug and returns an INVALID_STATE coded error (enforced by the store's
// partial unique index, so it holds across processes too).
func (g *Gate) Request(ctx context.Context, exec *run.Execution, taskIndex int, agent, prompt string, deadline *time.Time) (*Handle, error) {
	req, err := g.store.CreateInputRequest(ctx, exec.ID, prompt, deadline)
	if err != nil {
		return nil, err
	}

	moved, err := g.store.TransitionStatus(ctx, exec.ID, run.StatusRunning, run.StatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("request input for %s: %w", exec.ID, err)
	}
	if !moved {
		// The only legitimate way to get here is a cancel landing between
		// the insert and the transition; Await will observe it.
		slog.Warn("execution not RUNNING at input request", "execution_id", exec.ID)
	}

	if _, err := g.bus.Append(ctx, exec.ID, exec.CrewID, run.Stage{
		TaskIndex: taskIndex,
		Type:      run.StageHumanInputRequest,
		Title:     "Human input needed",
		Content:   prompt,
		Agent:     agent,
	}); err != nil {
		return nil, fmt.Errorf("request input for %s: %w", exec.ID, err)
	}

	logArgs := []any{
		"execution_id", exec.ID,
		"request_id", req.ID,
		"task_index", taskIndex,
	}
	if deadline != nil {
		logArgs = append(logArgs, "deadline", *deadline)
	}
	slog.Info("input requested", logArgs...)

	return &Handle{
		gate:        g,
		executionID: exec.ID,
		requestID:   req.ID,
		deadline:    deadline,
	}, nil
}

// Attach builds a Handle for the execution's existing unresolved
// request. Used when a resumed execution finds the gate already open:
// the waiting process died, but the request row survived it.
func (g *Gate) Attach(ctx context.Context, executionID string) (*Handle, error) {
	req, err := g.store.UnresolvedInputRequest(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("attach to input request for %s: %w", executionID, err)
	}
	return &Handle{
		gate:        g,
		executionID: executionID,
		requestID:   req.ID,
		deadline:    req.Deadline,
	}, nil
}

// Await blocks the calling goroutine (and only it) until the request is
// resolved by an answer, its deadline, or cancellation of the
// execution. Every wake-up re-reads the store row; fabric messages and
// the poll ticker are interchangeable hints.
func (g *Gate) Await(ctx context.Context, h *Handle) (Resolution, error) {
	sub := g.bus.Broker().Subscribe(pubsub.ExecutionTopic(h.executionID), 16)
	defer sub.Close()

	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()

	var deadlineCh <-chan time.Time
	if h.deadline != nil {
		timer := time.NewTimer(time.Until(*h.deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	for {
		// Store first: the subscription may have been created after the
		// resolving write, and polls must work with no fabric at all.
		if res, done, err := g.check(ctx, h); err != nil {
			return Resolution{}, err
		} else if done {
			return res, nil
		}

		if g.registry.IsCancelled(ctx, h.executionID) {
			return g.resolveLocal(ctx, h, run.OutcomeCancelled)
		}

		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case <-deadlineCh:
			// Lazy expiry: the waiter is its own sweep. The conditional
			// write means a racing human answer still wins atomically.
			return g.resolveLocal(ctx, h, run.OutcomeTimedOut)
		case <-poll.C:
		case <-sub.C():
			// Hint only; the next iteration re-reads the store.
		}
	}
}

// check re-reads the request row and reports whether it is resolved.
func (g *Gate) check(ctx context.Context, h *Handle) (Resolution, bool, error) {
	req, err := g.store.GetInputRequest(ctx, h.requestID)
	if err != nil {
		return Resolution{}, false, fmt.Errorf("await input for %s: %w", h.executionID, err)
	}
	if !req.Resolved() {
		return Resolution{}, false, nil
	}

	res := Resolution{Outcome: req.Outcome}
	if req.Answer != nil {
		res.Answer = *req.Answer
	}
	return res, true, nil
}

// resolveLocal attempts to resolve the request with a non-answer
// outcome and then returns whatever actually won the race.
func (g *Gate) resolveLocal(ctx context.Context, h *Handle, outcome run.InputOutcome) (Resolution, error) {
	won, err := g.store.ResolveInputRequest(ctx, h.executionID, nil, outcome)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve input for %s: %w", h.executionID, err)
	}
	if won {
		g.bus.Announce(h.executionID, pubsub.KindResolution)
		slog.Info("input request resolved locally",
			"execution_id", h.executionID,
			"request_id", h.requestID,
			"outcome", outcome,
		)
	}
	// Cancellation outranks whatever is in the row: the engine is about
	// to terminate the execution either way.
	if outcome == run.OutcomeCancelled {
		return Resolution{Outcome: run.OutcomeCancelled}, nil
	}
	res, done, err := g.check(ctx, h)
	if err != nil {
		return Resolution{}, err
	}
	if !done {
		return Resolution{}, fmt.Errorf("await input for %s: request unresolved after local resolve", h.executionID)
	}
	return res, nil
}

// Resolve supplies a human answer for the execution's unresolved
// request. Exactly one of N concurrent calls returns Resolved; the rest
// see AlreadyResolved. On success the execution moves back to RUNNING
// and a resolution event is published.
//
// The answer is NFC-normalized before it is persisted, so equal-looking
// submissions compare equal downstream.
func (g *Gate) Resolve(ctx context.Context, executionID, answer string) (ResolveStatus, error) {
	normalized := norm.NFC.String(answer)

	won, err := g.store.ResolveInputRequest(ctx, executionID, &normalized, run.OutcomeAnswered)
	if err != nil {
		return 0, fmt.Errorf("resolve input for %s: %w", executionID, err)
	}

	if !won {
		if _, err := g.store.LatestInputRequest(ctx, executionID); err != nil {
			if run.IsNotFound(err) {
				return NoSuchRequest, nil
			}
			return 0, err
		}
		return AlreadyResolved, nil
	}

	if _, err := g.store.TransitionStatus(ctx, executionID, run.StatusWaiting, run.StatusRunning); err != nil {
		return 0, fmt.Errorf("resolve input for %s: %w", executionID, err)
	}
	g.bus.Announce(executionID, pubsub.KindResolution)

	slog.Info("input request resolved", "execution_id", executionID, "outcome", run.OutcomeAnswered)
	return Resolved, nil
}

// ResolveCancelled closes any unresolved request for the execution with
// a cancellation outcome. Used by the cancel path so the record
// resolves even when no engine is currently awaiting it. Idempotent.
func (g *Gate) ResolveCancelled(ctx context.Context, executionID string) (bool, error) {
	won, err := g.store.ResolveInputRequest(ctx, executionID, nil, run.OutcomeCancelled)
	if err != nil {
		return false, fmt.Errorf("cancel input for %s: %w", executionID, err)
	}
	if won {
		g.bus.Announce(executionID, pubsub.KindResolution)
	}
	return won, nil
}
