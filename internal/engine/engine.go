// Package engine drives executions through their lifecycle: it claims
// pending work, walks the crew's tasks in order, hands each task to a
// Collaborator, suspends on human input, honors cancellation at every
// suspension point, and lands the execution in exactly one terminal
// state.
//
// The engine is the only writer of terminal statuses. HTTP handlers and
// sweepers only flip flags (cancel_requested) or resolve input rows; the
// engine observes those at its next suspension point and acts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdawe/crewline/internal/bus"
	"github.com/tdawe/crewline/internal/cancel"
	"github.com/tdawe/crewline/internal/crew"
	"github.com/tdawe/crewline/internal/gate"
	"github.com/tdawe/crewline/internal/run"
	"github.com/tdawe/crewline/internal/store"
)

// Engine executes crews against the shared store.
type Engine struct {
	store    *store.Store
	bus      *bus.Bus
	gate     *gate.Gate
	registry *cancel.Registry
	crews    *crew.Registry
	collab   Collaborator
	ids      IDGenerator
	clock    Clock
}

// New wires an Engine. ids and clock default to UUIDv7Generator and
// SystemClock when nil.
func New(st *store.Store, b *bus.Bus, g *gate.Gate, reg *cancel.Registry, crews *crew.Registry, collab Collaborator, ids IDGenerator, clock Clock) *Engine {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		store:    st,
		bus:      b,
		gate:     g,
		registry: reg,
		crews:    crews,
		collab:   collab,
		ids:      ids,
		clock:    clock,
	}
}

// Create persists a new PENDING execution for the crew. It does not run
// anything; a worker claims the row.
func (e *Engine) Create(ctx context.Context, crewID, clientID string) (*run.Execution, error) {
	if e.crews.Get(crewID) == nil {
		return nil, run.NewError(run.ErrCodeNotFound, "", fmt.Sprintf("unknown crew %q", crewID))
	}

	id, err := e.ids.NewID()
	if err != nil {
		return nil, err
	}
	exec := &run.Execution{
		ID:        id,
		CrewID:    crewID,
		ClientID:  clientID,
		Status:    run.StatusPending,
		CreatedAt: e.clock.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	slog.Info("execution created", "execution_id", id, "crew_id", crewID, "client_id", clientID)
	return exec, nil
}

// Run drives one execution to a terminal state. It claims PENDING rows
// and resumes RUNNING or WAITING_FOR_HUMAN_INPUT rows from their current
// task index, so a worker restart picks up where the previous process
// died. Running a terminal execution is a no-op.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	cr := e.crews.Get(exec.CrewID)
	if cr == nil {
		return e.fail(ctx, exec, fmt.Sprintf("crew %q is not loaded", exec.CrewID))
	}

	if exec.Status == run.StatusPending {
		claimed, err := e.store.ClaimPending(ctx, exec.ID, e.clock.Now())
		if err != nil {
			return err
		}
		if !claimed {
			// Another worker got there first.
			return nil
		}
		exec.Status = run.StatusRunning
	}

	defer e.registry.Forget(exec.ID)

	for idx := exec.CurrentTaskIndex; idx < len(cr.Tasks); idx++ {
		if e.registry.IsCancelled(ctx, exec.ID) {
			return e.finishCancelled(ctx, exec, idx)
		}

		task := cr.Tasks[idx]
		if err := e.store.AdvanceTaskIndex(ctx, exec.ID, idx); err != nil {
			return e.fail(ctx, exec, fmt.Sprintf("advance to task %d: %v", idx, err))
		}
		if _, err := e.bus.Append(ctx, exec.ID, exec.CrewID, run.Stage{
			TaskIndex: idx,
			Type:      run.StageStatus,
			Title:     task.Name,
			Content:   task.Description,
			Agent:     task.Agent,
		}); err != nil {
			return e.fail(ctx, exec, fmt.Sprintf("emit task start: %v", err))
		}

		done, err := e.runTask(ctx, exec, cr, idx)
		if err != nil {
			return err
		}
		if !done {
			// runTask already landed the execution in a terminal state.
			return nil
		}

		// A task boundary is a suspension point: a cancel issued while
		// the collaborator call was in flight takes effect here, even
		// after the final task.
		if e.registry.IsCancelled(ctx, exec.ID) {
			return e.finishCancelled(ctx, exec, idx)
		}
	}

	return e.finish(ctx, exec, len(cr.Tasks)-1, run.StatusCompleted, "", run.Stage{
		Type:    run.StageTerminal,
		Title:   "Execution completed",
		Content: fmt.Sprintf("All %d tasks completed", len(cr.Tasks)),
	})
}

// runTask drives one task through collaborator attempts and input
// suspensions. It returns (true, nil) when the task finished and the
// loop should move on; (false, nil) when the execution reached a
// terminal state inside the task; and a non-nil error only for
// infrastructure failures that already marked the execution FAILED.
func (e *Engine) runTask(ctx context.Context, exec *run.Execution, cr *crew.Crew, idx int) (bool, error) {
	task := cr.Tasks[idx]
	emitter := &stageEmitter{ctx: ctx, engine: e, exec: exec, taskIndex: idx, agent: task.Agent}

	var answer *string
	for {
		err := e.collab.RunTask(ctx, TaskContext{
			ExecutionID: exec.ID,
			CrewID:      exec.CrewID,
			TaskIndex:   idx,
			Task:        task,
			Answer:      answer,
		}, emitter)
		if err == nil {
			return true, nil
		}

		need, ok := needsInput(err)
		if !ok {
			if ctx.Err() != nil {
				// Worker shutdown, not a task failure. Leave the row
				// non-terminal so a restart resumes it.
				return false, ctx.Err()
			}
			slog.Error("task failed", "execution_id", exec.ID, "task_index", idx, "error", err)
			return false, e.fail(ctx, exec, fmt.Sprintf("task %d (%s): %v", idx, task.Name, err))
		}

		res, err := e.awaitInput(ctx, exec, idx, task, need)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, e.fail(ctx, exec, fmt.Sprintf("await input for task %d: %v", idx, err))
		}

		switch res.Outcome {
		case run.OutcomeAnswered:
			a := res.Answer
			answer = &a
			if _, err := e.bus.Append(ctx, exec.ID, exec.CrewID, run.Stage{
				TaskIndex: idx,
				Type:      run.StageStatus,
				Title:     "Input received",
				Content:   "Resuming task with the provided answer",
				Agent:     task.Agent,
			}); err != nil {
				return false, e.fail(ctx, exec, fmt.Sprintf("emit resume: %v", err))
			}

		case run.OutcomeTimedOut:
			if task.HardBlocking {
				slog.Warn("hard-blocking input timed out", "execution_id", exec.ID, "task_index", idx)
				return false, e.fail(ctx, exec, fmt.Sprintf("task %d (%s): human input timed out", idx, task.Name))
			}
			// Soft timeout: unblock the execution and hand the task the
			// sentinel so it can proceed without an answer.
			if _, err := e.store.TransitionStatus(ctx, exec.ID, run.StatusWaiting, run.StatusRunning); err != nil {
				return false, e.fail(ctx, exec, fmt.Sprintf("resume after timeout: %v", err))
			}
			a := run.NoInputSentinel
			answer = &a
			if _, err := e.bus.Append(ctx, exec.ID, exec.CrewID, run.Stage{
				TaskIndex: idx,
				Type:      run.StageStatus,
				Title:     "Input timed out",
				Content:   "Continuing without an answer",
				Agent:     task.Agent,
			}); err != nil {
				return false, e.fail(ctx, exec, fmt.Sprintf("emit timeout resume: %v", err))
			}

		case run.OutcomeCancelled:
			return false, e.finishCancelled(ctx, exec, idx)

		default:
			return false, e.fail(ctx, exec, fmt.Sprintf("unexpected input outcome %q", res.Outcome))
		}
	}
}

// awaitInput opens (or re-attaches to) the execution's input request and
// blocks until it resolves.
func (e *Engine) awaitInput(ctx context.Context, exec *run.Execution, idx int, task crew.Task, need *NeedInputError) (gate.Resolution, error) {
	var deadline *time.Time
	if task.InputTimeoutSeconds > 0 {
		d := e.clock.Now().Add(time.Duration(task.InputTimeoutSeconds) * time.Second)
		deadline = &d
	}

	handle, err := e.gate.Request(ctx, exec, idx, task.Agent, need.Prompt, deadline)
	if err != nil {
		if !run.IsInvalidState(err) {
			return gate.Resolution{}, err
		}
		// An unresolved request already exists: this is a resumed
		// execution that died while waiting. Attach to the open request
		// instead of opening a second one.
		handle, err = e.gate.Attach(ctx, exec.ID)
		if err != nil {
			return gate.Resolution{}, err
		}
	}
	return e.gate.Await(ctx, handle)
}

// finishCancelled lands the execution in CANCELLED: resolves any open
// input request, emits the final stage, and flips the status.
func (e *Engine) finishCancelled(ctx context.Context, exec *run.Execution, idx int) error {
	if _, err := e.gate.ResolveCancelled(ctx, exec.ID); err != nil {
		slog.Error("resolve input on cancel", "execution_id", exec.ID, "error", err)
	}
	return e.finish(ctx, exec, idx, run.StatusCancelled, "cancelled by client", run.Stage{
		Type:    run.StageTerminal,
		Title:   "Execution cancelled",
		Content: "Cancelled by client request",
	})
}

// fail lands the execution in FAILED with an error stage as its final
// stage.
func (e *Engine) fail(ctx context.Context, exec *run.Execution, message string) error {
	taskIdx := exec.CurrentTaskIndex
	if cur, err := e.store.GetExecution(ctx, exec.ID); err == nil {
		taskIdx = cur.CurrentTaskIndex
	}
	return e.finish(ctx, exec, taskIdx, run.StatusFailed, message, run.Stage{
		Type:    run.StageError,
		Title:   "Execution failed",
		Content: message,
	})
}

// finish flips the execution to a terminal status and emits the final
// stage. The status write is conditional on the row being non-terminal,
// so a duplicate finish (e.g. cancel racing completion) is a no-op and
// emits nothing.
func (e *Engine) finish(ctx context.Context, exec *run.Execution, taskIdx int, status run.Status, message string, final run.Stage) error {
	won, err := e.store.CompleteExecution(ctx, exec.ID, status, message, e.clock.Now())
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", exec.ID, err)
	}
	if !won {
		slog.Warn("execution already terminal", "execution_id", exec.ID, "status", status)
		return nil
	}

	final.TaskIndex = taskIdx
	if _, err := e.bus.Append(ctx, exec.ID, exec.CrewID, final); err != nil {
		slog.Error("emit final stage", "execution_id", exec.ID, "error", err)
	}

	slog.Info("execution finished",
		"execution_id", exec.ID,
		"status", status,
		"task_index", taskIdx,
	)
	return nil
}

// stageEmitter is the Emitter the engine hands to collaborators: each
// call appends one stage at the execution's current task index. It is
// scoped to a single RunTask call, so it carries that call's context.
type stageEmitter struct {
	ctx       context.Context
	engine    *Engine
	exec      *run.Execution
	taskIndex int
	agent     string
}

func (s *stageEmitter) Message(title, content string) error {
	return s.emit(run.StageMessage, title, content)
}

func (s *stageEmitter) ToolCall(title, content string) error {
	return s.emit(run.StageToolCall, title, content)
}

func (s *stageEmitter) ToolResult(title, content string) error {
	return s.emit(run.StageToolResult, title, content)
}

func (s *stageEmitter) emit(t run.StageType, title, content string) error {
	_, err := s.engine.bus.Append(s.ctx, s.exec.ID, s.exec.CrewID, run.Stage{
		TaskIndex: s.taskIndex,
		Type:      t,
		Title:     title,
		Content:   content,
		Agent:     s.agent,
	})
	return err
}
