package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tdawe/crewline/internal/crew"
)

// TaskContext is everything a Collaborator gets to know about the task
// it is running.
type TaskContext struct {
	ExecutionID string
	CrewID      string
	TaskIndex   int
	Task        crew.Task

	// Answer carries the resolved human input when the task is re-entered
	// after a suspension. nil on the first attempt. A non-nil empty string
	// means the request timed out and the task was configured to proceed
	// without an answer.
	Answer *string
}

// Emitter is the collaborator's channel for progress stages. Each call
// persists and publishes one stage; a returned error means the stage
// could not be persisted and the execution is about to fail.
type Emitter interface {
	Message(title, content string) error
	ToolCall(title, content string) error
	ToolResult(title, content string) error
}

// Collaborator performs the actual work of a task: calling models,
// running tools, producing artifacts. The engine owns the lifecycle;
// the collaborator owns the work.
//
// RunTask returns nil when the task finished, a *NeedInputError when it
// cannot proceed without a human answer, and any other error when the
// task failed unrecoverably.
type Collaborator interface {
	RunTask(ctx context.Context, tc TaskContext, emit Emitter) error
}

// NeedInputError signals that the task is blocked on a human answer.
// The engine suspends the execution, opens an input request with the
// given prompt, and re-enters the task with the resolution in
// TaskContext.Answer.
type NeedInputError struct {
	Prompt string
}

func (e *NeedInputError) Error() string {
	return fmt.Sprintf("human input needed: %s", e.Prompt)
}

// NeedInput builds the suspension error for a Collaborator.
func NeedInput(prompt string) error {
	return &NeedInputError{Prompt: prompt}
}

// needsInput extracts the suspension signal from a RunTask error.
func needsInput(err error) (*NeedInputError, bool) {
	var need *NeedInputError
	if errors.As(err, &need) {
		return need, true
	}
	return nil, false
}
