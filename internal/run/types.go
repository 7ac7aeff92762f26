// Package run defines the domain types shared by the execution engine,
// the stage event bus, the human-input gate, and the fan-out server:
// executions, stages, human-input requests, and their status enums.
//
// Everything in this package is a plain value type. All behavior lives in
// the packages that own the corresponding lifecycle (engine, gate, bus).
package run

import "time"

// Status is the lifecycle state of an Execution.
//
// Transitions are monotonic:
//
//	PENDING → RUNNING → {WAITING_FOR_HUMAN_INPUT ⇄ RUNNING} → {COMPLETED | FAILED | CANCELLED}
//
// WAITING_FOR_HUMAN_INPUT is re-entrant across tasks but never concurrent
// with itself for a single execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING_FOR_HUMAN_INPUT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is a terminal state.
// Terminal executions are never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaiting,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Execution is one run of a crew from start to a terminal status.
type Execution struct {
	ID               string
	CrewID           string
	ClientID         string
	Status           Status
	CurrentTaskIndex int
	CancelRequested  bool
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// StageType tags the variant of a Stage payload.
//
// The tagged-variant design gives emission sites and renderers an
// exhaustive, closed set to switch over instead of an open dictionary.
type StageType string

const (
	StageStatus            StageType = "status"
	StageMessage           StageType = "message"
	StageToolCall          StageType = "tool_call"
	StageToolResult        StageType = "tool_result"
	StageHumanInputRequest StageType = "human_input_request"
	StageError             StageType = "error"
	StageTerminal          StageType = "terminal"
)

// Valid reports whether t is one of the defined stage types.
func (t StageType) Valid() bool {
	switch t {
	case StageStatus, StageMessage, StageToolCall, StageToolResult,
		StageHumanInputRequest, StageError, StageTerminal:
		return true
	default:
		return false
	}
}

// Stage is one unit of progress emitted by the engine.
//
// TaskIndex is always assigned by the engine at emission time, even for
// execution-level stages (terminal, error); renderers never guess which
// task a stage belongs to.
type Stage struct {
	TaskIndex int
	Type      StageType
	Title     string
	Content   string
	Agent     string // originating agent name, optional
}

// StageRecord is a Stage as persisted: stamped with its execution id,
// sequence number, and append time.
//
// (ExecutionID, Seq) is the identity. Seq values for one execution are
// gap-free starting at 1 and are the sole ordering authority; CreatedAt
// is informational only.
type StageRecord struct {
	ExecutionID string
	Seq         int64
	Stage
	CreatedAt time.Time
}

// InputOutcome records how a human-input request was resolved.
type InputOutcome string

const (
	OutcomeAnswered  InputOutcome = "answered"
	OutcomeTimedOut  InputOutcome = "timed_out"
	OutcomeCancelled InputOutcome = "cancelled"
)

// InputRequest is a persisted human-input request (one Gate instance).
//
// At most one unresolved request exists per execution at any time; the
// store enforces this with a partial unique index. A resolved request is
// never resolved again and remains as a permanent record.
type InputRequest struct {
	ID          int64
	ExecutionID string
	Prompt      string
	CreatedAt   time.Time
	Deadline    *time.Time
	ResolvedAt  *time.Time
	Answer      *string
	Outcome     InputOutcome // empty while unresolved
}

// Resolved reports whether the request has been resolved.
func (r *InputRequest) Resolved() bool {
	return r.ResolvedAt != nil
}

// NoInputSentinel is the answer the engine feeds into a task whose input
// request timed out and which is not configured as hard-blocking.
const NoInputSentinel = ""
