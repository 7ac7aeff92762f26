package server

import (
	"github.com/tdawe/crewline/internal/board"
	"github.com/tdawe/crewline/internal/run"
)

// Message types pushed to viewers. One execution_update per stage, plus
// two control types framing the stream.
const (
	TypeExecutionUpdate = "execution_update"
	TypeConnected       = "connected"
	TypeHeartbeat       = "heartbeat"
)

// StagePayload is the stage body inside an ExecutionUpdate.
type StagePayload struct {
	StageType run.StageType `json:"stage_type"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	Agent     *string       `json:"agent"`
}

// ExecutionUpdate is the per-stage push message. HumanInputRequest
// carries the prompt when the stage is a human_input_request, null
// otherwise.
type ExecutionUpdate struct {
	Type              string       `json:"type"`
	ExecutionID       string       `json:"execution_id"`
	TaskIndex         int          `json:"task_index"`
	Status            run.Status   `json:"status"`
	Sequence          int64        `json:"sequence"`
	Stage             StagePayload `json:"stage"`
	HumanInputRequest *string      `json:"human_input_request"`
}

// Connected is the stream-opening control message: the snapshot a
// viewer renders before any replayed stage arrives.
type Connected struct {
	Type             string     `json:"type"`
	ExecutionID      string     `json:"execution_id"`
	Status           run.Status `json:"status"`
	CurrentTaskIndex int        `json:"current_task_index"`
	LastSequence     int64      `json:"last_sequence"`
}

// Heartbeat keeps idle connections alive through proxies.
type Heartbeat struct {
	Type string `json:"type"`
}

// newExecutionUpdate builds the wire message for one stage record. The
// status is derived from the stage itself so replayed and live messages
// are byte-identical and any reconnect point converges to the same
// final state.
func newExecutionUpdate(exec *run.Execution, st run.StageRecord) ExecutionUpdate {
	upd := ExecutionUpdate{
		Type:        TypeExecutionUpdate,
		ExecutionID: st.ExecutionID,
		TaskIndex:   st.TaskIndex,
		Status:      statusAt(exec, st),
		Sequence:    st.Seq,
		Stage: StagePayload{
			StageType: st.Type,
			Title:     st.Title,
			Content:   st.Content,
		},
		HumanInputRequest: nil,
	}
	if st.Agent != "" {
		agent := st.Agent
		upd.Stage.Agent = &agent
	}
	if st.Type == run.StageHumanInputRequest {
		prompt := st.Content
		upd.HumanInputRequest = &prompt
	}
	return upd
}

// statusAt maps a stage to the execution status it implies at that
// point in the history.
func statusAt(exec *run.Execution, st run.StageRecord) run.Status {
	switch st.Type {
	case run.StageHumanInputRequest:
		return run.StatusWaiting
	case run.StageError:
		return run.StatusFailed
	case run.StageTerminal:
		if exec.Status.Terminal() {
			return exec.Status
		}
		return run.StatusCompleted
	default:
		return run.StatusRunning
	}
}

// createExecutionRequest is the POST /executions body.
type createExecutionRequest struct {
	CrewID   string `json:"crew_id" binding:"required"`
	ClientID string `json:"client_id"`
}

// executionResponse is the REST representation of an execution.
type executionResponse struct {
	ID               string     `json:"id"`
	CrewID           string     `json:"crew_id"`
	ClientID         string     `json:"client_id,omitempty"`
	Status           run.Status `json:"status"`
	CurrentTaskIndex int        `json:"current_task_index"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        string     `json:"created_at"`
	StartedAt        *string    `json:"started_at,omitempty"`
	CompletedAt      *string    `json:"completed_at,omitempty"`
}

func newExecutionResponse(exec *run.Execution) executionResponse {
	resp := executionResponse{
		ID:               exec.ID,
		CrewID:           exec.CrewID,
		ClientID:         exec.ClientID,
		Status:           exec.Status,
		CurrentTaskIndex: exec.CurrentTaskIndex,
		ErrorMessage:     exec.ErrorMessage,
		CreatedAt:        exec.CreatedAt.UTC().Format(timeLayout),
	}
	if exec.StartedAt != nil {
		s := exec.StartedAt.UTC().Format(timeLayout)
		resp.StartedAt = &s
	}
	if exec.CompletedAt != nil {
		s := exec.CompletedAt.UTC().Format(timeLayout)
		resp.CompletedAt = &s
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// inputRequest is the POST /executions/:id/input body.
type inputRequest struct {
	Input string `json:"input" binding:"required"`
}

// boardResponse is the GET /executions/:id/board payload.
type boardResponse struct {
	ExecutionID string         `json:"execution_id"`
	CrewID      string         `json:"crew_id"`
	Status      run.Status     `json:"status"`
	Lanes       []laneResponse `json:"lanes"`
}

type laneResponse struct {
	TaskIndex int               `json:"task_index"`
	Name      string            `json:"name"`
	Agent     string            `json:"agent,omitempty"`
	State     board.LaneState   `json:"state"`
	Stages    []ExecutionUpdate `json:"stages"`
}

func newBoardResponse(exec *run.Execution, b *board.Board) boardResponse {
	resp := boardResponse{
		ExecutionID: b.ExecutionID,
		CrewID:      b.CrewID,
		Status:      b.Status,
		Lanes:       make([]laneResponse, len(b.Lanes)),
	}
	for i, lane := range b.Lanes {
		lr := laneResponse{
			TaskIndex: lane.TaskIndex,
			Name:      lane.Name,
			Agent:     lane.Agent,
			State:     lane.State,
			Stages:    make([]ExecutionUpdate, 0, len(lane.Stages)),
		}
		for _, st := range lane.Stages {
			lr.Stages = append(lr.Stages, newExecutionUpdate(exec, st))
		}
		resp.Lanes[i] = lr
	}
	return resp
}
