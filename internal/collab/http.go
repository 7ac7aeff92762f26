// Package collab provides the production Collaborator: tasks are
// delegated to agent services over HTTP. The engine stays agnostic to
// what an agent actually is; this package owns the call contract.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tdawe/crewline/internal/engine"
	"github.com/tdawe/crewline/internal/run"
)

// DefaultCallTimeout bounds a single agent call. Agent work is expected
// to be long (model calls, tool use), so this is generous.
const DefaultCallTimeout = 5 * time.Minute

// taskRequest is the body POSTed to an agent endpoint.
type taskRequest struct {
	ExecutionID string  `json:"execution_id"`
	CrewID      string  `json:"crew_id"`
	TaskIndex   int     `json:"task_index"`
	TaskName    string  `json:"task_name"`
	Description string  `json:"description"`
	Answer      *string `json:"answer,omitempty"`
}

// taskStage is one intermediate progress event reported by an agent.
type taskStage struct {
	Type    string `json:"type"` // message | tool_call | tool_result
	Title   string `json:"title"`
	Content string `json:"content"`
}

// taskResponse is what an agent returns for a task call.
//
// result is "complete", "need_input" (prompt required), or "error"
// (message required). Stages are emitted in order before the result is
// acted on.
type taskResponse struct {
	Result  string      `json:"result"`
	Prompt  string      `json:"prompt,omitempty"`
	Message string      `json:"message,omitempty"`
	Stages  []taskStage `json:"stages,omitempty"`
}

// HTTP calls one agent service per task, by agent name.
type HTTP struct {
	endpoints map[string]string // agent name → base URL
	client    *http.Client
}

// NewHTTP builds the HTTP collaborator. endpoints maps agent names to
// base URLs; tasks for agents with no endpoint fail the execution.
func NewHTTP(endpoints map[string]string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &HTTP{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}
}

// RunTask POSTs the task to its agent and replays the agent's reported
// stages through the emitter. The agent signals suspension by returning
// result "need_input"; the engine re-calls with the resolved answer.
func (h *HTTP) RunTask(ctx context.Context, tc engine.TaskContext, emit engine.Emitter) error {
	base, ok := h.endpoints[tc.Task.Agent]
	if !ok {
		return run.NewError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("no endpoint configured for agent %q", tc.Task.Agent))
	}

	body, err := json.Marshal(taskRequest{
		ExecutionID: tc.ExecutionID,
		CrewID:      tc.CrewID,
		TaskIndex:   tc.TaskIndex,
		TaskName:    tc.Task.Name,
		Description: tc.Task.Description,
		Answer:      tc.Answer,
	})
	if err != nil {
		return run.WrapError(run.ErrCodeCollaborator, tc.ExecutionID, "encode task request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tasks", bytes.NewReader(body))
	if err != nil {
		return run.WrapError(run.ErrCodeCollaborator, tc.ExecutionID, "build task request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return run.WrapError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("call agent %q", tc.Task.Agent), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return run.WrapError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("read agent %q response", tc.Task.Agent), err)
	}
	if resp.StatusCode != http.StatusOK {
		return run.NewError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("agent %q returned %d: %s", tc.Task.Agent, resp.StatusCode, truncate(raw, 256)))
	}

	var tr taskResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return run.WrapError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("decode agent %q response", tc.Task.Agent), err)
	}

	for _, st := range tr.Stages {
		if err := emitStage(emit, st); err != nil {
			return err
		}
	}

	switch tr.Result {
	case "complete":
		return nil
	case "need_input":
		if tr.Prompt == "" {
			return run.NewError(run.ErrCodeCollaborator, tc.ExecutionID,
				fmt.Sprintf("agent %q requested input without a prompt", tc.Task.Agent))
		}
		return engine.NeedInput(tr.Prompt)
	case "error":
		return run.NewError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("agent %q failed: %s", tc.Task.Agent, tr.Message))
	default:
		return run.NewError(run.ErrCodeCollaborator, tc.ExecutionID,
			fmt.Sprintf("agent %q returned unknown result %q", tc.Task.Agent, tr.Result))
	}
}

func emitStage(emit engine.Emitter, st taskStage) error {
	switch st.Type {
	case "message":
		return emit.Message(st.Title, st.Content)
	case "tool_call":
		return emit.ToolCall(st.Title, st.Content)
	case "tool_result":
		return emit.ToolResult(st.Title, st.Content)
	default:
		slog.Warn("agent reported unknown stage type, emitting as message", "type", st.Type)
		return emit.Message(st.Title, st.Content)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
