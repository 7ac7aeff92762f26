package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdawe/crewline/internal/run"
)

func fixedStage(seq int64, taskIdx int, typ run.StageType, title, content, agent string) run.StageRecord {
	return run.StageRecord{
		ExecutionID: "exec-fixed",
		Seq:         seq,
		Stage: run.Stage{
			TaskIndex: taskIdx,
			Type:      typ,
			Title:     title,
			Content:   content,
			Agent:     agent,
		},
		CreatedAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

// TestExecutionUpdate_Golden pins the wire encoding of the push
// protocol. Update with:
//
//	go test ./internal/server -run TestExecutionUpdate_Golden -update
func TestExecutionUpdate_Golden(t *testing.T) {
	exec := &run.Execution{
		ID:     "exec-fixed",
		CrewID: "seo-audit",
		Status: run.StatusCompleted,
	}

	updates := []ExecutionUpdate{
		newExecutionUpdate(exec, fixedStage(1, 0, run.StageStatus, "Crawl site", "Crawl and collect issues", "auditor")),
		newExecutionUpdate(exec, fixedStage(2, 0, run.StageToolResult, "crawl finished", "213 pages, 14 issues", "auditor")),
		newExecutionUpdate(exec, fixedStage(3, 1, run.StageHumanInputRequest, "Human input needed", "publish the report?", "writer")),
		newExecutionUpdate(exec, fixedStage(4, 1, run.StageTerminal, "Execution completed", "All 2 tasks completed", "")),
	}

	encoded, err := json.MarshalIndent(updates, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "execution_updates", encoded)
}

func TestNewExecutionUpdate_StatusDerivation(t *testing.T) {
	running := &run.Execution{ID: "e", CrewID: "c", Status: run.StatusRunning}

	upd := newExecutionUpdate(running, fixedStage(1, 0, run.StageMessage, "t", "c", "a"))
	assert.Equal(t, run.StatusRunning, upd.Status)

	upd = newExecutionUpdate(running, fixedStage(2, 0, run.StageHumanInputRequest, "t", "prompt", "a"))
	assert.Equal(t, run.StatusWaiting, upd.Status)
	require.NotNil(t, upd.HumanInputRequest)
	assert.Equal(t, "prompt", *upd.HumanInputRequest)

	upd = newExecutionUpdate(running, fixedStage(3, 0, run.StageError, "t", "boom", "a"))
	assert.Equal(t, run.StatusFailed, upd.Status)

	cancelled := &run.Execution{ID: "e", CrewID: "c", Status: run.StatusCancelled}
	upd = newExecutionUpdate(cancelled, fixedStage(4, 0, run.StageTerminal, "t", "c", ""))
	assert.Equal(t, run.StatusCancelled, upd.Status)
}

func TestNewExecutionUpdate_NullableAgent(t *testing.T) {
	exec := &run.Execution{ID: "e", CrewID: "c", Status: run.StatusRunning}

	upd := newExecutionUpdate(exec, fixedStage(1, 0, run.StageStatus, "t", "c", ""))
	b, err := json.Marshal(upd)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"agent":null`)
}
