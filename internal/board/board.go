// Package board projects an execution's stage history onto a kanban
// board: one lane per crew task, stages grouped by the task index
// stamped on them at emission time. The projection is pure: it never
// guesses a stage's lane from timing or content.
package board

import (
	"github.com/tdawe/crewline/internal/crew"
	"github.com/tdawe/crewline/internal/run"
)

// LaneState is the kanban column a task currently sits in.
type LaneState string

const (
	LanePending LaneState = "pending"
	LaneActive  LaneState = "active"
	LaneWaiting LaneState = "waiting"
	LaneDone    LaneState = "done"
	LaneFailed  LaneState = "failed"
)

// Lane is one task's column on the board.
type Lane struct {
	TaskIndex int               `json:"task_index"`
	Name      string            `json:"name"`
	Agent     string            `json:"agent,omitempty"`
	State     LaneState         `json:"state"`
	Stages    []run.StageRecord `json:"-"`
}

// Board is the kanban projection of one execution.
type Board struct {
	ExecutionID string     `json:"execution_id"`
	CrewID      string     `json:"crew_id"`
	Status      run.Status `json:"status"`
	Lanes       []Lane     `json:"lanes"`
}

// Project builds the board for an execution from its crew definition and
// full stage history. Stages must be in sequence order; they are
// appended to lanes in that order.
func Project(exec *run.Execution, cr *crew.Crew, stages []run.StageRecord) *Board {
	b := &Board{
		ExecutionID: exec.ID,
		CrewID:      exec.CrewID,
		Status:      exec.Status,
		Lanes:       make([]Lane, len(cr.Tasks)),
	}

	for i, task := range cr.Tasks {
		b.Lanes[i] = Lane{
			TaskIndex: i,
			Name:      task.Name,
			Agent:     task.Agent,
			State:     laneState(exec, i),
		}
	}

	for _, st := range stages {
		if st.TaskIndex < 0 || st.TaskIndex >= len(b.Lanes) {
			// A stage for a task outside the crew definition (e.g. the
			// crew file changed between runs) is dropped rather than
			// misfiled.
			continue
		}
		lane := &b.Lanes[st.TaskIndex]
		lane.Stages = append(lane.Stages, st)
	}

	return b
}

// laneState derives a task's column from the execution's status and
// current task index.
func laneState(exec *run.Execution, idx int) LaneState {
	switch {
	case idx < exec.CurrentTaskIndex:
		return LaneDone
	case idx > exec.CurrentTaskIndex:
		return LanePending
	}

	switch exec.Status {
	case run.StatusPending:
		return LanePending
	case run.StatusRunning:
		return LaneActive
	case run.StatusWaiting:
		return LaneWaiting
	case run.StatusCompleted:
		return LaneDone
	case run.StatusFailed, run.StatusCancelled:
		return LaneFailed
	default:
		return LanePending
	}
}
