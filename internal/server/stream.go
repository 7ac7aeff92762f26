package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/run"
)

// handleStream is the fan-out endpoint: a server-sent-event stream that
// sends a connected snapshot, replays persisted stages from
// from_sequence, then tails live stages until the execution's terminal
// stage or the client disconnects.
//
// The store is the ordering authority. Fabric messages and the poll
// ticker only prompt a read of stages after the cursor, so a viewer
// sees every sequence exactly once, gap-free, regardless of which
// process produced the stages or how the hints interleave.
func (s *Server) handleStream(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}

	// from_sequence is the highest sequence the viewer already has;
	// replay resumes at the next one. Default 0 replays everything.
	cursor := parseFromSequence(c)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	// Subscribe before the replay read so no stage can land between
	// replay and tail without leaving a hint behind.
	sub := s.bus.Broker().Subscribe(pubsub.ExecutionTopic(exec.ID), 64)
	defer sub.Close()

	lastSeq, err := s.store.LastSeq(ctx, exec.ID)
	if err != nil {
		slog.Error("read last sequence", "execution_id", exec.ID, "error", err)
		return
	}
	if err := writeEvent(w, Connected{
		Type:             TypeConnected,
		ExecutionID:      exec.ID,
		Status:           exec.Status,
		CurrentTaskIndex: exec.CurrentTaskIndex,
		LastSequence:     lastSeq,
	}); err != nil {
		return
	}

	cursor, terminal, err := s.pushFrom(ctx, w, exec, cursor)
	if err != nil || terminal {
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := writeEvent(w, Heartbeat{Type: TypeHeartbeat}); err != nil {
				return
			}

		case <-poll.C:
			cursor, terminal, err = s.pushFrom(ctx, w, exec, cursor)
			if err != nil || terminal {
				return
			}

		case _, open := <-sub.C():
			if !open {
				return
			}
			// Any fabric message may mean new rows. Stale hints are
			// free to process: a replay starting past the cursor
			// returns nothing.
			cursor, terminal, err = s.pushFrom(ctx, w, exec, cursor)
			if err != nil || terminal {
				return
			}
		}
	}
}

// handleCrewStream is the board-wide fan-out: one SSE stream carrying
// stages for every execution of a crew. On connect it snapshots each
// in-flight execution and replays its full history, then tails the
// crew's aggregate topic. Ordering is per execution only; viewers group
// by execution_id. Unlike the per-execution stream, a terminal stage
// closes that execution's cursor, not the connection.
func (s *Server) handleCrewStream(c *gin.Context) {
	crewID := c.Param("id")
	if s.crews.Get(crewID) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "crew not found"})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()

	sub := s.bus.Broker().Subscribe(pubsub.CrewTopic(crewID), 128)
	defer sub.Close()

	execs, err := s.store.ListActiveExecutionsByCrew(ctx, crewID)
	if err != nil {
		slog.Error("list crew executions", "crew_id", crewID, "error", err)
		return
	}

	// cursors tracks the last sequence pushed per execution. Executions
	// first seen through a fabric hint start at 0 and replay from 1.
	// closed tombstones executions whose terminal stage went out, so a
	// stale buffered hint does not replay their history from scratch.
	cursors := make(map[string]int64, len(execs))
	closed := make(map[string]struct{})
	for _, exec := range execs {
		lastSeq, err := s.store.LastSeq(ctx, exec.ID)
		if err != nil {
			slog.Error("read last sequence", "execution_id", exec.ID, "error", err)
			return
		}
		if err := writeEvent(w, Connected{
			Type:             TypeConnected,
			ExecutionID:      exec.ID,
			Status:           exec.Status,
			CurrentTaskIndex: exec.CurrentTaskIndex,
			LastSequence:     lastSeq,
		}); err != nil {
			return
		}
		cursor, terminal, err := s.pushFrom(ctx, w, exec, 0)
		if err != nil {
			return
		}
		if terminal {
			closed[exec.ID] = struct{}{}
		} else {
			cursors[exec.ID] = cursor
		}
	}

	advance := func(executionID string) bool {
		if _, done := closed[executionID]; done {
			return true
		}
		exec := &run.Execution{ID: executionID, CrewID: crewID}
		cursor, terminal, err := s.pushFrom(ctx, w, exec, cursors[executionID])
		if err != nil {
			return false
		}
		if terminal {
			delete(cursors, executionID)
			closed[executionID] = struct{}{}
		} else {
			cursors[executionID] = cursor
		}
		return true
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if err := writeEvent(w, Heartbeat{Type: TypeHeartbeat}); err != nil {
				return
			}

		case <-poll.C:
			for id := range cursors {
				if !advance(id) {
					return
				}
			}

		case msg, open := <-sub.C():
			if !open {
				return
			}
			if !advance(msg.ExecutionID) {
				return
			}
		}
	}
}

// pushFrom streams every persisted stage after the cursor and returns
// the advanced cursor. terminal reports that the execution's final
// stage went out and the stream should close.
func (s *Server) pushFrom(ctx context.Context, w gin.ResponseWriter, exec *run.Execution, cursor int64) (int64, bool, error) {
	stages, err := s.bus.Replay(ctx, exec.ID, cursor+1)
	if err != nil {
		slog.Error("replay stages", "execution_id", exec.ID, "error", err)
		return cursor, false, err
	}

	for _, st := range stages {
		if st.Seq <= cursor {
			continue
		}
		if st.Type == run.StageTerminal || st.Type == run.StageError {
			// The final stage's status must be the stored terminal
			// status, not the snapshot taken at connect time.
			if cur, err := s.store.GetExecution(ctx, exec.ID); err == nil {
				exec = cur
			}
		}
		if err := writeEvent(w, newExecutionUpdate(exec, st)); err != nil {
			return cursor, false, err
		}
		cursor = st.Seq
		if st.Type == run.StageTerminal || st.Type == run.StageError {
			return cursor, true, nil
		}
	}
	return cursor, false, nil
}

// writeEvent frames one JSON message as a server-sent event and
// flushes it.
func writeEvent(w gin.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	w.Flush()
	return nil
}
