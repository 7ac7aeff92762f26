// Package server is the HTTP gateway: REST endpoints for creating,
// inspecting, answering, and cancelling executions, plus the SSE
// fan-out stream that relays persisted stages to live viewers.
package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tdawe/crewline/internal/board"
	"github.com/tdawe/crewline/internal/bus"
	"github.com/tdawe/crewline/internal/cancel"
	"github.com/tdawe/crewline/internal/crew"
	"github.com/tdawe/crewline/internal/engine"
	"github.com/tdawe/crewline/internal/gate"
	"github.com/tdawe/crewline/internal/run"
	"github.com/tdawe/crewline/internal/store"
)

// DefaultHeartbeatInterval keeps idle SSE connections alive through
// proxies that reap quiet streams.
const DefaultHeartbeatInterval = 15 * time.Second

// DefaultStreamPollInterval bounds staleness for viewers when the
// producing worker runs in another process and no fabric hint arrives.
const DefaultStreamPollInterval = 500 * time.Millisecond

// Server holds the gateway's dependencies.
type Server struct {
	store     *store.Store
	bus       *bus.Bus
	gate      *gate.Gate
	registry  *cancel.Registry
	engine    *engine.Engine
	crews     *crew.Registry
	heartbeat time.Duration
	poll      time.Duration
}

// New wires a Server. heartbeat/poll <= 0 select the defaults.
func New(st *store.Store, b *bus.Bus, g *gate.Gate, reg *cancel.Registry, e *engine.Engine, crews *crew.Registry, heartbeat, poll time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if poll <= 0 {
		poll = DefaultStreamPollInterval
	}
	return &Server{
		store:     st,
		bus:       b,
		gate:      g,
		registry:  reg,
		engine:    e,
		crews:     crews,
		heartbeat: heartbeat,
		poll:      poll,
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/crews", s.handleListCrews)
	r.GET("/crews/:id/stream", s.handleCrewStream)

	r.POST("/executions", s.handleCreateExecution)
	r.GET("/executions/:id", s.handleGetExecution)
	r.GET("/executions/:id/stages", s.handleListStages)
	r.GET("/executions/:id/board", s.handleGetBoard)
	r.GET("/executions/:id/stream", s.handleStream)
	r.POST("/executions/:id/input", s.handleSubmitInput)
	r.POST("/executions/:id/cancel", s.handleCancel)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListCrews(c *gin.Context) {
	ids := s.crews.IDs()
	crews := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		cr := s.crews.Get(id)
		crews = append(crews, gin.H{
			"id":    cr.ID,
			"name":  cr.Name,
			"tasks": len(cr.Tasks),
		})
	}
	c.JSON(http.StatusOK, gin.H{"crews": crews})
}

func (s *Server) handleCreateExecution(c *gin.Context) {
	var req createExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "crew_id is required"})
		return
	}

	exec, err := s.engine.Create(c.Request.Context(), req.CrewID, req.ClientID)
	if err != nil {
		if run.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		slog.Error("create execution", "crew_id", req.CrewID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create execution"})
		return
	}

	c.JSON(http.StatusCreated, newExecutionResponse(exec))
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newExecutionResponse(exec))
}

// handleListStages returns the persisted stage history as
// execution_update messages, the same encoding the stream uses.
func (s *Server) handleListStages(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}

	// from_sequence is exclusive: the highest sequence the caller
	// already has. Default 0 returns the full history.
	fromSeq := parseFromSequence(c)
	stages, err := s.bus.Replay(c.Request.Context(), exec.ID, fromSeq+1)
	if err != nil {
		slog.Error("replay stages", "execution_id", exec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stages"})
		return
	}

	updates := make([]ExecutionUpdate, 0, len(stages))
	for _, st := range stages {
		updates = append(updates, newExecutionUpdate(exec, st))
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": exec.ID, "stages": updates})
}

func (s *Server) handleGetBoard(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}

	cr := s.crews.Get(exec.CrewID)
	if cr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "crew not loaded"})
		return
	}

	stages, err := s.bus.Replay(c.Request.Context(), exec.ID, 1)
	if err != nil {
		slog.Error("replay stages", "execution_id", exec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stages"})
		return
	}

	c.JSON(http.StatusOK, newBoardResponse(exec, board.Project(exec, cr, stages)))
}

// handleSubmitInput resolves the execution's open input request with the
// caller's answer. Exactly one of N racing submissions wins; the losers
// get 409 so the UI can tell the user their answer was not the one used.
func (s *Server) handleSubmitInput(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}

	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}

	status, err := s.gate.Resolve(c.Request.Context(), exec.ID, req.Input)
	if err != nil {
		slog.Error("resolve input", "execution_id", exec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit input"})
		return
	}

	switch status {
	case gate.Resolved:
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case gate.AlreadyResolved:
		c.JSON(http.StatusConflict, gin.H{"status": "already_resolved"})
	case gate.NoSuchRequest:
		c.JSON(http.StatusNotFound, gin.H{"error": "no input request for execution"})
	}
}

// handleCancel flags the execution for cooperative cancellation and
// unblocks any open input request. Cancelling a terminal execution is
// 409; the engine, not this handler, performs the terminal transition.
func (s *Server) handleCancel(c *gin.Context) {
	exec, ok := s.loadExecution(c)
	if !ok {
		return
	}

	if exec.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "execution already terminal", "status": exec.Status})
		return
	}

	marked, err := s.registry.MarkCancelled(c.Request.Context(), exec.ID)
	if err != nil {
		slog.Error("mark cancelled", "execution_id", exec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel execution"})
		return
	}
	if !marked {
		// The execution went terminal between the read and the write.
		c.JSON(http.StatusConflict, gin.H{"error": "execution already terminal"})
		return
	}

	// Unblock a waiting gate immediately so the engine does not sit out
	// the remaining deadline. Idempotent; losing the race is fine.
	if _, err := s.gate.ResolveCancelled(c.Request.Context(), exec.ID); err != nil {
		slog.Error("resolve input on cancel", "execution_id", exec.ID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// loadExecution resolves the :id path parameter, writing 404 on a miss.
func (s *Server) loadExecution(c *gin.Context) (*run.Execution, bool) {
	exec, err := s.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		if run.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return nil, false
		}
		slog.Error("load execution", "execution_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution"})
		return nil, false
	}
	return exec, true
}

// parseFromSequence reads the from_sequence query parameter, default 0.
func parseFromSequence(c *gin.Context) int64 {
	raw := c.Query("from_sequence")
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
