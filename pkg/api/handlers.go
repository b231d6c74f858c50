package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/version"
)

// handleHealth handles GET /health: process, merger-queue, and registry
// summary (spec.md §4.11).
func (s *Server) handleHealth(c *gin.Context) {
	summaries := s.registry.ListActiveSummaries()
	agents := make([]agentSummaryView, 0, len(summaries))
	for _, sum := range summaries {
		agents = append(agents, agentSummaryView{
			ID:     sum.ID,
			Type:   string(sum.Type),
			TaskID: sum.TaskID,
			Status: string(sum.Status),
		})
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:       "healthy",
		Version:      version.Full(),
		UptimeSec:    time.Since(s.startedAt).Seconds(),
		MergeQueue:   mergeQueueStats{Size: s.queue.Size()},
		ActiveAgents: agents,
	})
}

// handleControlStart handles POST /control/start.
func (s *Server) handleControlStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	started := s.sup.StartTasks(c.Request.Context(), req.N)
	c.JSON(http.StatusOK, startedResponse{Started: started})
}

// handleControlSteer handles POST /control/steer.
func (s *Server) handleControlSteer(c *gin.Context) {
	var req taskMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok := s.sup.SteerAgent(c.Request.Context(), req.TaskID, req.Message)
	c.JSON(http.StatusOK, okResponse{OK: ok})
}

// handleControlInterrupt handles POST /control/interrupt.
func (s *Server) handleControlInterrupt(c *gin.Context) {
	var req taskMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok := s.sup.InterruptAgent(c.Request.Context(), req.TaskID, req.Message)
	c.JSON(http.StatusOK, okResponse{OK: ok})
}

// handleControlBroadcast handles POST /control/broadcast.
func (s *Server) handleControlBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.BroadcastToWorkers(c.Request.Context(), req.Message, req.Meta); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

// handleControlStop handles POST /control/stop: pause/stop operations
// keyed on whichever of task_id, task_ids, or agent_id the caller set, or
// every active agent if none were given.
func (s *Server) handleControlStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var ids []string
	switch {
	case req.AgentID != "":
		stopped := s.sup.StopAgentByID(ctx, req.AgentID)
		if stopped {
			ids = append(ids, req.AgentID)
		}
	case req.TaskID != "":
		for _, rec := range s.sup.StopAgentsForTask(ctx, req.TaskID, req.IncludeFinisher) {
			ids = append(ids, rec.ID)
		}
	case len(req.TaskIDs) > 0:
		for _, rec := range s.sup.StopAgentsForTaskIDsAndPause(ctx, req.TaskIDs, req.BlockTasks) {
			ids = append(ids, rec.ID)
		}
	default:
		for _, rec := range s.sup.StopAllAgentsAndPause(ctx) {
			ids = append(ids, rec.ID)
		}
	}
	c.JSON(http.StatusOK, stoppedResponse{StoppedAgentIDs: ids})
}

// parseAgentType is a small helper for a future /control/replace endpoint;
// kept here since every handler that accepts an agent type string needs
// the same validation against config.AgentType's known set.
func parseAgentType(raw string) (config.AgentType, bool) {
	t := config.AgentType(strings.ToLower(raw))
	return t, t.IsValid()
}
