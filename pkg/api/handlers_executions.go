package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stepflow/pkg/storage"
)

// --- Execution Handlers ---

// getExecution handles GET /api/v1/executions/:id
func (s *Server) getExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution ID"})
		return
	}

	exec, err := s.execStore.GetExecution(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load execution: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, exec)
}

// cancelExecution handles POST /api/v1/executions/:id/cancel
//
// Soft cancel (default) flips the row to cancelling; the owning worker
// finishes its current step and stops at the boundary. Hard cancel
// (?hard=true) abandons the run immediately.
func (s *Server) cancelExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution ID"})
		return
	}

	hard := c.Query("hard") == "true"

	if err := s.execStore.RequestCancel(c.Request.Context(), id, hard); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		case errors.Is(err, storage.ErrStale):
			c.JSON(http.StatusConflict, gin.H{"error": "execution already finished"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel execution: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "cancellation requested",
		"id":      id,
		"hard":    hard,
	})
}

// --- Cluster Handlers ---

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.coordinator.ActiveNodes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get nodes: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	election := s.coordinator.NewElection("scheduler-watchdog")
	leader, err := election.Leader(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no leader elected"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"leader": leader})
}
