package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stepflow/pkg/models"
)

// --- Variable DTOs ---

// UpsertVariableRequest is the payload for PUT /api/v1/variables.
type UpsertVariableRequest struct {
	Scope models.VariableScope `json:"scope" binding:"required"`
	JobID *uuid.UUID           `json:"job_id"`
	Name  string               `json:"name" binding:"required"`
	Value json.RawMessage      `json:"value" binding:"required"`
}

// variableScope extracts and validates scope/job_id from a request.
func variableScope(c *gin.Context, scope models.VariableScope, jobID *uuid.UUID) bool {
	switch scope {
	case models.VariableScopeGlobal:
		if jobID != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "global variables cannot carry a job_id"})
			return false
		}
	case models.VariableScopeJob:
		if jobID == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job-scoped variables require a job_id"})
			return false
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be global or job"})
		return false
	}
	return true
}

// --- Variable Handlers ---

// listVariables handles GET /api/v1/variables?scope=&job_id=
func (s *Server) listVariables(c *gin.Context) {
	scope := models.VariableScope(c.DefaultQuery("scope", string(models.VariableScopeGlobal)))

	var jobID *uuid.UUID
	if raw := c.Query("job_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
			return
		}
		jobID = &id
	}
	if !variableScope(c, scope, jobID) {
		return
	}

	vars, err := s.varStore.ListVariables(c.Request.Context(), scope, jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list variables: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"variables": vars,
		"count":     len(vars),
	})
}

// upsertVariable handles PUT /api/v1/variables
func (s *Server) upsertVariable(c *gin.Context) {
	var req UpsertVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !variableScope(c, req.Scope, req.JobID) {
		return
	}

	v := &models.Variable{
		Scope: req.Scope,
		JobID: req.JobID,
		Name:  req.Name,
		Value: models.JSONValue{Raw: req.Value},
	}
	if err := s.varStore.UpsertVariable(c.Request.Context(), v); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save variable: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, v)
}

// deleteVariable handles DELETE /api/v1/variables/:name?scope=&job_id=
func (s *Server) deleteVariable(c *gin.Context) {
	name := c.Param("name")
	scope := models.VariableScope(c.DefaultQuery("scope", string(models.VariableScopeGlobal)))

	var jobID *uuid.UUID
	if raw := c.Query("job_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job_id"})
			return
		}
		jobID = &id
	}
	if !variableScope(c, scope, jobID) {
		return
	}

	if err := s.varStore.DeleteVariable(c.Request.Context(), scope, jobID, name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete variable: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "variable deleted", "name": name})
}
