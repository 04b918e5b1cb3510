package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stepflow/pkg/models"
	"stepflow/pkg/scheduler"
	"stepflow/pkg/storage"
	"stepflow/pkg/storage/object"
)

// --- Request/Response DTOs ---

// CreateJobRequest is the payload for creating a new job.
type CreateJobRequest struct {
	Name            string                `json:"name" binding:"required"`
	Enabled         *bool                 `json:"enabled"`
	TimeoutSeconds  int                   `json:"timeout_seconds"`
	MaxRetries      *int                  `json:"max_retries"`
	AllowConcurrent bool                  `json:"allow_concurrent"`
	Definition      *models.JobDefinition `json:"definition" binding:"required"`
}

// UpdateJobRequest is the payload for updating a job.
type UpdateJobRequest struct {
	Name            *string               `json:"name"`
	Enabled         *bool                 `json:"enabled"`
	TimeoutSeconds  *int                  `json:"timeout_seconds"`
	MaxRetries      *int                  `json:"max_retries"`
	AllowConcurrent *bool                 `json:"allow_concurrent"`
	Definition      *models.JobDefinition `json:"definition"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Enabled         bool            `json:"enabled"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	MaxRetries      int             `json:"max_retries"`
	AllowConcurrent bool            `json:"allow_concurrent"`
	Schedule        models.Schedule `json:"schedule"`
	NextRunAt       *time.Time      `json:"next_run_at"`
	LastStartedAt   *time.Time      `json:"last_started_at"`
	LastCompletedAt *time.Time      `json:"last_completed_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// --- Job Handlers ---

// createJob handles POST /api/v1/jobs
func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := req.Definition.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition: " + err.Error()})
		return
	}
	if err := s.schedules.Validate(req.Definition.Schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule: " + err.Error()})
		return
	}

	// Calculate the first fire time from a cold start
	nextRun, err := s.schedules.Next(req.Definition.Schedule, nil, nil, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule: " + err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	retries := 3
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		retries = *req.MaxRetries
	}

	job := &models.Job{
		ID:              uuid.New(),
		Name:            req.Name,
		Enabled:         enabled,
		TimeoutSeconds:  timeout,
		MaxRetries:      retries,
		AllowConcurrent: req.AllowConcurrent,
		Schedule:        req.Definition.Schedule,
		NextRunAt:       nextRun,
	}
	job.DefinitionPath = object.DefinitionKey(job.ID)

	// The definition blob and the metadata row describe the same version;
	// write the blob first so a created row never points at nothing.
	blob, err := json.Marshal(req.Definition)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode definition"})
		return
	}
	if err := s.objects.Put(c.Request.Context(), job.DefinitionPath, blob, "application/json"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store definition: " + err.Error()})
		return
	}

	if err := s.jobStore.CreateJob(c.Request.Context(), job); err != nil {
		_ = s.objects.Delete(c.Request.Context(), job.DefinitionPath)
		if errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "job name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, jobToResponse(job))
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit, offset := pagination(c)

	jobs, err := s.jobStore.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs: " + err.Error()})
		return
	}

	response := make([]JobResponse, len(jobs))
	for i := range jobs {
		response[i] = jobToResponse(&jobs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// updateJob handles PATCH /api/v1/jobs/:id
func (s *Server) updateJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds > 0 {
		job.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	if req.AllowConcurrent != nil {
		job.AllowConcurrent = *req.AllowConcurrent
	}
	if req.Definition != nil {
		if err := req.Definition.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition: " + err.Error()})
			return
		}
		if err := s.schedules.Validate(req.Definition.Schedule); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule: " + err.Error()})
			return
		}
		nextRun, err := s.schedules.Next(req.Definition.Schedule, nil, nil, time.Now().UTC())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule: " + err.Error()})
			return
		}

		blob, err := json.Marshal(req.Definition)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode definition"})
			return
		}
		if err := s.objects.Put(c.Request.Context(), job.DefinitionPath, blob, "application/json"); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store definition: " + err.Error()})
			return
		}

		job.Schedule = req.Definition.Schedule
		job.NextRunAt = nextRun
	}

	if err := s.jobStore.UpdateJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update job: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// deleteJob handles DELETE /api/v1/jobs/:id
func (s *Server) deleteJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	if err := s.jobStore.DeleteJob(c.Request.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete job: " + err.Error()})
		return
	}

	// Definition and context blobs stay around so past executions remain
	// inspectable after the soft delete.
	c.JSON(http.StatusOK, gin.H{"message": "job deleted", "id": id})
}

// triggerJob handles POST /api/v1/jobs/:id/trigger
func (s *Server) triggerJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	exec, err := s.enqueueExecution(c, job, models.TriggerManual, nil)
	if err != nil {
		return // response already written
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":      "job triggered",
		"execution_id": exec.ID,
	})
}

// webhookTrigger handles POST /api/v1/jobs/:id/webhook
func (s *Server) webhookTrigger(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	def, err := s.loadDefinition(c, job)
	if err != nil {
		return
	}
	if !def.Trigger.WebhookEnabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "webhook trigger not enabled for this job"})
		return
	}
	if def.Trigger.WebhookSecret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(def.Trigger.WebhookSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	webhook := &models.WebhookData{
		Headers:     make(map[string]string),
		QueryParams: make(map[string]string),
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&webhook.Payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be a JSON object"})
			return
		}
	}
	for name := range c.Request.Header {
		webhook.Headers[name] = c.GetHeader(name)
	}
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			webhook.QueryParams[name] = values[0]
		}
	}

	exec, err := s.enqueueExecution(c, job, models.TriggerWebhook, webhook)
	if err != nil {
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":      "webhook accepted",
		"execution_id": exec.ID,
	})
}

// listJobExecutions handles GET /api/v1/jobs/:id/executions
func (s *Server) listJobExecutions(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	if _, err := s.jobStore.GetJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	limit, offset := pagination(c)
	execs, err := s.execStore.ListExecutions(c.Request.Context(), id, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": execs,
		"count":      len(execs),
		"job_id":     id,
	})
}

// enqueueExecution creates the execution row under a fresh idempotency key
// and publishes it. On error the HTTP response has already been written.
func (s *Server) enqueueExecution(c *gin.Context, job *models.Job, source models.TriggerSource, webhook *models.WebhookData) (*models.Execution, error) {
	exec := &models.Execution{
		JobID:          job.ID,
		IdempotencyKey: scheduler.ManualKey(),
		Status:         models.ExecutionPending,
		Attempt:        1,
		TriggerSource:  source,
	}
	if webhook != nil {
		meta, err := json.Marshal(webhook)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode webhook data"})
			return nil, err
		}
		var m models.JSONMap
		if err := json.Unmarshal(meta, &m); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode webhook data"})
			return nil, err
		}
		exec.TriggerMetadata = m
	}

	exec, _, err := s.execStore.FindOrCreateByKey(c.Request.Context(), exec)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create execution: " + err.Error()})
		return nil, err
	}

	msg := models.QueueMessage{
		ExecutionID:    exec.ID,
		JobID:          job.ID,
		IdempotencyKey: exec.IdempotencyKey,
		Attempt:        exec.Attempt,
		PublishedAt:    time.Now().UTC(),
	}
	if err := s.publisher.Publish(c.Request.Context(), msg); err != nil {
		// Row stays pending; the watchdog republishes it.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue execution: " + err.Error()})
		return nil, err
	}

	return exec, nil
}

// loadDefinition fetches and decodes the job's definition blob. On error the
// HTTP response has already been written.
func (s *Server) loadDefinition(c *gin.Context, job *models.Job) (*models.JobDefinition, error) {
	blob, err := s.objects.Get(c.Request.Context(), job.DefinitionPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load definition: " + err.Error()})
		return nil, err
	}
	var def models.JobDefinition
	if err := json.Unmarshal(blob, &def); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stored definition is corrupt"})
		return nil, err
	}
	return &def, nil
}

// pagination parses limit/offset query parameters with defaults.
func pagination(c *gin.Context) (int, int) {
	limit := 50
	offset := 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// Helper to convert Job to JobResponse
func jobToResponse(job *models.Job) JobResponse {
	return JobResponse{
		ID:              job.ID,
		Name:            job.Name,
		Enabled:         job.Enabled,
		TimeoutSeconds:  job.TimeoutSeconds,
		MaxRetries:      job.MaxRetries,
		AllowConcurrent: job.AllowConcurrent,
		Schedule:        job.Schedule,
		NextRunAt:       job.NextRunAt,
		LastStartedAt:   job.LastStartedAt,
		LastCompletedAt: job.LastCompletedAt,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}
