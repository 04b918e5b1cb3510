package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExecutionStatus is stored as a lowercase string enum in job_executions.
type ExecutionStatus string

const (
	ExecutionPending             ExecutionStatus = "pending"
	ExecutionRunning             ExecutionStatus = "running"
	ExecutionSuccess             ExecutionStatus = "success"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionTimeout             ExecutionStatus = "timeout"
	ExecutionCancelling          ExecutionStatus = "cancelling"
	ExecutionCancelled           ExecutionStatus = "cancelled"
	ExecutionDeadLetter          ExecutionStatus = "dead_letter"
	ExecutionConcurrencyConflict ExecutionStatus = "concurrency_conflict"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSuccess, ExecutionFailed, ExecutionTimeout,
		ExecutionCancelled, ExecutionDeadLetter, ExecutionConcurrencyConflict:
		return true
	}
	return false
}

// TriggerSource records what caused an execution.
type TriggerSource string

const (
	TriggerScheduled TriggerSource = "scheduled"
	TriggerManual    TriggerSource = "manual"
	TriggerWebhook   TriggerSource = "webhook"
)

// JSONMap stores a string-keyed JSON object in a jsonb column.
type JSONMap map[string]any

func (m *JSONMap) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// Execution is one row in job_executions: a single logical attempt to run a
// job at a specific trigger time. Internal step retries and queue
// redeliveries all collapse into the same row via the idempotency key.
type Execution struct {
	ID              uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	JobID           uuid.UUID       `json:"job_id" gorm:"type:uuid;not null;index"`
	IdempotencyKey  string          `json:"idempotency_key" gorm:"not null;uniqueIndex"`
	Status          ExecutionStatus `json:"status" gorm:"type:varchar(24);default:'pending';index"`
	Attempt         int             `json:"attempt" gorm:"default:1"`
	TriggerSource   TriggerSource   `json:"trigger_source" gorm:"type:varchar(16);not null"`
	TriggerMetadata JSONMap         `json:"trigger_metadata" gorm:"type:jsonb"`
	CurrentStep     *string         `json:"current_step"`
	WorkerID        *string         `json:"worker_id"`
	ContextPath     string          `json:"context_path"`
	Result          JSONMap         `json:"result" gorm:"type:jsonb"`
	Error           string          `json:"error"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TableName keeps the legacy table name from the migrations.
func (Execution) TableName() string { return "job_executions" }

func (e *Execution) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}

// StepStatus is the outcome of one step recorded in the execution context.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepOutput is one entry in the context's steps map.
type StepOutput struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// WebhookData is the inbound payload attached to webhook-triggered runs.
type WebhookData struct {
	Payload     map[string]any    `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
}

// FileRef describes a file produced by a step, stored in the object store.
type FileRef struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// ExecContext is the per-execution scratchpad persisted to the object store
// at jobs/{job}/executions/{exec}/context.json. After step k completes the
// blob contains outputs for steps 1..k and no more.
type ExecContext struct {
	JobID       uuid.UUID             `json:"job_id"`
	ExecutionID uuid.UUID             `json:"execution_id"`
	Variables   map[string]any        `json:"variables"`
	Steps       map[string]StepOutput `json:"steps"`
	Webhook     *WebhookData          `json:"webhook,omitempty"`
	Files       []FileRef             `json:"files,omitempty"`
}

// NewExecContext returns an empty context for a fresh execution.
func NewExecContext(jobID, execID uuid.UUID) *ExecContext {
	return &ExecContext{
		JobID:       jobID,
		ExecutionID: execID,
		Variables:   make(map[string]any),
		Steps:       make(map[string]StepOutput),
	}
}

// QueueMessage is the JSON payload carried on jobs.<job-id> subjects.
type QueueMessage struct {
	ExecutionID    uuid.UUID `json:"execution_id"`
	JobID          uuid.UUID `json:"job_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Attempt        int       `json:"attempt"`
	PublishedAt    time.Time `json:"published_at"`
}
