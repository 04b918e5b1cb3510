package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepType defines the protocol a step speaks.
type StepType string

const (
	StepTypeHTTP          StepType = "http"
	StepTypeSQL           StepType = "sql"
	StepTypeFileTransform StepType = "file_transform"
	StepTypeSFTP          StepType = "sftp"
)

// ScheduleKind selects the schedule variant.
type ScheduleKind string

const (
	ScheduleCron       ScheduleKind = "cron"
	ScheduleFixedDelay ScheduleKind = "fixed_delay"
	ScheduleFixedRate  ScheduleKind = "fixed_rate"
	ScheduleOneTime    ScheduleKind = "one_time"
)

// Schedule is a tagged variant. Kind decides which fields are meaningful:
// cron uses Expression/Timezone/EndDate, fixed_delay uses DelaySeconds,
// fixed_rate uses IntervalSeconds, one_time uses ExecuteAt.
type Schedule struct {
	Kind            ScheduleKind `json:"kind"`
	Expression      string       `json:"expression,omitempty"`
	Timezone        string       `json:"timezone,omitempty"`
	EndDate         *time.Time   `json:"end_date,omitempty"`
	DelaySeconds    int          `json:"delay_seconds,omitempty"`
	IntervalSeconds int          `json:"interval_seconds,omitempty"`
	ExecuteAt       *time.Time   `json:"execute_at,omitempty"`
}

func (s *Schedule) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, s)
}

func (s Schedule) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Step is one unit of externally observable work inside a job definition.
// Input carries the type-specific request (URL, query, paths...) and may
// contain {{...}} references resolved against the execution context.
type Step struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           StepType       `json:"type"`
	Condition      string         `json:"condition,omitempty"`
	Input          map[string]any `json:"input"`
	ContinueOnFail bool           `json:"continue_on_fail,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
}

// TriggerConfig controls non-schedule triggers for a job.
type TriggerConfig struct {
	WebhookEnabled bool   `json:"webhook_enabled"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
}

// JobDefinition is the blob stored in the object store at
// jobs/{job_id}/definition.json. The jobs table row and this blob always
// describe the same logical version.
type JobDefinition struct {
	Steps    []Step        `json:"steps"`
	Schedule Schedule      `json:"schedule"`
	Trigger  TriggerConfig `json:"trigger"`
}

// Validate checks structural invariants of a definition.
func (d *JobDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return errors.New("definition has no steps")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, st := range d.Steps {
		if st.ID == "" {
			return errors.New("step id is required")
		}
		if _, dup := seen[st.ID]; dup {
			return errors.New("duplicate step id: " + st.ID)
		}
		seen[st.ID] = struct{}{}
		switch st.Type {
		case StepTypeHTTP, StepTypeSQL, StepTypeFileTransform, StepTypeSFTP:
		default:
			return errors.New("unknown step type: " + string(st.Type))
		}
	}
	return nil
}

// Job is the metadata row in the jobs table. The step list lives in the
// definition blob; the schedule is mirrored here so the scheduler can poll
// without a round trip to the object store.
type Job struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name            string         `json:"name" gorm:"not null;uniqueIndex"`
	Enabled         bool           `json:"enabled" gorm:"default:true"`
	TimeoutSeconds  int            `json:"timeout_seconds" gorm:"default:300"`
	MaxRetries      int            `json:"max_retries" gorm:"default:3"`
	AllowConcurrent bool           `json:"allow_concurrent" gorm:"default:false"`
	DefinitionPath  string         `json:"definition_path" gorm:"not null"`
	Schedule        Schedule       `json:"schedule" gorm:"type:jsonb"`
	NextRunAt       *time.Time     `json:"next_run_at" gorm:"index"` // Index for fast polling
	LastStartedAt   *time.Time     `json:"last_started_at"`
	LastCompletedAt *time.Time     `json:"last_completed_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate hook to generate UUID if not present
func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return
}

// StepTimeout returns the effective timeout for a step under this job.
func (j *Job) StepTimeout(st *Step) time.Duration {
	if st.TimeoutSeconds != nil && *st.TimeoutSeconds > 0 {
		return time.Duration(*st.TimeoutSeconds) * time.Second
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// StepRetryCap returns the effective retry cap for a step under this job.
func (j *Job) StepRetryCap(st *Step) int {
	if st.MaxRetries != nil && *st.MaxRetries >= 0 {
		return *st.MaxRetries
	}
	return j.MaxRetries
}

// VariableScope separates global variables from job-scoped overrides.
type VariableScope string

const (
	VariableScopeGlobal VariableScope = "global"
	VariableScopeJob    VariableScope = "job"
)

// Variable is one entry in the variables table. Job-scoped variables shadow
// global ones of the same name at context initialization.
type Variable struct {
	ID        uint          `json:"id" gorm:"primaryKey"`
	Scope     VariableScope `json:"scope" gorm:"type:varchar(10);not null;uniqueIndex:idx_var_scope_name"`
	JobID     *uuid.UUID    `json:"job_id" gorm:"type:uuid;uniqueIndex:idx_var_scope_name"`
	Name      string        `json:"name" gorm:"not null;uniqueIndex:idx_var_scope_name"`
	Value     JSONValue     `json:"value" gorm:"type:jsonb"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// JSONValue stores an arbitrary JSON document in a jsonb column.
type JSONValue struct {
	Raw json.RawMessage
}

func (v *JSONValue) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	v.Raw = append(v.Raw[:0], bytes...)
	return nil
}

func (v JSONValue) Value() (driver.Value, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return []byte(v.Raw), nil
}

func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

func (v *JSONValue) UnmarshalJSON(data []byte) error {
	v.Raw = append(v.Raw[:0], data...)
	return nil
}
