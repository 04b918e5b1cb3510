package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"stepflow/pkg/models"
)

const (
	TypeExecutionStatusChanged = "execution_status_changed"
	TypeJobStatusChanged       = "job_status_changed"
)

// StatusEvent is the payload fanned out on status.> subjects.
type StatusEvent struct {
	Type        string     `json:"type"`
	ExecutionID *uuid.UUID `json:"execution_id,omitempty"`
	JobID       uuid.UUID  `json:"job_id"`
	Status      string     `json:"status"`
}

// Publisher fans out status transitions to observers over core NATS.
// Publications are fire-and-forget; a lost status event never blocks the
// execution path.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// ExecutionStatus publishes on status.execution.<exec-id>.
func (p *Publisher) ExecutionStatus(execID, jobID uuid.UUID, status models.ExecutionStatus) error {
	ev := StatusEvent{
		Type:        TypeExecutionStatusChanged,
		ExecutionID: &execID,
		JobID:       jobID,
		Status:      string(status),
	}
	return p.publish(fmt.Sprintf("status.execution.%s", execID), ev)
}

// JobStatus publishes on status.job.<job-id>.
func (p *Publisher) JobStatus(jobID uuid.UUID, status string) error {
	ev := StatusEvent{
		Type:   TypeJobStatusChanged,
		JobID:  jobID,
		Status: status,
	}
	return p.publish(fmt.Sprintf("status.job.%s", jobID), ev)
}

func (p *Publisher) publish(subject string, ev StatusEvent) error {
	if p == nil || p.nc == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}
