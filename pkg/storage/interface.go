package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"stepflow/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
	// ErrStale is returned when a CAS-guarded update finds the row in an
	// unexpected status.
	ErrStale = errors.New("status changed concurrently")
)

// JobStore defines the data access layer for job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// ListDueJobs finds enabled jobs with next_run_at <= now.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)

	// UpdateNextRun moves the poll cursor; nil clears it (fixed-delay jobs
	// wait for completion, exhausted schedules never fire again).
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error

	// MarkStarted records the dispatch instant for fixed-rate anchoring.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkCompleted records the completion instant and the recomputed next
	// fire time in one write.
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time, nextRun *time.Time) error

	// ListParkedJobs returns enabled jobs with no next fire time. The
	// watchdog uses it to reschedule jobs whose execution terminated outside
	// the worker's finish path.
	ListParkedJobs(ctx context.Context, limit int) ([]models.Job, error)
}

// ExecutionStore defines the data access layer for job_executions. All
// status mutations are CAS-guarded by the expected prior status.
type ExecutionStore interface {
	// FindOrCreateByKey inserts the execution, or returns the existing row
	// carrying the same idempotency key. The bool reports whether a row was
	// created.
	FindOrCreateByKey(ctx context.Context, exec *models.Execution) (*models.Execution, bool, error)

	GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	ListExecutions(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.Execution, error)

	// ClaimPending transitions pending -> running and stamps worker/context
	// ownership. Returns ErrStale when the row is not pending.
	ClaimPending(ctx context.Context, id uuid.UUID, workerID string, startedAt time.Time) error

	// ReleaseClaim returns a claimed row to pending after a setup failure,
	// guarded by the owning worker id, so redelivery can retry from a clean
	// claim. Returns ErrStale when the row is not running under that worker.
	ReleaseClaim(ctx context.Context, id uuid.UUID, workerID string) error

	// Finish transitions running or cancelling into a terminal status.
	Finish(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, result models.JSONMap, errMsg string) error

	// UpdateCurrentStep advances the checkpoint after a step completes.
	UpdateCurrentStep(ctx context.Context, id uuid.UUID, stepID string) error

	// SetContextPath records where the context blob lives.
	SetContextPath(ctx context.Context, id uuid.UUID, path string) error

	// RequestCancel flips running -> cancelling (soft) or running ->
	// cancelled (hard). Pending rows cancel directly in either mode.
	RequestCancel(ctx context.Context, id uuid.UUID, hard bool) error

	// CountRunning counts running executions of a job, excluding one id.
	// Used for the allow_concurrent=false advisory check.
	CountRunning(ctx context.Context, jobID uuid.UUID, exclude uuid.UUID) (int64, error)

	// CountActive counts non-terminal executions of a job.
	CountActive(ctx context.Context, jobID uuid.UUID) (int64, error)

	// ListStalePending returns pending rows created before the cutoff, for
	// the watchdog to republish.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Execution, error)

	// MarkDeadLetterByKey terminates the execution owning an exhausted
	// queue message.
	MarkDeadLetterByKey(ctx context.Context, idempotencyKey string, errMsg string) error

	// MarkOrphansFailed fails running executions whose worker is no longer
	// in the active node set.
	MarkOrphansFailed(ctx context.Context, activeWorkerIDs []string) (int64, error)
}

// VariableStore resolves the variable tables into a context seed.
type VariableStore interface {
	// ResolveForJob merges global variables with job-scoped overrides;
	// job scope wins on name collision.
	ResolveForJob(ctx context.Context, jobID uuid.UUID) (map[string]any, error)

	UpsertVariable(ctx context.Context, v *models.Variable) error
	DeleteVariable(ctx context.Context, scope models.VariableScope, jobID *uuid.UUID, name string) error
	ListVariables(ctx context.Context, scope models.VariableScope, jobID *uuid.UUID) ([]models.Variable, error)
}

// ObjectStore is opaque blob storage for definitions, contexts, and files.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
