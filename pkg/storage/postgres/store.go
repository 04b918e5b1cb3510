package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stepflow/pkg/models"
	"stepflow/pkg/storage"
)

// Store implements JobStore, ExecutionStore and VariableStore on Postgres.
type Store struct {
	db *gorm.DB
}

// Config holds connection pool settings.
type Config struct {
	URL                   string
	MaxConnections        int
	MinConnections        int
	ConnectTimeoutSeconds int
}

// NewStore initializes the GORM connection and migrates the schema.
func NewStore(cfg Config) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		PrepareStmt:    true, // Cache prepared statements for performance
		TranslateError: true, // Map driver unique violations to gorm.ErrDuplicatedKey
	}

	db, err := gorm.Open(postgres.Open(cfg.URL), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnections > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MinConnections > 0 {
		sqlDB.SetMaxIdleConns(cfg.MinConnections)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.Job{}, &models.Execution{}, &models.Variable{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying connection for the sql step executor.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the connection for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("failed to update job: %w", result.Error)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at IS NOT NULL AND next_run_at <= ?", now).
		Order("next_run_at asc").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", result.Error)
	}
	return jobs, nil
}

func (s *Store) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Update("next_run_at", nextRun)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Update("last_started_at", at)
	return result.Error
}

func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time, nextRun *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_completed_at": at,
			"next_run_at":       nextRun,
		})
	return result.Error
}

func (s *Store) ListParkedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Where("next_run_at IS NULL").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list parked jobs: %w", result.Error)
	}
	return jobs, nil
}

// --- ExecutionStore ---

func (s *Store) FindOrCreateByKey(ctx context.Context, exec *models.Execution) (*models.Execution, bool, error) {
	err := s.db.WithContext(ctx).Create(exec).Error
	if err == nil {
		return exec, true, nil
	}

	// Unique violation on idempotency_key means another scheduler already
	// created this occurrence; reuse its row.
	var existing models.Execution
	lookupErr := s.db.WithContext(ctx).
		First(&existing, "idempotency_key = ?", exec.IdempotencyKey).Error
	if lookupErr != nil {
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("failed to create execution: %w", err)
		}
		return nil, false, lookupErr
	}
	return &existing, false, nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var exec models.Execution
	result := s.db.WithContext(ctx).First(&exec, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.Execution, error) {
	var execs []models.Execution
	result := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&execs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list executions: %w", result.Error)
	}
	return execs, nil
}

func (s *Store) ClaimPending(ctx context.Context, id uuid.UUID, workerID string, startedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionPending).
		Updates(map[string]interface{}{
			"status":     models.ExecutionRunning,
			"worker_id":  workerID,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to claim execution: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrStale
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id uuid.UUID, workerID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, models.ExecutionRunning, workerID).
		Updates(map[string]interface{}{
			"status":     models.ExecutionPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrStale
	}
	return nil
}

func (s *Store) Finish(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, result models.JSONMap, errMsg string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status IN ?", id,
			[]models.ExecutionStatus{models.ExecutionRunning, models.ExecutionCancelling, models.ExecutionPending}).
		Updates(map[string]interface{}{
			"status":       status,
			"result":       result,
			"error":        errMsg,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrStale
	}
	return nil
}

func (s *Store) UpdateCurrentStep(ctx context.Context, id uuid.UUID, stepID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ?", id).
		Update("current_step", stepID).Error
}

func (s *Store) SetContextPath(ctx context.Context, id uuid.UUID, path string) error {
	return s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ?", id).
		Update("context_path", path).Error
}

func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID, hard bool) error {
	// Pending rows were never picked up, so both modes cancel them outright.
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionPending).
		Updates(map[string]interface{}{
			"status":       models.ExecutionCancelled,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	target := models.ExecutionCancelling
	if hard {
		target = models.ExecutionCancelled
	}
	res = s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("id = ? AND status = ?", id, models.ExecutionRunning).
		Update("status", target)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrStale
	}
	return nil
}

func (s *Store) CountRunning(ctx context.Context, jobID uuid.UUID, exclude uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("job_id = ? AND id <> ? AND status IN ?", jobID, exclude,
			[]models.ExecutionStatus{models.ExecutionRunning, models.ExecutionCancelling}).
		Count(&count).Error
	return count, err
}

func (s *Store) CountActive(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("job_id = ? AND status IN ?", jobID,
			[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning, models.ExecutionCancelling}).
		Count(&count).Error
	return count, err
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Execution, error) {
	var execs []models.Execution
	result := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.ExecutionPending, olderThan).
		Order("created_at asc").
		Limit(limit).
		Find(&execs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale pending executions: %w", result.Error)
	}
	return execs, nil
}

func (s *Store) MarkDeadLetterByKey(ctx context.Context, idempotencyKey string, errMsg string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("idempotency_key = ? AND status IN ?", idempotencyKey,
			[]models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning, models.ExecutionCancelling}).
		Updates(map[string]interface{}{
			"status":       models.ExecutionDeadLetter,
			"error":        errMsg,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOrphansFailed(ctx context.Context, activeWorkerIDs []string) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&models.Execution{}).
		Where("status = ?", models.ExecutionRunning).
		Where("worker_id IS NOT NULL")

	if len(activeWorkerIDs) > 0 {
		query = query.Where("worker_id NOT IN ?", activeWorkerIDs)
	}

	result := query.Updates(map[string]interface{}{
		"status":       models.ExecutionFailed,
		"error":        "worker lost",
		"completed_at": time.Now(),
	})
	return result.RowsAffected, result.Error
}

// --- VariableStore ---

func (s *Store) ResolveForJob(ctx context.Context, jobID uuid.UUID) (map[string]any, error) {
	var vars []models.Variable
	err := s.db.WithContext(ctx).
		Where("scope = ?", models.VariableScopeGlobal).
		Or("scope = ? AND job_id = ?", models.VariableScopeJob, jobID).
		Order("scope asc"). // "global" sorts before "job", so job values overwrite
		Find(&vars).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve variables: %w", err)
	}

	resolved := make(map[string]any, len(vars))
	for _, v := range vars {
		var value any
		if len(v.Value.Raw) > 0 {
			if err := json.Unmarshal(v.Value.Raw, &value); err != nil {
				return nil, fmt.Errorf("variable %s holds invalid JSON: %w", v.Name, err)
			}
		}
		resolved[v.Name] = value
	}
	return resolved, nil
}

func (s *Store) UpsertVariable(ctx context.Context, v *models.Variable) error {
	existing := models.Variable{}
	q := s.db.WithContext(ctx).Where("scope = ? AND name = ?", v.Scope, v.Name)
	if v.JobID != nil {
		q = q.Where("job_id = ?", *v.JobID)
	} else {
		q = q.Where("job_id IS NULL")
	}
	err := q.First(&existing).Error
	switch {
	case err == nil:
		existing.Value = v.Value
		return s.db.WithContext(ctx).Save(&existing).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return s.db.WithContext(ctx).Create(v).Error
	default:
		return err
	}
}

func (s *Store) DeleteVariable(ctx context.Context, scope models.VariableScope, jobID *uuid.UUID, name string) error {
	q := s.db.WithContext(ctx).Where("scope = ? AND name = ?", scope, name)
	if jobID != nil {
		q = q.Where("job_id = ?", *jobID)
	} else {
		q = q.Where("job_id IS NULL")
	}
	result := q.Delete(&models.Variable{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListVariables(ctx context.Context, scope models.VariableScope, jobID *uuid.UUID) ([]models.Variable, error) {
	var vars []models.Variable
	q := s.db.WithContext(ctx).Where("scope = ?", scope)
	if jobID != nil {
		q = q.Where("job_id = ?", *jobID)
	}
	err := q.Find(&vars).Error
	return vars, err
}
