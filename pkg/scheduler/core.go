package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"stepflow/pkg/coordination"
	"stepflow/pkg/events"
	"stepflow/pkg/lock"
	"stepflow/pkg/logger"
	"stepflow/pkg/metrics"
	"stepflow/pkg/models"
	"stepflow/pkg/queue"
	"stepflow/pkg/schedule"
	"stepflow/pkg/storage"
)

// Publisher is the slice of the queue the trigger loop needs.
type Publisher interface {
	Publish(ctx context.Context, m models.QueueMessage) error
}

// DeadLetterWatcher is the slice of the queue the watchdog needs.
type DeadLetterWatcher interface {
	WatchDeadLetters(ctx context.Context, handler func(ctx context.Context, idempotencyKey string, deliveries int)) (*nats.Subscription, error)
}

// Locker is the distributed lock surface used per dispatch.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Token, error)
	Release(ctx context.Context, token *lock.Token) error
}

// Config holds scheduler tuning knobs.
type Config struct {
	PollIntervalSeconds      int
	LockTTLSeconds           int
	BatchSize                int
	ReconcileIntervalSeconds int
	StalePendingSeconds      int
	HeartbeatSeconds         int
	NodeTTLSeconds           int
}

func (c *Config) applyDefaults() {
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.LockTTLSeconds <= 0 {
		c.LockTTLSeconds = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ReconcileIntervalSeconds <= 0 {
		c.ReconcileIntervalSeconds = 60
	}
	if c.StalePendingSeconds <= 0 {
		c.StalePendingSeconds = 300
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 5
	}
	if c.NodeTTLSeconds <= 0 {
		c.NodeTTLSeconds = c.HeartbeatSeconds * 3
	}
}

// Scheduler discovers due jobs and dispatches exactly one execution per
// occurrence, no matter how many scheduler instances poll concurrently. The
// guarantees stack: per-occurrence lock, deterministic idempotency key,
// unique column on insert, broker dedup on publish.
type Scheduler struct {
	ID string

	cfg         Config
	jobStore    storage.JobStore
	execStore   storage.ExecutionStore
	publisher   Publisher
	deadLetters DeadLetterWatcher
	locks       Locker
	coord       coordination.Coordinator
	events      *events.Publisher
	schedules   *schedule.Evaluator
	log         *zap.Logger

	nowFn func() time.Time
}

func New(cfg Config, jobStore storage.JobStore, execStore storage.ExecutionStore,
	publisher Publisher, deadLetters DeadLetterWatcher, locks Locker,
	coord coordination.Coordinator, pub *events.Publisher) *Scheduler {

	cfg.applyDefaults()
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Scheduler{
		ID:          id,
		cfg:         cfg,
		jobStore:    jobStore,
		execStore:   execStore,
		publisher:   publisher,
		deadLetters: deadLetters,
		locks:       locks,
		coord:       coord,
		events:      pub,
		schedules:   schedule.NewEvaluator(),
		log:         logger.Get().With(zap.String("component", "scheduler"), zap.String("scheduler_id", id)),
		nowFn:       time.Now,
	}
}

// Run polls until ctx is cancelled. The watchdog runs alongside on whichever
// instance wins the election.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler starting",
		zap.Int("poll_interval_s", s.cfg.PollIntervalSeconds))

	if s.coord != nil {
		go s.heartbeatLoop(ctx)
		go s.watchdogLoop(ctx)
	}

	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick dispatches every due job once.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFn().UTC()
	jobs, err := s.jobStore.ListDueJobs(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("due-job poll failed", zap.Error(err))
		return
	}

	for i := range jobs {
		s.dispatch(ctx, &jobs[i], now)
	}
	metrics.SchedulerTicks.Inc()
}

// dispatch creates and publishes one execution for a due job. Contention
// with other schedulers is resolved by the per-occurrence lock; losing the
// lock is normal operation, not an error.
func (s *Scheduler) dispatch(ctx context.Context, job *models.Job, now time.Time) {
	if job.NextRunAt == nil {
		return
	}
	fireTime := job.NextRunAt.UTC()
	log := s.log.With(zap.String("job", job.Name), zap.Time("fire_time", fireTime))

	if s.schedules.IsComplete(job.Schedule, job.LastStartedAt, now) {
		log.Info("schedule exhausted, parking job")
		if err := s.jobStore.UpdateNextRun(ctx, job.ID, nil); err != nil {
			log.Warn("failed to park job", zap.Error(err))
		}
		return
	}

	key := FireKey(job.ID, fireTime)
	lockKey := fmt.Sprintf("sched:%s:%d", job.ID, fireTime.Truncate(time.Second).Unix())

	token, err := s.locks.Acquire(ctx, lockKey, time.Duration(s.cfg.LockTTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.SchedulerDispatched.WithLabelValues("lock_contended").Inc()
			return
		}
		log.Warn("lock acquire failed", zap.Error(err))
		metrics.SchedulerDispatched.WithLabelValues("error").Inc()
		return
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.locks.Release(relCtx, token)
	}()

	// Double-check under the lock: another instance may have dispatched and
	// advanced the cursor while we waited.
	fresh, err := s.jobStore.GetJob(ctx, job.ID)
	if err != nil {
		log.Warn("job re-read failed", zap.Error(err))
		metrics.SchedulerDispatched.WithLabelValues("error").Inc()
		return
	}
	if !fresh.Enabled || fresh.NextRunAt == nil || !fresh.NextRunAt.UTC().Equal(fireTime) {
		return
	}

	exec := &models.Execution{
		JobID:          job.ID,
		IdempotencyKey: key,
		Status:         models.ExecutionPending,
		Attempt:        1,
		TriggerSource:  models.TriggerScheduled,
	}
	row, created, err := s.execStore.FindOrCreateByKey(ctx, exec)
	if err != nil {
		log.Error("execution insert failed", zap.Error(err))
		metrics.SchedulerDispatched.WithLabelValues("error").Inc()
		return
	}
	if !created && row.Status != models.ExecutionPending {
		// The occurrence already ran (or is running); nothing to publish.
		return
	}

	if err := s.publishExecution(ctx, row); err != nil {
		// The pending row stays behind; the watchdog republishes it.
		log.Error("publish failed, leaving pending row for watchdog", zap.Error(err))
		metrics.SchedulerDispatched.WithLabelValues("error").Inc()
		return
	}

	if err := s.advanceCursor(ctx, fresh, now); err != nil {
		log.Warn("failed to advance schedule cursor", zap.Error(err))
	}

	if created {
		metrics.SchedulerDispatched.WithLabelValues("published").Inc()
	} else {
		metrics.SchedulerDispatched.WithLabelValues("duplicate").Inc()
	}
	metrics.SchedulerLag.Observe(now.Sub(fireTime).Seconds())
	log.Info("dispatched execution",
		zap.String("execution_id", row.ID.String()),
		zap.Bool("created", created))

	if s.events != nil {
		_ = s.events.ExecutionStatus(row.ID, job.ID, models.ExecutionPending)
	}
}

func (s *Scheduler) publishExecution(ctx context.Context, row *models.Execution) error {
	err := s.publisher.Publish(ctx, models.QueueMessage{
		ExecutionID:    row.ID,
		JobID:          row.JobID,
		IdempotencyKey: row.IdempotencyKey,
		Attempt:        row.Attempt,
		PublishedAt:    s.nowFn().UTC(),
	})
	if errors.Is(err, queue.ErrDuplicate) {
		// Another instance already published this occurrence.
		return nil
	}
	return err
}

// advanceCursor stamps the dispatch and computes the next fire time.
// Fixed-delay jobs park until the worker reports completion; everything else
// advances immediately so the next occurrence is visible to the poll.
func (s *Scheduler) advanceCursor(ctx context.Context, job *models.Job, now time.Time) error {
	if err := s.jobStore.MarkStarted(ctx, job.ID, now); err != nil {
		return err
	}

	var next *time.Time
	if job.Schedule.Kind != models.ScheduleFixedDelay {
		var err error
		next, err = s.schedules.Next(job.Schedule, &now, job.LastCompletedAt, now)
		if err != nil {
			return err
		}
	}
	return s.jobStore.UpdateNextRun(ctx, job.ID, next)
}

// heartbeatLoop keeps this scheduler in the fleet membership set.
func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	info := coordination.NodeInfo{
		ID:        s.ID,
		Role:      "scheduler",
		CPUs:      runtime.NumCPU(),
		StartedAt: time.Now().UTC(),
	}
	info.Hostname, _ = os.Hostname()

	register := func() {
		hbCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.coord.RegisterNode(hbCtx, info, s.cfg.NodeTTLSeconds); err != nil {
			s.log.Warn("heartbeat failed", zap.Error(err))
		}
	}
	register()

	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			register()
		}
	}
}

// watchdogLoop campaigns for watchdog leadership and, while leader, runs the
// reconcile pass and the dead-letter subscription. Exactly one instance
// fleet-wide does this work.
func (s *Scheduler) watchdogLoop(ctx context.Context) {
	election := s.coord.NewElection("scheduler-watchdog")

	for ctx.Err() == nil {
		if err := election.Campaign(ctx, s.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("watchdog campaign failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}
		s.log.Info("watchdog leadership acquired")

		var sub *nats.Subscription
		if s.deadLetters != nil {
			var err error
			sub, err = s.deadLetters.WatchDeadLetters(ctx, s.onDeadLetter)
			if err != nil {
				s.log.Error("dead-letter subscription failed", zap.Error(err))
			}
		}

		ticker := time.NewTicker(time.Duration(s.cfg.ReconcileIntervalSeconds) * time.Second)
		for ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
				s.reconcile(ctx)
			}
		}
		ticker.Stop()
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = election.Resign(resignCtx)
		cancel()
	}
}

// reconcile repairs the gaps the happy path can leave behind: pending rows
// whose publish was lost, and running rows owned by dead workers.
func (s *Scheduler) reconcile(ctx context.Context) {
	metrics.SchedulerReconcileRuns.Inc()
	now := s.nowFn().UTC()

	// Republish stale pending rows. The broker dedup window has long lapsed
	// for these, so a republish lands; if the original message still exists
	// un-acked, redelivery accounting makes the second copy harmless.
	cutoff := now.Add(-time.Duration(s.cfg.StalePendingSeconds) * time.Second)
	stale, err := s.execStore.ListStalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn("stale-pending scan failed", zap.Error(err))
	} else {
		for i := range stale {
			row := &stale[i]
			if err := s.publishExecution(ctx, row); err != nil {
				s.log.Warn("stale-pending republish failed",
					zap.String("execution_id", row.ID.String()), zap.Error(err))
				continue
			}
			s.log.Info("republished stale pending execution",
				zap.String("execution_id", row.ID.String()))
		}
	}

	s.rescheduleParked(ctx, now)

	// Fail running rows whose worker left the fleet.
	nodes, err := s.coord.ActiveNodes(ctx)
	if err != nil {
		s.log.Warn("active-node listing failed", zap.Error(err))
		return
	}
	workerIDs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Role == "worker" {
			workerIDs = append(workerIDs, n.ID)
		}
	}
	reaped, err := s.execStore.MarkOrphansFailed(ctx, workerIDs)
	if err != nil {
		s.log.Warn("orphan reap failed", zap.Error(err))
		return
	}
	if reaped > 0 {
		metrics.SchedulerOrphansReaped.Add(float64(reaped))
		s.log.Info("reaped orphaned executions", zap.Int64("count", reaped))
	}
}

// rescheduleParked unparks fixed-delay jobs whose execution terminated
// outside the worker's finish path (dead-lettered, orphan-reaped, cancelled
// while pending). Only the worker recomputes next_run_at on completion, so
// without this pass such a job would never fire again.
func (s *Scheduler) rescheduleParked(ctx context.Context, now time.Time) {
	parked, err := s.jobStore.ListParkedJobs(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn("parked-job scan failed", zap.Error(err))
		return
	}
	for i := range parked {
		job := &parked[i]
		if job.Schedule.Kind != models.ScheduleFixedDelay {
			// Exhausted schedules park permanently.
			continue
		}
		active, err := s.execStore.CountActive(ctx, job.ID)
		if err != nil || active > 0 {
			continue
		}
		next, err := s.schedules.Next(job.Schedule, job.LastStartedAt, job.LastCompletedAt, now)
		if err != nil || next == nil {
			continue
		}
		if err := s.jobStore.UpdateNextRun(ctx, job.ID, next); err != nil {
			s.log.Warn("failed to reschedule parked job",
				zap.String("job", job.Name), zap.Error(err))
			continue
		}
		s.log.Info("rescheduled parked fixed-delay job",
			zap.String("job", job.Name), zap.Time("next_run", *next))
	}
}

// onDeadLetter terminates the execution owning a message that exhausted its
// delivery budget.
func (s *Scheduler) onDeadLetter(ctx context.Context, idempotencyKey string, deliveries int) {
	errMsg := fmt.Sprintf("message exhausted %d deliveries", deliveries)
	if err := s.execStore.MarkDeadLetterByKey(ctx, idempotencyKey, errMsg); err != nil {
		s.log.Error("failed to mark dead letter",
			zap.String("idempotency_key", idempotencyKey), zap.Error(err))
		return
	}
	s.log.Warn("execution dead-lettered",
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("deliveries", deliveries))
}
