package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stepflow/pkg/coordination"
	"stepflow/pkg/lock"
	"stepflow/pkg/models"
	"stepflow/pkg/queue"
	"stepflow/pkg/storage"
)

// --- fakes ---

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) ListJobs(context.Context, int, int) ([]models.Job, error) { return nil, nil }
func (s *fakeJobStore) UpdateJob(context.Context, *models.Job) error             { return nil }
func (s *fakeJobStore) DeleteJob(context.Context, uuid.UUID) error               { return nil }

func (s *fakeJobStore) ListDueJobs(_ context.Context, now time.Time, _ int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, *job)
		}
	}
	return due, nil
}

func (s *fakeJobStore) ListParkedJobs(context.Context, int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parked []models.Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt == nil {
			parked = append(parked, *job)
		}
	}
	return parked, nil
}

func (s *fakeJobStore) UpdateNextRun(_ context.Context, id uuid.UUID, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.NextRunAt = next
	}
	return nil
}

func (s *fakeJobStore) MarkStarted(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastStartedAt = &at
	}
	return nil
}

func (s *fakeJobStore) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.LastCompletedAt = &at
		job.NextRunAt = next
	}
	return nil
}

type fakeExecStore struct {
	mu    sync.Mutex
	execs map[string]*models.Execution // by idempotency key
	stale []models.Execution
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: make(map[string]*models.Execution)}
}

func (s *fakeExecStore) FindOrCreateByKey(_ context.Context, exec *models.Execution) (*models.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.execs[exec.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	s.execs[exec.IdempotencyKey] = exec
	cp := *exec
	return &cp, true, nil
}

func (s *fakeExecStore) GetExecution(_ context.Context, id uuid.UUID) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *fakeExecStore) ListExecutions(context.Context, uuid.UUID, int, int) ([]models.Execution, error) {
	return nil, nil
}
func (s *fakeExecStore) ClaimPending(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}
func (s *fakeExecStore) Finish(context.Context, uuid.UUID, models.ExecutionStatus, models.JSONMap, string) error {
	return nil
}
func (s *fakeExecStore) UpdateCurrentStep(context.Context, uuid.UUID, string) error { return nil }
func (s *fakeExecStore) SetContextPath(context.Context, uuid.UUID, string) error    { return nil }
func (s *fakeExecStore) RequestCancel(context.Context, uuid.UUID, bool) error       { return nil }
func (s *fakeExecStore) ReleaseClaim(context.Context, uuid.UUID, string) error      { return nil }
func (s *fakeExecStore) CountRunning(context.Context, uuid.UUID, uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *fakeExecStore) CountActive(_ context.Context, jobID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.execs {
		if e.JobID == jobID && !e.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *fakeExecStore) ListStalePending(context.Context, time.Time, int) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

func (s *fakeExecStore) MarkDeadLetterByKey(_ context.Context, key, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.execs[key]; ok {
		e.Status = models.ExecutionDeadLetter
		e.Error = errMsg
	}
	return nil
}

func (s *fakeExecStore) MarkOrphansFailed(_ context.Context, active []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive := make(map[string]struct{}, len(active))
	for _, id := range active {
		alive[id] = struct{}{}
	}
	var n int64
	for _, e := range s.execs {
		if e.Status != models.ExecutionRunning || e.WorkerID == nil {
			continue
		}
		if _, ok := alive[*e.WorkerID]; !ok {
			e.Status = models.ExecutionFailed
			e.Error = "worker lost"
			n++
		}
	}
	return n, nil
}

// capturePublisher emulates the broker's dedup window: a repeated key is
// reported as a duplicate and not recorded again.
type capturePublisher struct {
	mu   sync.Mutex
	msgs []models.QueueMessage
	seen map[string]struct{}
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{seen: make(map[string]struct{})}
}

func (p *capturePublisher) Publish(_ context.Context, m models.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[m.IdempotencyKey]; dup {
		return queue.ErrDuplicate
	}
	p.seen[m.IdempotencyKey] = struct{}{}
	p.msgs = append(p.msgs, m)
	return nil
}

func (p *capturePublisher) published() []models.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.QueueMessage(nil), p.msgs...)
}

type fakeCoordinator struct {
	nodes []coordination.NodeInfo
}

func (c *fakeCoordinator) NewElection(string) coordination.Election { return nil }
func (c *fakeCoordinator) RegisterNode(context.Context, coordination.NodeInfo, int) error {
	return nil
}
func (c *fakeCoordinator) ActiveNodes(context.Context) ([]coordination.NodeInfo, error) {
	return c.nodes, nil
}
func (c *fakeCoordinator) Close() error { return nil }

// --- harness ---

type harness struct {
	sched *Scheduler
	jobs  *fakeJobStore
	execs *fakeExecStore
	pub   *capturePublisher
	coord *fakeCoordinator
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	locks := lock.NewRedisLockWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	jobs := newFakeJobStore()
	execs := newFakeExecStore()
	pub := newCapturePublisher()
	coord := &fakeCoordinator{}

	s := New(Config{PollIntervalSeconds: 1, LockTTLSeconds: 30}, jobs, execs, pub, nil, locks, coord, nil)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return now }

	return &harness{sched: s, jobs: jobs, execs: execs, pub: pub, coord: coord, now: now}
}

func (h *harness) addJob(t *testing.T, sched models.Schedule, nextRun time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             uuid.New(),
		Name:           "job-" + uuid.New().String()[:8],
		Enabled:        true,
		TimeoutSeconds: 300,
		Schedule:       sched,
		NextRunAt:      &nextRun,
	}
	require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	return job
}

// --- tests ---

func TestTickDispatchesFixedDelayFirstFire(t *testing.T) {
	h := newHarness(t)
	fire := h.now.Add(-time.Second)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedDelay, DelaySeconds: 60}, fire)

	h.sched.tick(context.Background())

	msgs := h.pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, job.ID, msgs[0].JobID)
	assert.Equal(t, FireKey(job.ID, fire), msgs[0].IdempotencyKey)

	row, err := h.execs.GetExecution(context.Background(), msgs[0].ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionPending, row.Status)
	assert.Equal(t, 1, row.Attempt)
	assert.Equal(t, models.TriggerScheduled, row.TriggerSource)

	// Fixed-delay jobs park until the worker reports completion.
	jobRow, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, jobRow.NextRunAt)
	assert.NotNil(t, jobRow.LastStartedAt)
}

func TestTickAdvancesFixedRateCursor(t *testing.T) {
	h := newHarness(t)
	fire := h.now.Add(-time.Second)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedRate, IntervalSeconds: 120}, fire)

	h.sched.tick(context.Background())

	jobRow, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, jobRow.NextRunAt)
	assert.Equal(t, h.now.Add(120*time.Second), jobRow.NextRunAt.UTC())
}

func TestTickParksCronPastEndDate(t *testing.T) {
	h := newHarness(t)
	yesterday := h.now.Add(-24 * time.Hour)
	job := h.addJob(t, models.Schedule{
		Kind:       models.ScheduleCron,
		Expression: "0 0 12 * * *",
		Timezone:   "Asia/Ho_Chi_Minh",
		EndDate:    &yesterday,
	}, h.now.Add(-time.Minute))
	started := h.now.Add(-25 * time.Hour)
	require.NoError(t, h.jobs.MarkStarted(context.Background(), job.ID, started))

	h.sched.tick(context.Background())

	assert.Empty(t, h.pub.published())
	jobRow, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, jobRow.NextRunAt)
}

func TestDispatchCollapsesMultiSchedulerContention(t *testing.T) {
	h := newHarness(t)
	fire := h.now.Add(-time.Second)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedRate, IntervalSeconds: 60}, fire)

	// Second instance sharing the same stores, lock service and broker.
	other := New(Config{LockTTLSeconds: 30}, h.jobs, h.execs, h.pub, nil, h.sched.locks, h.coord, nil)
	other.nowFn = h.sched.nowFn

	snapshot := *job
	h.sched.dispatch(context.Background(), &snapshot, h.now)
	snapshot2 := *job
	other.dispatch(context.Background(), &snapshot2, h.now)

	// One execution row, one published message.
	assert.Len(t, h.pub.published(), 1)
	h.execs.mu.Lock()
	assert.Len(t, h.execs.execs, 1)
	h.execs.mu.Unlock()
}

func TestDispatchSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	fire := h.now.Add(-time.Second)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedRate, IntervalSeconds: 60}, fire)

	// A rival holds the occurrence lock.
	lockKey := fmt.Sprintf("sched:%s:%d", job.ID, fire.UTC().Truncate(time.Second).Unix())
	token, err := h.sched.locks.Acquire(context.Background(), lockKey, 30*time.Second)
	require.NoError(t, err)
	defer func() { _ = h.sched.locks.Release(context.Background(), token) }()

	h.sched.dispatch(context.Background(), job, h.now)

	assert.Empty(t, h.pub.published())
}

func TestReconcileRepublishesStalePendingAndReapsOrphans(t *testing.T) {
	h := newHarness(t)
	jobID := uuid.New()

	stale := models.Execution{
		ID:             uuid.New(),
		JobID:          jobID,
		IdempotencyKey: "stale-key-1",
		Status:         models.ExecutionPending,
		Attempt:        1,
	}
	h.execs.stale = []models.Execution{stale}

	deadWorker := "worker-gone"
	liveWorker := "worker-alive"
	h.execs.execs["orphan"] = &models.Execution{
		ID: uuid.New(), JobID: jobID, IdempotencyKey: "orphan",
		Status: models.ExecutionRunning, WorkerID: &deadWorker,
	}
	h.execs.execs["healthy"] = &models.Execution{
		ID: uuid.New(), JobID: jobID, IdempotencyKey: "healthy",
		Status: models.ExecutionRunning, WorkerID: &liveWorker,
	}
	h.coord.nodes = []coordination.NodeInfo{{ID: liveWorker, Role: "worker"}}

	h.sched.reconcile(context.Background())

	msgs := h.pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "stale-key-1", msgs[0].IdempotencyKey)

	assert.Equal(t, models.ExecutionFailed, h.execs.execs["orphan"].Status)
	assert.Equal(t, models.ExecutionRunning, h.execs.execs["healthy"].Status)
}

func TestReconcileReschedulesParkedFixedDelayJob(t *testing.T) {
	h := newHarness(t)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedDelay, DelaySeconds: 60}, h.now)
	require.NoError(t, h.jobs.MarkStarted(context.Background(), job.ID, h.now.Add(-time.Minute)))
	require.NoError(t, h.jobs.UpdateNextRun(context.Background(), job.ID, nil))

	// Its only execution dead-lettered, so the worker never recomputed the
	// next fire time.
	h.execs.execs["dl"] = &models.Execution{
		ID: uuid.New(), JobID: job.ID, IdempotencyKey: "dl",
		Status: models.ExecutionDeadLetter,
	}

	// An exhausted one-time job parks for good and must stay parked.
	past := h.now.Add(-time.Hour)
	oneTime := h.addJob(t, models.Schedule{Kind: models.ScheduleOneTime, ExecuteAt: &past}, h.now)
	require.NoError(t, h.jobs.MarkStarted(context.Background(), oneTime.ID, past))
	require.NoError(t, h.jobs.UpdateNextRun(context.Background(), oneTime.ID, nil))

	h.sched.reconcile(context.Background())

	jobRow, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, jobRow.NextRunAt)
	assert.Equal(t, h.now, jobRow.NextRunAt.UTC())

	oneTimeRow, err := h.jobs.GetJob(context.Background(), oneTime.ID)
	require.NoError(t, err)
	assert.Nil(t, oneTimeRow.NextRunAt)
}

func TestReconcileLeavesParkedJobWithLiveExecution(t *testing.T) {
	h := newHarness(t)
	job := h.addJob(t, models.Schedule{Kind: models.ScheduleFixedDelay, DelaySeconds: 60}, h.now)
	require.NoError(t, h.jobs.UpdateNextRun(context.Background(), job.ID, nil))

	worker := "worker-alive"
	h.execs.execs["live"] = &models.Execution{
		ID: uuid.New(), JobID: job.ID, IdempotencyKey: "live",
		Status: models.ExecutionRunning, WorkerID: &worker,
	}
	h.coord.nodes = []coordination.NodeInfo{{ID: worker, Role: "worker"}}

	h.sched.reconcile(context.Background())

	jobRow, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, jobRow.NextRunAt)
}

func TestOnDeadLetterMarksExecution(t *testing.T) {
	h := newHarness(t)
	h.execs.execs["doomed"] = &models.Execution{
		ID: uuid.New(), JobID: uuid.New(), IdempotencyKey: "doomed",
		Status: models.ExecutionPending,
	}

	h.sched.onDeadLetter(context.Background(), "doomed", 10)

	assert.Equal(t, models.ExecutionDeadLetter, h.execs.execs["doomed"].Status)
	assert.Contains(t, h.execs.execs["doomed"].Error, "10 deliveries")
}
