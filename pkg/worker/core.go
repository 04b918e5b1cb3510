package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"stepflow/pkg/coordination"
	"stepflow/pkg/events"
	"stepflow/pkg/execctx"
	"stepflow/pkg/executor"
	"stepflow/pkg/logger"
	"stepflow/pkg/metrics"
	"stepflow/pkg/models"
	"stepflow/pkg/queue"
	"stepflow/pkg/schedule"
	"stepflow/pkg/storage"
)

// Config holds worker tuning knobs.
type Config struct {
	Concurrency      int
	FetchBatch       int
	FetchWaitSeconds int
	NakDelaySeconds  int
	HeartbeatSeconds int
	NodeTTLSeconds   int
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 1
	}
	if c.FetchWaitSeconds <= 0 {
		c.FetchWaitSeconds = 5
	}
	if c.NakDelaySeconds <= 0 {
		c.NakDelaySeconds = 10
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 5
	}
	if c.NodeTTLSeconds <= 0 {
		c.NodeTTLSeconds = c.HeartbeatSeconds * 3
	}
}

// Worker pulls executions off the queue and runs their step machines. A
// semaphore bounds concurrent executions; fetches stop on shutdown while
// in-flight executions drain to their next step boundary.
type Worker struct {
	ID string

	cfg       Config
	consumer  queue.Consumer
	jobStore  storage.JobStore
	execStore storage.ExecutionStore
	varStore  storage.VariableStore
	objects   storage.ObjectStore
	registry  *executor.Registry
	ctxMgr    *execctx.Manager
	coord     coordination.Coordinator
	events    *events.Publisher
	schedules *schedule.Evaluator
	retry     RetryPolicy
	log       *zap.Logger

	wg        sync.WaitGroup
	graceOver chan struct{}
}

func New(cfg Config, consumer queue.Consumer, jobStore storage.JobStore,
	execStore storage.ExecutionStore, varStore storage.VariableStore,
	objects storage.ObjectStore, registry *executor.Registry,
	coord coordination.Coordinator, pub *events.Publisher) *Worker {

	cfg.applyDefaults()
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		ID:        id,
		cfg:       cfg,
		consumer:  consumer,
		jobStore:  jobStore,
		execStore: execStore,
		varStore:  varStore,
		objects:   objects,
		registry:  registry,
		ctxMgr:    execctx.NewManager(objects),
		coord:     coord,
		events:    pub,
		schedules: schedule.NewEvaluator(),
		retry:     DefaultRetryPolicy(),
		log:       logger.Get().With(zap.String("component", "worker"), zap.String("worker_id", id)),
		graceOver: make(chan struct{}),
	}
}

// Run fetches and processes messages until ctx is cancelled. It returns
// after the fetch loop stops; call Drain to wait for in-flight executions.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker starting", zap.Int("concurrency", w.cfg.Concurrency))

	go w.heartbeatLoop(ctx)

	sem := make(chan struct{}, w.cfg.Concurrency)
	fetchWait := time.Duration(w.cfg.FetchWaitSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			w.log.Info("fetch loop stopping")
			return
		case sem <- struct{}{}:
		}

		msgs, err := w.consumer.Fetch(ctx, w.cfg.FetchBatch, fetchWait)
		if err != nil || len(msgs) == 0 {
			<-sem
			if err != nil && ctx.Err() == nil {
				w.log.Warn("fetch failed", zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}

		// Batch is 1 in practice; handle whatever arrived.
		for i, msg := range msgs {
			if i > 0 {
				sem <- struct{}{}
			}
			w.wg.Add(1)
			go func(m *queue.Message) {
				defer w.wg.Done()
				defer func() { <-sem }()
				w.handleMessage(m)
			}(msg)
		}
	}
}

// Drain blocks until in-flight executions finish or the grace period
// elapses. After the grace period, runners stop at their next step boundary
// and mark the execution cancelled.
func (w *Worker) Drain(grace time.Duration) {
	w.log.Info("draining in-flight executions", zap.Duration("grace", grace))

	timer := time.AfterFunc(grace, func() { close(w.graceOver) })
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-w.graceOver:
		w.wg.Wait()
	}
	w.log.Info("drain complete")
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	info := coordination.NodeInfo{
		ID:        w.ID,
		Role:      "worker",
		CPUs:      runtime.NumCPU(),
		MemoryMB:  detectTotalMemoryMB(),
		StartedAt: time.Now().UTC(),
	}
	info.Hostname, _ = os.Hostname()

	register := func() {
		hbCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.coord.RegisterNode(hbCtx, info, w.cfg.NodeTTLSeconds); err != nil {
			w.log.Warn("heartbeat failed", zap.Error(err))
		}
	}
	register()

	ticker := time.NewTicker(time.Duration(w.cfg.HeartbeatSeconds) * time.Second)
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

func detectTotalMemoryMB() uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 1024
	}
	return v.Total / 1024 / 1024
}

// handleMessage runs one delivery end to end. Ack semantics: ack anything
// that must not come back (terminal executions, malformed payloads); nak
// anything that a later delivery might complete (transient infrastructure
// failures).
func (w *Worker) handleMessage(msg *queue.Message) {
	// Executions outlive the fetch loop's context; shutdown is handled at
	// step boundaries via graceOver.
	ctx := context.Background()
	nakDelay := time.Duration(w.cfg.NakDelaySeconds) * time.Second

	if msg.ParseErr != nil {
		// Redelivery cannot fix a payload that does not decode.
		w.log.Error("dropping malformed message", zap.Error(msg.ParseErr))
		_ = msg.Ack()
		return
	}
	payload := msg.Payload
	log := w.log.With(
		zap.String("execution_id", payload.ExecutionID.String()),
		zap.String("job_id", payload.JobID.String()),
		zap.Int("delivery", msg.Deliveries))

	exec, err := w.execStore.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Row never landed or was purged; nothing to run.
			log.Warn("execution row missing, dropping message")
			_ = msg.Ack()
			return
		}
		log.Warn("execution lookup failed", zap.Error(err))
		_ = msg.Nak(nakDelay)
		return
	}

	if exec.Status.Terminal() {
		// Duplicate delivery after completion: acknowledge, never re-run.
		log.Info("duplicate delivery of finished execution",
			zap.String("status", string(exec.Status)))
		_ = msg.Ack()
		return
	}

	if exec.Status == models.ExecutionRunning {
		// Redelivery while another claim is live. If the owner died the
		// watchdog will fail the row; until then, back off.
		_ = msg.Nak(nakDelay)
		return
	}

	startedAt := time.Now().UTC()
	if err := w.execStore.ClaimPending(ctx, exec.ID, w.ID, startedAt); err != nil {
		if errors.Is(err, storage.ErrStale) {
			// Lost the claim race; the other delivery owns it now.
			_ = msg.Nak(nakDelay)
			return
		}
		log.Warn("claim failed", zap.Error(err))
		_ = msg.Nak(nakDelay)
		return
	}
	log.Info("claimed execution")
	w.publishStatus(exec, models.ExecutionRunning)

	metrics.WorkerActiveExecutions.Inc()
	defer metrics.WorkerActiveExecutions.Dec()

	out, infraErr := w.execute(ctx, exec, startedAt)
	if infraErr != nil {
		// Could not even set up the run. Hand the claim back before the nak:
		// a row left in running would bounce every redelivery off the
		// re-entry guard above until the message dead-letters.
		log.Warn("execution setup failed", zap.Error(infraErr))
		if err := w.execStore.ReleaseClaim(ctx, exec.ID, w.ID); err != nil && !errors.Is(err, storage.ErrStale) {
			log.Error("failed to release claim", zap.Error(err))
		}
		_ = msg.Nak(nakDelay)
		return
	}

	if err := w.finish(ctx, exec, out, startedAt); err != nil {
		log.Error("failed to record terminal status", zap.Error(err))
		_ = msg.Nak(nakDelay)
		return
	}

	log.Info("execution finished",
		zap.String("status", string(out.status)),
		zap.Duration("duration", time.Since(startedAt)))
	_ = msg.Ack()
}

// execute prepares the run (job, definition, context, advisory checks) and
// drives the step machine. A non-nil error means nothing ran; the outcome is
// only valid when error is nil.
func (w *Worker) execute(ctx context.Context, exec *models.Execution, startedAt time.Time) (outcome, error) {
	job, err := w.jobStore.GetJob(ctx, exec.JobID)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to load job: %w", err)
	}

	// Advisory check for allow_concurrent=false. The claim CAS already
	// serialized this row; this guards against a second execution of the
	// same job running elsewhere.
	if !job.AllowConcurrent {
		n, err := w.execStore.CountRunning(ctx, job.ID, exec.ID)
		if err != nil {
			return outcome{}, fmt.Errorf("concurrency check failed: %w", err)
		}
		if n > 0 {
			return outcome{
				status: models.ExecutionConcurrencyConflict,
				errMsg: fmt.Sprintf("%d execution(s) of job %s already running", n, job.Name),
			}, nil
		}
	}

	def, err := w.loadDefinition(ctx, job)
	if err != nil {
		return outcome{}, err
	}

	ec, err := w.loadOrInitContext(ctx, job, exec)
	if err != nil {
		return outcome{}, err
	}

	runner := &stepRunner{
		job:            job,
		def:            def,
		exec:           exec,
		ec:             ec,
		registry:       w.registry,
		ctxMgr:         w.ctxMgr,
		execStore:      w.execStore,
		retry:          w.retry,
		log:            w.log.With(zap.String("execution_id", exec.ID.String())),
		stopAtBoundary: w.graceOver,
	}
	return runner.run(ctx), nil
}

func (w *Worker) loadDefinition(ctx context.Context, job *models.Job) (*models.JobDefinition, error) {
	raw, err := w.objects.Get(ctx, job.DefinitionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", job.DefinitionPath, err)
	}
	var def models.JobDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("corrupt definition %s: %w", job.DefinitionPath, err)
	}
	return &def, nil
}

// loadOrInitContext resumes the context of a redelivered execution, or
// initializes a fresh one seeded with resolved variables and webhook data.
func (w *Worker) loadOrInitContext(ctx context.Context, job *models.Job, exec *models.Execution) (*models.ExecContext, error) {
	if exec.ContextPath != "" {
		ec, err := w.ctxMgr.Load(ctx, exec.ContextPath)
		if err == nil {
			return ec, nil
		}
		w.log.Warn("context blob unreadable, reinitializing",
			zap.String("path", exec.ContextPath), zap.Error(err))
	}

	variables, err := w.varStore.ResolveForJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve variables: %w", err)
	}

	ec, path, err := w.ctxMgr.Initialize(ctx, job.ID, exec.ID, variables, webhookFromTrigger(exec))
	if err != nil {
		return nil, err
	}
	if err := w.execStore.SetContextPath(ctx, exec.ID, path); err != nil {
		return nil, fmt.Errorf("failed to record context path: %w", err)
	}
	exec.ContextPath = path
	return ec, nil
}

// webhookFromTrigger recovers the webhook payload stashed on the row by the
// API's webhook endpoint.
func webhookFromTrigger(exec *models.Execution) *models.WebhookData {
	if exec.TriggerSource != models.TriggerWebhook || exec.TriggerMetadata == nil {
		return nil
	}
	raw, err := json.Marshal(exec.TriggerMetadata)
	if err != nil {
		return nil
	}
	var wd models.WebhookData
	if err := json.Unmarshal(raw, &wd); err != nil {
		return nil
	}
	return &wd
}

// finish records the terminal status, advances the job's schedule anchors
// and publishes the status event.
func (w *Worker) finish(ctx context.Context, exec *models.Execution, out outcome, startedAt time.Time) error {
	if err := w.execStore.Finish(ctx, exec.ID, out.status, out.result, out.errMsg); err != nil {
		if errors.Is(err, storage.ErrStale) {
			// Hard-cancelled while running; the row is already terminal.
			w.publishStatus(exec, models.ExecutionCancelled)
			return nil
		}
		return err
	}

	metrics.ExecutionsTotal.WithLabelValues(string(out.status)).Inc()
	metrics.ExecutionDuration.Observe(time.Since(startedAt).Seconds())
	w.publishStatus(exec, out.status)

	// Fixed-delay schedules anchor on completion: the next fire time only
	// exists once this run is done.
	if exec.TriggerSource == models.TriggerScheduled {
		if err := w.advanceSchedule(ctx, exec, startedAt); err != nil {
			w.log.Warn("failed to advance schedule", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) advanceSchedule(ctx context.Context, exec *models.Execution, startedAt time.Time) error {
	job, err := w.jobStore.GetJob(ctx, exec.JobID)
	if err != nil {
		return err
	}

	completedAt := time.Now().UTC()
	nextRun := job.NextRunAt
	if job.Schedule.Kind == models.ScheduleFixedDelay {
		next, err := w.schedules.Next(job.Schedule, &startedAt, &completedAt, completedAt)
		if err != nil {
			return err
		}
		nextRun = next
	}
	return w.jobStore.MarkCompleted(ctx, job.ID, completedAt, nextRun)
}

func (w *Worker) publishStatus(exec *models.Execution, status models.ExecutionStatus) {
	if w.events == nil {
		return
	}
	if err := w.events.ExecutionStatus(exec.ID, exec.JobID, status); err != nil {
		w.log.Debug("status publish failed", zap.Error(err))
	}
}
