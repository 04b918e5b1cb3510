package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"stepflow/pkg/execctx"
	"stepflow/pkg/executor"
	"stepflow/pkg/metrics"
	"stepflow/pkg/models"
	"stepflow/pkg/storage"
	"stepflow/pkg/template"
)

// stepRunner drives the ordered steps of one execution. It owns no
// goroutines: everything runs on the caller, with per-step timeouts layered
// on an execution-wide deadline.
type stepRunner struct {
	job       *models.Job
	def       *models.JobDefinition
	exec      *models.Execution
	ec        *models.ExecContext
	registry  *executor.Registry
	ctxMgr    *execctx.Manager
	execStore storage.ExecutionStore
	retry     RetryPolicy
	log       *zap.Logger

	// closed when the graceful-shutdown grace period expires; checked at
	// step boundaries only, never mid-step.
	stopAtBoundary <-chan struct{}

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// outcome is the terminal result the runner hands back to the worker.
type outcome struct {
	status models.ExecutionStatus
	result models.JSONMap
	errMsg string
}

func (r *stepRunner) run(ctx context.Context) outcome {
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	if r.sleepFn == nil {
		r.sleepFn = sleepCtx
	}

	// The whole execution runs under the job timeout. Step timeouts nest
	// inside it, so a slow step can exhaust the budget for its successors.
	totalCtx, cancel := context.WithTimeout(ctx, time.Duration(r.job.TimeoutSeconds)*time.Second)
	defer cancel()

	for i := range r.def.Steps {
		step := &r.def.Steps[i]

		// Redelivered executions resume past steps that already completed.
		if prior, ok := r.ec.Steps[step.ID]; ok && prior.Status != models.StepFailed {
			continue
		}

		if out, stop := r.checkpoint(totalCtx); stop {
			return out
		}

		stepOut, err := r.runStep(totalCtx, step)
		if err != nil {
			if totalCtx.Err() != nil && ctx.Err() == nil {
				return outcome{
					status: models.ExecutionTimeout,
					result: r.summary(),
					errMsg: fmt.Sprintf("execution exceeded %ds total timeout at step %d (%s)", r.job.TimeoutSeconds, i+1, step.ID),
				}
			}
			r.recordStep(totalCtx, stepOut)
			if step.ContinueOnFail {
				r.log.Warn("step failed, continuing",
					zap.String("step", step.ID), zap.Error(err))
				continue
			}
			return outcome{
				status: models.ExecutionFailed,
				result: r.summary(),
				errMsg: fmt.Sprintf("step %d (%s) failed: %v", i+1, step.ID, err),
			}
		}
		if out, failed := r.persistStep(totalCtx, stepOut); failed {
			return out
		}
	}

	return outcome{status: models.ExecutionSuccess, result: r.summary()}
}

// checkpoint runs the boundary checks between steps: cooperative shutdown
// and the cancellation flags on the execution row.
func (r *stepRunner) checkpoint(ctx context.Context) (outcome, bool) {
	select {
	case <-r.stopAtBoundary:
		return outcome{
			status: models.ExecutionCancelled,
			result: r.summary(),
			errMsg: "worker shutting down",
		}, true
	default:
	}

	row, err := r.execStore.GetExecution(ctx, r.exec.ID)
	if err != nil {
		// Can't see the row; keep going rather than abandon a healthy run.
		r.log.Warn("cancellation poll failed", zap.Error(err))
		return outcome{}, false
	}
	switch row.Status {
	case models.ExecutionCancelling, models.ExecutionCancelled:
		return outcome{
			status: models.ExecutionCancelled,
			result: r.summary(),
			errMsg: "cancelled by request",
		}, true
	}
	return outcome{}, false
}

// runStep executes one step through its attempt loop. The returned
// StepOutput always reflects the final attempt; err is nil only on success
// or skip.
func (r *stepRunner) runStep(ctx context.Context, step *models.Step) (models.StepOutput, error) {
	out := models.StepOutput{
		StepID:    step.ID,
		StartedAt: r.nowFn(),
	}
	resolver := template.NewResolver(r.ec)

	runIt, err := EvaluateCondition(step.Condition, resolver)
	if err != nil {
		out.Status = models.StepFailed
		out.Error = err.Error()
		out.CompletedAt = r.nowFn()
		return out, err
	}
	if !runIt {
		out.Status = models.StepSkipped
		out.CompletedAt = r.nowFn()
		return out, nil
	}

	input, err := resolver.ResolveInput(step.Input)
	if err != nil {
		out.Status = models.StepFailed
		out.Error = err.Error()
		out.CompletedAt = r.nowFn()
		return out, executor.Permanent(err)
	}

	exec, err := r.registry.Get(step.Type)
	if err != nil {
		out.Status = models.StepFailed
		out.Error = err.Error()
		out.CompletedAt = r.nowFn()
		return out, err
	}

	retryCap := r.job.StepRetryCap(step)
	timeout := r.job.StepTimeout(step)

	var lastErr error
	for attempt := 0; ; attempt++ {
		out.Attempts = attempt + 1

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, execErr := exec.Execute(stepCtx, input)
		cancel()

		if execErr == nil {
			out.Status = models.StepSuccess
			out.Output = output
			out.CompletedAt = r.nowFn()
			metrics.StepsTotal.WithLabelValues(string(step.Type), string(models.StepSuccess)).Inc()
			return out, nil
		}
		lastErr = execErr

		if ctx.Err() != nil {
			// Execution-wide budget gone; the caller classifies this.
			break
		}
		if executor.IsPermanent(execErr) || attempt >= retryCap {
			break
		}

		delay := r.retry.Delay(attempt)
		r.log.Warn("step attempt failed, retrying",
			zap.String("step", step.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(execErr))
		metrics.StepRetries.WithLabelValues(string(step.Type)).Inc()

		if err := r.sleepFn(ctx, delay); err != nil {
			break
		}
	}

	out.Status = models.StepFailed
	out.Error = lastErr.Error()
	out.CompletedAt = r.nowFn()
	metrics.StepsTotal.WithLabelValues(string(step.Type), string(models.StepFailed)).Inc()
	return out, lastErr
}

// persistStep records a successful or skipped step: context first, then the
// checkpoint column. The context must hit the object store before the row
// advances or a crash between the two would lose the step's output.
func (r *stepRunner) persistStep(ctx context.Context, out models.StepOutput) (outcome, bool) {
	r.ec.Steps[out.StepID] = out
	if out.Status == models.StepSuccess {
		r.collectFiles(out)
	}

	if err := r.ctxMgr.Save(ctx, r.ec); err != nil {
		return outcome{
			status: models.ExecutionFailed,
			result: r.summary(),
			errMsg: fmt.Sprintf("failed to persist context after step %s: %v", out.StepID, err),
		}, true
	}
	if err := r.execStore.UpdateCurrentStep(ctx, r.exec.ID, out.StepID); err != nil {
		if !errors.Is(err, storage.ErrStale) {
			return outcome{
				status: models.ExecutionFailed,
				result: r.summary(),
				errMsg: fmt.Sprintf("failed to checkpoint step %s: %v", out.StepID, err),
			}, true
		}
	}
	return outcome{}, false
}

// recordStep saves a failed step into the context for diagnosis. Best
// effort: a failed execution's context is advisory.
func (r *stepRunner) recordStep(ctx context.Context, out models.StepOutput) {
	r.ec.Steps[out.StepID] = out
	if err := r.ctxMgr.Save(ctx, r.ec); err != nil {
		r.log.Warn("failed to persist context for failed step",
			zap.String("step", out.StepID), zap.Error(err))
	}
}

// collectFiles appends file refs produced by file-handling steps.
func (r *stepRunner) collectFiles(out models.StepOutput) {
	key, _ := out.Output["key"].(string)
	if key == "" {
		return
	}
	size, _ := out.Output["size"].(int)
	contentType, _ := out.Output["content_type"].(string)
	r.ec.Files = append(r.ec.Files, models.FileRef{
		Name:        out.StepID,
		Path:        key,
		ContentType: contentType,
		Size:        int64(size),
	})
}

func (r *stepRunner) summary() models.JSONMap {
	steps := make(map[string]any, len(r.ec.Steps))
	var succeeded, skipped, failed int
	for id, out := range r.ec.Steps {
		steps[id] = string(out.Status)
		switch out.Status {
		case models.StepSuccess:
			succeeded++
		case models.StepSkipped:
			skipped++
		case models.StepFailed:
			failed++
		}
	}
	return models.JSONMap{
		"steps_total":     len(r.def.Steps),
		"steps_succeeded": succeeded,
		"steps_skipped":   skipped,
		"steps_failed":    failed,
		"steps":           steps,
	}
}
