package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/core/ports"
	"github.com/litminer/backend/internal/domain"
	"github.com/litminer/backend/internal/infrastructure/logger"
)

// errTaskRevoked is the cancellation cause carried by a forced termination,
// distinguishing a client revocation from a pool shutdown.
var errTaskRevoked = errors.New("task revoked")

// Runner wraps a unit of work so lifecycle transitions automatically emit
// status updates through the event bus and mirror into the result store.
// A failed status broadcast never aborts the underlying task.
type Runner struct {
	bus     ports.StatusPublisher
	records ports.TaskRepository
	log     *logger.Logger

	publishRetries    int
	backoffBase       time.Duration
	skipWhenUnwatched bool

	// sleep is replaceable so backoff timing can be observed in tests.
	sleep func(time.Duration)
}

func NewRunner(bus ports.StatusPublisher, records ports.TaskRepository, cfg config.WorkerConfig, log *logger.Logger) *Runner {
	retries := cfg.PublishRetries
	if retries <= 0 {
		retries = 2
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &Runner{
		bus:               bus,
		records:           records,
		log:               log,
		publishRetries:    retries,
		backoffBase:       base,
		skipWhenUnwatched: cfg.SkipWhenUnwatched,
		sleep:             time.Sleep,
	}
}

// SetState publishes one status update for the task, retrying with
// exponential backoff when the bus signals failure. Exhausted retries are
// logged and reported as false, never raised.
func (r *Runner) SetState(ctx context.Context, taskID string, status domain.TaskStatus, message, stage string) bool {
	update := domain.NewStatusUpdate(taskID, status, message, stage)

	if r.skipWhenUnwatched {
		count, err := r.bus.SubscriberCount(ctx, r.bus.Channels().Task(taskID))
		if err == nil && count == 0 {
			r.log.Debugw("runner_publish_skipped_unwatched", "task_id", taskID, "status", status)
			return true
		}
		// On a count error, fail open and attempt the publish.
	}

	for attempt := 0; ; attempt++ {
		if r.bus.PublishUpdate(ctx, update) {
			return true
		}
		if attempt >= r.publishRetries {
			break
		}
		backoff := r.backoffBase * (1 << attempt)
		r.log.Warnw("runner_publish_retry",
			"task_id", taskID,
			"status", status,
			"attempt", attempt+1,
			"backoff", backoff,
		)
		r.sleep(backoff)
	}

	r.log.Errorw("runner_publish_dropped",
		"task_id", taskID,
		"status", status,
		"attempts", r.publishRetries+1,
	)
	return false
}

// Run executes the handler under the lifecycle wrapper: STARTED before the
// handler gets control, COMPLETED on normal return, FAILED (with the error's
// message) on error or panic. The handler's error is returned to the pool so
// its own failure accounting still applies. Cancellation caused by a
// revocation surfaces as REVOKED; shutdown cancellation leaves the record
// non-terminal.
func (r *Runner) Run(ctx context.Context, env *domain.TaskEnvelope, handler Handler) (err error) {
	taskID := env.TaskID

	r.SetState(ctx, taskID, domain.TaskStatusStarted, "Task started", "")
	r.recordStatus(taskID, domain.TaskStatusStarted, "", "Task started")

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
			r.reportFailure(taskID, err)
		}
	}()

	progress := func(pctx context.Context, stage, message string) {
		r.SetState(pctx, taskID, domain.TaskStatusInProgress, message, stage)
		r.recordStatus(taskID, domain.TaskStatusInProgress, stage, message)
	}

	result, err := handler.Execute(ctx, env.Payload, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if errors.Is(context.Cause(ctx), errTaskRevoked) {
				r.SetState(context.Background(), taskID, domain.TaskStatusRevoked, "Task revoked", "")
				r.recordStatus(taskID, domain.TaskStatusRevoked, "", "Task revoked")
				return err
			}
			// Shutdown cancellation: not a client revocation, so the record
			// stays non-terminal for a restarted worker to reconcile.
			r.log.Warnw("runner_task_interrupted", "task_id", taskID)
			return err
		}
		r.reportFailure(taskID, err)
		return err
	}

	r.SetState(ctx, taskID, domain.TaskStatusCompleted, "Task completed", "")
	if result != nil {
		if serr := r.records.SetResult(context.Background(), taskID, result); serr != nil {
			r.log.Errorw("runner_store_result_failed", "task_id", taskID, "error", serr)
		}
	}
	r.recordStatus(taskID, domain.TaskStatusCompleted, "", "Task completed")
	return nil
}

func (r *Runner) reportFailure(taskID string, err error) {
	// The broadcast is best-effort; the error itself still propagates to the
	// pool's failure accounting.
	r.SetState(context.Background(), taskID, domain.TaskStatusFailed, err.Error(), "")
	r.recordStatus(taskID, domain.TaskStatusFailed, "", "Task failed")
	if serr := r.records.SetError(context.Background(), taskID, err.Error()); serr != nil {
		r.log.Errorw("runner_store_error_failed", "task_id", taskID, "error", serr)
	}
}

func (r *Runner) recordStatus(taskID string, status domain.TaskStatus, stage, message string) {
	if err := r.records.UpdateStatus(context.Background(), taskID, status, stage, message); err != nil {
		r.log.Errorw("runner_record_status_failed", "task_id", taskID, "status", status, "error", err)
	}
}
