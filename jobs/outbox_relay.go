package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Locker grants exclusive leases. *cache.Locker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RelayResult summarises a relay pass.
type RelayResult struct {
	Enqueued  int
	Duplicate int
	Skipped   bool
}

// OutboxRelayJob hands pending outbox rows to the notifications queue.
type OutboxRelayJob struct {
	Outbox   notify.Outbox
	Enqueuer Enqueuer
	Locker   Locker
	Batch    int
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle runs one relay pass for the scheduler.
func (j *OutboxRelayJob) Handle(ctx context.Context, _ *asynq.Task) error {
	_, err := j.Run(ctx)
	return err
}

// Run relays up to Batch pending rows. A row whose task is still queued is
// reported as a duplicate rather than enqueued twice.
func (j *OutboxRelayJob) Run(ctx context.Context) (result RelayResult, err error) {
	if j == nil || j.Outbox == nil || j.Enqueuer == nil {
		return result, errors.New("outbox relay: handler not configured")
	}
	tracker := j.Metrics.Track(TaskOutboxRelay)
	defer func() { err = tracker.End(err) }()
	logger := loggerOrDefault(j.Logger)

	if j.Locker != nil {
		release, ok, lockErr := j.Locker.Acquire(ctx, shared.OutboxRelayLockKey(), time.Minute)
		if lockErr != nil {
			return result, lockErr
		}
		if !ok {
			logger.Debug("outbox relay already running")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release relay lock", slog.Any("error", err))
			}
		}()
	}

	batch := j.Batch
	if batch <= 0 {
		batch = 100
	}
	pending, err := j.Outbox.Pending(ctx, batch)
	if err != nil {
		return result, fmt.Errorf("outbox relay: load pending: %w", err)
	}
	for _, msg := range pending {
		task, err := NewNotifySendTask(msg.ID, msg.DedupKey)
		if err != nil {
			return result, err
		}
		_, err = j.Enqueuer.EnqueueContext(ctx, task)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			result.Duplicate++
		case err != nil:
			j.Metrics.AddRelayed("enqueued", result.Enqueued)
			j.Metrics.AddRelayed("duplicate", result.Duplicate)
			return result, fmt.Errorf("outbox relay: enqueue %s: %w", msg.DedupKey, err)
		default:
			result.Enqueued++
		}
	}
	j.Metrics.AddRelayed("enqueued", result.Enqueued)
	j.Metrics.AddRelayed("duplicate", result.Duplicate)
	if len(pending) > 0 {
		logger.Info("outbox relayed", slog.Int("enqueued", result.Enqueued), slog.Int("duplicate", result.Duplicate))
	}
	return result, nil
}
