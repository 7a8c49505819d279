package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Cleaner removes rows recorded before cutoff. *shared.AuditLogger and
// *shared.IdempotencyStore satisfy it.
type Cleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupResult reports removed rows per store.
type CleanupResult struct {
	Cutoff      time.Time
	Audit       int64
	Idempotency int64
}

// ActivityCleanupJob prunes audit records and idempotency keys past retention.
// Stock history is never pruned.
type ActivityCleanupJob struct {
	Audit       Cleaner
	Idempotency Cleaner
	Retention   time.Duration
	Clock       shared.Clock
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Handle executes a cleanup for the scheduler.
func (j *ActivityCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ActivityCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := j.Retention
	if payload.RetentionHours > 0 {
		retention = time.Duration(payload.RetentionHours) * time.Hour
	}
	_, err := j.Run(ctx, retention)
	return err
}

// Run removes entries older than now minus retention.
func (j *ActivityCleanupJob) Run(ctx context.Context, retention time.Duration) (result CleanupResult, err error) {
	if j == nil {
		return result, errors.New("activity cleanup: handler not configured")
	}
	if retention <= 0 {
		return result, fmt.Errorf("activity cleanup: retention must be positive, got %s", retention)
	}
	tracker := j.Metrics.Track(TaskActivityCleanup)
	defer func() { err = tracker.End(err) }()

	clock := j.Clock
	if clock == nil {
		clock = shared.SystemClock{}
	}
	result.Cutoff = clock.Now().Add(-retention)

	if j.Audit != nil {
		if result.Audit, err = j.Audit.Cleanup(ctx, result.Cutoff); err != nil {
			return result, fmt.Errorf("activity cleanup: audit: %w", err)
		}
	}
	if j.Idempotency != nil {
		if result.Idempotency, err = j.Idempotency.Cleanup(ctx, result.Cutoff); err != nil {
			return result, fmt.Errorf("activity cleanup: idempotency: %w", err)
		}
	}
	loggerOrDefault(j.Logger).Info("activity cleanup finished",
		slog.Time("cutoff", result.Cutoff),
		slog.Int64("audit_removed", result.Audit),
		slog.Int64("idempotency_removed", result.Idempotency),
	)
	return result, nil
}
