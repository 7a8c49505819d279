package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// ReplaySource is satisfied by *ledger.Service.
type ReplaySource interface {
	VariantIDs(ctx context.Context) ([]int64, error)
	Replay(ctx context.Context, variantID int64) (ledger.ReplayReport, error)
}

// VerifySummary describes a verification run.
type VerifySummary struct {
	Checked    int
	Mismatches []ledger.ReplayReport
	Skipped    bool
}

// LedgerVerifyJob replays stock history for every variant and flags the ones
// whose chain no longer folds to the stored quantity.
type LedgerVerifyJob struct {
	Ledger   ReplaySource
	Locker   Locker
	Cache    redis.Cmdable
	CacheTTL time.Duration
	Workers  int
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle executes a verification run for the scheduler.
func (j *LedgerVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerVerifyPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.VariantIDs...)
	return err
}

// Run verifies the given variants, or all of them when none are given.
func (j *LedgerVerifyJob) Run(ctx context.Context, variantIDs ...int64) (summary VerifySummary, err error) {
	if j == nil || j.Ledger == nil {
		return summary, errors.New("ledger verify: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLedgerVerify)
	defer func() { err = tracker.End(err) }()
	logger := loggerOrDefault(j.Logger)

	if j.Locker != nil {
		release, ok, lockErr := j.Locker.Acquire(ctx, shared.LedgerVerifyLockKey(), time.Hour)
		if lockErr != nil {
			return summary, lockErr
		}
		if !ok {
			logger.Info("ledger verification already running")
			summary.Skipped = true
			return summary, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release verify lock", slog.Any("error", err))
			}
		}()
	}

	if len(variantIDs) == 0 {
		variantIDs, err = j.Ledger.VariantIDs(ctx)
		if err != nil {
			return summary, fmt.Errorf("ledger verify: list variants: %w", err)
		}
	}

	workers := j.Workers
	if workers <= 0 {
		workers = 4
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range variantIDs {
		g.Go(func() error {
			report, err := j.Ledger.Replay(gctx, id)
			if errors.Is(err, ledger.ErrVariantNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("ledger verify: variant %d: %w", id, err)
			}
			j.remember(gctx, logger, report)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if !report.Consistent {
				summary.Mismatches = append(summary.Mismatches, report)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}

	sort.Slice(summary.Mismatches, func(a, b int) bool {
		return summary.Mismatches[a].VariantID < summary.Mismatches[b].VariantID
	})
	for _, m := range summary.Mismatches {
		logger.Warn("stock history mismatch",
			slog.Int64("variant_id", m.VariantID),
			slog.Int("current_quantity", m.CurrentQuantity),
			slog.Int("replay_quantity", m.ReplayQuantity),
			slog.Int("broken_links", m.BrokenLinks),
		)
	}
	j.Metrics.AddReplayMismatches(len(summary.Mismatches))
	logger.Info("ledger verification finished", slog.Int("checked", summary.Checked), slog.Int("mismatches", len(summary.Mismatches)))
	return summary, nil
}

// remember caches the latest report so the API can show it without a replay.
func (j *LedgerVerifyJob) remember(ctx context.Context, logger *slog.Logger, report ledger.ReplayReport) {
	if j.Cache == nil {
		return
	}
	ttl := j.CacheTTL
	if ttl <= 0 {
		ttl = 26 * time.Hour
	}
	if err := cache.SetJSON(ctx, j.Cache, shared.VariantCacheKey(report.VariantID), report, ttl); err != nil {
		logger.Warn("cache replay report", slog.Int64("variant_id", report.VariantID), slog.Any("error", err))
	}
}

// CachedReport returns the last report stored by a verification run.
func CachedReport(ctx context.Context, client redis.Cmdable, variantID int64) (ledger.ReplayReport, error) {
	var report ledger.ReplayReport
	err := cache.GetJSON(ctx, client, shared.VariantCacheKey(variantID), &report)
	return report, err
}
