package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-retail/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-retail/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.StoreDriver != app.StoreDriverPostgres {
		slog.Default().Error("worker requires the postgres store", slog.String("store", cfg.StoreDriver))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	services, closeStorage, err := app.BuildServices(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStorage()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	locker := cache.NewLocker(redisClient)

	sendJob := &jobs.NotifySendJob{Dispatcher: services.Dispatcher, Logger: logger, Metrics: metrics}
	relayJob := &jobs.OutboxRelayJob{
		Outbox:   services.Outbox,
		Enqueuer: client,
		Locker:   locker,
		Batch:    cfg.OutboxBatch,
		Logger:   logger,
		Metrics:  metrics,
	}
	verifyJob := &jobs.LedgerVerifyJob{
		Ledger:  services.Ledger,
		Locker:  locker,
		Cache:   redisClient,
		Workers: cfg.VerifyWorkers,
		Logger:  logger,
		Metrics: metrics,
	}
	cleanupJob := &jobs.ActivityCleanupJob{
		Audit:       services.Audit,
		Idempotency: services.Idempotency,
		Retention:   cfg.HistoryRetention,
		Clock:       services.Clock,
		Logger:      logger,
		Metrics:     metrics,
	}

	verifyTask, err := jobs.NewLedgerVerifyTask()
	if err != nil {
		logger.Error("build verify task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewActivityCleanupTask(0)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotifySend, Handler: sendJob.Handle},
			{Type: jobs.TaskOutboxRelay, Handler: relayJob.Handle},
			{Type: jobs.TaskLedgerVerify, Handler: verifyJob.Handle},
			{Type: jobs.TaskActivityCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "* * * * *", Task: jobs.NewOutboxRelayTask()},
			{Spec: "30 2 * * *", Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
