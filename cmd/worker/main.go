package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dentara/dentara-pms/internal/app"
	"github.com/dentara/dentara-pms/internal/balances"
	jobmetrics "github.com/dentara/dentara-pms/internal/jobs"
	"github.com/dentara/dentara-pms/internal/platform/cache"
	"github.com/dentara/dentara-pms/internal/platform/db"
	"github.com/dentara/dentara-pms/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, true)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	balanceCache := balances.NewCache(redisClient, cfg.BalanceCacheTTL)
	balancesRepo := balances.NewPGRepository(pool, cfg.StoreTimeout)
	balancesService := balances.NewService(logger, balancesRepo, balanceCache)

	metrics := jobmetrics.NewMetrics(nil)
	warmupJob := jobs.NewBalancesWarmupJob(balancesService, logger, metrics)
	refreshJob := jobs.NewBalancesRefreshJob(balancesService, logger, metrics)

	warmupTask, err := jobs.NewBalancesWarmupTask(jobs.BalancesWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBalancesWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskBalancesRefresh, Handler: refreshJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.WarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
