package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dentara/dentara-pms/internal/app"
	"github.com/dentara/dentara-pms/internal/balances"
	"github.com/dentara/dentara-pms/internal/ledger"
	"github.com/dentara/dentara-pms/internal/observability"
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

	redisClient, err := cache.New(ctx, cfg.RedisAddr, false)
	if err != nil {
		logger.Warn("redis unavailable, balance caching disabled", slog.Any("error", err))
	}
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	balanceCache := balances.NewCache(redisClient, cfg.BalanceCacheTTL)
	balancesRepo := balances.NewPGRepository(pool, cfg.StoreTimeout)
	balancesService := balances.NewService(logger, balancesRepo, balanceCache)
	balancesHandler := balances.NewHandler(logger, balancesService)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("asynq client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	notifier := jobs.NewLedgerChangeNotifier(balanceCache, jobClient, logger)

	ledgerRepo := ledger.NewRepository(pool, cfg.StoreTimeout)
	ledgerService := ledger.NewService(logger, ledgerRepo,
		ledger.WithInvalidator(notifier),
		ledger.WithMetrics(metrics),
		ledger.WithRetryPolicy(cfg.ReconcileMaxRetries, cfg.ReconcileRetryDelay),
	)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	if redisClient != nil {
		go func() {
			if err := balanceCache.ListenForInvalidation(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("cache invalidation listener", slog.Any("error", err))
			}
		}()
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		LedgerHandler:   ledgerHandler,
		BalancesHandler: balancesHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
