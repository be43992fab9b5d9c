package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dentara/dentara-pms/internal/balances"
	jobmetrics "github.com/dentara/dentara-pms/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// BalancesWarmupJob pre-populates the balance cache by walking the first
// pages of the fleet-wide report.
type BalancesWarmupJob struct {
	Balances *balances.Service
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBalancesWarmupJob wires dependencies for the warmup handler.
func NewBalancesWarmupJob(svc *balances.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalancesWarmupJob {
	return &BalancesWarmupJob{Balances: svc, Logger: logger, Metrics: metrics}
}

// Handle processes balance warmup tasks.
func (j *BalancesWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Balances == nil {
		return errors.New("balances warmup: handler not configured")
	}
	var payload BalancesWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PageSize <= 0 {
		payload.PageSize = 25
	}
	if payload.Pages <= 0 {
		payload.Pages = 4
	}

	tracker := j.metrics().Track(TaskBalancesWarmup)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("page_size", payload.PageSize))
	logger.Info("starting balances warmup")

	cursor := ""
	warmed := 0
	for page := 0; page < payload.Pages; page++ {
		result, err := j.Balances.GetPatientBalances(ctx, balances.Filter{}, cursor, payload.PageSize)
		if err != nil {
			resultErr = err
			logger.Error("warm balances page", slog.Int("page", page), slog.Any("error", err))
			return resultErr
		}
		warmed += len(result.Balances)
		if !result.HasMore {
			break
		}
		cursor = result.NextCursor
	}

	logger.Info("balances warmup complete", slog.Int("rows", warmed))
	return resultErr
}

// BalancesRefreshJob re-primes one patient's balance row after their ledger
// changed.
type BalancesRefreshJob struct {
	Balances *balances.Service
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewBalancesRefreshJob wires dependencies for the refresh handler.
func NewBalancesRefreshJob(svc *balances.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalancesRefreshJob {
	return &BalancesRefreshJob{Balances: svc, Logger: logger, Metrics: metrics}
}

// Handle processes balance refresh tasks.
func (j *BalancesRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Balances == nil {
		return errors.New("balances refresh: handler not configured")
	}
	var payload BalancesRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.PatientID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBalancesRefresh)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	_, resultErr = j.Balances.GetPatientBalances(ctx, balances.Filter{PatientID: payload.PatientID}, "", 1)
	if resultErr != nil {
		j.logger().Error("refresh patient balances",
			slog.Int64("patient_id", payload.PatientID),
			slog.Any("error", resultErr))
	}
	return resultErr
}

func (j *BalancesWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalancesWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *BalancesRefreshJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BalancesRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
