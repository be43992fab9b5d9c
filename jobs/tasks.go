package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBalancesWarmup pre-populates the balance cache so collections
	// dashboards open warm.
	TaskBalancesWarmup = "balances:warmup"
	// TaskBalancesRefresh re-primes one patient's balance row after a
	// reconciliation changed their ledger.
	TaskBalancesRefresh = "balances:refresh"
)

// BalancesWarmupPayload scopes a warmup run.
type BalancesWarmupPayload struct {
	PageSize int `json:"pageSize"`
	Pages    int `json:"pages"`
}

// BalancesRefreshPayload identifies the patient whose balances changed.
type BalancesRefreshPayload struct {
	PatientID int64 `json:"patientId"`
}

// NewBalancesWarmupTask constructs an Asynq task.
func NewBalancesWarmupTask(payload BalancesWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalancesWarmup, data), nil
}

// NewBalancesRefreshTask constructs an Asynq task.
func NewBalancesRefreshTask(payload BalancesRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalancesRefresh, data), nil
}
