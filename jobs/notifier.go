package jobs

import (
	"context"
	"log/slog"

	"github.com/dentara/dentara-pms/internal/balances"
)

// LedgerChangeNotifier reacts to a committed reconciliation by invalidating
// the balance cache and queueing a background refresh for the patient. It
// implements the reconciliation engine's invalidator hook.
type LedgerChangeNotifier struct {
	Cache  *balances.Cache
	Client *Client
	Logger *slog.Logger
}

// NewLedgerChangeNotifier wires the notifier. Cache and Client may each be
// nil; whatever is present is used.
func NewLedgerChangeNotifier(cache *balances.Cache, client *Client, logger *slog.Logger) *LedgerChangeNotifier {
	return &LedgerChangeNotifier{Cache: cache, Client: client, Logger: logger}
}

// PatientLedgerChanged bumps the cache version and enqueues a refresh task.
func (n *LedgerChangeNotifier) PatientLedgerChanged(ctx context.Context, patientID int64) error {
	if n == nil {
		return nil
	}
	if err := n.Cache.Bump(ctx); err != nil {
		return err
	}
	if n.Client == nil {
		return nil
	}
	if _, err := n.Client.EnqueueBalancesRefresh(ctx, BalancesRefreshPayload{PatientID: patientID}); err != nil {
		if n.Logger != nil {
			n.Logger.Warn("enqueue balances refresh",
				slog.Int64("patient_id", patientID),
				slog.Any("error", err))
		}
		return err
	}
	return nil
}
