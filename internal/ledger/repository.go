package ledger

import (
	"context"
)

// LineWithClaim is a service line joined with the owning claim's patient and
// status, as loaded under a row lock during reconciliation.
type LineWithClaim struct {
	ServiceLine
	ClaimPatientID int64
	ClaimStatus    ClaimStatus
}

// Store is the ledger persistence port. It is the exclusive owner of claim,
// service line, payment and transaction rows; all money-moving writes go
// through WithTx so that a payload either lands completely or not at all.
type Store interface {
	GetClaimWithLines(ctx context.Context, claimID int64) (*Claim, error)
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	ListPaymentTransactions(ctx context.Context, paymentID int64) ([]ServiceLineTransaction, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

// TxStore exposes the operations available inside one atomic unit.
type TxStore interface {
	// GetPaymentForUpdate loads and locks the payment row.
	GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error)
	// GetServiceLinesForUpdate loads and locks the given lines in id order,
	// joined with their owning claims.
	GetServiceLinesForUpdate(ctx context.Context, ids []int64) ([]LineWithClaim, error)
	// AppendTransactions inserts immutable transaction rows and returns them
	// with assigned ids.
	AppendTransactions(ctx context.Context, txs []ServiceLineTransaction) ([]ServiceLineTransaction, error)
	// UpdateServiceLine persists recomputed totals and status for one line.
	UpdateServiceLine(ctx context.Context, line ServiceLine) error
	// GetClaimLines returns all lines of a claim as currently visible inside
	// the transaction.
	GetClaimLines(ctx context.Context, claimID int64) ([]ServiceLine, error)
	// UpdateClaimStatus persists a derived claim status.
	UpdateClaimStatus(ctx context.Context, claimID int64, status ClaimStatus) error
	// UpdatePayment persists recomputed payment totals and status.
	UpdatePayment(ctx context.Context, payment Payment) error
}
