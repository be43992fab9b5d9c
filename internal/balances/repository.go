package balances

import "context"

// Reader exposes balance reads inside one consistent snapshot. ListPage and
// Summarize calls made through the same Reader observe the same ledger
// state, so a page and its summary can never disagree.
type Reader interface {
	// ListPage returns up to limit rows ordered by
	// (current_balance desc, patient_id asc), starting strictly after the
	// cursor position when a cursor is given.
	ListPage(ctx context.Context, filter Filter, after *Cursor, limit int) ([]PatientBalanceRow, error)
	// Summarize aggregates the entire filtered set.
	Summarize(ctx context.Context, filter Filter) (Summary, error)
}

// Repository is the balance projection's persistence port.
type Repository interface {
	// WithSnapshot runs fn against one repeatable-read snapshot.
	WithSnapshot(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}
