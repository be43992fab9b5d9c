package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the ledger core.
var (
	// ErrNotFound indicates a referenced claim, line or payment is absent.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConstraintViolation indicates a ledger invariant would be broken.
	ErrConstraintViolation = errors.New("ledger: constraint violation")
	// ErrInsufficientBalance indicates a payload would overpay or over-adjust.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrConcurrencyConflict indicates a lost-update race; the payload should
	// be retried as a whole.
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict")
	// ErrStoreUnavailable indicates a transient store failure, retryable with
	// backoff.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")
	// ErrPaymentVoid indicates the target payment was cancelled and accepts
	// no further transactions.
	ErrPaymentVoid = errors.New("ledger: payment is void")
)

// LineViolation describes one offending payload line.
type LineViolation struct {
	ServiceLineID int64           `json:"serviceLineId"`
	Requested     decimal.Decimal `json:"requested"`
	Remaining     decimal.Decimal `json:"remaining"`
	Reason        string          `json:"reason"`
}

// InsufficientBalanceError carries the complete list of offending lines so
// the caller can render one precise report instead of fixing lines one at a
// time.
type InsufficientBalanceError struct {
	Lines []LineViolation
}

func (e *InsufficientBalanceError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, v := range e.Lines {
		parts = append(parts, fmt.Sprintf("line %d: requested %s, remaining %s", v.ServiceLineID, v.Requested, v.Remaining))
	}
	return "ledger: insufficient balance: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match with errors.Is(err, ErrInsufficientBalance).
func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ValidationError reports a malformed payload before any store access.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "ledger: invalid payload: " + e.Detail
	}
	return fmt.Sprintf("ledger: invalid payload: %s: %s", e.Field, e.Detail)
}
