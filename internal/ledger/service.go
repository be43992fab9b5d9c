package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/dentara/dentara-pms/internal/observability"
)

// BalanceInvalidator is notified after a commit changes a patient's ledger,
// so read-side balance projections can drop or refresh their caches.
type BalanceInvalidator interface {
	PatientLedgerChanged(ctx context.Context, patientID int64) error
}

// Service is the transaction reconciliation engine. It is the only writer of
// money-moving state: payloads are applied atomically, statuses re-derived,
// and the balance projection invalidated for the affected patient.
type Service struct {
	logger      *slog.Logger
	store       Store
	validate    *validator.Validate
	invalidator BalanceInvalidator
	metrics     *observability.Metrics
	maxRetries  int
	retryDelay  time.Duration
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithInvalidator installs the read-side invalidation hook.
func WithInvalidator(inv BalanceInvalidator) ServiceOption {
	return func(s *Service) { s.invalidator = inv }
}

// WithMetrics installs reconciliation metrics.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithRetryPolicy overrides the bounded conflict retry budget.
func WithRetryPolicy(maxRetries int, delay time.Duration) ServiceOption {
	return func(s *Service) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if delay > 0 {
			s.retryDelay = delay
		}
	}
}

// NewService builds the reconciliation engine.
func NewService(logger *slog.Logger, store Store, opts ...ServiceOption) *Service {
	s := &Service{
		logger:     logger,
		store:      store,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		maxRetries: 3,
		retryDelay: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyTransactionPayload applies one payment payload against the ledger.
// All line items are checked before anything is written: a payload that
// would push any line's settled amount past its billed amount fails with
// the complete list of violations and leaves the ledger untouched.
// Lost-update races surface from the store as ErrConcurrencyConflict and
// are retried here a bounded number of times.
func (s *Service) ApplyTransactionPayload(ctx context.Context, payload TransactionPayload) (*ReconciliationResult, error) {
	if err := s.validatePayload(payload); err != nil {
		return nil, err
	}

	start := time.Now()
	var result *ReconciliationResult
	var patientID int64

	attempt := 0
	for {
		err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			res, pid, err := s.applyOnce(ctx, tx, payload)
			if err != nil {
				return err
			}
			result = res
			patientID = pid
			return nil
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConcurrencyConflict) || attempt >= s.maxRetries {
			s.metrics.ObserveReconciliation("error", time.Since(start).Seconds())
			return nil, err
		}
		attempt++
		s.metrics.IncReconciliationConflict()
		s.logger.Warn("reconciliation conflict, retrying",
			slog.Int64("payment_id", payload.PaymentID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
		case <-time.After(s.backoff(attempt)):
		}
	}

	s.metrics.ObserveReconciliation("ok", time.Since(start).Seconds())

	if s.invalidator != nil {
		if err := s.invalidator.PatientLedgerChanged(ctx, patientID); err != nil {
			// The ledger commit already landed; a missed invalidation only
			// delays cache refresh until the version key expires.
			s.logger.Warn("balance invalidation failed",
				slog.Int64("patient_id", patientID),
				slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Service) applyOnce(ctx context.Context, tx TxStore, payload TransactionPayload) (*ReconciliationResult, int64, error) {
	payment, err := tx.GetPaymentForUpdate(ctx, payload.PaymentID)
	if err != nil {
		return nil, 0, fmt.Errorf("load payment %d: %w", payload.PaymentID, err)
	}
	if payment.Status == PaymentStatusVoid {
		return nil, 0, ErrPaymentVoid
	}

	ids := uniqueLineIDs(payload.Lines)
	locked, err := tx.GetServiceLinesForUpdate(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[int64]*LineWithClaim, len(locked))
	for i := range locked {
		byID[locked[i].ID] = &locked[i]
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, 0, fmt.Errorf("service line %d: %w", id, ErrNotFound)
		}
	}

	// Cross-patient application is forbidden: every line must belong to a
	// claim of the paying patient.
	for _, l := range locked {
		if l.ClaimPatientID != payment.PatientID {
			return nil, 0, fmt.Errorf("service line %d belongs to patient %d, payment is for patient %d: %w",
				l.ID, l.ClaimPatientID, payment.PatientID, ErrConstraintViolation)
		}
	}

	// Check every line against its remaining balance, aggregating payload
	// lines that target the same service line, and report all violations in
	// one pass.
	requested := make(map[int64]struct{ paid, adjusted decimal.Decimal }, len(ids))
	for _, item := range payload.Lines {
		agg := requested[item.ServiceLineID]
		agg.paid = agg.paid.Add(item.PaidAmount)
		agg.adjusted = agg.adjusted.Add(item.AdjustedAmount)
		requested[item.ServiceLineID] = agg
	}
	var violations []LineViolation
	for _, id := range ids {
		line := byID[id]
		req := requested[id]
		total := req.paid.Add(req.adjusted)
		switch {
		case line.Status == LineStatusVoid:
			violations = append(violations, LineViolation{
				ServiceLineID: id,
				Requested:     total,
				Remaining:     decimal.Zero,
				Reason:        "service line is void",
			})
		case total.GreaterThan(line.RemainingBalance()):
			violations = append(violations, LineViolation{
				ServiceLineID: id,
				Requested:     total,
				Remaining:     line.RemainingBalance(),
				Reason:        "paid plus adjusted exceeds remaining balance",
			})
		}
	}
	if len(violations) > 0 {
		return nil, 0, &InsufficientBalanceError{Lines: violations}
	}

	txs := make([]ServiceLineTransaction, 0, len(payload.Lines))
	for _, item := range payload.Lines {
		txs = append(txs, ServiceLineTransaction{
			PaymentID:      payment.ID,
			ServiceLineID:  item.ServiceLineID,
			PaidAmount:     item.PaidAmount,
			AdjustedAmount: item.AdjustedAmount,
			ReceivedDate:   item.ReceivedDate,
			PayerName:      item.PayerName,
			Notes:          item.Notes,
		})
	}
	inserted, err := tx.AppendTransactions(ctx, txs)
	if err != nil {
		return nil, 0, err
	}

	updatedLines := make([]ServiceLine, 0, len(ids))
	claimIDs := make([]int64, 0, 1)
	seenClaims := make(map[int64]bool)
	var paidDelta decimal.Decimal
	for _, id := range ids {
		line := byID[id]
		req := requested[id]
		line.PaidTotal = line.PaidTotal.Add(req.paid)
		line.AdjustedTotal = line.AdjustedTotal.Add(req.adjusted)
		line.Status = DeriveServiceLineStatus(line.BilledAmount, line.PaidTotal, line.AdjustedTotal, line.Status)
		if err := tx.UpdateServiceLine(ctx, line.ServiceLine); err != nil {
			return nil, 0, err
		}
		updatedLines = append(updatedLines, line.ServiceLine)
		paidDelta = paidDelta.Add(req.paid)
		if !seenClaims[line.ClaimID] {
			seenClaims[line.ClaimID] = true
			claimIDs = append(claimIDs, line.ClaimID)
		}
	}

	// Claim status is recomputed wholesale from the claim's lines rather
	// than adjusted incrementally, so repeated derivation cannot drift.
	var updatedClaim Claim
	for _, claimID := range claimIDs {
		lines, err := tx.GetClaimLines(ctx, claimID)
		if err != nil {
			return nil, 0, err
		}
		current := byID[firstLineOfClaim(locked, claimID)].ClaimStatus
		status := DeriveClaimStatus(current, lines)
		if status != current {
			if err := tx.UpdateClaimStatus(ctx, claimID, status); err != nil {
				return nil, 0, err
			}
		}
		updatedClaim = Claim{
			ID:        claimID,
			PatientID: payment.PatientID,
			Status:    status,
			Lines:     lines,
		}
	}

	payment.TotalPaid = payment.TotalPaid.Add(paidDelta)
	payment.Status = DerivePaymentStatus(payment.Status, payment.TotalPaid, payment.TotalDue, true)
	if err := tx.UpdatePayment(ctx, *payment); err != nil {
		return nil, 0, err
	}

	return &ReconciliationResult{
		Payment:      *payment,
		UpdatedLines: updatedLines,
		UpdatedClaim: updatedClaim,
		Transactions: inserted,
	}, payment.PatientID, nil
}

// VoidPayment cancels a payment. Void payments stay in the ledger for audit
// but accept no further transactions.
func (s *Service) VoidPayment(ctx context.Context, paymentID int64) (*Payment, error) {
	var voided *Payment
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		payment, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("load payment %d: %w", paymentID, err)
		}
		if payment.Status == PaymentStatusVoid {
			voided = payment
			return nil
		}
		payment.Status = PaymentStatusVoid
		if err := tx.UpdatePayment(ctx, *payment); err != nil {
			return err
		}
		voided = payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return voided, nil
}

// GetClaim exposes a consistent claim read for the surrounding API layer.
func (s *Service) GetClaim(ctx context.Context, claimID int64) (*Claim, error) {
	return s.store.GetClaimWithLines(ctx, claimID)
}

// GetPaymentWithTransactions returns a payment and its audit trail.
func (s *Service) GetPaymentWithTransactions(ctx context.Context, paymentID int64) (*Payment, []ServiceLineTransaction, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	txs, err := s.store.ListPaymentTransactions(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}
	return payment, txs, nil
}

func (s *Service) validatePayload(payload TransactionPayload) error {
	if err := s.validate.Struct(payload); err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	for i, line := range payload.Lines {
		if line.PaidAmount.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].paidAmount", i), Detail: "must not be negative"}
		}
		if line.AdjustedAmount.IsNegative() {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].adjustedAmount", i), Detail: "must not be negative"}
		}
		if line.PaidAmount.Add(line.AdjustedAmount).IsZero() {
			return &ValidationError{Field: fmt.Sprintf("lines[%d]", i), Detail: "paid and adjusted amounts are both zero"}
		}
	}
	return nil
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.retryDelay * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(s.retryDelay)))
	return d + jitter
}

func uniqueLineIDs(lines []TransactionLine) []int64 {
	seen := make(map[int64]bool, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		if !seen[l.ServiceLineID] {
			seen[l.ServiceLineID] = true
			ids = append(ids, l.ServiceLineID)
		}
	}
	return ids
}

func firstLineOfClaim(lines []LineWithClaim, claimID int64) int64 {
	for _, l := range lines {
		if l.ClaimID == claimID {
			return l.ID
		}
	}
	return 0
}
