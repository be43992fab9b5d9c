package ledger

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	claims   map[int64]*Claim
	lines    map[int64]*LineWithClaim
	payments map[int64]*Payment
	txs      []ServiceLineTransaction
	nextTxID int64

	// conflictsLeft fails that many WithTx calls with ErrConcurrencyConflict
	// before letting one through, to exercise the retry loop.
	conflictsLeft int
	txCalls       int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		claims:   make(map[int64]*Claim),
		lines:    make(map[int64]*LineWithClaim),
		payments: make(map[int64]*Payment),
	}
}

func (m *memoryStore) addClaim(id, patientID int64, status ClaimStatus) {
	m.claims[id] = &Claim{ID: id, PatientID: patientID, Status: status}
}

func (m *memoryStore) addLine(id, claimID int64, billed string) {
	claim := m.claims[claimID]
	m.lines[id] = &LineWithClaim{
		ServiceLine: ServiceLine{
			ID:           id,
			ClaimID:      claimID,
			BilledAmount: d(billed),
			Status:       LineStatusOpen,
		},
		ClaimPatientID: claim.PatientID,
		ClaimStatus:    claim.Status,
	}
}

func (m *memoryStore) addPayment(id, patientID int64, due string) {
	m.payments[id] = &Payment{
		ID:        id,
		PatientID: patientID,
		Status:    PaymentStatusPending,
		TotalDue:  d(due),
	}
}

func (m *memoryStore) snapshot() *memoryStore {
	cp := newMemoryStore()
	for id, c := range m.claims {
		cc := *c
		cp.claims[id] = &cc
	}
	for id, l := range m.lines {
		ll := *l
		cp.lines[id] = &ll
	}
	for id, p := range m.payments {
		pp := *p
		cp.payments[id] = &pp
	}
	cp.txs = append([]ServiceLineTransaction(nil), m.txs...)
	cp.nextTxID = m.nextTxID
	return cp
}

func (m *memoryStore) restore(s *memoryStore) {
	m.claims = s.claims
	m.lines = s.lines
	m.payments = s.payments
	m.txs = s.txs
	m.nextTxID = s.nextTxID
}

func (m *memoryStore) GetClaimWithLines(ctx context.Context, claimID int64) (*Claim, error) {
	claim, ok := m.claims[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *claim
	out.Lines, _ = m.GetClaimLines(ctx, claimID)
	return &out, nil
}

func (m *memoryStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *memoryStore) ListPaymentTransactions(ctx context.Context, paymentID int64) ([]ServiceLineTransaction, error) {
	var out []ServiceLineTransaction
	for _, tx := range m.txs {
		if tx.PaymentID == paymentID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	m.txCalls++
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return ErrConcurrencyConflict
	}
	before := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(before)
		return err
	}
	return nil
}

func (m *memoryStore) GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *memoryStore) GetServiceLinesForUpdate(ctx context.Context, ids []int64) ([]LineWithClaim, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var out []LineWithClaim
	for _, id := range sorted {
		if l, ok := m.lines[id]; ok {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *memoryStore) AppendTransactions(ctx context.Context, txs []ServiceLineTransaction) ([]ServiceLineTransaction, error) {
	out := make([]ServiceLineTransaction, 0, len(txs))
	for _, tx := range txs {
		m.nextTxID++
		tx.ID = m.nextTxID
		tx.CreatedAt = time.Now()
		m.txs = append(m.txs, tx)
		out = append(out, tx)
	}
	return out, nil
}

func (m *memoryStore) UpdateServiceLine(ctx context.Context, line ServiceLine) error {
	existing, ok := m.lines[line.ID]
	if !ok {
		return ErrNotFound
	}
	existing.ServiceLine = line
	return nil
}

func (m *memoryStore) GetClaimLines(ctx context.Context, claimID int64) ([]ServiceLine, error) {
	var out []ServiceLine
	for _, l := range m.lines {
		if l.ClaimID == claimID {
			out = append(out, l.ServiceLine)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) UpdateClaimStatus(ctx context.Context, claimID int64, status ClaimStatus) error {
	claim, ok := m.claims[claimID]
	if !ok {
		return ErrNotFound
	}
	claim.Status = status
	for _, l := range m.lines {
		if l.ClaimID == claimID {
			l.ClaimStatus = status
		}
	}
	return nil
}

func (m *memoryStore) UpdatePayment(ctx context.Context, payment Payment) error {
	existing, ok := m.payments[payment.ID]
	if !ok {
		return ErrNotFound
	}
	*existing = payment
	return nil
}

type recordingInvalidator struct {
	patientIDs []int64
}

func (r *recordingInvalidator) PatientLedgerChanged(ctx context.Context, patientID int64) error {
	r.patientIDs = append(r.patientIDs, patientID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func payloadLine(lineID int64, paid, adjusted string) TransactionLine {
	return TransactionLine{
		ServiceLineID:  lineID,
		PaidAmount:     d(paid),
		AdjustedAmount: d(adjusted),
		ReceivedDate:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		PayerName:      "Delta Dental",
	}
}

func TestApplyTransactionPayload_PartialThenPaid(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addLine(2, 1, "300")
	store.addPayment(1, 10, "800")

	inv := &recordingInvalidator{}
	svc := NewService(testLogger(), store, WithInvalidator(inv))

	res, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "300", "0")},
	})
	require.NoError(t, err)
	require.Equal(t, PaymentStatusPartial, res.Payment.Status)
	require.True(t, res.Payment.TotalPaid.Equal(d("300")))
	require.Len(t, res.UpdatedLines, 1)
	require.Equal(t, LineStatusPartiallyPaid, res.UpdatedLines[0].Status)
	require.Equal(t, ClaimStatusPartiallyPaid, res.UpdatedClaim.Status)
	require.Len(t, res.Transactions, 1)
	require.NotZero(t, res.Transactions[0].ID)
	require.Equal(t, []int64{10}, inv.patientIDs)

	res, err = svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines: []TransactionLine{
			payloadLine(1, "200", "0"),
			payloadLine(2, "300", "0"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, PaymentStatusComplete, res.Payment.Status)
	require.True(t, res.Payment.TotalPaid.Equal(d("800")))
	require.Equal(t, ClaimStatusPaid, res.UpdatedClaim.Status)
	for _, l := range res.UpdatedLines {
		require.Equal(t, LineStatusPaid, l.Status)
		require.True(t, l.RemainingBalance().IsZero())
	}
	require.Len(t, store.txs, 3)
}

func TestApplyTransactionPayload_AdjustmentSettlesLine(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "200")
	store.addPayment(1, 10, "100")

	svc := NewService(testLogger(), store)

	res, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "100", "100")},
	})
	require.NoError(t, err)
	require.Equal(t, LineStatusAdjusted, res.UpdatedLines[0].Status)
	require.Equal(t, ClaimStatusPaid, res.UpdatedClaim.Status)
	require.Equal(t, PaymentStatusComplete, res.Payment.Status)
	require.True(t, res.Payment.TotalPaid.Equal(d("100")))
}

func TestApplyTransactionPayload_InsufficientBalanceLeavesLedgerUntouched(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "200")
	store.addPayment(1, 10, "250")

	inv := &recordingInvalidator{}
	svc := NewService(testLogger(), store, WithInvalidator(inv))

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "250", "0")},
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	var ibe *InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	require.Len(t, ibe.Lines, 1)
	require.Equal(t, int64(1), ibe.Lines[0].ServiceLineID)
	require.True(t, ibe.Lines[0].Requested.Equal(d("250")))
	require.True(t, ibe.Lines[0].Remaining.Equal(d("200")))

	require.Empty(t, store.txs)
	require.Equal(t, LineStatusOpen, store.lines[1].Status)
	require.True(t, store.lines[1].PaidTotal.IsZero())
	require.Equal(t, PaymentStatusPending, store.payments[1].Status)
	require.Empty(t, inv.patientIDs)
}

func TestApplyTransactionPayload_ReportsAllViolations(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "100")
	store.addLine(2, 1, "100")
	store.addLine(3, 1, "500")
	store.addPayment(1, 10, "1000")

	svc := NewService(testLogger(), store)

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines: []TransactionLine{
			payloadLine(1, "150", "0"),
			payloadLine(2, "90", "20"),
			payloadLine(3, "500", "0"),
		},
	})
	var ibe *InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	require.Len(t, ibe.Lines, 2)
	require.Equal(t, int64(1), ibe.Lines[0].ServiceLineID)
	require.Equal(t, int64(2), ibe.Lines[1].ServiceLineID)
	require.Empty(t, store.txs)
}

func TestApplyTransactionPayload_AggregatesDuplicateLineItems(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "200")
	store.addPayment(1, 10, "300")

	svc := NewService(testLogger(), store)

	// Two payload items on the same line exceed the remaining balance only
	// when summed.
	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines: []TransactionLine{
			payloadLine(1, "150", "0"),
			payloadLine(1, "100", "0"),
		},
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	res, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines: []TransactionLine{
			payloadLine(1, "150", "0"),
			payloadLine(1, "50", "0"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, LineStatusPaid, res.UpdatedLines[0].Status)
	require.Len(t, res.Transactions, 2)
	require.True(t, store.lines[1].PaidTotal.Equal(d("200")))
}

func TestApplyTransactionPayload_CrossPatientRejected(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addClaim(2, 20, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addLine(2, 2, "300")
	store.addPayment(1, 10, "800")

	svc := NewService(testLogger(), store)

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines: []TransactionLine{
			payloadLine(1, "100", "0"),
			payloadLine(2, "100", "0"),
		},
	})
	require.ErrorIs(t, err, ErrConstraintViolation)
	require.Empty(t, store.txs)
}

func TestApplyTransactionPayload_UnknownLineNotFound(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")

	svc := NewService(testLogger(), store)

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(99, "100", "0")},
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyTransactionPayload_VoidPaymentRejected(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")
	store.payments[1].Status = PaymentStatusVoid

	svc := NewService(testLogger(), store)

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "100", "0")},
	})
	require.ErrorIs(t, err, ErrPaymentVoid)
	require.Empty(t, store.txs)
}

func TestApplyTransactionPayload_RetriesConflicts(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")
	store.conflictsLeft = 2

	svc := NewService(testLogger(), store, WithRetryPolicy(3, time.Millisecond))

	res, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "500", "0")},
	})
	require.NoError(t, err)
	require.Equal(t, 3, store.txCalls)
	require.Equal(t, PaymentStatusComplete, res.Payment.Status)
}

func TestApplyTransactionPayload_ConflictBudgetExhausted(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")
	store.conflictsLeft = 10

	svc := NewService(testLogger(), store, WithRetryPolicy(2, time.Millisecond))

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "500", "0")},
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, 3, store.txCalls)
}

func TestApplyTransactionPayload_ValidationErrors(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")

	svc := NewService(testLogger(), store)

	cases := []struct {
		name    string
		payload TransactionPayload
	}{
		{
			name:    "no lines",
			payload: TransactionPayload{PaymentID: 1},
		},
		{
			name: "negative paid amount",
			payload: TransactionPayload{
				PaymentID: 1,
				Lines:     []TransactionLine{payloadLine(1, "-10", "0")},
			},
		},
		{
			name: "negative adjusted amount",
			payload: TransactionPayload{
				PaymentID: 1,
				Lines:     []TransactionLine{payloadLine(1, "10", "-5")},
			},
		},
		{
			name: "both amounts zero",
			payload: TransactionPayload{
				PaymentID: 1,
				Lines:     []TransactionLine{payloadLine(1, "0", "0")},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplyTransactionPayload(context.Background(), tc.payload)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Empty(t, store.txs)
		})
	}
}

func TestVoidPayment(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")

	svc := NewService(testLogger(), store)

	voided, err := svc.VoidPayment(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusVoid, voided.Status)

	// Voiding again is a no-op.
	again, err := svc.VoidPayment(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusVoid, again.Status)

	_, err = svc.VoidPayment(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPaymentWithTransactions(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "500")
	store.addPayment(1, 10, "500")

	svc := NewService(testLogger(), store)

	_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "200", "0")},
	})
	require.NoError(t, err)

	payment, txs, err := svc.GetPaymentWithTransactions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusPartial, payment.Status)
	require.Len(t, txs, 1)
	require.True(t, txs[0].PaidAmount.Equal(d("200")))
}

// TestApplyTransactionPayload_RandomSequences applies many randomly drawn
// payloads against one claim and checks the line totals after every
// application: paid never exceeds billed and no remaining balance goes
// negative. Overdraw attempts are interleaved and must leave totals intact.
func TestApplyTransactionPayload_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(20260310))

	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	lineIDs := []int64{1, 2, 3, 4}
	for _, id := range lineIDs {
		billedCents := int64(rng.Intn(200_000) + 100)
		store.addLine(id, 1, decimal.New(billedCents, -2).String())
	}
	store.addPayment(1, 10, "10000")

	svc := NewService(testLogger(), store)

	checkTotals := func() {
		t.Helper()
		for _, id := range lineIDs {
			line := store.lines[id].ServiceLine
			require.Truef(t, line.PaidTotal.LessThanOrEqual(line.BilledAmount),
				"line %d: paid %s exceeds billed %s", id, line.PaidTotal, line.BilledAmount)
			require.Falsef(t, line.RemainingBalance().IsNegative(),
				"line %d: remaining %s went negative", id, line.RemainingBalance())
		}
	}

	randomLine := func(id int64, cents int64) TransactionLine {
		paid := rng.Int63n(cents + 1)
		return TransactionLine{
			ServiceLineID:  id,
			PaidAmount:     decimal.New(paid, -2),
			AdjustedAmount: decimal.New(cents-paid, -2),
			ReceivedDate:   time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
			PayerName:      "Delta Dental",
		}
	}

	for i := 0; i < 250; i++ {
		var lines []TransactionLine
		for _, id := range lineIDs {
			remaining := store.lines[id].RemainingBalance()
			if !remaining.IsPositive() || rng.Intn(2) == 0 {
				continue
			}
			centsLeft := remaining.Mul(decimal.NewFromInt(100)).IntPart()
			lines = append(lines, randomLine(id, rng.Int63n(centsLeft)+1))
		}
		if len(lines) == 0 {
			continue
		}

		if rng.Intn(5) == 0 {
			// One cent past the remaining balance must be rejected wholesale.
			over := lines[0]
			overCents := store.lines[over.ServiceLineID].RemainingBalance().
				Mul(decimal.NewFromInt(100)).IntPart() + 1
			before := store.snapshot()
			_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
				PaymentID: 1,
				Lines:     []TransactionLine{randomLine(over.ServiceLineID, overCents)},
			})
			require.ErrorIs(t, err, ErrInsufficientBalance)
			for _, id := range lineIDs {
				require.True(t, store.lines[id].PaidTotal.Equal(before.lines[id].PaidTotal))
				require.True(t, store.lines[id].AdjustedTotal.Equal(before.lines[id].AdjustedTotal))
			}
			checkTotals()
			continue
		}

		_, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
			PaymentID: 1,
			Lines:     lines,
		})
		require.NoError(t, err)
		checkTotals()
	}
}

func TestApplyTransactionPayload_AdjustmentOnlyPaymentIsPartial(t *testing.T) {
	store := newMemoryStore()
	store.addClaim(1, 10, ClaimStatusApproved)
	store.addLine(1, 1, "200")
	store.addPayment(1, 10, "200")

	svc := NewService(testLogger(), store)

	res, err := svc.ApplyTransactionPayload(context.Background(), TransactionPayload{
		PaymentID: 1,
		Lines:     []TransactionLine{payloadLine(1, "0", "50")},
	})
	require.NoError(t, err)
	require.True(t, res.Payment.TotalPaid.IsZero())
	// A write-off moved money on the ledger, so PENDING no longer applies.
	require.Equal(t, PaymentStatusPartial, res.Payment.Status)
	require.Equal(t, LineStatusPartiallyPaid, res.UpdatedLines[0].Status)
}
