package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// NewRepository constructs a repository. callTimeout bounds every store call;
// zero falls back to a conservative default.
func NewRepository(pool *pgxpool.Pool, callTimeout time.Duration) *Repository {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Repository{pool: pool, callTimeout: callTimeout}
}

// mapStoreError translates pgx failures into the ledger error taxonomy.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
			return errors.Join(ErrConcurrencyConflict, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return errors.Join(ErrConstraintViolation, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return err
}

const claimColumns = `id, patient_id, appointment_id, status, created_at, updated_at`
const lineColumns = `id, claim_id, procedure_code, procedure_date, billed_amount, paid_total, adjusted_total, status, created_at, updated_at`
const paymentColumns = `id, patient_id, claim_id, method, status, total_paid, total_due, created_at, updated_at`

func scanLine(row pgx.Row) (ServiceLine, error) {
	var l ServiceLine
	err := row.Scan(&l.ID, &l.ClaimID, &l.ProcedureCode, &l.ProcedureDate, &l.BilledAmount, &l.PaidTotal, &l.AdjustedTotal, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// GetClaimWithLines loads a claim and its lines in insertion order.
func (r *Repository) GetClaimWithLines(ctx context.Context, claimID int64) (*Claim, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	var c Claim
	err := r.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=$1`, claimID).
		Scan(&c.ID, &c.PatientID, &c.AppointmentID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapStoreError(err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM service_lines WHERE claim_id=$1 ORDER BY id`, claimID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, mapStoreError(err)
		}
		c.Lines = append(c.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(err)
	}
	return &c, nil
}

// GetPayment loads a payment by id.
func (r *Repository) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	var p Payment
	err := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id).
		Scan(&p.ID, &p.PatientID, &p.ClaimID, &p.Method, &p.Status, &p.TotalPaid, &p.TotalDue, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &p, nil
}

// ListPaymentTransactions returns a payment's transactions oldest first.
func (r *Repository) ListPaymentTransactions(ctx context.Context, paymentID int64) ([]ServiceLineTransaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, service_line_id, paid_amount, adjusted_amount, received_date, payer_name, notes, created_at
FROM service_line_transactions WHERE payment_id=$1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	defer rows.Close()
	var txs []ServiceLineTransaction
	for rows.Next() {
		var t ServiceLineTransaction
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.ServiceLineID, &t.PaidAmount, &t.AdjustedAmount, &t.ReceivedDate, &t.PayerName, &t.Notes, &t.CreatedAt); err != nil {
			return nil, mapStoreError(err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(err)
	}
	return txs, nil
}

// WithTx wraps fn in a repeatable-read transaction. Store failures inside fn
// keep their taxonomy mapping; commit and begin failures are mapped here.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout*4)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return mapStoreError(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapStoreError(err)
	}
	return nil
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) GetPaymentForUpdate(ctx context.Context, id int64) (*Payment, error) {
	var p Payment
	err := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id).
		Scan(&p.ID, &p.PatientID, &p.ClaimID, &p.Method, &p.Status, &p.TotalPaid, &p.TotalDue, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return &p, nil
}

func (t *txRepo) GetServiceLinesForUpdate(ctx context.Context, ids []int64) ([]LineWithClaim, error) {
	// Locked in id order so concurrent payloads touching overlapping line
	// sets acquire locks in the same sequence.
	rows, err := t.tx.Query(ctx, `SELECT sl.id, sl.claim_id, sl.procedure_code, sl.procedure_date, sl.billed_amount, sl.paid_total, sl.adjusted_total, sl.status, sl.created_at, sl.updated_at,
c.patient_id, c.status
FROM service_lines sl
JOIN claims c ON c.id = sl.claim_id
WHERE sl.id = ANY($1)
ORDER BY sl.id
FOR UPDATE OF sl`, ids)
	if err != nil {
		return nil, mapStoreError(err)
	}
	defer rows.Close()
	var lines []LineWithClaim
	for rows.Next() {
		var l LineWithClaim
		if err := rows.Scan(&l.ID, &l.ClaimID, &l.ProcedureCode, &l.ProcedureDate, &l.BilledAmount, &l.PaidTotal, &l.AdjustedTotal, &l.Status, &l.CreatedAt, &l.UpdatedAt, &l.ClaimPatientID, &l.ClaimStatus); err != nil {
			return nil, mapStoreError(err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(err)
	}
	return lines, nil
}

func (t *txRepo) AppendTransactions(ctx context.Context, txs []ServiceLineTransaction) ([]ServiceLineTransaction, error) {
	out := make([]ServiceLineTransaction, 0, len(txs))
	for _, in := range txs {
		row := t.tx.QueryRow(ctx, `INSERT INTO service_line_transactions
(payment_id, service_line_id, paid_amount, adjusted_amount, received_date, payer_name, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
RETURNING id, created_at`, in.PaymentID, in.ServiceLineID, in.PaidAmount, in.AdjustedAmount, in.ReceivedDate, in.PayerName, in.Notes)
		if err := row.Scan(&in.ID, &in.CreatedAt); err != nil {
			return nil, mapStoreError(err)
		}
		out = append(out, in)
	}
	return out, nil
}

func (t *txRepo) UpdateServiceLine(ctx context.Context, line ServiceLine) error {
	tag, err := t.tx.Exec(ctx, `UPDATE service_lines SET paid_total=$1, adjusted_total=$2, status=$3, updated_at=NOW() WHERE id=$4`,
		line.PaidTotal, line.AdjustedTotal, line.Status, line.ID)
	if err != nil {
		return mapStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) GetClaimLines(ctx context.Context, claimID int64) ([]ServiceLine, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+lineColumns+` FROM service_lines WHERE claim_id=$1 ORDER BY id`, claimID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	defer rows.Close()
	var lines []ServiceLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, mapStoreError(err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(err)
	}
	return lines, nil
}

func (t *txRepo) UpdateClaimStatus(ctx context.Context, claimID int64, status ClaimStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE claims SET status=$1, updated_at=NOW() WHERE id=$2`, status, claimID)
	if err != nil {
		return mapStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) UpdatePayment(ctx context.Context, payment Payment) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET total_paid=$1, status=$2, updated_at=NOW() WHERE id=$3`,
		payment.TotalPaid, payment.Status, payment.ID)
	if err != nil {
		return mapStoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
