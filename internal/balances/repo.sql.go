package balances

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGRepository computes balance projections straight from the ledger tables.
type PGRepository struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool, callTimeout time.Duration) *PGRepository {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &PGRepository{pool: pool, callTimeout: callTimeout}
}

// WithSnapshot runs fn in a read-only repeatable-read transaction so the
// page and its summary come from the same ledger state.
func (r *PGRepository) WithSnapshot(ctx context.Context, fn func(ctx context.Context, reader Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgReader{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgReader struct {
	tx pgx.Tx
}

// balanceRowsCTE derives per-patient totals from the ledger. Charges come
// from non-void service lines, payments and adjustments from transactions of
// non-void payments, both optionally truncated at the as-of date.
const balanceRowsCTE = `
WITH charges AS (
	SELECT c.patient_id,
	       SUM(sl.billed_amount) AS total_charges
	FROM service_lines sl
	JOIN claims c ON c.id = sl.claim_id
	WHERE sl.status <> 'VOID'
	  AND ($4::timestamptz IS NULL OR sl.procedure_date <= $4)
	GROUP BY c.patient_id
), activity AS (
	SELECT c.patient_id,
	       SUM(t.paid_amount) AS total_payments,
	       SUM(t.adjusted_amount) AS total_adjusted,
	       MAX(t.received_date) AS last_payment
	FROM service_line_transactions t
	JOIN service_lines sl ON sl.id = t.service_line_id
	JOIN claims c ON c.id = sl.claim_id
	JOIN payments pay ON pay.id = t.payment_id AND pay.status <> 'VOID'
	WHERE ($4::timestamptz IS NULL OR t.received_date <= $4)
	GROUP BY c.patient_id
), appts AS (
	SELECT patient_id, MAX(scheduled_at) AS last_appointment
	FROM appointments
	GROUP BY patient_id
), balance_rows AS (
	SELECT p.id AS patient_id,
	       p.first_name,
	       p.last_name,
	       COALESCE(ch.total_charges, 0) AS total_charges,
	       COALESCE(a.total_payments, 0) AS total_payments,
	       COALESCE(a.total_adjusted, 0) AS total_adjusted,
	       COALESCE(ch.total_charges, 0) - COALESCE(a.total_payments, 0) - COALESCE(a.total_adjusted, 0) AS current_balance,
	       a.last_payment,
	       ap.last_appointment
	FROM patients p
	LEFT JOIN charges ch ON ch.patient_id = p.id
	LEFT JOIN activity a ON a.patient_id = p.id
	LEFT JOIN appts ap ON ap.patient_id = p.id
	WHERE ($1::bigint = 0 OR p.id = $1)
	  AND ($2::bigint = 0 OR EXISTS (
	        SELECT 1 FROM appointments da
	        WHERE da.patient_id = p.id AND da.doctor_id = $2))
)`

func (r *pgReader) ListPage(ctx context.Context, filter Filter, after *Cursor, limit int) ([]PatientBalanceRow, error) {
	var cursorBalance *decimal.Decimal
	var cursorPatient int64
	if after != nil {
		cursorBalance = &after.Balance
		cursorPatient = after.PatientID
	}

	query := balanceRowsCTE + `
SELECT patient_id, first_name, last_name, total_charges, total_payments, total_adjusted, current_balance, last_payment, last_appointment
FROM balance_rows
WHERE ($3::numeric IS NULL OR current_balance >= $3)
  AND ($5::numeric IS NULL
       OR current_balance < $5
       OR (current_balance = $5 AND patient_id > $6))
ORDER BY current_balance DESC, patient_id ASC
LIMIT $7`

	rows, err := r.tx.Query(ctx, query,
		filter.PatientID, filter.DoctorID, filter.MinBalance, filter.AsOfDate,
		cursorBalance, cursorPatient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatientBalanceRow
	for rows.Next() {
		var row PatientBalanceRow
		if err := rows.Scan(&row.PatientID, &row.FirstName, &row.LastName,
			&row.TotalCharges, &row.TotalPayments, &row.TotalAdjusted, &row.CurrentBalance,
			&row.LastPaymentDate, &row.LastAppointmentDate); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pgReader) Summarize(ctx context.Context, filter Filter) (Summary, error) {
	query := balanceRowsCTE + `
SELECT COUNT(*),
       COALESCE(SUM(current_balance) FILTER (WHERE current_balance > 0), 0),
       COALESCE(SUM(total_payments), 0),
       COUNT(*) FILTER (WHERE current_balance > 0)
FROM balance_rows
WHERE ($3::numeric IS NULL OR current_balance >= $3)`

	var s Summary
	err := r.tx.QueryRow(ctx, query,
		filter.PatientID, filter.DoctorID, filter.MinBalance, filter.AsOfDate).
		Scan(&s.TotalPatients, &s.TotalOutstanding, &s.TotalCollected, &s.PatientsWithBalance)
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}
