package ledger

import "github.com/shopspring/decimal"

// The status machines are pure functions over ledger amounts so that every
// status can be re-derived from stored rows at any time.

// DeriveServiceLineStatus computes a line's status from its amounts. VOID is
// a terminal override set only by explicit cancellation and is never
// inferred here.
func DeriveServiceLineStatus(billed, paid, adjusted decimal.Decimal, current ServiceLineStatus) ServiceLineStatus {
	if current == LineStatusVoid {
		return LineStatusVoid
	}
	settled := paid.Add(adjusted)
	switch {
	case settled.IsZero():
		return LineStatusOpen
	case settled.GreaterThanOrEqual(billed):
		// Fully closed. A remainder written off by adjustment counts as
		// ADJUSTED; a line paid in full counts as PAID.
		if paid.GreaterThanOrEqual(billed) {
			return LineStatusPaid
		}
		return LineStatusAdjusted
	default:
		return LineStatusPartiallyPaid
	}
}

// DeriveClaimStatus recomputes a claim's status from its lines. Pre-payment
// statuses belong to the intake workflow and are left alone until money has
// moved on at least one line.
func DeriveClaimStatus(current ClaimStatus, lines []ServiceLine) ClaimStatus {
	if current == ClaimStatusClosed {
		return ClaimStatusClosed
	}

	anyMoney := false
	allSettled := len(lines) > 0
	for _, l := range lines {
		if l.Status == LineStatusVoid {
			continue
		}
		if !l.PaidTotal.IsZero() || !l.AdjustedTotal.IsZero() {
			anyMoney = true
		}
		if l.Status != LineStatusPaid && l.Status != LineStatusAdjusted {
			allSettled = false
		}
	}
	if !anyMoney {
		return current
	}
	if allSettled {
		return ClaimStatusPaid
	}
	return ClaimStatusPartiallyPaid
}

// DerivePaymentStatus computes a payment's status from its running totals.
// VOID is sticky: a cancelled payment never leaves that state. PENDING means
// no transactions at all, so a payment whose only transactions are
// adjustments reads PARTIAL even though totalPaid is zero.
func DerivePaymentStatus(current PaymentStatus, totalPaid, totalDue decimal.Decimal, hasTransactions bool) PaymentStatus {
	if current == PaymentStatusVoid {
		return PaymentStatusVoid
	}
	switch {
	case !hasTransactions && totalPaid.IsZero():
		return PaymentStatusPending
	case totalPaid.GreaterThanOrEqual(totalDue):
		return PaymentStatusComplete
	default:
		return PaymentStatusPartial
	}
}
