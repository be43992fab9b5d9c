package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimStatus enumerates claim statuses.
type ClaimStatus string

const (
	ClaimStatusDraft         ClaimStatus = "DRAFT"
	ClaimStatusSubmitted     ClaimStatus = "SUBMITTED"
	ClaimStatusApproved      ClaimStatus = "APPROVED"
	ClaimStatusDenied        ClaimStatus = "DENIED"
	ClaimStatusPartiallyPaid ClaimStatus = "PARTIALLY_PAID"
	ClaimStatusPaid          ClaimStatus = "PAID"
	ClaimStatusClosed        ClaimStatus = "CLOSED"
)

// ServiceLineStatus enumerates service line statuses.
type ServiceLineStatus string

const (
	LineStatusOpen          ServiceLineStatus = "OPEN"
	LineStatusPartiallyPaid ServiceLineStatus = "PARTIALLY_PAID"
	LineStatusPaid          ServiceLineStatus = "PAID"
	LineStatusAdjusted      ServiceLineStatus = "ADJUSTED"
	LineStatusVoid          ServiceLineStatus = "VOID"
)

// PaymentStatus enumerates payment statuses.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPartial  PaymentStatus = "PARTIAL"
	PaymentStatusComplete PaymentStatus = "COMPLETE"
	PaymentStatusVoid     PaymentStatus = "VOID"
)

// Claim bundles the service lines of one insurance submission for a patient
// visit. Claim status is derived from the lines after every reconciliation;
// only the pre-payment subset (DRAFT..DENIED) is set by the intake workflow.
type Claim struct {
	ID            int64         `json:"id"`
	PatientID     int64         `json:"patientId"`
	AppointmentID int64         `json:"appointmentId"`
	Status        ClaimStatus   `json:"status"`
	Lines         []ServiceLine `json:"lines,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ServiceLine is one billable procedure within a claim. PaidTotal and
// AdjustedTotal are maintained from the line's transactions.
type ServiceLine struct {
	ID            int64             `json:"id"`
	ClaimID       int64             `json:"claimId"`
	ProcedureCode string            `json:"procedureCode"`
	ProcedureDate time.Time         `json:"procedureDate"`
	BilledAmount  decimal.Decimal   `json:"billedAmount"`
	PaidTotal     decimal.Decimal   `json:"paidTotal"`
	AdjustedTotal decimal.Decimal   `json:"adjustedTotal"`
	Status        ServiceLineStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// RemainingBalance reports the amount still open on the line.
func (l ServiceLine) RemainingBalance() decimal.Decimal {
	return l.BilledAmount.Sub(l.PaidTotal).Sub(l.AdjustedTotal)
}

// Payment is one payer's remittance. TotalPaid is the sum of its
// transactions' paid amounts; TotalDue is fixed when the payment is opened.
type Payment struct {
	ID        int64           `json:"id"`
	PatientID int64           `json:"patientId"`
	ClaimID   *int64          `json:"claimId,omitempty"`
	Method    string          `json:"method"`
	Status    PaymentStatus   `json:"status"`
	TotalPaid decimal.Decimal `json:"totalPaid"`
	TotalDue  decimal.Decimal `json:"totalDue"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ServiceLineTransaction applies part of a payment to one service line.
// Rows are immutable once written; corrections are new transactions.
type ServiceLineTransaction struct {
	ID             int64           `json:"id"`
	PaymentID      int64           `json:"paymentId"`
	ServiceLineID  int64           `json:"serviceLineId"`
	PaidAmount     decimal.Decimal `json:"paidAmount"`
	AdjustedAmount decimal.Decimal `json:"adjustedAmount"`
	ReceivedDate   time.Time       `json:"receivedDate"`
	PayerName      string          `json:"payerName,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// TransactionLine is one line item of a transaction payload.
type TransactionLine struct {
	ServiceLineID  int64           `json:"serviceLineId" validate:"required,gt=0"`
	PaidAmount     decimal.Decimal `json:"paidAmount"`
	AdjustedAmount decimal.Decimal `json:"adjustedAmount"`
	ReceivedDate   time.Time       `json:"receivedDate" validate:"required"`
	PayerName      string          `json:"payerName,omitempty" validate:"max=120"`
	Notes          string          `json:"notes,omitempty" validate:"max=500"`
}

// TransactionPayload is the input to ApplyTransactionPayload.
type TransactionPayload struct {
	PaymentID int64             `json:"paymentId" validate:"required,gt=0"`
	Lines     []TransactionLine `json:"lines" validate:"required,min=1,dive"`
}

// ReconciliationResult is the post-state returned to the caller after a
// payload has been applied, for immediate UI refresh.
type ReconciliationResult struct {
	Payment      Payment
	UpdatedLines []ServiceLine
	UpdatedClaim Claim
	Transactions []ServiceLineTransaction
}
