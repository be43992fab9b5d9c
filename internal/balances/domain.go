package balances

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatientBalanceRow is the read-side projection of one patient's ledger.
// It is always recomputed from claims, service lines and transactions; the
// cache layer only ever stores what this projection produced.
type PatientBalanceRow struct {
	PatientID           int64           `json:"patientId"`
	FirstName           string          `json:"firstName"`
	LastName            string          `json:"lastName"`
	TotalCharges        decimal.Decimal `json:"totalCharges"`
	TotalPayments       decimal.Decimal `json:"totalPayments"`
	TotalAdjusted       decimal.Decimal `json:"totalAdjusted"`
	CurrentBalance      decimal.Decimal `json:"currentBalance"`
	LastPaymentDate     *time.Time      `json:"lastPaymentDate,omitempty"`
	LastAppointmentDate *time.Time      `json:"lastAppointmentDate,omitempty"`
}

// Summary aggregates the entire filtered patient set, not just one page.
type Summary struct {
	TotalPatients       int             `json:"totalPatients"`
	TotalOutstanding    decimal.Decimal `json:"totalOutstanding"`
	TotalCollected      decimal.Decimal `json:"totalCollected"`
	PatientsWithBalance int             `json:"patientsWithBalance"`
}

// Filter scopes a balance query.
type Filter struct {
	PatientID  int64
	DoctorID   int64
	MinBalance *decimal.Decimal
	AsOfDate   *time.Time
}

// Result is one page of balances plus the whole-set summary. AsOf and
// SnapshotID tell the caller exactly how fresh the figures are.
type Result struct {
	Balances   []PatientBalanceRow `json:"balances"`
	NextCursor string              `json:"nextCursor,omitempty"`
	HasMore    bool                `json:"hasMore"`
	Summary    Summary             `json:"summary"`
	AsOf       time.Time           `json:"asOf"`
	SnapshotID string              `json:"snapshotId"`
}
