package balances

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidCursor indicates a cursor token that cannot be decoded.
var ErrInvalidCursor = errors.New("balances: invalid cursor")

// Cursor encodes the last-seen sort key tuple of the default
// (currentBalance desc, patientId asc) ordering. Keyset cursors keep
// pagination stable under concurrent inserts and updates: a row changing
// pages between calls is never skipped or duplicated.
type Cursor struct {
	Balance   decimal.Decimal `json:"balance"`
	PatientID int64           `json:"patientId"`
}

// Encode serialises the cursor as a base64 JSON token.
func (c Cursor) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses and validates a cursor token. An empty token means
// "start from the beginning" and returns a nil cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: decode failed: %w", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: unmarshal failed: %w", ErrInvalidCursor, err)
	}
	if c.PatientID <= 0 {
		return nil, fmt.Errorf("%w: missing patient id", ErrInvalidCursor)
	}
	return &c, nil
}

// After reports whether row sorts strictly after the cursor position under
// (balance desc, patientId asc).
func (c *Cursor) After(row PatientBalanceRow) bool {
	if c == nil {
		return true
	}
	if row.CurrentBalance.LessThan(c.Balance) {
		return true
	}
	if row.CurrentBalance.Equal(c.Balance) {
		return row.PatientID > c.PatientID
	}
	return false
}
