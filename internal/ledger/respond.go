package ledger

import (
	"errors"
	"net/http"

	"github.com/dentara/dentara-pms/internal/platform/httpx"
)

// insufficientBalanceProblem extends the problem detail with the complete
// list of offending payload lines.
type insufficientBalanceProblem struct {
	httpx.ProblemDetail
	Violations []LineViolation `json:"violations"`
}

// respondError maps reconciliation errors to RFC7807 responses.
func respondError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientBalanceError
	var validation *ValidationError
	switch {
	case errors.As(err, &insufficient):
		httpx.ProblemJSON(w, http.StatusUnprocessableEntity, insufficientBalanceProblem{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Insufficient Balance",
				Status: http.StatusUnprocessableEntity,
				Detail: err.Error(),
			},
			Violations: insufficient.Lines,
		})
	case errors.As(err, &validation):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrPaymentVoid):
		httpx.Problem(w, http.StatusConflict, "Payment Void", err.Error())
	case errors.Is(err, ErrConstraintViolation):
		httpx.Problem(w, http.StatusConflict, "Constraint Violation", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.ProblemJSON(w, http.StatusConflict, httpx.ProblemDetail{
			Title:     "Concurrency Conflict",
			Status:    http.StatusConflict,
			Detail:    err.Error(),
			Retryable: true,
		})
	case errors.Is(err, ErrStoreUnavailable):
		httpx.ProblemJSON(w, http.StatusServiceUnavailable, httpx.ProblemDetail{
			Title:     "Store Unavailable",
			Status:    http.StatusServiceUnavailable,
			Detail:    "the ledger store did not respond in time",
			Retryable: true,
		})
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
