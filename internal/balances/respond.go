package balances

import (
	"context"
	"errors"
	"net/http"

	"github.com/dentara/dentara-pms/internal/platform/httpx"
)

// respondError maps balance report errors to RFC7807 responses.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidCursor):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Cursor", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httpx.ProblemJSON(w, http.StatusServiceUnavailable, httpx.ProblemDetail{
			Title:     "Store Unavailable",
			Status:    http.StatusServiceUnavailable,
			Detail:    "the balance store did not respond in time",
			Retryable: true,
		})
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
