package balances

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dentara/dentara-pms/internal/platform/httpx"
)

// Handler exposes balance reports to the surrounding API layer.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers balance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/patients/balances", h.getPatientBalances)
	r.Get("/doctors/{id}/balances", h.getDoctorBalances)
}

func (h *Handler) getPatientBalances(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r)

	result, err := h.service.GetPatientBalances(r.Context(), filter, cursor, limit)
	if err != nil {
		h.logger.Error("get patient balances", slog.Any("error", err))
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getDoctorBalances(w http.ResponseWriter, r *http.Request) {
	doctorID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || doctorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Doctor ID", "doctor id must be a positive integer")
		return
	}
	cursor := r.URL.Query().Get("cursor")
	limit := parseLimit(r)

	result, err := h.service.GetDoctorBalancesAndSummary(r.Context(), doctorID, cursor, limit)
	if err != nil {
		h.logger.Error("get doctor balances", slog.Int64("doctor_id", doctorID), slog.Any("error", err))
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type filterError struct{ detail string }

func (e *filterError) Error() string { return e.detail }

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	var filter Filter

	if raw := q.Get("patient_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Filter{}, &filterError{"patient_id must be a positive integer"}
		}
		filter.PatientID = id
	}
	if raw := q.Get("doctor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Filter{}, &filterError{"doctor_id must be a positive integer"}
		}
		filter.DoctorID = id
	}
	if raw := q.Get("min_balance"); raw != "" {
		min, err := decimal.NewFromString(raw)
		if err != nil {
			return Filter{}, &filterError{"min_balance must be a decimal number"}
		}
		filter.MinBalance = &min
	}
	if raw := q.Get("as_of"); raw != "" {
		asOf, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return Filter{}, &filterError{"as_of must be formatted YYYY-MM-DD"}
		}
		filter.AsOfDate = &asOf
	}
	return filter, nil
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
