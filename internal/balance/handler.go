package balance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires HTTP endpoints for balance reports and the dirty-period
// tracker.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers balance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/report", h.report)
	r.Post("/mark-dirty", h.markDirty)
	r.Post("/opening", h.opening)
}

type reportRequest struct {
	Book      string `json:"book" validate:"required,oneof=stock money"`
	EntityID  int64  `json:"entity_id" validate:"required"`
	BranchID  int64  `json:"branch_id" validate:"required"`
	FromYear  int    `json:"from_year" validate:"required,min=2000,max=2100"`
	FromMonth int    `json:"from_month" validate:"required,min=1,max=12"`
	ToYear    int    `json:"to_year" validate:"required,min=2000,max=2100"`
	ToMonth   int    `json:"to_month" validate:"required,min=1,max=12"`
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	report, err := h.service.Report(r.Context(), ReportRequest{
		Book:     shared.Book(req.Book),
		EntityID: req.EntityID,
		BranchID: req.BranchID,
		From:     shared.Period{Year: req.FromYear, Month: req.FromMonth},
		To:       shared.Period{Year: req.ToYear, Month: req.ToMonth},
	})
	if err != nil {
		h.logger.Error("balance report", slog.Any("error", err), slog.Int64("entity_id", req.EntityID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

type markDirtyRequest struct {
	Book     string `json:"book" validate:"required,oneof=stock money"`
	EntityID int64  `json:"entity_id" validate:"required"`
	BranchID int64  `json:"branch_id" validate:"required"`
	Year     int    `json:"year" validate:"required,min=2000,max=2100"`
	Month    int    `json:"month" validate:"required,min=1,max=12"`
}

func (h *Handler) markDirty(w http.ResponseWriter, r *http.Request) {
	var req markDirtyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	marked, err := h.service.MarkDirtyFrom(r.Context(), shared.Book(req.Book),
		req.EntityID, req.BranchID, shared.Period{Year: req.Year, Month: req.Month})
	if err != nil {
		h.logger.Error("mark dirty", slog.Any("error", err), slog.Int64("entity_id", req.EntityID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"marked": marked})
}

func (h *Handler) opening(w http.ResponseWriter, r *http.Request) {
	var req markDirtyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	opening, err := h.service.OpeningBalance(r.Context(), shared.Book(req.Book),
		req.EntityID, req.BranchID, shared.Period{Year: req.Year, Month: req.Month})
	if err != nil {
		h.logger.Error("opening balance", slog.Any("error", err), slog.Int64("entity_id", req.EntityID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"opening": opening})
}
