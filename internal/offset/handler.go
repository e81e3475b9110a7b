package offset

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the offset engine.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers offset routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/offsets", h.apply)
	r.Get("/offsets", h.list)
	r.Get("/offsets/{id}", h.get)
	r.Post("/offsets/{id}/reverse", h.reverse)
}

type applyRequest struct {
	AccountID int64 `json:"account_id" validate:"required"`
	BranchID  int64 `json:"branch_id" validate:"required"`
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.Apply(r.Context(), req.AccountID, req.BranchID)
	if err != nil {
		h.logger.Error("apply offset", slog.Any("error", err), slog.Int64("account_id", req.AccountID))
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if result.Applied() {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	branchID, _ := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)

	vouchers, err := h.service.ListByAccount(r.Context(), accountID, branchID)
	if err != nil {
		h.logger.Error("list offsets", slog.Any("error", err), slog.Int64("account_id", accountID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"offsets": vouchers})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "offset ID must be numeric")
		return
	}
	voucher, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, voucher)
}

type reverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "offset ID must be numeric")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	if err := h.service.Reverse(r.Context(), id, req.Reason); err != nil {
		h.logger.Error("reverse offset", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(VoucherReversed)})
}
