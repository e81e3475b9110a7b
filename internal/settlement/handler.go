package settlement

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for outstandings and FIFO settlement.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/outstandings", h.listOutstandings)
	r.Post("/outstandings", h.createOutstanding)
	r.Get("/outstandings/{id}", h.getOutstanding)
	r.Post("/outstandings/{id}/dispute", h.disputeOutstanding)
	r.Post("/outstandings/{id}/resolve", h.resolveOutstanding)
	r.Post("/outstandings/{id}/write-off", h.writeOffOutstanding)
	r.Post("/settlements", h.settle)
	r.Post("/settlements/reverse/{voucherID}", h.reverse)
}

type createOutstandingRequest struct {
	AccountID   int64   `json:"account_id" validate:"required"`
	BranchID    int64   `json:"branch_id" validate:"required"`
	Type        string  `json:"type" validate:"required,oneof=dr cr"`
	VoucherID   int64   `json:"voucher_id" validate:"required"`
	VoucherNo   string  `json:"voucher_no" validate:"required"`
	VoucherDate string  `json:"voucher_date" validate:"required,datetime=2006-01-02"`
	DueDate     string  `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) createOutstanding(w http.ResponseWriter, r *http.Request) {
	var req createOutstandingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	voucherDate, _ := time.Parse("2006-01-02", req.VoucherDate)
	var dueDate time.Time
	if req.DueDate != "" {
		dueDate, _ = time.Parse("2006-01-02", req.DueDate)
	}

	outstanding, err := h.service.RecordOutstanding(r.Context(), OutstandingInput{
		AccountID:   req.AccountID,
		BranchID:    req.BranchID,
		Type:        OutstandingType(req.Type),
		VoucherID:   req.VoucherID,
		VoucherNo:   req.VoucherNo,
		VoucherDate: voucherDate,
		DueDate:     dueDate,
		Amount:      req.Amount,
	})
	if err != nil {
		h.logger.Error("create outstanding", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, outstanding)
}

func (h *Handler) listOutstandings(w http.ResponseWriter, r *http.Request) {
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	branchID, _ := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	openOnly := r.URL.Query().Get("open") == "true"

	rows, err := h.service.ListByAccount(r.Context(), accountID, branchID, openOnly)
	if err != nil {
		h.logger.Error("list outstandings", slog.Any("error", err), slog.Int64("account_id", accountID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"outstandings": rows})
}

func (h *Handler) getOutstanding(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "outstanding ID must be numeric")
		return
	}
	outstanding, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outstanding)
}

type settleRequest struct {
	AccountID int64   `json:"account_id" validate:"required"`
	BranchID  int64   `json:"branch_id" validate:"required"`
	Direction string  `json:"direction" validate:"required,oneof=receipt payment"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	VoucherID int64   `json:"voucher_id" validate:"required"`
	VoucherNo string  `json:"voucher_no" validate:"required"`
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	result, err := h.service.SettleFIFO(r.Context(), SettleInput{
		AccountID: req.AccountID,
		BranchID:  req.BranchID,
		Direction: Direction(req.Direction),
		Amount:    req.Amount,
		VoucherID: req.VoucherID,
		VoucherNo: req.VoucherNo,
	})
	if err != nil {
		h.logger.Error("settle FIFO", slog.Any("error", err), slog.Int64("voucher_id", req.VoucherID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	voucherID, err := strconv.ParseInt(chi.URLParam(r, "voucherID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "voucher ID must be numeric")
		return
	}
	count, err := h.service.ReverseSettlements(r.Context(), voucherID)
	if err != nil {
		h.logger.Error("reverse settlements", slog.Any("error", err), slog.Int64("voucher_id", voucherID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reversed": count})
}

func (h *Handler) disputeOutstanding(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.service.Dispute, string(StatusDisputed))
}

func (h *Handler) resolveOutstanding(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.service.Resolve, string(StatusPending))
}

func (h *Handler) writeOffOutstanding(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.service.WriteOff, string(StatusWrittenOff))
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error, status string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "outstanding ID must be numeric")
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.logger.Error("set outstanding status", slog.Any("error", err),
			slog.Int64("id", id), slog.String("status", status))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}
