package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for ledger postings.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/stock", h.postStock)
	r.Post("/money", h.postMoney)
}

type postStockRequest struct {
	ItemID   int64   `json:"item_id" validate:"required"`
	BranchID int64   `json:"branch_id" validate:"required"`
	TxnID    int64   `json:"txn_id" validate:"required"`
	TxnType  string  `json:"txn_type" validate:"required"`
	TxnNo    string  `json:"txn_no" validate:"required"`
	TxnDate  string  `json:"txn_date" validate:"required,datetime=2006-01-02"`
	Movement string  `json:"movement" validate:"required,oneof=in out"`
	Qty      float64 `json:"qty" validate:"required,gt=0"`
	Rate     float64 `json:"rate" validate:"gte=0"`
	TaxPct   float64 `json:"tax_pct" validate:"gte=0,lte=100"`
}

func (h *Handler) postStock(w http.ResponseWriter, r *http.Request) {
	var req postStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	txnDate, _ := time.Parse("2006-01-02", req.TxnDate)

	entry, err := h.service.PostStockEntry(r.Context(), StockPostInput{
		ItemID:   req.ItemID,
		BranchID: req.BranchID,
		TxnID:    req.TxnID,
		TxnType:  req.TxnType,
		TxnNo:    req.TxnNo,
		TxnDate:  txnDate,
		Movement: Movement(req.Movement),
		Qty:      req.Qty,
		Rate:     req.Rate,
		TaxPct:   req.TaxPct,
	})
	if err != nil {
		h.logger.Error("post stock entry", slog.Any("error", err), slog.Int64("txn_id", req.TxnID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

type postMoneyRequest struct {
	AccountID int64   `json:"account_id" validate:"required"`
	BranchID  int64   `json:"branch_id" validate:"required"`
	TxnID     int64   `json:"txn_id" validate:"required"`
	TxnType   string  `json:"txn_type" validate:"required"`
	TxnNo     string  `json:"txn_no" validate:"required"`
	TxnDate   string  `json:"txn_date" validate:"required,datetime=2006-01-02"`
	Side      string  `json:"side" validate:"required,oneof=debit credit"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) postMoney(w http.ResponseWriter, r *http.Request) {
	var req postMoneyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	txnDate, _ := time.Parse("2006-01-02", req.TxnDate)

	entry, err := h.service.PostMoneyEntry(r.Context(), MoneyPostInput{
		AccountID: req.AccountID,
		BranchID:  req.BranchID,
		TxnID:     req.TxnID,
		TxnType:   req.TxnType,
		TxnNo:     req.TxnNo,
		TxnDate:   txnDate,
		Side:      Side(req.Side),
		Amount:    req.Amount,
	})
	if err != nil {
		h.logger.Error("post money entry", slog.Any("error", err), slog.Int64("txn_id", req.TxnID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}
