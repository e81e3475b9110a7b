package adjustment

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// DirtyTracker flags periods for recalculation after an edit is logged.
// *balance.Service satisfies it.
type DirtyTracker interface {
	MarkDirtyFrom(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (int64, error)
}

// Handler wires HTTP endpoints for the adjustment log.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	tracker   DirtyTracker
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, tracker DirtyTracker) *Handler {
	return &Handler{logger: logger, service: service, tracker: tracker, validator: validator.New()}
}

// MountRoutes registers adjustment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.record)
	r.Get("/{id}", h.get)
	r.Post("/{id}/cancel", h.cancel)
	r.Get("/by-txn/{txnID}", h.listByTxn)
}

type itemDeltaRequest struct {
	ItemID    int64   `json:"item_id" validate:"required"`
	QtyDelta  float64 `json:"qty_delta"`
	RateDelta float64 `json:"rate_delta"`
}

type recordRequest struct {
	TxnID        int64              `json:"txn_id" validate:"required"`
	TxnType      string             `json:"txn_type" validate:"required"`
	TxnNo        string             `json:"txn_no" validate:"required"`
	TxnDate      string             `json:"txn_date" validate:"required,datetime=2006-01-02"`
	BranchID     int64              `json:"branch_id" validate:"required"`
	OldAmount    float64            `json:"old_amount"`
	NewAmount    float64            `json:"new_amount"`
	ItemDeltas   []itemDeltaRequest `json:"item_deltas" validate:"dive"`
	OldAccountID int64              `json:"old_account_id"`
	NewAccountID int64              `json:"new_account_id"`
}

// record logs one edit and flags the affected periods dirty. The edited
// transaction's ledger rows stay untouched until the nightly refold.
func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	txnDate, _ := time.Parse("2006-01-02", req.TxnDate)

	input := RecordInput{
		TxnID:        req.TxnID,
		TxnType:      req.TxnType,
		TxnNo:        req.TxnNo,
		TxnDate:      txnDate,
		BranchID:     req.BranchID,
		OldAmount:    req.OldAmount,
		NewAmount:    req.NewAmount,
		OldAccountID: req.OldAccountID,
		NewAccountID: req.NewAccountID,
	}
	for _, d := range req.ItemDeltas {
		input.ItemDeltas = append(input.ItemDeltas, ItemDelta{
			ItemID:    d.ItemID,
			QtyDelta:  d.QtyDelta,
			RateDelta: d.RateDelta,
		})
	}

	entry, err := h.service.Record(r.Context(), input)
	if err != nil {
		h.logger.Error("record adjustment", slog.Any("error", err), slog.Int64("txn_id", req.TxnID))
		httpx.RespondError(w, err)
		return
	}

	h.markDirty(r.Context(), entry)
	httpx.JSON(w, http.StatusCreated, entry)
}

// markDirty flags the edited period for every entity the adjustment touches.
// Failures are logged, not returned: the log entry is committed and the next
// report request falls back to replay anyway.
func (h *Handler) markDirty(ctx context.Context, entry *Entry) {
	if h.tracker == nil {
		return
	}
	p := shared.PeriodOf(entry.TxnDate)
	for _, d := range entry.ItemDeltas {
		if _, err := h.tracker.MarkDirtyFrom(ctx, shared.BookStock, d.ItemID, entry.BranchID, p); err != nil {
			h.logger.Error("mark stock dirty", slog.Any("error", err), slog.Int64("item_id", d.ItemID))
		}
	}
	accounts := make(map[int64]struct{}, 2)
	if entry.OldAccountID > 0 {
		accounts[entry.OldAccountID] = struct{}{}
	}
	if entry.NewAccountID > 0 {
		accounts[entry.NewAccountID] = struct{}{}
	}
	for accountID := range accounts {
		if _, err := h.tracker.MarkDirtyFrom(ctx, shared.BookMoney, accountID, entry.BranchID, p); err != nil {
			h.logger.Error("mark money dirty", slog.Any("error", err), slog.Int64("account_id", accountID))
		}
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "adjustment ID must be numeric")
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "adjustment ID must be numeric")
		return
	}
	if err := h.service.Cancel(r.Context(), id); err != nil {
		h.logger.Error("cancel adjustment", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "status": string(StatusCancelled)})
}

func (h *Handler) listByTxn(w http.ResponseWriter, r *http.Request) {
	txnID, err := strconv.ParseInt(chi.URLParam(r, "txnID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "transaction ID must be numeric")
		return
	}
	entries, err := h.service.ListActiveByTxn(r.Context(), txnID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adjustments": entries})
}
