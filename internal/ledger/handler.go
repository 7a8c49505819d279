package ledger

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-retail/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var errorRules = []httpx.ErrorRule{
	{Target: ErrNegativeStock, Status: http.StatusUnprocessableEntity, Title: "Negative Stock", Code: "NEGATIVE_STOCK"},
	{Target: ErrDuplicateMovement, Status: http.StatusConflict, Title: "Duplicate Movement", Code: "DUPLICATE_MOVEMENT"},
	{Target: ErrInvalidType, Status: http.StatusBadRequest, Title: "Validation Failed", Code: httpx.CodeValidation},
}

// Handler exposes stock history, replay and point-of-sale postings.
type Handler struct {
	logger  *slog.Logger
	service *Service
	binder  *httpx.Binder
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, binder: httpx.NewBinder()}
}

// MountRoutes registers ledger routes below /stock.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{variantID}", h.getVariant)
	r.Get("/{variantID}/history", h.history)
	r.Get("/{variantID}/replay", h.replay)
	r.Post("/{variantID}/sales", h.sale)
	r.Post("/{variantID}/refunds", h.refund)
	r.Delete("/history/{historyID}", h.softDelete)
}

type movementRequest struct {
	ReferenceID int64 `json:"reference_id" validate:"required,gt=0"`
	Quantity    int   `json:"quantity" validate:"required,gt=0"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.Classify(err, errorRules...).Status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, errorRules...)
}

func (h *Handler) getVariant(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	variant, err := h.service.Variant(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": variant, "low_stock": variant.LowStock()})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := HistoryFilter{
		VariantID:      id,
		Type:           HistoryType(q.Get("type")),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Page, err = httpx.QueryInt(r, "page"); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.PerPage, err = httpx.QueryInt(r, "per_page"); err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.service.History(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"data":     h.service.DescribeHistory(r.Context(), entries),
		"page":     page,
		"per_page": perPage,
	})
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.service.Replay(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": report})
}

func (h *Handler) sale(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.service.RecordSale)
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.service.RecordRefund)
}

func (h *Handler) movement(w http.ResponseWriter, r *http.Request, post func(ctx context.Context, refID, variantID int64, qty int, by int64) (History, error)) {
	id, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req movementRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	entry, err := post(r.Context(), req.ReferenceID, id, req.Quantity, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"data": entry})
}

func (h *Handler) softDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "historyID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.SoftDeleteHistory(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, ErrInvalidRange
	}
	return t, nil
}
