package reconcile

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// ErrorRules maps the workflow sentinels to HTTP responses.
var ErrorRules = []httpx.ErrorRule{
	{Target: confirmation.ErrTokenExpired, Status: http.StatusGone, Title: "Link Expired", Code: "TOKEN_EXPIRED"},
	{Target: confirmation.ErrTokenMismatch, Status: http.StatusForbidden, Title: "Token Mismatch", Code: "TOKEN_MISMATCH"},
	{Target: confirmation.ErrTokenInvalid, Status: http.StatusUnauthorized, Title: "Invalid Token", Code: "TOKEN_INVALID"},
	{Target: purchasing.ErrOverReceipt, Status: http.StatusUnprocessableEntity, Title: "Over Receipt", Code: "OVER_RECEIPT"},
	{Target: purchasing.ErrDuplicatePendingOrder, Status: http.StatusConflict, Title: "Duplicate Order", Code: "DUPLICATE_PENDING_ORDER"},
	{Target: reorder.ErrPendingReorderExists, Status: http.StatusConflict, Title: "Duplicate Reorder", Code: "PENDING_REORDER_EXISTS"},
	{Target: ledger.ErrNegativeStock, Status: http.StatusUnprocessableEntity, Title: "Negative Stock", Code: "NEGATIVE_STOCK"},
	{Target: ledger.ErrInvalidType, Status: http.StatusBadRequest, Title: "Validation Failed", Code: httpx.CodeValidation},
	{Target: ErrNotLowStock, Status: http.StatusUnprocessableEntity, Title: "Not Low On Stock", Code: "NOT_LOW_STOCK"},
}

// Handler exposes the staff API and the public supplier confirmation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	binder  *httpx.Binder
}

// NewHandler constructs the reconcile handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, binder: httpx.NewBinder()}
}

// MountRoutes registers staff routes. Callers mount it below /api/v1 behind
// the actor middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Post("/", h.createPurchaseOrder)
		r.Get("/", h.listPurchaseOrders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getPurchaseOrder)
			r.Delete("/", h.deletePurchaseOrder)
			r.Post("/cancel", h.cancelPurchaseOrder)
			r.Post("/resend-confirmation", h.resend(confirmation.OrderPurchase))
			r.Post("/items/{itemID}/receive", h.receivePurchaseOrderItem)
		})
	})
	r.Route("/reorders", func(r chi.Router) {
		r.Post("/", h.createReorder)
		r.Get("/", h.listReorders)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getReorder)
			r.Post("/cancel", h.cancelReorder)
			r.Post("/receive", h.receiveReorder)
			r.Post("/resend-confirmation", h.resend(confirmation.OrderReorder))
		})
	})
	r.Post("/low-stock/{variantID}", h.lowStock)
}

// MountStockRoutes registers the staff stock corrections below /stock.
func (h *Handler) MountStockRoutes(r chi.Router) {
	r.Post("/{variantID}/adjust", h.adjustStock)
	r.Post("/{variantID}/audit", h.auditStock)
}

// MountConfirmRoutes registers the token-authorised supplier routes.
func (h *Handler) MountConfirmRoutes(r chi.Router) {
	r.Get("/{orderType}/{id}", h.viewConfirmation)
	r.Post("/{orderType}/{id}/accept", h.decide(true))
	r.Post("/{orderType}/{id}/reject", h.decide(false))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	rule := httpx.Classify(err, ErrorRules...)
	if rule.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err, ErrorRules...)
}

type itemRequest struct {
	VariantID int64           `json:"product_variant_id" validate:"required,gt=0"`
	Quantity  int             `json:"quantity" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type createPurchaseOrderRequest struct {
	SupplierID int64         `json:"supplier_id" validate:"required,gt=0"`
	ExpectedAt *time.Time    `json:"expected_at"`
	Notes      string        `json:"notes" validate:"max=2000"`
	Items      []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type receiveRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

type createReorderRequest struct {
	VariantID   int64            `json:"product_variant_id" validate:"required,gt=0"`
	SupplierID  int64            `json:"supplier_id" validate:"required,gt=0"`
	Quantity    int              `json:"quantity" validate:"required,gt=0"`
	CostPerItem *decimal.Decimal `json:"cost_per_item"`
	Notes       string           `json:"notes" validate:"max=2000"`
}

type adjustRequest struct {
	Delta int    `json:"delta" validate:"required"`
	Note  string `json:"note" validate:"max=1000"`
}

type auditRequest struct {
	Counted *int   `json:"counted_quantity" validate:"required,gte=0"`
	Note    string `json:"note" validate:"max=1000"`
}

type lowStockRequest struct {
	SupplierID int64 `json:"supplier_id" validate:"required,gt=0"`
}

type acceptRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type createdResponse[T any] struct {
	Data            T      `json:"data"`
	ConfirmationURL string `json:"confirmation_url"`
}

type dataResponse[T any] struct {
	Data T `json:"data"`
}

func (h *Handler) createPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseOrderRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	in := purchasing.CreateInput{
		SupplierID: req.SupplierID,
		ExpectedAt: req.ExpectedAt,
		Notes:      req.Notes,
		CreatedBy:  shared.ActorFromContext(r.Context()),
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, purchasing.ItemInput{VariantID: item.VariantID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	created, err := h.service.CreatePurchaseOrder(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, createdResponse[purchasing.Order]{
		Data:            created.Order,
		ConfirmationURL: h.service.ConfirmationLink(confirmation.OrderPurchase, created.Order.ID, created.Token),
	})
}

func (h *Handler) listPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := purchasing.ListFilter{
		Status:  purchasing.Status(q.Get("status")),
		Search:  q.Get("search"),
		SortBy:  q.Get("sort_by"),
		SortDir: q.Get("sort_dir"),
	}
	var err error
	if filter.SupplierID, err = httpx.QueryInt64(r, "supplier_id"); err != nil {
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
	orders, total, err := h.service.PurchaseOrders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.Page[purchasing.Order]{
		Data:       orders,
		Pagination: shared.NewPagination(filter.Page, filter.PerPage, total),
	})
}

func (h *Handler) getPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.service.PurchaseOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[purchasing.Order]{Data: order})
}

func (h *Handler) deletePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.service.DeletePurchaseOrder(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reasonRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	order, err := h.service.CancelPurchaseOrder(r.Context(), id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[purchasing.Order]{Data: order})
}

func (h *Handler) receivePurchaseOrderItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	itemID, err := httpx.PathID(r, "itemID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req receiveRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	receipt, err := h.service.ReceivePurchaseOrderItem(r.Context(), id, itemID, req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[PurchaseOrderReceipt]{Data: receipt})
}

func (h *Handler) resend(orderType confirmation.OrderType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.PathID(r, "id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		token, err := h.service.ResendConfirmation(r.Context(), orderType, id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{
			"confirmation_url": h.service.ConfirmationLink(orderType, id, token),
		})
	}
}

func (h *Handler) createReorder(w http.ResponseWriter, r *http.Request) {
	var req createReorderRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	created, err := h.service.CreateReorder(r.Context(), ReorderInput{
		VariantID:   req.VariantID,
		SupplierID:  req.SupplierID,
		Quantity:    req.Quantity,
		CostPerItem: req.CostPerItem,
		Trigger:     reorder.TriggerManual,
		Notes:       req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondReorderCreated(w, created)
}

func (h *Handler) respondReorderCreated(w http.ResponseWriter, created ReorderCreated) {
	httpx.JSON(w, http.StatusCreated, createdResponse[reorder.Reorder]{
		Data:            created.Reorder,
		ConfirmationURL: h.service.ConfirmationLink(confirmation.OrderReorder, created.Reorder.ID, created.Token),
	})
}

func (h *Handler) listReorders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := reorder.ListFilter{
		Status: reorder.Status(q.Get("status")),
		Search: q.Get("search"),
	}
	var err error
	if filter.VariantID, err = httpx.QueryInt64(r, "product_variant_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.SupplierID, err = httpx.QueryInt64(r, "supplier_id"); err != nil {
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
	items, total, err := h.service.Reorders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.Page[reorder.Reorder]{
		Data:       items,
		Pagination: shared.NewPagination(filter.Page, filter.PerPage, total),
	})
}

func (h *Handler) getReorder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.service.Reorder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[reorder.Reorder]{Data: item})
}

func (h *Handler) cancelReorder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req reasonRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	item, err := h.service.CancelReorder(r.Context(), id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[reorder.Reorder]{Data: item})
}

func (h *Handler) receiveReorder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	receipt, err := h.service.ReceiveReorder(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dataResponse[ReorderReceipt]{Data: receipt})
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req adjustRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	entry, err := h.service.AdjustStock(r.Context(), variantID, req.Delta, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse[ledger.History]{Data: entry})
}

func (h *Handler) auditStock(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req auditRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	audit, err := h.service.AuditStock(r.Context(), variantID, *req.Counted, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dataResponse[StockAudit]{Data: audit})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.PathID(r, "variantID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req lowStockRequest
	if err := h.binder.Bind(r, &req); err != nil {
		httpx.RespondBindError(w, err)
		return
	}
	created, err := h.service.CreateReorderFromLowStock(r.Context(), variantID, req.SupplierID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondReorderCreated(w, created)
}

func confirmTarget(r *http.Request) (confirmation.OrderType, int64, string, error) {
	orderType, err := confirmation.ParseOrderType(chi.URLParam(r, "orderType"))
	if err != nil {
		return "", 0, "", err
	}
	id, err := httpx.PathID(r, "id")
	if err != nil {
		return "", 0, "", err
	}
	return orderType, id, r.URL.Query().Get("token"), nil
}

func (h *Handler) viewConfirmation(w http.ResponseWriter, r *http.Request) {
	orderType, id, token, err := confirmTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.ViewConfirmation(r.Context(), orderType, id, token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) decide(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderType, id, token, err := confirmTarget(r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		d := Decision{Accept: accept}
		if accept {
			var req acceptRequest
			if err := h.binder.Bind(r, &req); err != nil {
				httpx.RespondBindError(w, err)
				return
			}
			d.Notes = req.Notes
		} else {
			var req rejectRequest
			if err := h.binder.Bind(r, &req); err != nil {
				httpx.RespondBindError(w, err)
				return
			}
			d.Reason = req.Reason
		}
		view, err := h.service.Confirm(r.Context(), orderType, id, token, d)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		httpx.JSON(w, http.StatusOK, view)
	}
}
