package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/memstore"
	"github.com/odyssey-erp/odyssey-retail/internal/observability"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reconcile"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

type apiFixture struct {
	server   *httptest.Server
	store    *memstore.Store
	clock    *shared.ManualClock
	supplier memstore.Supplier
	variant  ledger.Variant
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	clock := shared.NewManualClock(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	store := memstore.New(clock)
	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, ConfirmRateRPM: 1000, APIRateRPM: 1000}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()

	tokens, err := confirmation.NewService(confirmation.Config{Secret: "router-test-secret", TTL: time.Hour}, clock)
	require.NoError(t, err)
	led := ledger.NewService(store.Ledger(), store, store.Idempotency(), clock).WithRecorder(metrics)

	orders := purchasing.NewService(store.Purchasing(), store, clock)
	reorders := reorder.NewService(store.Reorders(), store, clock)
	svc := reconcile.NewService(reconcile.Deps{
		Tx:       store,
		Ledger:   led,
		Orders:   orders,
		Reorders: reorders,
		Tokens:   tokens,
		Outbox:   store.Outbox(),
		Audit:    store.Audit(),
		Clock:    clock,
		Metrics:  metrics,
		Logger:   logger,
	})

	f := &apiFixture{store: store, clock: clock}
	f.server = httptest.NewServer(NewRouter(RouterParams{
		Logger:           logger,
		Config:           cfg,
		ReconcileHandler: reconcile.NewHandler(logger, svc),
		LedgerHandler:    ledger.NewHandler(logger, led),
		Metrics:          metrics,
	}))
	t.Cleanup(f.server.Close)

	f.supplier = store.AddSupplier(memstore.Supplier{Name: "Acme", Email: "po@acme.example"})
	f.variant = store.AddVariant(ledger.Variant{SKU: "TEE-M", Name: "Tee M", MinStockLevel: 4, UnitCost: decimal.NewFromInt(3)})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "12")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

type problem struct {
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

type createdOrder struct {
	Data            purchasing.Order `json:"data"`
	ConfirmationURL string           `json:"confirmation_url"`
}

func TestPurchaseOrderLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t)

	var created createdOrder
	status := f.do(t, http.MethodPost, "/api/v1/purchase-orders", map[string]any{
		"supplier_id": f.supplier.ID,
		"items": []map[string]any{
			{"product_variant_id": f.variant.ID, "quantity": 6, "unit_price": "2.50"},
		},
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, purchasing.StatusPending, created.Data.Status)
	require.NotNil(t, created.Data.CreatedBy)
	require.Equal(t, int64(12), *created.Data.CreatedBy)

	link, err := url.Parse(created.ConfirmationURL)
	require.NoError(t, err)
	token := link.Query().Get("token")
	confirmPath := link.Path

	var view reconcile.ConfirmationView
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, confirmPath+"?token="+token, nil, &view))
	require.True(t, view.CanAct)

	var bad problem
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, confirmPath+"/accept?token=forged", nil, &bad))
	require.Equal(t, "TOKEN_INVALID", bad.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, confirmPath+"/accept?token="+token, map[string]string{"notes": "ok"}, &view))
	require.Equal(t, "accepted", view.Status)

	var conflict problem
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, confirmPath+"/reject?token="+token, map[string]string{"reason": "late"}, &conflict))
	require.Equal(t, "INVALID_STATE", conflict.Code)

	itemPath := "/api/v1/purchase-orders/" + itoa(created.Data.ID) + "/items/" + itoa(created.Data.Items[0].ID) + "/receive"
	var over problem
	require.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, itemPath, map[string]int{"quantity": 7}, &over))
	require.Equal(t, "OVER_RECEIPT", over.Code)

	var receipt struct {
		Data reconcile.PurchaseOrderReceipt `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, itemPath, map[string]int{"quantity": 6}, &receipt))
	require.Equal(t, purchasing.StatusReceived, receipt.Data.Receipt.Order.Status)

	var history struct {
		Data []ledger.HistoryView `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/stock/"+itoa(f.variant.ID)+"/history", nil, &history))
	require.Len(t, history.Data, 1)
	require.Equal(t, 6, history.Data[0].QuantityAfter)

	var replay struct {
		Data ledger.ReplayReport `json:"data"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/stock/"+itoa(f.variant.ID)+"/replay", nil, &replay))
	require.True(t, replay.Data.Consistent)
}

func TestValidationProblemListsFields(t *testing.T) {
	f := newAPI(t)
	var p problem
	status := f.do(t, http.MethodPost, "/api/v1/reorders", map[string]any{"supplier_id": f.supplier.ID}, &p)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "VALIDATION_ERROR", p.Code)
	require.Contains(t, p.Fields, "product_variant_id")
	require.Contains(t, p.Fields, "quantity")
}

func TestLowStockHookAndStockCorrections(t *testing.T) {
	f := newAPI(t)

	var created struct {
		Data reorder.Reorder `json:"data"`
	}
	status := f.do(t, http.MethodPost, "/api/v1/low-stock/"+itoa(f.variant.ID), map[string]any{"supplier_id": f.supplier.ID}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, 8, created.Data.Quantity)

	var dup problem
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/low-stock/"+itoa(f.variant.ID), map[string]any{"supplier_id": f.supplier.ID}, &dup))
	require.Equal(t, "PENDING_REORDER_EXISTS", dup.Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/stock/"+itoa(f.variant.ID)+"/adjust", map[string]any{"delta": 10, "note": "found a box"}, nil))

	var neg problem
	require.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPost, "/api/v1/stock/"+itoa(f.variant.ID)+"/sales", map[string]any{"reference_id": 1, "quantity": 11}, &neg))
	require.Equal(t, "NEGATIVE_STOCK", neg.Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/stock/"+itoa(f.variant.ID)+"/sales", map[string]any{"reference_id": 1, "quantity": 2}, nil))
	var dupSale problem
	require.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/stock/"+itoa(f.variant.ID)+"/sales", map[string]any{"reference_id": 1, "quantity": 2}, &dupSale))
	require.Equal(t, "DUPLICATE_MOVEMENT", dupSale.Code)

	var audit struct {
		Data reconcile.StockAudit `json:"data"`
	}
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/stock/"+itoa(f.variant.ID)+"/audit", map[string]any{"counted_quantity": 0}, &audit))
	require.Equal(t, -8, audit.Data.Audit.Difference)
}

func TestActorHeaderMustBeNumeric(t *testing.T) {
	f := newAPI(t)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/reorders", nil)
	require.NoError(t, err)
	req.Header.Set(ActorHeader, "alice")
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
