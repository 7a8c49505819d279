package reconcile

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/memstore"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var t0 = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store    *memstore.Store
	clock    *shared.ManualClock
	svc      *Service
	ledger   *ledger.Service
	metrics  *countingMetrics
	supplier memstore.Supplier
	ctx      context.Context
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	orders   func(purchasing.Repository) purchasing.Repository
	reorders func(reorder.Repository) reorder.Repository
}

func withOrderRepo(wrap func(purchasing.Repository) purchasing.Repository) harnessOption {
	return func(c *harnessConfig) { c.orders = wrap }
}

func withReorderRepo(wrap func(reorder.Repository) reorder.Repository) harnessOption {
	return func(c *harnessConfig) { c.reorders = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		orders:   func(r purchasing.Repository) purchasing.Repository { return r },
		reorders: func(r reorder.Repository) reorder.Repository { return r },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := shared.NewManualClock(t0)
	store := memstore.New(clock)
	tokens, err := confirmation.NewService(confirmation.Config{Secret: "test-secret", TTL: 72 * time.Hour}, clock)
	require.NoError(t, err)

	led := ledger.NewService(store.Ledger(), store, store.Idempotency(), clock)
	metrics := &countingMetrics{}
	svc := NewService(Deps{
		Tx:         store,
		Ledger:     led,
		Orders:     purchasing.NewService(cfg.orders(store.Purchasing()), store, clock),
		Reorders:   reorder.NewService(cfg.reorders(store.Reorders()), store, clock),
		Tokens:     tokens,
		Outbox:     store.Outbox(),
		Audit:      store.Audit(),
		Clock:      clock,
		Metrics:    metrics,
		ConfirmURL: "https://shop.example",
	})
	supplier := store.AddSupplier(memstore.Supplier{Name: "Acme Wholesale", Email: "orders@acme.example"})
	return &harness{
		store:    store,
		clock:    clock,
		svc:      svc,
		ledger:   led,
		metrics:  metrics,
		supplier: supplier,
		ctx:      shared.ContextWithActor(context.Background(), 7),
	}
}

func (h *harness) variant(t *testing.T, qty, min int, cost string) ledger.Variant {
	t.Helper()
	return h.store.AddVariant(ledger.Variant{
		SKU:           "SKU",
		Quantity:      qty,
		MinStockLevel: min,
		UnitCost:      decimal.RequireFromString(cost),
	})
}

func (h *harness) quantity(t *testing.T, id int64) int {
	t.Helper()
	v, err := h.ledger.Variant(context.Background(), id)
	require.NoError(t, err)
	return v.Quantity
}

func (h *harness) outboxKeys() []string {
	var keys []string
	for _, msg := range h.store.Outbox().All(context.Background()) {
		keys = append(keys, msg.DedupKey)
	}
	return keys
}

type countingMetrics struct {
	mu          sync.Mutex
	transitions []string
	retries     map[string]int
}

func (m *countingMetrics) ObserveTransition(orderType, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, orderType+":"+from+"->"+to)
}

func (m *countingMetrics) ObserveRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retries == nil {
		m.retries = map[string]int{}
	}
	m.retries[op]++
}

func (m *countingMetrics) ObserveNotification(string, string) {}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestPurchaseOrderTwoItemScenario(t *testing.T) {
	h := newHarness(t)
	a := h.variant(t, 3, 5, "4.00")
	b := h.variant(t, 0, 5, "2.00")

	created, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items: []purchasing.ItemInput{
			{VariantID: a.ID, Quantity: 10, UnitPrice: decimal.NewFromInt(5)},
			{VariantID: b.ID, Quantity: 20, UnitPrice: decimal.NewFromInt(3)},
		},
		CreatedBy: 7,
	})
	require.NoError(t, err)
	order := created.Order
	require.Equal(t, purchasing.StatusPending, order.Status)
	require.True(t, strings.HasPrefix(order.Number, "PO-20240402-"))
	require.True(t, decimal.NewFromInt(110).Equal(order.Total()))

	invite := h.store.Outbox().All(context.Background())
	require.Len(t, invite, 1)
	require.Equal(t, "purchase_order:1:created", invite[0].DedupKey)
	require.Equal(t, created.Token, tokenFromLink(t, invite[0].Payload.AcceptURL))

	view, err := h.svc.Confirm(context.Background(), confirmation.OrderPurchase, order.ID, created.Token, Decision{Accept: true, Notes: "ships Friday"})
	require.NoError(t, err)
	require.Equal(t, "accepted", view.Status)

	first, err := h.svc.ReceivePurchaseOrderItem(h.ctx, order.ID, order.Items[0].ID, 10)
	require.NoError(t, err)
	require.Equal(t, purchasing.StatusPartial, first.Receipt.Order.Status)
	require.Equal(t, ledger.HistoryPurchaseReceipt, first.Entry.Type)
	require.Equal(t, ledger.Reference{Kind: ledger.RefPurchaseOrderItem, ID: order.Items[0].ID}, first.Entry.Reference)

	second, err := h.svc.ReceivePurchaseOrderItem(h.ctx, order.ID, order.Items[1].ID, 20)
	require.NoError(t, err)
	final := second.Receipt.Order
	require.Equal(t, purchasing.StatusReceived, final.Status)
	require.NotNil(t, final.ReceivedAt)
	require.Equal(t, final.ReceivedAt, final.ResolvedAt)

	require.Equal(t, 13, h.quantity(t, a.ID))
	require.Equal(t, 20, h.quantity(t, b.ID))

	for _, v := range []ledger.Variant{a, b} {
		rows, err := h.ledger.History(context.Background(), ledger.HistoryFilter{VariantID: v.ID})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, ledger.HistoryPurchaseReceipt, rows[0].Type)
	}

	require.Equal(t, []string{
		"purchase_order:1:created",
		"purchase_order:1:accepted",
		"purchase_order:1:received",
	}, h.outboxKeys())

	_, err = h.svc.ReceivePurchaseOrderItem(h.ctx, order.ID, order.Items[1].ID, 1)
	require.ErrorIs(t, err, purchasing.ErrInvalidState)
}

func TestReorderScenario(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 2, 10, "1.25")

	created, err := h.svc.CreateReorderFromLowStock(h.ctx, v.ID, h.supplier.ID)
	require.NoError(t, err)
	r := created.Reorder
	require.Equal(t, 18, r.Quantity)
	require.Equal(t, reorder.TriggerLowStock, r.Trigger)
	require.True(t, decimal.RequireFromString("1.25").Equal(r.CostPerItem))
	require.True(t, strings.HasPrefix(r.Number, "RO-"))

	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, r.ID, created.Token, Decision{Accept: true})
	require.NoError(t, err)

	receipt, err := h.svc.ReceiveReorder(h.ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, reorder.StatusReceived, receipt.Reorder.Status)
	require.Equal(t, 18, receipt.Entry.QuantityChange)
	require.Equal(t, ledger.HistoryReorderReceipt, receipt.Entry.Type)
	require.Equal(t, 20, h.quantity(t, v.ID))

	_, err = h.svc.ReceiveReorder(h.ctx, r.ID)
	require.ErrorIs(t, err, reorder.ErrInvalidState)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.Equal(t, 20, h.quantity(t, v.ID))

	report, err := h.ledger.Replay(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, 1, report.Entries)
	require.Equal(t, 1, report.BrokenLinks, "the seeded quantity predates the ledger")
}

func TestConcurrentReceiptsNeverOverReceive(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 0, 0, "1")
	created, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 10, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderPurchase, created.Order.ID, created.Token, Decision{Accept: true})
	require.NoError(t, err)
	itemID := created.Order.Items[0].ID

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, qty := range []int{7, 6} {
		wg.Add(1)
		go func(i, qty int) {
			defer wg.Done()
			_, errs[i] = h.svc.ReceivePurchaseOrderItem(h.ctx, created.Order.ID, itemID, qty)
		}(i, qty)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, purchasing.ErrOverReceipt)
	}
	require.Equal(t, 1, succeeded)

	order, err := h.svc.PurchaseOrder(context.Background(), created.Order.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, order.Items[0].ReceivedQuantity, order.Items[0].Quantity)
	require.Equal(t, order.Items[0].ReceivedQuantity, h.quantity(t, v.ID))
}

func TestTerminalTransitionNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 1, 5, "2")
	created, err := h.svc.CreateReorder(h.ctx, ReorderInput{VariantID: v.ID, SupplierID: h.supplier.ID, Quantity: 4})
	require.NoError(t, err)

	reject := Decision{Reason: "discontinued"}
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, created.Reorder.ID, created.Token, reject)
	require.NoError(t, err)
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, created.Reorder.ID, created.Token, reject)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	count, err := h.store.Outbox().CountByDedupKey(context.Background(), notify.DedupKey("reorder", created.Reorder.ID, "rejected"))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 5, 1, "2")
	created, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 3, UnitPrice: decimal.NewFromInt(2)}},
	})
	require.NoError(t, err)
	before := len(h.store.Audit().Entries(context.Background()))

	_, err = h.svc.ReceivePurchaseOrderItem(h.ctx, created.Order.ID, created.Order.Items[0].ID, 1)
	require.ErrorIs(t, err, purchasing.ErrInvalidState)
	require.Equal(t, 5, h.quantity(t, v.ID))
	require.Len(t, h.store.Audit().Entries(context.Background()), before)
}

// flakyOrders loses the first status compare-and-swap as if another writer
// had committed in between.
type flakyOrders struct {
	purchasing.Repository
	mu       sync.Mutex
	failures int
}

func (f *flakyOrders) UpdateStatus(ctx context.Context, order purchasing.Order, expected purchasing.Status) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return shared.ErrConcurrentModification
	}
	return f.Repository.UpdateStatus(ctx, order, expected)
}

func TestConcurrentModificationRetriedOnce(t *testing.T) {
	flaky := &flakyOrders{failures: 1}
	h := newHarness(t, withOrderRepo(func(r purchasing.Repository) purchasing.Repository {
		flaky.Repository = r
		return flaky
	}))
	v := h.variant(t, 0, 0, "1")
	created, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	cancelled, err := h.svc.CancelPurchaseOrder(h.ctx, created.Order.ID, "supplier closed")
	require.NoError(t, err)
	require.Equal(t, purchasing.StatusCancelled, cancelled.Status)
	require.Equal(t, int64(7), *cancelled.CancelledBy)
	require.Equal(t, 1, h.metrics.retries["cancel_purchase_order"])

	flaky.failures = 2
	second, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)
	_, err = h.svc.CancelPurchaseOrder(h.ctx, second.Order.ID, "duplicate")
	require.ErrorIs(t, err, shared.ErrConcurrentModification)

	order, err := h.svc.PurchaseOrder(context.Background(), second.Order.ID)
	require.NoError(t, err)
	require.Equal(t, purchasing.StatusPending, order.Status)
}

type failingReorders struct {
	reorder.Repository
}

func (failingReorders) UpdateStatus(context.Context, reorder.Reorder, reorder.Status) error {
	return errors.New("disk full")
}

func TestFailedConfirmationRollsBack(t *testing.T) {
	h := newHarness(t, withReorderRepo(func(r reorder.Repository) reorder.Repository {
		return failingReorders{Repository: r}
	}))
	v := h.variant(t, 1, 5, "2")
	created, err := h.svc.CreateReorder(h.ctx, ReorderInput{VariantID: v.ID, SupplierID: h.supplier.ID, Quantity: 4})
	require.NoError(t, err)

	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, created.Reorder.ID, created.Token, Decision{Accept: true})
	require.Error(t, err)
	r, err := h.svc.Reorder(context.Background(), created.Reorder.ID)
	require.NoError(t, err)
	require.Equal(t, reorder.StatusPending, r.Status)
	require.Equal(t, []string{"reorder:1:created"}, h.outboxKeys())
}

func TestDuplicatePolicies(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 1, 5, "2")
	in := purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
	}
	first, err := h.svc.CreatePurchaseOrder(h.ctx, in)
	require.NoError(t, err)
	_, err = h.svc.CreatePurchaseOrder(h.ctx, in)
	require.ErrorIs(t, err, purchasing.ErrDuplicatePendingOrder)

	_, err = h.svc.Confirm(context.Background(), confirmation.OrderPurchase, first.Order.ID, first.Token, Decision{Accept: true})
	require.NoError(t, err)
	_, err = h.svc.CreatePurchaseOrder(h.ctx, in)
	require.ErrorIs(t, err, purchasing.ErrDuplicatePendingOrder, "accepted orders still block")

	_, err = h.svc.CancelPurchaseOrder(h.ctx, first.Order.ID, "consolidating")
	require.NoError(t, err)
	_, err = h.svc.CreatePurchaseOrder(h.ctx, in)
	require.NoError(t, err)

	ro := ReorderInput{VariantID: v.ID, SupplierID: h.supplier.ID, Quantity: 3}
	created, err := h.svc.CreateReorder(h.ctx, ro)
	require.NoError(t, err)
	_, err = h.svc.CreateReorder(h.ctx, ro)
	require.ErrorIs(t, err, reorder.ErrPendingReorderExists)

	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, created.Reorder.ID, created.Token, Decision{Accept: true})
	require.NoError(t, err)
	_, err = h.svc.CancelReorder(h.ctx, created.Reorder.ID, "too slow")
	require.ErrorIs(t, err, reorder.ErrInvalidState)
}

func TestConfirmationTokenScoping(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 1, 5, "2")
	other := h.store.AddSupplier(memstore.Supplier{Name: "Other", Email: "other@example.com"})

	created, err := h.svc.CreateReorder(h.ctx, ReorderInput{VariantID: v.ID, SupplierID: h.supplier.ID, Quantity: 3})
	require.NoError(t, err)
	id := created.Reorder.ID

	_, err = h.svc.ViewConfirmation(context.Background(), confirmation.OrderPurchase, id, created.Token)
	require.ErrorIs(t, err, confirmation.ErrTokenMismatch)
	_, err = h.svc.ViewConfirmation(context.Background(), confirmation.OrderReorder, id+1, created.Token)
	require.ErrorIs(t, err, confirmation.ErrTokenMismatch)
	_, err = h.svc.ViewConfirmation(context.Background(), confirmation.OrderReorder, id, created.Token+"x")
	require.ErrorIs(t, err, confirmation.ErrTokenInvalid)

	view, err := h.svc.ViewConfirmation(context.Background(), confirmation.OrderReorder, id, created.Token)
	require.NoError(t, err)
	require.True(t, view.CanAct)
	require.Equal(t, created.Reorder.Number, view.Number)

	w := h.variant(t, 0, 5, "2")
	foreign, err := h.svc.CreateReorder(h.ctx, ReorderInput{VariantID: w.ID, SupplierID: other.ID, Quantity: 3})
	require.NoError(t, err)
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, id, foreign.Token, Decision{Accept: true})
	require.ErrorIs(t, err, confirmation.ErrTokenMismatch)

	h.clock.Advance(73 * time.Hour)
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderReorder, id, created.Token, Decision{Accept: true})
	require.ErrorIs(t, err, confirmation.ErrTokenExpired)
}

func TestResendKeepsEarlierTokens(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 1, 5, "2")
	created, err := h.svc.CreatePurchaseOrder(h.ctx, purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	fresh, err := h.svc.ResendConfirmation(h.ctx, confirmation.OrderPurchase, created.Order.ID)
	require.NoError(t, err)
	require.NotEqual(t, created.Token, fresh)
	_, err = h.svc.ResendConfirmation(h.ctx, confirmation.OrderPurchase, created.Order.ID)
	require.NoError(t, err)

	reminders := 0
	for _, msg := range h.store.Outbox().All(context.Background()) {
		if msg.NewState == notify.StateReminder {
			reminders++
		}
	}
	require.Equal(t, 2, reminders)

	_, err = h.svc.Confirm(context.Background(), confirmation.OrderPurchase, created.Order.ID, created.Token, Decision{Accept: true})
	require.NoError(t, err)
	_, err = h.svc.ResendConfirmation(h.ctx, confirmation.OrderPurchase, created.Order.ID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestLowStockHookRejectsHealthyVariant(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 50, 10, "2")
	_, err := h.svc.CreateReorderFromLowStock(h.ctx, v.ID, h.supplier.ID)
	require.ErrorIs(t, err, ErrNotLowStock)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestStockAdjustAndAudit(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 0, 0, "2")

	_, err := h.svc.AdjustStock(h.ctx, v.ID, 8, "opening count")
	require.NoError(t, err)
	_, err = h.svc.AdjustStock(h.ctx, v.ID, -9, "shrinkage")
	require.ErrorIs(t, err, ledger.ErrNegativeStock)
	require.Equal(t, 8, h.quantity(t, v.ID))

	audit, err := h.svc.AuditStock(h.ctx, v.ID, 6, "cycle count")
	require.NoError(t, err)
	require.Equal(t, -2, audit.Audit.Difference)
	require.Equal(t, ledger.HistoryAuditCorrection, audit.Entry.Type)
	require.Equal(t, int64(7), *audit.Entry.PerformedBy)

	report, err := h.ledger.Replay(context.Background(), v.ID)
	require.NoError(t, err)
	require.True(t, report.Consistent)
	require.Equal(t, 6, report.ReplayQuantity)
}

func TestDeleteOnlyPending(t *testing.T) {
	h := newHarness(t)
	v := h.variant(t, 0, 0, "2")
	in := purchasing.CreateInput{
		SupplierID: h.supplier.ID,
		Items:      []purchasing.ItemInput{{VariantID: v.ID, Quantity: 2, UnitPrice: decimal.NewFromInt(1)}},
	}
	created, err := h.svc.CreatePurchaseOrder(h.ctx, in)
	require.NoError(t, err)
	require.NoError(t, h.svc.DeletePurchaseOrder(h.ctx, created.Order.ID))
	_, err = h.svc.PurchaseOrder(context.Background(), created.Order.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	again, err := h.svc.CreatePurchaseOrder(h.ctx, in)
	require.NoError(t, err)
	_, err = h.svc.Confirm(context.Background(), confirmation.OrderPurchase, again.Order.ID, again.Token, Decision{Accept: true})
	require.NoError(t, err)
	require.ErrorIs(t, h.svc.DeletePurchaseOrder(h.ctx, again.Order.ID), shared.ErrInvalidState)
}
