package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var t0 = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := New(shared.NewManualClock(t0))
	v := store.AddVariant(ledger.Variant{SKU: "SKU-1", Quantity: 5})
	repo := store.Ledger()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, repo.SetVariantQuantity(ctx, v.ID, 5, 9))
		_, err := repo.InsertHistory(ctx, ledger.History{VariantID: v.ID, QuantityBefore: 5, QuantityChange: 4, QuantityAfter: 9})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetVariant(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.Quantity)
	rows, err := repo.HistoryForReplay(ctx, v.ID)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestWithinTxRollsBackOnPanic(t *testing.T) {
	store := New(nil)
	v := store.AddVariant(ledger.Variant{Quantity: 1})
	require.Panics(t, func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context) error {
			_ = store.Ledger().SetVariantQuantity(ctx, v.ID, 1, 2)
			panic("bad")
		})
	})
	got, err := store.Ledger().GetVariant(context.Background(), v.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Quantity)
}

func TestNestedTxJoinsOuter(t *testing.T) {
	store := New(nil)
	v := store.AddVariant(ledger.Variant{Quantity: 3})
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context) error {
		if err := store.WithinTx(ctx, func(ctx context.Context) error {
			return store.Ledger().SetVariantQuantity(ctx, v.ID, 3, 4)
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	require.Error(t, err)
	got, _ := store.Ledger().GetVariant(ctx, v.ID)
	require.Equal(t, 3, got.Quantity)
}

func TestSetVariantQuantityGuardsBefore(t *testing.T) {
	store := New(nil)
	v := store.AddVariant(ledger.Variant{Quantity: 3})
	err := store.Ledger().SetVariantQuantity(context.Background(), v.ID, 2, 5)
	require.ErrorIs(t, err, ledger.ErrInconsistent)
}

func TestOrderNumberSequenceShared(t *testing.T) {
	store := New(nil)
	ctx := context.Background()
	a, err := store.Purchasing().NextSequence(ctx)
	require.NoError(t, err)
	b, err := store.Reorders().NextSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, a+1, b)
}

func TestPurchasingInsertRejectsUnknownSupplier(t *testing.T) {
	store := New(nil)
	v := store.AddVariant(ledger.Variant{})
	_, err := store.Purchasing().Insert(context.Background(), purchasing.Order{
		SupplierID: 42,
		Items:      []purchasing.Item{{VariantID: v.ID, Quantity: 1}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	store := New(nil)
	sup := store.AddSupplier(Supplier{Email: "s@example.com"})
	v := store.AddVariant(ledger.Variant{})
	repo := store.Purchasing()
	ctx := context.Background()

	order, err := repo.Insert(ctx, purchasing.Order{SupplierID: sup.ID, Status: purchasing.StatusPending, Items: []purchasing.Item{{VariantID: v.ID, Quantity: 2}}})
	require.NoError(t, err)

	order.Status = purchasing.StatusAccepted
	require.NoError(t, repo.UpdateStatus(ctx, order, purchasing.StatusPending))
	order.Status = purchasing.StatusRejected
	err = repo.UpdateStatus(ctx, order, purchasing.StatusPending)
	require.ErrorIs(t, err, shared.ErrConcurrentModification)
}

func TestOutboxDeduplicates(t *testing.T) {
	store := New(nil)
	outbox := store.Outbox()
	ctx := context.Background()

	first := notify.NewMessage("reorder", 1, "received", notify.RecipientSupplier, notify.Payload{}, t0)
	second := notify.NewMessage("reorder", 1, "received", notify.RecipientSupplier, notify.Payload{}, t0)

	inserted, err := outbox.Enqueue(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = outbox.Enqueue(ctx, second)
	require.NoError(t, err)
	require.False(t, inserted)

	count, err := outbox.CountByDedupKey(ctx, first.DedupKey)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	pending, err := outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, outbox.MarkDispatched(ctx, first.ID, t0))
	pending, err = outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestIdempotencyAndCleanup(t *testing.T) {
	clock := shared.NewManualClock(t0)
	store := New(clock)
	idem := store.Idempotency()
	ctx := context.Background()

	require.NoError(t, idem.CheckAndInsert(ctx, "sale:1:2", "ledger"))
	require.ErrorIs(t, idem.CheckAndInsert(ctx, "sale:1:2", "ledger"), shared.ErrIdempotencyConflict)

	removed, err := idem.Cleanup(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	require.NoError(t, idem.CheckAndInsert(ctx, "sale:1:2", "ledger"))

	audit := store.Audit()
	require.NoError(t, audit.Record(ctx, shared.AuditLog{Action: "purchase_order.created", Entity: "purchase_order", EntityID: "1"}))
	clock.Advance(48 * time.Hour)
	require.NoError(t, audit.Record(ctx, shared.AuditLog{Action: "purchase_order.accepted", Entity: "purchase_order", EntityID: "1"}))
	removed, err = audit.Cleanup(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	require.Len(t, audit.Entries(ctx), 1)
}
