package purchasing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var now = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func twoItemOrder(status Status) Order {
	return Order{
		ID:     1,
		Status: status,
		Items: []Item{
			{ID: 11, VariantID: 100, Quantity: 10, UnitPrice: decimal.NewFromInt(5)},
			{ID: 12, VariantID: 200, Quantity: 20, UnitPrice: decimal.NewFromInt(3)},
		},
	}
}

func TestTransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
		StatusAccepted: {StatusPartial, StatusReceived, StatusCancelled},
		StatusPartial:  {StatusReceived, StatusCancelled},
	}
	all := []Status{StatusPending, StatusAccepted, StatusPartial, StatusReceived, StatusRejected, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			expected := false
			for _, next := range legal[from] {
				if next == to {
					expected = true
				}
			}
			require.Equal(t, expected, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestRecomputeStatus(t *testing.T) {
	order := twoItemOrder(StatusAccepted)
	require.Equal(t, StatusAccepted, RecomputeStatus(StatusAccepted, order.Items))

	order.Items[0].ReceivedQuantity = 4
	require.Equal(t, StatusAccepted, RecomputeStatus(StatusAccepted, order.Items))

	order.Items[0].ReceivedQuantity = 10
	require.Equal(t, StatusPartial, RecomputeStatus(StatusAccepted, order.Items))
	require.Equal(t, StatusPartial, RecomputeStatus(StatusPartial, order.Items))

	order.Items[1].ReceivedQuantity = 20
	require.Equal(t, StatusReceived, RecomputeStatus(StatusPartial, order.Items))

	require.Equal(t, StatusPending, RecomputeStatus(StatusPending, order.Items))
	require.Equal(t, StatusCancelled, RecomputeStatus(StatusCancelled, order.Items))
}

func TestReceiveWalksToReceived(t *testing.T) {
	order := twoItemOrder(StatusAccepted)

	item, err := order.Receive(11, 10, now)
	require.NoError(t, err)
	require.Equal(t, 10, item.ReceivedQuantity)
	require.Equal(t, StatusPartial, order.Status)
	require.Nil(t, order.ReceivedAt)

	_, err = order.Receive(12, 20, now)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, order.Status)
	require.NotNil(t, order.ReceivedAt)
	require.Equal(t, now, *order.ResolvedAt)

	_, err = order.Receive(12, 1, now)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReceiveBounds(t *testing.T) {
	order := twoItemOrder(StatusAccepted)

	_, err := order.Receive(11, 11, now)
	require.ErrorIs(t, err, ErrOverReceipt)
	require.Zero(t, order.Items[0].ReceivedQuantity)
	require.Equal(t, StatusAccepted, order.Status)

	_, err = order.Receive(11, 0, now)
	require.ErrorIs(t, err, ErrValidation)

	_, err = order.Receive(99, 1, now)
	require.ErrorIs(t, err, ErrItemNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	pending := twoItemOrder(StatusPending)
	_, err = pending.Receive(11, 1, now)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestSupplierDecisions(t *testing.T) {
	order := twoItemOrder(StatusPending)
	require.NoError(t, order.Accept(now, " deliver Tuesday "))
	require.Equal(t, StatusAccepted, order.Status)
	require.Equal(t, "deliver Tuesday", order.Notes)
	require.Equal(t, now, *order.AcceptedAt)
	require.Nil(t, order.ResolvedAt)

	require.ErrorIs(t, order.Reject(now, "too late"), ErrInvalidState)

	rejected := twoItemOrder(StatusPending)
	require.ErrorIs(t, rejected.Reject(now, "  "), ErrValidation)
	require.NoError(t, rejected.Reject(now, "out of stock"))
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "out of stock", rejected.Reason)
	require.Equal(t, now, *rejected.ResolvedAt)
}

func TestCancelPolicy(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusAccepted, StatusPartial} {
		order := twoItemOrder(status)
		require.NoError(t, order.Cancel(now, "budget freeze", 7), status)
		require.Equal(t, StatusCancelled, order.Status)
		require.Equal(t, int64(7), *order.CancelledBy)
	}
	for _, status := range []Status{StatusReceived, StatusRejected, StatusCancelled} {
		order := twoItemOrder(status)
		require.ErrorIs(t, order.Cancel(now, "late", 7), ErrInvalidState, status)
	}
	order := twoItemOrder(StatusPending)
	require.ErrorIs(t, order.Cancel(now, "", 7), ErrValidation)
}

func TestCheckDeletable(t *testing.T) {
	require.NoError(t, twoItemOrder(StatusPending).CheckDeletable())
	require.ErrorIs(t, twoItemOrder(StatusAccepted).CheckDeletable(), ErrInvalidState)
	require.ErrorIs(t, twoItemOrder(StatusRejected).CheckDeletable(), ErrInvalidState)
}

func TestValidateCreate(t *testing.T) {
	valid := CreateInput{SupplierID: 3, Items: []ItemInput{{VariantID: 1, Quantity: 2, UnitPrice: decimal.NewFromInt(4)}}}
	require.NoError(t, ValidateCreate(valid))

	require.ErrorIs(t, ValidateCreate(CreateInput{SupplierID: 3}), ErrValidation)
	require.ErrorIs(t, ValidateCreate(CreateInput{Items: valid.Items}), ErrValidation)

	zero := CreateInput{SupplierID: 3, Items: []ItemInput{{VariantID: 1, Quantity: 0}}}
	require.ErrorIs(t, ValidateCreate(zero), ErrValidation)

	negative := CreateInput{SupplierID: 3, Items: []ItemInput{{VariantID: 1, Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}}
	require.ErrorIs(t, ValidateCreate(negative), ErrValidation)

	dup := CreateInput{SupplierID: 3, Items: []ItemInput{{VariantID: 1, Quantity: 1}, {VariantID: 1, Quantity: 2}}}
	require.ErrorIs(t, ValidateCreate(dup), ErrValidation)
}

func TestOrderTotal(t *testing.T) {
	order := twoItemOrder(StatusPending)
	require.True(t, decimal.NewFromInt(110).Equal(order.Total()))
}
