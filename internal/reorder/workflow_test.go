package reorder

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var now = time.Date(2024, 5, 6, 8, 30, 0, 0, time.UTC)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPending, StatusAccepted, StatusReceived, StatusRejected, StatusCancelled}
	legal := map[[2]Status]bool{
		{StatusPending, StatusAccepted}:  true,
		{StatusPending, StatusRejected}:  true,
		{StatusPending, StatusCancelled}: true,
		{StatusAccepted, StatusReceived}: true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestReceiveOnlyOnce(t *testing.T) {
	r := Reorder{ID: 1, Status: StatusPending, Quantity: 5}
	require.ErrorIs(t, r.Receive(now), ErrInvalidState)

	require.NoError(t, r.Accept(now, ""))
	require.NoError(t, r.Receive(now))
	require.Equal(t, StatusReceived, r.Status)
	require.Equal(t, now, *r.ReceivedAt)
	require.Equal(t, now, *r.ResolvedAt)

	err := r.Receive(now)
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	pending := Reorder{Status: StatusPending}
	require.ErrorIs(t, pending.Cancel(now, " ", 3), ErrValidation)
	require.NoError(t, pending.Cancel(now, "found stock in back room", 3))
	require.Equal(t, StatusCancelled, pending.Status)
	require.Equal(t, int64(3), *pending.CancelledBy)

	accepted := Reorder{Status: StatusAccepted}
	require.ErrorIs(t, accepted.Cancel(now, "changed mind", 3), ErrInvalidState)
	require.Equal(t, StatusAccepted, accepted.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	r := Reorder{Status: StatusPending}
	require.ErrorIs(t, r.Reject(now, ""), ErrValidation)
	require.NoError(t, r.Reject(now, "discontinued"))
	require.Equal(t, "discontinued", r.Reason)
	require.ErrorIs(t, r.Accept(now, ""), ErrInvalidState)
}

func TestSuggestedQuantity(t *testing.T) {
	cases := []struct {
		onHand, min, want int
	}{
		{onHand: 2, min: 10, want: 18},
		{onHand: 0, min: 5, want: 10},
		{onHand: 25, min: 10, want: 1},
		{onHand: 0, min: 0, want: 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, SuggestedQuantity(tc.onHand, tc.min))
	}
}

func TestValidateCreate(t *testing.T) {
	valid := CreateInput{VariantID: 1, SupplierID: 2, Quantity: 3, CostPerItem: decimal.NewFromFloat(2.5), Trigger: TriggerManual}
	require.NoError(t, ValidateCreate(valid))

	bad := valid
	bad.Quantity = 0
	require.ErrorIs(t, ValidateCreate(bad), ErrValidation)

	bad = valid
	bad.Trigger = "schedule"
	require.ErrorIs(t, ValidateCreate(bad), ErrValidation)

	bad = valid
	bad.CostPerItem = decimal.NewFromInt(-1)
	require.ErrorIs(t, ValidateCreate(bad), ErrValidation)

	require.True(t, decimal.NewFromFloat(7.5).Equal(Reorder{Quantity: 3, CostPerItem: valid.CostPerItem}.Total()))
}
