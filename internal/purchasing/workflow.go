package purchasing

import (
	"fmt"
	"strings"
	"time"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {StatusPartial, StatusReceived, StatusCancelled},
	StatusPartial:  {StatusReceived, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecomputeStatus derives the receiving state from the items. Orders that are
// not receiving are returned unchanged, so it is safe to re-run.
func RecomputeStatus(current Status, items []Item) Status {
	if current != StatusAccepted && current != StatusPartial {
		return current
	}
	full := 0
	for _, item := range items {
		if item.FullyReceived() {
			full++
		}
	}
	switch {
	case len(items) > 0 && full == len(items):
		return StatusReceived
	case full > 0:
		return StatusPartial
	}
	return StatusAccepted
}

// ValidateCreate validates a create request.
func ValidateCreate(in CreateInput) error {
	if in.SupplierID <= 0 {
		return fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	seen := make(map[int64]bool, len(in.Items))
	for i, item := range in.Items {
		if item.VariantID <= 0 {
			return fmt.Errorf("%w: item %d: variant required", ErrValidation, i+1)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be greater than zero", ErrValidation, i+1)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d: unit price cannot be negative", ErrValidation, i+1)
		}
		if seen[item.VariantID] {
			return fmt.Errorf("%w: item %d: variant %d listed twice", ErrValidation, i+1, item.VariantID)
		}
		seen[item.VariantID] = true
	}
	return nil
}

func (o *Order) moveTo(next Status, now time.Time) error {
	if !CanTransition(o.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	if next.Terminal() {
		o.ResolvedAt = &now
	}
	return nil
}

// Accept records the supplier's commitment.
func (o *Order) Accept(now time.Time, notes string) error {
	if err := o.moveTo(StatusAccepted, now); err != nil {
		return err
	}
	o.AcceptedAt = &now
	if notes = strings.TrimSpace(notes); notes != "" {
		o.Notes = notes
	}
	return nil
}

// Reject records the supplier's refusal.
func (o *Order) Reject(now time.Time, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: reason required", ErrValidation)
	}
	if err := o.moveTo(StatusRejected, now); err != nil {
		return err
	}
	o.Reason = reason
	return nil
}

// Cancel withdraws the order. Staff may cancel until goods are fully received.
func (o *Order) Cancel(now time.Time, reason string, cancelledBy int64) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: reason required", ErrValidation)
	}
	if err := o.moveTo(StatusCancelled, now); err != nil {
		return err
	}
	o.Reason = reason
	if cancelledBy != 0 {
		o.CancelledBy = &cancelledBy
	}
	return nil
}

// Receive books qty against one item and recomputes the order status.
func (o *Order) Receive(itemID int64, qty int, now time.Time) (Item, error) {
	if o.Status != StatusAccepted && o.Status != StatusPartial {
		return Item{}, fmt.Errorf("%w: cannot receive while %s", ErrInvalidState, o.Status)
	}
	if qty <= 0 {
		return Item{}, fmt.Errorf("%w: received quantity must be greater than zero", ErrValidation)
	}
	item, idx, ok := o.Item(itemID)
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if qty > item.Remaining() {
		return Item{}, fmt.Errorf("%w: item %d has %d remaining, got %d", ErrOverReceipt, itemID, item.Remaining(), qty)
	}
	item.ReceivedQuantity += qty
	o.Items[idx] = item

	next := RecomputeStatus(o.Status, o.Items)
	if next != o.Status {
		if err := o.moveTo(next, now); err != nil {
			return Item{}, err
		}
		if next == StatusReceived {
			o.ReceivedAt = &now
		}
	}
	o.UpdatedAt = now
	return item, nil
}

// CheckDeletable fails unless the order is still pending.
func (o Order) CheckDeletable() error {
	if o.Status != StatusPending {
		return fmt.Errorf("%w: only pending orders can be deleted", ErrInvalidState)
	}
	return nil
}
