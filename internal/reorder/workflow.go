package reorder

import (
	"fmt"
	"strings"
	"time"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {StatusReceived},
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

// SuggestedQuantity is the restock amount for a low-stock signal: enough to
// reach twice the threshold, at least one unit.
func SuggestedQuantity(onHand, minStock int) int {
	qty := 2*minStock - onHand
	if qty < 1 {
		return 1
	}
	return qty
}

// ValidateCreate validates a create request.
func ValidateCreate(in CreateInput) error {
	if in.VariantID <= 0 {
		return fmt.Errorf("%w: variant required", ErrValidation)
	}
	if in.SupplierID <= 0 {
		return fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	}
	if in.CostPerItem.IsNegative() {
		return fmt.Errorf("%w: cost per item cannot be negative", ErrValidation)
	}
	switch in.Trigger {
	case TriggerLowStock, TriggerManual:
	default:
		return fmt.Errorf("%w: unknown trigger %q", ErrValidation, in.Trigger)
	}
	return nil
}

func (r *Reorder) moveTo(next Status, now time.Time) error {
	if !CanTransition(r.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	if next.Terminal() {
		r.ResolvedAt = &now
	}
	return nil
}

// Accept records the supplier's commitment.
func (r *Reorder) Accept(now time.Time, notes string) error {
	if err := r.moveTo(StatusAccepted, now); err != nil {
		return err
	}
	r.AcceptedAt = &now
	if notes = strings.TrimSpace(notes); notes != "" {
		r.Notes = notes
	}
	return nil
}

// Reject records the supplier's refusal.
func (r *Reorder) Reject(now time.Time, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: reason required", ErrValidation)
	}
	if err := r.moveTo(StatusRejected, now); err != nil {
		return err
	}
	r.Reason = reason
	return nil
}

// Cancel withdraws a reorder. Unlike purchase orders this is only possible
// before the supplier has accepted.
func (r *Reorder) Cancel(now time.Time, reason string, cancelledBy int64) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: reason required", ErrValidation)
	}
	if err := r.moveTo(StatusCancelled, now); err != nil {
		return err
	}
	r.Reason = reason
	if cancelledBy != 0 {
		r.CancelledBy = &cancelledBy
	}
	return nil
}

// Receive closes an accepted reorder. A second call fails.
func (r *Reorder) Receive(now time.Time) error {
	if err := r.moveTo(StatusReceived, now); err != nil {
		return err
	}
	r.ReceivedAt = &now
	return nil
}
