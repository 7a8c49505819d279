package purchasing

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Repository abstracts purchase order persistence. Methods run on the unit of
// work carried by ctx when one is active.
type Repository interface {
	NextSequence(ctx context.Context) (int64, error)
	Insert(ctx context.Context, order Order) (Order, error)
	Get(ctx context.Context, id int64) (Order, error)
	// GetForUpdate locks the order row and its items until the unit of work ends.
	GetForUpdate(ctx context.Context, id int64) (Order, error)
	// UpdateStatus persists the transition only if the stored status still equals expected.
	UpdateStatus(ctx context.Context, order Order, expected Status) error
	// SetReceivedQuantity moves the accumulator from before to after, never past the ordered quantity.
	SetReceivedQuantity(ctx context.Context, itemID int64, before, after int) error
	Delete(ctx context.Context, id int64, expected Status) error
	List(ctx context.Context, filter ListFilter) ([]Order, int, error)
	// LockSupplier serialises order creation per supplier.
	LockSupplier(ctx context.Context, supplierID int64) error
	CountUnresolvedBySupplier(ctx context.Context, supplierID int64) (int, error)
	OrderIDForItem(ctx context.Context, itemID int64) (int64, error)
}

// Service applies the purchase order state machine against storage. It never
// touches stock; receipts are booked by the caller in the same unit of work.
type Service struct {
	repo  Repository
	tx    shared.Transactor
	clock shared.Clock
}

// NewService builds Service.
func NewService(repo Repository, tx shared.Transactor, clock shared.Clock) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, tx: tx, clock: clock}
}

// Create stores a pending order with a freshly generated number. The
// one-unresolved-order-per-supplier policy is enforced by the caller.
func (s *Service) Create(ctx context.Context, in CreateInput) (Order, error) {
	if err := ValidateCreate(in); err != nil {
		return Order{}, err
	}
	var order Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		seq, err := s.repo.NextSequence(ctx)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		draft := Order{
			Number:     shared.FormatOrderNumber(shared.PrefixPurchaseOrder, now, seq),
			SupplierID: in.SupplierID,
			Status:     StatusPending,
			ExpectedAt: in.ExpectedAt,
			Notes:      in.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if in.CreatedBy != 0 {
			createdBy := in.CreatedBy
			draft.CreatedBy = &createdBy
		}
		for _, line := range in.Items {
			draft.Items = append(draft.Items, Item{VariantID: line.VariantID, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
		}
		order, err = s.repo.Insert(ctx, draft)
		return err
	})
	return order, err
}

// Get returns an order with its items.
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	if id <= 0 {
		return Order{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns a page of orders and the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, ErrValidation
	}
	return s.repo.List(ctx, filter)
}

// Describe returns the order number for history labels.
func (s *Service) Describe(ctx context.Context, id int64) (string, error) {
	order, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return order.Number, nil
}

// DescribeItem labels a line by its order number and variant.
func (s *Service) DescribeItem(ctx context.Context, itemID int64) (string, error) {
	orderID, err := s.repo.OrderIDForItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	order, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	for _, item := range order.Items {
		if item.ID == itemID {
			return fmt.Sprintf("%s / variant %d", order.Number, item.VariantID), nil
		}
	}
	return order.Number, nil
}

// Lock loads the order under row lock for a caller that checks more state
// before transitioning.
func (s *Service) Lock(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetForUpdate(ctx, id)
}

// HasUnresolved locks the supplier and reports whether it already holds an
// unresolved order.
func (s *Service) HasUnresolved(ctx context.Context, supplierID int64) (bool, error) {
	if err := s.repo.LockSupplier(ctx, supplierID); err != nil {
		return false, err
	}
	count, err := s.repo.CountUnresolvedBySupplier(ctx, supplierID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Accept moves a pending order to accepted.
func (s *Service) Accept(ctx context.Context, id int64, notes string) (Order, error) {
	return s.transition(ctx, id, func(o *Order) error {
		return o.Accept(s.clock.Now(), notes)
	})
}

// Reject moves a pending order to rejected.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (Order, error) {
	return s.transition(ctx, id, func(o *Order) error {
		return o.Reject(s.clock.Now(), reason)
	})
}

// Cancel withdraws a pending, accepted or partial order.
func (s *Service) Cancel(ctx context.Context, id int64, reason string, cancelledBy int64) (Order, error) {
	return s.transition(ctx, id, func(o *Order) error {
		return o.Cancel(s.clock.Now(), reason, cancelledBy)
	})
}

func (s *Service) transition(ctx context.Context, id int64, apply func(*Order) error) (Order, error) {
	var order Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		expected := current.Status
		if err := apply(&current); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, current, expected); err != nil {
			return err
		}
		order = current
		return nil
	})
	return order, err
}

// ReceiveItem books qty against an item and recomputes the order status.
func (s *Service) ReceiveItem(ctx context.Context, orderID, itemID int64, qty int) (Receipt, error) {
	var receipt Receipt
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		previous := current.Status
		before, _, ok := current.Item(itemID)
		if !ok {
			return ErrItemNotFound
		}
		item, err := current.Receive(itemID, qty, s.clock.Now())
		if err != nil {
			return err
		}
		if err := s.repo.SetReceivedQuantity(ctx, itemID, before.ReceivedQuantity, item.ReceivedQuantity); err != nil {
			return err
		}
		if current.Status != previous {
			if err := s.repo.UpdateStatus(ctx, current, previous); err != nil {
				return err
			}
		}
		receipt = Receipt{Order: current, Item: item, Quantity: qty, Previous: previous}
		return nil
	})
	return receipt, err
}

// Delete hard-deletes a pending order and its items.
func (s *Service) Delete(ctx context.Context, id int64) (Order, error) {
	var order Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := current.CheckDeletable(); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, id, StatusPending); err != nil {
			return err
		}
		order = current
		return nil
	})
	return order, err
}
