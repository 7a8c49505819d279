package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Decision is the supplier's answer.
type Decision struct {
	Accept bool
	Notes  string
	Reason string
}

// ConfirmationView is what a token holder may see. It never exposes more
// than the scoped order's number and status.
type ConfirmationView struct {
	OrderType confirmation.OrderType `json:"order_type"`
	OrderID   int64                  `json:"order_id"`
	Number    string                 `json:"order_number"`
	Status    string                 `json:"status"`
	CanAct    bool                   `json:"can_act"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// orderHeader is the part of either order kind the confirmation flow needs.
type orderHeader struct {
	number     string
	status     string
	supplierID int64
	pending    bool
}

func (s *Service) header(ctx context.Context, orderType confirmation.OrderType, id int64, lock bool) (orderHeader, error) {
	switch orderType {
	case confirmation.OrderPurchase:
		load := s.orders.Get
		if lock {
			load = s.orders.Lock
		}
		order, err := load(ctx, id)
		if err != nil {
			return orderHeader{}, err
		}
		return orderHeader{number: order.Number, status: string(order.Status), supplierID: order.SupplierID, pending: order.Status == purchasing.StatusPending}, nil
	case confirmation.OrderReorder:
		load := s.reorders.Get
		if lock {
			load = s.reorders.Lock
		}
		r, err := load(ctx, id)
		if err != nil {
			return orderHeader{}, err
		}
		return orderHeader{number: r.Number, status: string(r.Status), supplierID: r.SupplierID, pending: r.Status == reorder.StatusPending}, nil
	}
	return orderHeader{}, fmt.Errorf("%w: unknown order type %q", shared.ErrValidation, orderType)
}

// ViewConfirmation returns the order a token grants access to.
func (s *Service) ViewConfirmation(ctx context.Context, orderType confirmation.OrderType, id int64, token string) (ConfirmationView, error) {
	grant, err := s.tokens.Validate(token, orderType, id)
	if err != nil {
		return ConfirmationView{}, err
	}
	h, err := s.header(ctx, orderType, id, false)
	if err != nil {
		return ConfirmationView{}, err
	}
	if h.supplierID != grant.SupplierID {
		return ConfirmationView{}, confirmation.ErrTokenMismatch
	}
	return ConfirmationView{
		OrderType: orderType,
		OrderID:   id,
		Number:    h.number,
		Status:    h.status,
		CanAct:    h.pending,
		ExpiresAt: grant.ExpiresAt,
	}, nil
}

// Confirm applies the supplier's decision. Token binding, the pending check
// and the transition happen in one unit of work under the order's row lock.
func (s *Service) Confirm(ctx context.Context, orderType confirmation.OrderType, id int64, token string, d Decision) (ConfirmationView, error) {
	grant, err := s.tokens.Validate(token, orderType, id)
	if err != nil {
		return ConfirmationView{}, err
	}
	ctx = shared.ContextWithActor(ctx, shared.SystemActor)

	var (
		view ConfirmationView
		from string
	)
	err = s.run(ctx, "confirm_"+string(orderType), func(ctx context.Context) error {
		h, err := s.header(ctx, orderType, id, true)
		if err != nil {
			return err
		}
		if h.supplierID != grant.SupplierID {
			return confirmation.ErrTokenMismatch
		}
		if !h.pending {
			return fmt.Errorf("%w: order is %s", shared.ErrInvalidState, h.status)
		}
		from = h.status

		var status string
		switch orderType {
		case confirmation.OrderPurchase:
			status, err = s.decidePurchase(ctx, id, d)
		case confirmation.OrderReorder:
			status, err = s.decideReorder(ctx, id, d)
		}
		if err != nil {
			return err
		}
		view = ConfirmationView{
			OrderType: orderType,
			OrderID:   id,
			Number:    h.number,
			Status:    status,
			ExpiresAt: grant.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return ConfirmationView{}, err
	}
	s.metrics.ObserveTransition(string(orderType), from, view.Status)
	return view, nil
}

func (s *Service) decidePurchase(ctx context.Context, id int64, d Decision) (string, error) {
	var (
		order purchasing.Order
		err   error
	)
	if d.Accept {
		order, err = s.orders.Accept(ctx, id, d.Notes)
	} else {
		order, err = s.orders.Reject(ctx, id, d.Reason)
	}
	if err != nil {
		return "", err
	}
	return string(order.Status), s.afterPurchaseTransition(ctx, order, purchasing.StatusPending)
}

func (s *Service) decideReorder(ctx context.Context, id int64, d Decision) (string, error) {
	var (
		r   reorder.Reorder
		err error
	)
	if d.Accept {
		r, err = s.reorders.Accept(ctx, id, d.Notes)
	} else {
		r, err = s.reorders.Reject(ctx, id, d.Reason)
	}
	if err != nil {
		return "", err
	}
	return string(r.Status), s.afterReorderTransition(ctx, r, reorder.StatusPending)
}

// ResendConfirmation issues a fresh token for a pending order and queues a
// reminder. Earlier tokens stay valid.
func (s *Service) ResendConfirmation(ctx context.Context, orderType confirmation.OrderType, id int64) (string, error) {
	var token string
	err := s.run(ctx, "resend_confirmation", func(ctx context.Context) error {
		var payload notify.Payload
		switch orderType {
		case confirmation.OrderPurchase:
			order, err := s.orders.Lock(ctx, id)
			if err != nil {
				return err
			}
			if order.Status != purchasing.StatusPending {
				return fmt.Errorf("%w: order is %s", purchasing.ErrInvalidState, order.Status)
			}
			payload = orderPayload(order)
		case confirmation.OrderReorder:
			r, err := s.reorders.Lock(ctx, id)
			if err != nil {
				return err
			}
			if r.Status != reorder.StatusPending {
				return fmt.Errorf("%w: reorder is %s", reorder.ErrInvalidState, r.Status)
			}
			payload = reorderPayload(r)
		default:
			return fmt.Errorf("%w: unknown order type %q", shared.ErrValidation, orderType)
		}
		var (
			links notify.Payload
			err   error
		)
		token, links, err = s.links(orderType, id, payload.SupplierID)
		if err != nil {
			return err
		}
		msg := notify.NewMessage(string(orderType), id, notify.StateReminder, notify.RecipientSupplier, merge(payload, links), s.clock.Now())
		msg.DedupKey = notify.DedupKey(string(orderType), id, notify.StateReminder+":"+msg.ID.String())
		if err := s.notify(ctx, msg); err != nil {
			return err
		}
		return s.record(ctx, string(orderType)+".confirmation_resent", string(orderType), id, nil)
	})
	return token, err
}
