package reconcile

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
)

const entityPurchaseOrder = "purchase_order"

// PurchaseOrderCreated is the result of creating a purchase order.
type PurchaseOrderCreated struct {
	Order purchasing.Order `json:"order"`
	Token string           `json:"-"`
}

// PurchaseOrderReceipt is the result of receiving one purchase order line.
type PurchaseOrderReceipt struct {
	Receipt purchasing.Receipt `json:"receipt"`
	Entry   ledger.History     `json:"stock_history"`
}

// CreatePurchaseOrder stores a pending order, issues the supplier token and
// queues the invitation. A supplier may hold only one unresolved order.
func (s *Service) CreatePurchaseOrder(ctx context.Context, in purchasing.CreateInput) (PurchaseOrderCreated, error) {
	if err := purchasing.ValidateCreate(in); err != nil {
		return PurchaseOrderCreated{}, err
	}
	var out PurchaseOrderCreated
	err := s.run(ctx, "create_purchase_order", func(ctx context.Context) error {
		exists, err := s.orders.HasUnresolved(ctx, in.SupplierID)
		if err != nil {
			return err
		}
		if exists {
			return purchasing.ErrDuplicatePendingOrder
		}
		order, err := s.orders.Create(ctx, in)
		if err != nil {
			return err
		}
		token, links, err := s.links(confirmation.OrderPurchase, order.ID, order.SupplierID)
		if err != nil {
			return err
		}
		msg := notify.NewMessage(string(confirmation.OrderPurchase), order.ID, notify.StateCreated, notify.RecipientSupplier,
			merge(orderPayload(order), links), s.clock.Now())
		if err := s.notify(ctx, msg); err != nil {
			return err
		}
		if err := s.record(ctx, "purchase_order.created", entityPurchaseOrder, order.ID, map[string]any{
			"number":      order.Number,
			"supplier_id": order.SupplierID,
			"items":       len(order.Items),
		}); err != nil {
			return err
		}
		out = PurchaseOrderCreated{Order: order, Token: token}
		return nil
	})
	if err != nil {
		return PurchaseOrderCreated{}, err
	}
	s.metrics.ObserveTransition(entityPurchaseOrder, "", string(purchasing.StatusPending))
	return out, nil
}

// CancelPurchaseOrder withdraws an order on behalf of the acting staff member.
func (s *Service) CancelPurchaseOrder(ctx context.Context, id int64, reason string) (purchasing.Order, error) {
	var (
		order    purchasing.Order
		previous purchasing.Status
	)
	err := s.run(ctx, "cancel_purchase_order", func(ctx context.Context) error {
		current, err := s.orders.Lock(ctx, id)
		if err != nil {
			return err
		}
		previous = current.Status
		order, err = s.orders.Cancel(ctx, id, reason, actor(ctx))
		if err != nil {
			return err
		}
		return s.afterPurchaseTransition(ctx, order, previous)
	})
	if err != nil {
		return purchasing.Order{}, err
	}
	s.metrics.ObserveTransition(entityPurchaseOrder, string(previous), string(order.Status))
	return order, nil
}

// ReceivePurchaseOrderItem books goods against one line and moves the same
// quantity into stock.
func (s *Service) ReceivePurchaseOrderItem(ctx context.Context, orderID, itemID int64, qty int) (PurchaseOrderReceipt, error) {
	var out PurchaseOrderReceipt
	err := s.run(ctx, "receive_purchase_order_item", func(ctx context.Context) error {
		receipt, err := s.orders.ReceiveItem(ctx, orderID, itemID, qty)
		if err != nil {
			return err
		}
		entry, err := s.ledger.Increment(ctx, ledger.AdjustInput{
			VariantID:   receipt.Item.VariantID,
			Delta:       qty,
			Type:        ledger.HistoryPurchaseReceipt,
			Reference:   ledger.Reference{Kind: ledger.RefPurchaseOrderItem, ID: receipt.Item.ID},
			PerformedBy: actor(ctx),
			Note:        fmt.Sprintf("Received %d on %s", qty, receipt.Order.Number),
		})
		if err != nil {
			return err
		}
		if receipt.StatusChanged() {
			if err := s.afterPurchaseTransition(ctx, receipt.Order, receipt.Previous); err != nil {
				return err
			}
		} else if err := s.record(ctx, "purchase_order.item_received", entityPurchaseOrder, orderID, map[string]any{
			"item_id":  itemID,
			"quantity": qty,
		}); err != nil {
			return err
		}
		out = PurchaseOrderReceipt{Receipt: receipt, Entry: entry}
		return nil
	})
	if err != nil {
		return PurchaseOrderReceipt{}, err
	}
	if out.Receipt.StatusChanged() {
		s.metrics.ObserveTransition(entityPurchaseOrder, string(out.Receipt.Previous), string(out.Receipt.Order.Status))
	}
	return out, nil
}

// DeletePurchaseOrder removes a pending order.
func (s *Service) DeletePurchaseOrder(ctx context.Context, id int64) error {
	return s.run(ctx, "delete_purchase_order", func(ctx context.Context) error {
		order, err := s.orders.Delete(ctx, id)
		if err != nil {
			return err
		}
		return s.record(ctx, "purchase_order.deleted", entityPurchaseOrder, id, map[string]any{"number": order.Number})
	})
}

// PurchaseOrder returns an order.
func (s *Service) PurchaseOrder(ctx context.Context, id int64) (purchasing.Order, error) {
	return s.orders.Get(ctx, id)
}

// PurchaseOrders lists orders.
func (s *Service) PurchaseOrders(ctx context.Context, filter purchasing.ListFilter) ([]purchasing.Order, int, error) {
	return s.orders.List(ctx, filter)
}

// afterPurchaseTransition writes the activity record and, for terminal and
// supplier-decision states, the outbox row.
func (s *Service) afterPurchaseTransition(ctx context.Context, order purchasing.Order, previous purchasing.Status) error {
	state := string(order.Status)
	if err := s.record(ctx, "purchase_order."+state, entityPurchaseOrder, order.ID, map[string]any{
		"from":   string(previous),
		"to":     state,
		"reason": order.Reason,
	}); err != nil {
		return err
	}
	if !order.Status.Terminal() && order.Status != purchasing.StatusAccepted {
		return nil
	}
	msg := notify.NewMessage(string(confirmation.OrderPurchase), order.ID, state, recipientFor(state), orderPayload(order), s.clock.Now())
	return s.notify(ctx, msg)
}
