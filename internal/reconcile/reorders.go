package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
)

const entityReorder = "reorder"

// ReorderInput describes a reorder request. A nil CostPerItem takes the
// variant's current unit cost.
type ReorderInput struct {
	VariantID   int64
	SupplierID  int64
	Quantity    int
	CostPerItem *decimal.Decimal
	Trigger     reorder.Trigger
	Notes       string
}

// ReorderCreated is the result of creating a reorder.
type ReorderCreated struct {
	Reorder reorder.Reorder `json:"reorder"`
	Token   string          `json:"-"`
}

// ReorderReceipt is the result of receiving a reorder.
type ReorderReceipt struct {
	Reorder reorder.Reorder `json:"reorder"`
	Entry   ledger.History  `json:"stock_history"`
}

// CreateReorder stores a pending reorder, issues the supplier token and
// queues the invitation. A variant may hold only one unresolved reorder.
func (s *Service) CreateReorder(ctx context.Context, in ReorderInput) (ReorderCreated, error) {
	if in.Trigger == "" {
		in.Trigger = reorder.TriggerManual
	}
	var out ReorderCreated
	err := s.run(ctx, "create_reorder", func(ctx context.Context) error {
		var cost decimal.Decimal
		if in.CostPerItem != nil {
			cost = *in.CostPerItem
		} else {
			variant, err := s.ledger.Variant(ctx, in.VariantID)
			if err != nil {
				return err
			}
			cost = variant.UnitCost
		}
		created, err := s.reorders.Create(ctx, reorder.CreateInput{
			VariantID:   in.VariantID,
			SupplierID:  in.SupplierID,
			Quantity:    in.Quantity,
			CostPerItem: cost,
			Trigger:     in.Trigger,
			Notes:       in.Notes,
			CreatedBy:   actor(ctx),
		})
		if err != nil {
			return err
		}
		token, links, err := s.links(confirmation.OrderReorder, created.ID, created.SupplierID)
		if err != nil {
			return err
		}
		msg := notify.NewMessage(string(confirmation.OrderReorder), created.ID, notify.StateCreated, notify.RecipientSupplier,
			merge(reorderPayload(created), links), s.clock.Now())
		if err := s.notify(ctx, msg); err != nil {
			return err
		}
		if err := s.record(ctx, "reorder.created", entityReorder, created.ID, map[string]any{
			"number":     created.Number,
			"variant_id": created.VariantID,
			"quantity":   created.Quantity,
			"trigger":    string(created.Trigger),
		}); err != nil {
			return err
		}
		out = ReorderCreated{Reorder: created, Token: token}
		return nil
	})
	if err != nil {
		return ReorderCreated{}, err
	}
	s.metrics.ObserveTransition(entityReorder, "", string(reorder.StatusPending))
	return out, nil
}

// CreateReorderFromLowStock is the intake for the external low-stock
// detector. It restocks to twice the variant's threshold.
func (s *Service) CreateReorderFromLowStock(ctx context.Context, variantID, supplierID int64) (ReorderCreated, error) {
	variant, err := s.ledger.Variant(ctx, variantID)
	if err != nil {
		return ReorderCreated{}, err
	}
	if !variant.LowStock() {
		return ReorderCreated{}, fmt.Errorf("%w: %d on hand, threshold %d", ErrNotLowStock, variant.Quantity, variant.MinStockLevel)
	}
	return s.CreateReorder(ctx, ReorderInput{
		VariantID:  variantID,
		SupplierID: supplierID,
		Quantity:   reorder.SuggestedQuantity(variant.Quantity, variant.MinStockLevel),
		Trigger:    reorder.TriggerLowStock,
	})
}

// CancelReorder withdraws a pending reorder.
func (s *Service) CancelReorder(ctx context.Context, id int64, reason string) (reorder.Reorder, error) {
	var out reorder.Reorder
	err := s.run(ctx, "cancel_reorder", func(ctx context.Context) error {
		var err error
		out, err = s.reorders.Cancel(ctx, id, reason, actor(ctx))
		if err != nil {
			return err
		}
		return s.afterReorderTransition(ctx, out, reorder.StatusPending)
	})
	if err != nil {
		return reorder.Reorder{}, err
	}
	s.metrics.ObserveTransition(entityReorder, string(reorder.StatusPending), string(out.Status))
	return out, nil
}

// ReceiveReorder closes an accepted reorder and books its quantity into stock.
func (s *Service) ReceiveReorder(ctx context.Context, id int64) (ReorderReceipt, error) {
	var out ReorderReceipt
	err := s.run(ctx, "receive_reorder", func(ctx context.Context) error {
		received, err := s.reorders.MarkReceived(ctx, id)
		if err != nil {
			return err
		}
		entry, err := s.ledger.Increment(ctx, ledger.AdjustInput{
			VariantID:   received.VariantID,
			Delta:       received.Quantity,
			Type:        ledger.HistoryReorderReceipt,
			Reference:   ledger.Reference{Kind: ledger.RefReorder, ID: received.ID},
			PerformedBy: actor(ctx),
			Note:        "Received " + received.Number,
		})
		if err != nil {
			return err
		}
		if err := s.afterReorderTransition(ctx, received, reorder.StatusAccepted); err != nil {
			return err
		}
		out = ReorderReceipt{Reorder: received, Entry: entry}
		return nil
	})
	if err != nil {
		return ReorderReceipt{}, err
	}
	s.metrics.ObserveTransition(entityReorder, string(reorder.StatusAccepted), string(reorder.StatusReceived))
	return out, nil
}

// Reorder returns a reorder.
func (s *Service) Reorder(ctx context.Context, id int64) (reorder.Reorder, error) {
	return s.reorders.Get(ctx, id)
}

// Reorders lists reorders.
func (s *Service) Reorders(ctx context.Context, filter reorder.ListFilter) ([]reorder.Reorder, int, error) {
	return s.reorders.List(ctx, filter)
}

func (s *Service) afterReorderTransition(ctx context.Context, r reorder.Reorder, previous reorder.Status) error {
	state := string(r.Status)
	if err := s.record(ctx, "reorder."+state, entityReorder, r.ID, map[string]any{
		"from":   string(previous),
		"to":     state,
		"reason": r.Reason,
	}); err != nil {
		return err
	}
	if !r.Status.Terminal() && r.Status != reorder.StatusAccepted {
		return nil
	}
	msg := notify.NewMessage(string(confirmation.OrderReorder), r.ID, state, recipientFor(state), reorderPayload(r), s.clock.Now())
	return s.notify(ctx, msg)
}
