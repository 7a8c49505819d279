package reconcile

import (
	"context"

	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
)

const entityVariant = "product_variant"

// StockAudit is the result of a physical count.
type StockAudit struct {
	Audit ledger.StockAudit `json:"audit"`
	Entry ledger.History    `json:"stock_history"`
}

// AdjustStock applies a manual signed correction by the acting staff member.
func (s *Service) AdjustStock(ctx context.Context, variantID int64, delta int, note string) (ledger.History, error) {
	var entry ledger.History
	err := s.run(ctx, "adjust_stock", func(ctx context.Context) error {
		var err error
		entry, err = s.ledger.Adjust(ctx, ledger.AdjustInput{
			VariantID:   variantID,
			Delta:       delta,
			Type:        ledger.HistoryManualAdjustment,
			Reference:   ledger.Reference{Kind: ledger.RefManual},
			PerformedBy: actor(ctx),
			Note:        note,
		})
		if err != nil {
			return err
		}
		return s.record(ctx, "stock.adjusted", entityVariant, variantID, map[string]any{
			"delta":      delta,
			"history_id": entry.ID,
		})
	})
	return entry, err
}

// AuditStock sets a variant to its counted quantity.
func (s *Service) AuditStock(ctx context.Context, variantID int64, counted int, note string) (StockAudit, error) {
	var out StockAudit
	err := s.run(ctx, "audit_stock", func(ctx context.Context) error {
		audit, entry, err := s.ledger.CorrectTo(ctx, variantID, counted, actor(ctx), note)
		if err != nil {
			return err
		}
		out = StockAudit{Audit: audit, Entry: entry}
		return s.record(ctx, "stock.audited", entityVariant, variantID, map[string]any{
			"system_quantity":  audit.SystemQuantity,
			"counted_quantity": audit.CountedQuantity,
			"difference":       audit.Difference,
		})
	})
	return out, err
}
