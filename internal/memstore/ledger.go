package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	s *Store
}

var _ ledger.Repository = (*LedgerRepo)(nil)

// GetVariant returns a variant.
func (r *LedgerRepo) GetVariant(ctx context.Context, id int64) (ledger.Variant, error) {
	var v ledger.Variant
	err := r.s.do(ctx, func(st *state) error {
		found, ok := st.variants[id]
		if !ok {
			return ledger.ErrVariantNotFound
		}
		v = found
		return nil
	})
	return v, err
}

// GetVariantForUpdate returns a variant; the store lock stands in for the row lock.
func (r *LedgerRepo) GetVariantForUpdate(ctx context.Context, id int64) (ledger.Variant, error) {
	return r.GetVariant(ctx, id)
}

// SetVariantQuantity writes after when the stored quantity equals before.
func (r *LedgerRepo) SetVariantQuantity(ctx context.Context, id int64, before, after int) error {
	return r.s.do(ctx, func(st *state) error {
		v, ok := st.variants[id]
		if !ok {
			return ledger.ErrVariantNotFound
		}
		if v.Quantity != before {
			return ledger.ErrInconsistent
		}
		v.Quantity = after
		st.variants[id] = v
		return nil
	})
}

// InsertHistory appends a row.
func (r *LedgerRepo) InsertHistory(ctx context.Context, entry ledger.History) (ledger.History, error) {
	err := r.s.do(ctx, func(st *state) error {
		entry.ID = st.next("stock_histories")
		st.histories = append(st.histories, entry)
		return nil
	})
	return entry, err
}

// InsertAudit stores a stock audit.
func (r *LedgerRepo) InsertAudit(ctx context.Context, audit ledger.StockAudit) (ledger.StockAudit, error) {
	err := r.s.do(ctx, func(st *state) error {
		audit.ID = st.next("stock_audits")
		st.audits = append(st.audits, audit)
		return nil
	})
	return audit, err
}

// ListHistory returns rows newest first.
func (r *LedgerRepo) ListHistory(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.History, error) {
	var out []ledger.History
	err := r.s.do(ctx, func(st *state) error {
		for i := len(st.histories) - 1; i >= 0; i-- {
			h := st.histories[i]
			if h.VariantID != filter.VariantID {
				continue
			}
			if filter.Type != "" && h.Type != filter.Type {
				continue
			}
			if !filter.From.IsZero() && h.CreatedAt.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && !h.CreatedAt.Before(filter.To) {
				continue
			}
			if !filter.IncludeDeleted && h.DeletedAt != nil {
				continue
			}
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Page, filter.PerPage), nil
}

// HistoryForReplay returns every row of the variant oldest first.
func (r *LedgerRepo) HistoryForReplay(ctx context.Context, variantID int64) ([]ledger.History, error) {
	var out []ledger.History
	err := r.s.do(ctx, func(st *state) error {
		for _, h := range st.histories {
			if h.VariantID == variantID {
				out = append(out, h)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// SoftDeleteHistory flags a row deleted.
func (r *LedgerRepo) SoftDeleteHistory(ctx context.Context, id int64, at time.Time) error {
	return r.s.do(ctx, func(st *state) error {
		for i := range st.histories {
			if st.histories[i].ID == id && st.histories[i].DeletedAt == nil {
				st.histories[i].DeletedAt = &at
				return nil
			}
		}
		return ledger.ErrHistoryNotFound
	})
}

// ListVariantIDs returns all variant ids ascending.
func (r *LedgerRepo) ListVariantIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.s.do(ctx, func(st *state) error {
		for id := range st.variants {
			ids = append(ids, id)
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

// Audits returns stored stock audits for a variant.
func (r *LedgerRepo) Audits(ctx context.Context, variantID int64) []ledger.StockAudit {
	var out []ledger.StockAudit
	_ = r.s.do(ctx, func(st *state) error {
		for _, a := range st.audits {
			if a.VariantID == variantID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out
}

func paginate[T any](rows []T, page, perPage int) []T {
	page, perPage = shared.NormalizePage(page, perPage)
	offset := shared.PageOffset(page, perPage)
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + perPage
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
