package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// PurchasingRepo implements purchasing.Repository.
type PurchasingRepo struct {
	s *Store
}

var _ purchasing.Repository = (*PurchasingRepo)(nil)

// NextSequence draws the next order number shared with reorders.
func (r *PurchasingRepo) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.s.do(ctx, func(st *state) error {
		st.orderSeq++
		seq = st.orderSeq
		return nil
	})
	return seq, err
}

// Insert stores the order and assigns ids.
func (r *PurchasingRepo) Insert(ctx context.Context, order purchasing.Order) (purchasing.Order, error) {
	err := r.s.do(ctx, func(st *state) error {
		if _, ok := st.suppliers[order.SupplierID]; !ok {
			return fmt.Errorf("%w: unknown supplier %d", shared.ErrValidation, order.SupplierID)
		}
		order = copyOrder(order)
		order.ID = st.next("purchase_orders")
		for i := range order.Items {
			if _, ok := st.variants[order.Items[i].VariantID]; !ok {
				return fmt.Errorf("%w: unknown variant %d", shared.ErrValidation, order.Items[i].VariantID)
			}
			order.Items[i].ID = st.next("purchase_order_items")
			order.Items[i].OrderID = order.ID
			order.Items[i].ReceivedQuantity = 0
		}
		st.orders[order.ID] = order
		return nil
	})
	if err != nil {
		return purchasing.Order{}, err
	}
	return copyOrder(order), nil
}

// Get returns a copy of the order.
func (r *PurchasingRepo) Get(ctx context.Context, id int64) (purchasing.Order, error) {
	var order purchasing.Order
	err := r.s.do(ctx, func(st *state) error {
		found, ok := st.orders[id]
		if !ok {
			return purchasing.ErrNotFound
		}
		order = copyOrder(found)
		return nil
	})
	return order, err
}

// GetForUpdate returns a copy of the order; the store lock stands in for row locks.
func (r *PurchasingRepo) GetForUpdate(ctx context.Context, id int64) (purchasing.Order, error) {
	return r.Get(ctx, id)
}

// UpdateStatus writes header fields when the stored status equals expected.
func (r *PurchasingRepo) UpdateStatus(ctx context.Context, order purchasing.Order, expected purchasing.Status) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.orders[order.ID]
		if !ok || stored.Status != expected {
			return fmt.Errorf("purchasing: order %d no longer %s: %w", order.ID, expected, shared.ErrConcurrentModification)
		}
		stored.Status = order.Status
		stored.Notes = order.Notes
		stored.Reason = order.Reason
		stored.AcceptedAt = order.AcceptedAt
		stored.ReceivedAt = order.ReceivedAt
		stored.ResolvedAt = order.ResolvedAt
		stored.CancelledBy = order.CancelledBy
		stored.UpdatedAt = order.UpdatedAt
		st.orders[order.ID] = stored
		return nil
	})
}

// SetReceivedQuantity advances an item's accumulator when it still equals before.
func (r *PurchasingRepo) SetReceivedQuantity(ctx context.Context, itemID int64, before, after int) error {
	return r.s.do(ctx, func(st *state) error {
		for id, order := range st.orders {
			for i, item := range order.Items {
				if item.ID != itemID {
					continue
				}
				if item.ReceivedQuantity != before || after > item.Quantity {
					return fmt.Errorf("purchasing: item %d changed during receipt: %w", itemID, shared.ErrConcurrentModification)
				}
				order.Items[i].ReceivedQuantity = after
				st.orders[id] = order
				return nil
			}
		}
		return purchasing.ErrItemNotFound
	})
}

// Delete removes the order when its status equals expected.
func (r *PurchasingRepo) Delete(ctx context.Context, id int64, expected purchasing.Status) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.orders[id]
		if !ok || stored.Status != expected {
			return fmt.Errorf("purchasing: order %d: %w", id, shared.ErrConcurrentModification)
		}
		delete(st.orders, id)
		return nil
	})
}

// List filters, sorts and pages orders.
func (r *PurchasingRepo) List(ctx context.Context, filter purchasing.ListFilter) ([]purchasing.Order, int, error) {
	var out []purchasing.Order
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	err := r.s.do(ctx, func(st *state) error {
		for _, order := range st.orders {
			if filter.Status != "" && order.Status != filter.Status {
				continue
			}
			if filter.SupplierID > 0 && order.SupplierID != filter.SupplierID {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(order.Number), search) {
				continue
			}
			out = append(out, copyOrder(order))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	less := func(a, b purchasing.Order) bool {
		switch filter.SortBy {
		case "purchase_order_number":
			if a.Number != b.Number {
				return a.Number < b.Number
			}
		case "status":
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	}
	asc := strings.EqualFold(filter.SortDir, "asc")
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return less(out[i], out[j])
		}
		return less(out[j], out[i])
	})
	return paginate(out, filter.Page, filter.PerPage), len(out), nil
}

// LockSupplier is a no-op; the store lock already serialises creation.
func (r *PurchasingRepo) LockSupplier(context.Context, int64) error { return nil }

// CountUnresolvedBySupplier counts pending, accepted and partial orders.
func (r *PurchasingRepo) CountUnresolvedBySupplier(ctx context.Context, supplierID int64) (int, error) {
	count := 0
	err := r.s.do(ctx, func(st *state) error {
		for _, order := range st.orders {
			if order.SupplierID == supplierID && order.Status.Unresolved() {
				count++
			}
		}
		return nil
	})
	return count, err
}

// OrderIDForItem scans orders for the owning one.
func (r *PurchasingRepo) OrderIDForItem(ctx context.Context, itemID int64) (int64, error) {
	var orderID int64
	err := r.s.do(ctx, func(st *state) error {
		for id, order := range st.orders {
			for _, item := range order.Items {
				if item.ID == itemID {
					orderID = id
					return nil
				}
			}
		}
		return purchasing.ErrItemNotFound
	})
	return orderID, err
}

// ReorderRepo implements reorder.Repository.
type ReorderRepo struct {
	s *Store
}

var _ reorder.Repository = (*ReorderRepo)(nil)

// NextSequence draws the next order number shared with purchase orders.
func (r *ReorderRepo) NextSequence(ctx context.Context) (int64, error) {
	return (&PurchasingRepo{s: r.s}).NextSequence(ctx)
}

// Insert stores a reorder.
func (r *ReorderRepo) Insert(ctx context.Context, ro reorder.Reorder) (reorder.Reorder, error) {
	err := r.s.do(ctx, func(st *state) error {
		if _, ok := st.suppliers[ro.SupplierID]; !ok {
			return fmt.Errorf("%w: unknown supplier %d", shared.ErrValidation, ro.SupplierID)
		}
		if _, ok := st.variants[ro.VariantID]; !ok {
			return fmt.Errorf("%w: unknown variant %d", shared.ErrValidation, ro.VariantID)
		}
		ro.ID = st.next("reorders")
		st.reorders[ro.ID] = ro
		return nil
	})
	if err != nil {
		return reorder.Reorder{}, err
	}
	return ro, nil
}

// Get returns a reorder.
func (r *ReorderRepo) Get(ctx context.Context, id int64) (reorder.Reorder, error) {
	var ro reorder.Reorder
	err := r.s.do(ctx, func(st *state) error {
		found, ok := st.reorders[id]
		if !ok {
			return reorder.ErrNotFound
		}
		ro = found
		return nil
	})
	return ro, err
}

// GetForUpdate returns a reorder; the store lock stands in for the row lock.
func (r *ReorderRepo) GetForUpdate(ctx context.Context, id int64) (reorder.Reorder, error) {
	return r.Get(ctx, id)
}

// UpdateStatus writes the reorder when the stored status equals expected.
func (r *ReorderRepo) UpdateStatus(ctx context.Context, ro reorder.Reorder, expected reorder.Status) error {
	return r.s.do(ctx, func(st *state) error {
		stored, ok := st.reorders[ro.ID]
		if !ok || stored.Status != expected {
			return fmt.Errorf("reorder: %d no longer %s: %w", ro.ID, expected, shared.ErrConcurrentModification)
		}
		st.reorders[ro.ID] = ro
		return nil
	})
}

// List filters and pages reorders, newest first.
func (r *ReorderRepo) List(ctx context.Context, filter reorder.ListFilter) ([]reorder.Reorder, int, error) {
	var out []reorder.Reorder
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	err := r.s.do(ctx, func(st *state) error {
		for _, ro := range st.reorders {
			if filter.Status != "" && ro.Status != filter.Status {
				continue
			}
			if filter.VariantID > 0 && ro.VariantID != filter.VariantID {
				continue
			}
			if filter.SupplierID > 0 && ro.SupplierID != filter.SupplierID {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(ro.Number), search) {
				continue
			}
			out = append(out, ro)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Page, filter.PerPage), len(out), nil
}

// LockVariant is a no-op; the store lock already serialises creation.
func (r *ReorderRepo) LockVariant(context.Context, int64) error { return nil }

// CountUnresolvedByVariant counts pending and accepted reorders.
func (r *ReorderRepo) CountUnresolvedByVariant(ctx context.Context, variantID int64) (int, error) {
	count := 0
	err := r.s.do(ctx, func(st *state) error {
		for _, ro := range st.reorders {
			if ro.VariantID == variantID && ro.Status.Unresolved() {
				count++
			}
		}
		return nil
	})
	return count, err
}
