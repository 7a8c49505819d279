package purchasing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusPartial   Status = "partial"
	StatusReceived  Status = "received"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReceived || s == StatusRejected || s == StatusCancelled
}

// Unresolved reports whether the order still commits the supplier.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusAccepted || s == StatusPartial
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Unresolved() || s.Terminal()
}

// Order is a supplier-wide purchase order.
type Order struct {
	ID         int64      `json:"id"`
	Number     string     `json:"purchase_order_number"`
	SupplierID int64      `json:"supplier_id"`
	Status     Status     `json:"status"`
	ExpectedAt *time.Time `json:"expected_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	// Reason holds the rejection or cancellation text of a terminal order.
	Reason      string     `json:"reason,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CancelledBy *int64     `json:"cancelled_by,omitempty"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Items       []Item     `json:"items"`
}

// Total sums quantity times unit price over all items.
func (o Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// Item looks up an item by id.
func (o Order) Item(id int64) (Item, int, bool) {
	for i, item := range o.Items {
		if item.ID == id {
			return item, i, true
		}
	}
	return Item{}, -1, false
}

// Item is one line of a purchase order.
type Item struct {
	ID               int64           `json:"id" db:"id"`
	OrderID          int64           `json:"purchase_order_id" db:"purchase_order_id"`
	VariantID        int64           `json:"product_variant_id" db:"product_variant_id"`
	Quantity         int             `json:"quantity" db:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price" db:"unit_price"`
	ReceivedQuantity int             `json:"received_quantity" db:"received_quantity"`
}

// Remaining is the receivable headroom of the line.
func (i Item) Remaining() int {
	return i.Quantity - i.ReceivedQuantity
}

// FullyReceived reports whether the line needs no further receipt.
func (i Item) FullyReceived() bool {
	return i.ReceivedQuantity == i.Quantity
}

// LineTotal is quantity times unit price.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemInput describes a line to order.
type ItemInput struct {
	VariantID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	SupplierID int64
	ExpectedAt *time.Time
	Notes      string
	Items      []ItemInput
	CreatedBy  int64
}

// ListFilter narrows order listings.
type ListFilter struct {
	Status     Status
	SupplierID int64
	Search     string
	SortBy     string
	SortDir    string
	Page       int
	PerPage    int
}

// Receipt is the outcome of receiving one line.
type Receipt struct {
	Order    Order
	Item     Item
	Quantity int
	Previous Status
}

// StatusChanged reports whether the receipt moved the order to a new state.
func (r Receipt) StatusChanged() bool {
	return r.Previous != r.Order.Status
}

var (
	// ErrNotFound indicates the order does not exist.
	ErrNotFound = fmt.Errorf("purchasing: order %w", shared.ErrNotFound)
	// ErrItemNotFound indicates the item does not belong to the order.
	ErrItemNotFound = fmt.Errorf("purchasing: item %w", shared.ErrNotFound)
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = fmt.Errorf("purchasing: %w", shared.ErrInvalidState)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("purchasing: %w", shared.ErrValidation)
	// ErrOverReceipt occurs when a receipt exceeds the line's remaining quantity.
	ErrOverReceipt = errors.New("purchasing: received quantity exceeds remaining")
	// ErrDuplicatePendingOrder occurs when the supplier already has an unresolved order.
	ErrDuplicatePendingOrder = errors.New("purchasing: supplier already has an unresolved purchase order")
)
