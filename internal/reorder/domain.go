package reorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Status is the reorder lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusReceived  Status = "received"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReceived || s == StatusRejected || s == StatusCancelled
}

// Unresolved reports whether the reorder still blocks another one for the variant.
func (s Status) Unresolved() bool {
	return s == StatusPending || s == StatusAccepted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Unresolved() || s.Terminal()
}

// Trigger records what raised the reorder.
type Trigger string

const (
	TriggerLowStock Trigger = "low_stock"
	TriggerManual   Trigger = "manual"
)

// Reorder is a single-variant restock request.
type Reorder struct {
	ID          int64           `json:"id"`
	Number      string          `json:"purchase_order_number"`
	VariantID   int64           `json:"product_variant_id"`
	SupplierID  int64           `json:"supplier_id"`
	Quantity    int             `json:"quantity"`
	CostPerItem decimal.Decimal `json:"cost_per_item"`
	Status      Status          `json:"status"`
	Trigger     Trigger         `json:"trigger"`
	Notes       string          `json:"notes,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	AcceptedAt  *time.Time      `json:"accepted_at,omitempty"`
	ReceivedAt  *time.Time      `json:"received_at,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	CancelledBy *int64          `json:"cancelled_by,omitempty"`
	CreatedBy   *int64          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Total is quantity times the snapshotted cost.
func (r Reorder) Total() decimal.Decimal {
	return r.CostPerItem.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

// CreateInput describes a new reorder. CostPerItem is the variant cost at creation time.
type CreateInput struct {
	VariantID   int64
	SupplierID  int64
	Quantity    int
	CostPerItem decimal.Decimal
	Trigger     Trigger
	Notes       string
	CreatedBy   int64
}

// ListFilter narrows reorder listings.
type ListFilter struct {
	Status     Status
	VariantID  int64
	SupplierID int64
	Search     string
	Page       int
	PerPage    int
}

var (
	// ErrNotFound indicates the reorder does not exist.
	ErrNotFound = fmt.Errorf("reorder: %w", shared.ErrNotFound)
	// ErrInvalidState occurs when action violates status workflow.
	ErrInvalidState = fmt.Errorf("reorder: %w", shared.ErrInvalidState)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("reorder: %w", shared.ErrValidation)
	// ErrPendingReorderExists occurs when the variant already has an unresolved reorder.
	ErrPendingReorderExists = errors.New("reorder: variant already has an unresolved reorder")
)
