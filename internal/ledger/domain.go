package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// HistoryType classifies a stock movement.
type HistoryType string

const (
	HistorySale             HistoryType = "sale"
	HistoryRefund           HistoryType = "refund"
	HistoryPurchaseReceipt  HistoryType = "purchase_receipt"
	HistoryReorderReceipt   HistoryType = "reorder_receipt"
	HistoryAuditCorrection  HistoryType = "audit_correction"
	HistoryManualAdjustment HistoryType = "manual_adjustment"
)

// Valid reports whether t is a known history type.
func (t HistoryType) Valid() bool {
	switch t {
	case HistorySale, HistoryRefund, HistoryPurchaseReceipt, HistoryReorderReceipt,
		HistoryAuditCorrection, HistoryManualAdjustment:
		return true
	}
	return false
}

// RefKind tags the entity a history row points at.
type RefKind string

const (
	RefSale              RefKind = "sale"
	RefRefund            RefKind = "refund"
	RefPurchaseOrder     RefKind = "purchase_order"
	RefPurchaseOrderItem RefKind = "purchase_order_item"
	RefReorder           RefKind = "reorder"
	RefStockAudit        RefKind = "stock_audit"
	RefManual            RefKind = "manual"
)

// Reference is a weak link from a history row to the entity that caused it.
// Deleting the referenced entity leaves the history untouched.
type Reference struct {
	Kind RefKind `json:"kind"`
	ID   int64   `json:"id"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s#%d", r.Kind, r.ID)
}

// Variant is the sellable unit whose quantity the ledger owns.
type Variant struct {
	ID            int64           `db:"id" json:"id"`
	SKU           string          `db:"sku" json:"sku"`
	Name          string          `db:"name" json:"name"`
	Quantity      int             `db:"quantity" json:"quantity"`
	MinStockLevel int             `db:"min_stock_level" json:"min_stock_level"`
	UnitCost      decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// LowStock reports whether on-hand quantity is at or below the threshold.
func (v Variant) LowStock() bool {
	return v.Quantity <= v.MinStockLevel
}

// History is an immutable ledger entry.
type History struct {
	ID             int64       `json:"id"`
	VariantID      int64       `json:"product_variant_id"`
	Type           HistoryType `json:"type"`
	QuantityBefore int         `json:"quantity_before"`
	QuantityChange int         `json:"quantity_change"`
	QuantityAfter  int         `json:"quantity_after"`
	Reference      Reference   `json:"reference"`
	PerformedBy    *int64      `json:"performed_by,omitempty"`
	Note           string      `json:"note,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty"`
}

// Consistent reports whether the row satisfies after == before + change.
func (h History) Consistent() bool {
	return h.QuantityAfter == h.QuantityBefore+h.QuantityChange
}

// StockAudit records a physical count against the system quantity.
type StockAudit struct {
	ID              int64     `json:"id"`
	VariantID       int64     `json:"product_variant_id"`
	SystemQuantity  int       `json:"system_quantity"`
	CountedQuantity int       `json:"counted_quantity"`
	Difference      int       `json:"difference"`
	PerformedBy     *int64    `json:"performed_by,omitempty"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AdjustInput describes a signed quantity movement.
type AdjustInput struct {
	VariantID   int64
	Delta       int
	Type        HistoryType
	Reference   Reference
	PerformedBy int64
	Note        string
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	VariantID      int64
	Type           HistoryType
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Page           int
	PerPage        int
}

// ReplayReport is the result of folding a variant's history.
type ReplayReport struct {
	VariantID       int64 `json:"product_variant_id"`
	CurrentQuantity int   `json:"current_quantity"`
	ReplayQuantity  int   `json:"replay_quantity"`
	Entries         int   `json:"entries"`
	// BrokenLinks counts rows whose quantity_before does not match the
	// previous row's quantity_after.
	BrokenLinks int  `json:"broken_links"`
	Consistent  bool `json:"consistent"`
}

var (
	// ErrNegativeStock occurs when a non-correction movement would drive quantity below zero.
	ErrNegativeStock = errors.New("ledger: negative stock not allowed")
	// ErrInvalidQuantity signals zero or wrongly signed quantities.
	ErrInvalidQuantity = fmt.Errorf("ledger: invalid quantity: %w", shared.ErrValidation)
	// ErrInvalidType signals an unknown history type.
	ErrInvalidType = errors.New("ledger: invalid history type")
	// ErrVariantNotFound indicates the variant does not exist.
	ErrVariantNotFound = fmt.Errorf("ledger: variant %w", shared.ErrNotFound)
	// ErrHistoryNotFound indicates the history row does not exist.
	ErrHistoryNotFound = fmt.Errorf("ledger: history entry %w", shared.ErrNotFound)
	// ErrInvalidRange signals an unparseable history time bound.
	ErrInvalidRange = fmt.Errorf("ledger: invalid time range: %w", shared.ErrValidation)
	// ErrInconsistent is fatal: quantity and history diverged inside a write.
	ErrInconsistent = errors.New("ledger: consistency violation")
	// ErrDuplicateMovement occurs when a sale or refund line was already posted.
	ErrDuplicateMovement = errors.New("ledger: movement already posted")
)
