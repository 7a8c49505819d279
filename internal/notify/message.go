package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Recipient selects who a message is addressed to.
type Recipient string

const (
	RecipientSupplier Recipient = "supplier"
	RecipientStaff    Recipient = "staff"
)

// DeliveryStatus tracks an outbox row.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDispatched DeliveryStatus = "dispatched"
	DeliveryFailed     DeliveryStatus = "failed"
)

// MaxAttempts bounds delivery retries before a row is parked as failed.
const MaxAttempts = 5

// Events that are not order statuses.
const (
	StateCreated  = "created"
	StateReminder = "reminder"
)

// Line is one ordered variant in a payload.
type Line struct {
	VariantID int64           `json:"product_variant_id"`
	Quantity  int             `json:"quantity"`
	Received  int             `json:"received_quantity,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Payload is the rendered-agnostic body of a notification.
type Payload struct {
	OrderNumber string          `json:"order_number"`
	SupplierID  int64           `json:"supplier_id"`
	Reason      string          `json:"reason,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Lines       []Line          `json:"lines,omitempty"`
	Total       decimal.Decimal `json:"total"`
	ConfirmURL  string          `json:"confirm_url,omitempty"`
	AcceptURL   string          `json:"accept_url,omitempty"`
	RejectURL   string          `json:"reject_url,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// Message is a notification waiting in, or delivered from, the outbox.
type Message struct {
	ID           uuid.UUID      `json:"id"`
	DedupKey     string         `json:"dedup_key"`
	OrderType    string         `json:"order_type"`
	OrderID      int64          `json:"order_id"`
	NewState     string         `json:"new_state"`
	Recipient    Recipient      `json:"recipient"`
	Payload      Payload        `json:"payload"`
	Status       DeliveryStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	LastError    string         `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
}

// DedupKey identifies one notification per order state.
func DedupKey(orderType string, orderID int64, newState string) string {
	return fmt.Sprintf("%s:%d:%s", orderType, orderID, newState)
}

// NewMessage builds a pending message with its dedup key filled in.
func NewMessage(orderType string, orderID int64, newState string, to Recipient, payload Payload, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		DedupKey:  DedupKey(orderType, orderID, newState),
		OrderType: orderType,
		OrderID:   orderID,
		NewState:  newState,
		Recipient: to,
		Payload:   payload,
		Status:    DeliveryPending,
		CreatedAt: now,
	}
}

// Outbox persists messages inside the caller's unit of work.
type Outbox interface {
	// Enqueue stores msg unless a row with the same dedup key exists. It
	// reports whether a row was written.
	Enqueue(ctx context.Context, msg Message) (bool, error)
	// Pending returns up to limit undelivered rows, oldest first.
	Pending(ctx context.Context, limit int) ([]Message, error)
	Get(ctx context.Context, id uuid.UUID) (Message, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	CountByDedupKey(ctx context.Context, key string) (int, error)
}

// Directory resolves recipient addresses.
type Directory interface {
	SupplierEmail(ctx context.Context, supplierID int64) (string, error)
	StaffEmails(ctx context.Context) ([]string, error)
}

var (
	// ErrMessageNotFound is returned when the outbox row does not exist.
	ErrMessageNotFound = fmt.Errorf("notify: message %w", shared.ErrNotFound)
	// ErrNoRecipient is returned when no address is known for the recipient.
	ErrNoRecipient = errors.New("notify: no recipient address")
)
