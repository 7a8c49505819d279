package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-retail/internal/platform/db"
)

// PgOutbox stores messages in notification_outbox.
type PgOutbox struct {
	db db.Querier
}

// NewPgOutbox constructs the outbox on top of the tx manager.
func NewPgOutbox(q db.Querier) *PgOutbox {
	return &PgOutbox{db: q}
}

type messageRow struct {
	ID           uuid.UUID  `db:"id"`
	DedupKey     string     `db:"dedup_key"`
	OrderType    string     `db:"order_type"`
	OrderID      int64      `db:"order_id"`
	NewState     string     `db:"new_state"`
	Recipient    string     `db:"recipient"`
	Payload      []byte     `db:"payload"`
	Status       string     `db:"status"`
	Attempts     int        `db:"attempts"`
	LastError    string     `db:"last_error"`
	CreatedAt    time.Time  `db:"created_at"`
	DispatchedAt *time.Time `db:"dispatched_at"`
}

func (row messageRow) toDomain() (Message, error) {
	msg := Message{
		ID:           row.ID,
		DedupKey:     row.DedupKey,
		OrderType:    row.OrderType,
		OrderID:      row.OrderID,
		NewState:     row.NewState,
		Recipient:    Recipient(row.Recipient),
		Status:       DeliveryStatus(row.Status),
		Attempts:     row.Attempts,
		LastError:    row.LastError,
		CreatedAt:    row.CreatedAt,
		DispatchedAt: row.DispatchedAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &msg.Payload); err != nil {
			return Message{}, fmt.Errorf("notify: decode payload %s: %w", row.ID, err)
		}
	}
	return msg, nil
}

const messageColumns = `id, dedup_key, order_type, order_id, new_state, recipient, payload, status, attempts,
	COALESCE(last_error, '') AS last_error, created_at, dispatched_at`

// Enqueue inserts msg; a duplicate dedup key is a no-op.
func (o *PgOutbox) Enqueue(ctx context.Context, msg Message) (bool, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return false, err
	}
	tag, err := o.db.Exec(ctx, `INSERT INTO notification_outbox
		(id, dedup_key, order_type, order_id, new_state, recipient, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		msg.ID, msg.DedupKey, msg.OrderType, msg.OrderID, msg.NewState, msg.Recipient, payload, DeliveryPending, msg.CreatedAt)
	if err != nil {
		return false, db.Classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

// Pending locks up to limit undelivered rows, skipping rows held by another relay.
func (o *PgOutbox) Pending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := pgxscan.Select(ctx, o.db, &rows, `SELECT `+messageColumns+` FROM notification_outbox
		WHERE status=$1 ORDER BY created_at, id LIMIT $2 FOR UPDATE SKIP LOCKED`, DeliveryPending, limit)
	if err != nil {
		return nil, db.Classify(err)
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Get loads a message by id.
func (o *PgOutbox) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	var row messageRow
	if err := pgxscan.Get(ctx, o.db, &row, `SELECT `+messageColumns+` FROM notification_outbox WHERE id=$1`, id); err != nil {
		if pgxscan.NotFound(err) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, db.Classify(err)
	}
	return row.toDomain()
}

// MarkDispatched records delivery. Already delivered rows are left alone.
func (o *PgOutbox) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := o.db.Exec(ctx, `UPDATE notification_outbox SET status=$2, dispatched_at=$3, attempts=attempts+1, last_error=NULL
		WHERE id=$1 AND status<>$2`, id, DeliveryDispatched, at)
	return db.Classify(err)
}

// MarkFailed counts a failed attempt and parks the row once attempts are exhausted.
func (o *PgOutbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := o.db.Exec(ctx, `UPDATE notification_outbox
		SET attempts=attempts+1, last_error=$2,
			status=CASE WHEN attempts+1 >= $3 THEN $4 ELSE status END
		WHERE id=$1 AND status=$5`, id, reason, MaxAttempts, DeliveryFailed, DeliveryPending)
	return db.Classify(err)
}

// CountByDedupKey reports how many rows carry key; at most one by construction.
func (o *PgOutbox) CountByDedupKey(ctx context.Context, key string) (int, error) {
	var count int
	err := o.db.QueryRow(ctx, `SELECT COUNT(*) FROM notification_outbox WHERE dedup_key=$1`, key).Scan(&count)
	return count, err
}

// PgDirectory reads supplier addresses from the suppliers table and staff
// addresses from configuration.
type PgDirectory struct {
	db    db.Querier
	staff []string
}

// NewPgDirectory constructs a directory.
func NewPgDirectory(q db.Querier, staff []string) *PgDirectory {
	return &PgDirectory{db: q, staff: staff}
}

// SupplierEmail returns the supplier's contact address.
func (d *PgDirectory) SupplierEmail(ctx context.Context, supplierID int64) (string, error) {
	var email string
	err := d.db.QueryRow(ctx, `SELECT COALESCE(email, '') FROM suppliers WHERE id=$1`, supplierID).Scan(&email)
	if err != nil {
		if pgxscan.NotFound(err) {
			return "", ErrNoRecipient
		}
		return "", db.Classify(err)
	}
	if email == "" {
		return "", ErrNoRecipient
	}
	return email, nil
}

// StaffEmails returns the configured staff distribution list.
func (d *PgDirectory) StaffEmails(context.Context) ([]string, error) {
	if len(d.staff) == 0 {
		return nil, ErrNoRecipient
	}
	return append([]string(nil), d.staff...), nil
}
