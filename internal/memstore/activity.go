package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Outbox implements notify.Outbox.
type Outbox struct {
	s *Store
}

var _ notify.Outbox = (*Outbox)(nil)

// Enqueue stores msg unless its dedup key is already present.
func (o *Outbox) Enqueue(ctx context.Context, msg notify.Message) (bool, error) {
	inserted := false
	err := o.s.do(ctx, func(st *state) error {
		for _, existing := range st.outbox {
			if existing.DedupKey == msg.DedupKey {
				return nil
			}
		}
		msg.Status = notify.DeliveryPending
		msg.Attempts = 0
		st.outbox = append(st.outbox, msg)
		inserted = true
		return nil
	})
	return inserted, err
}

// Pending returns up to limit undelivered rows, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]notify.Message, error) {
	var out []notify.Message
	err := o.s.do(ctx, func(st *state) error {
		for _, msg := range st.outbox {
			if msg.Status != notify.DeliveryPending {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Get returns a message by id.
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (notify.Message, error) {
	var found notify.Message
	err := o.s.do(ctx, func(st *state) error {
		for _, msg := range st.outbox {
			if msg.ID == id {
				found = msg
				return nil
			}
		}
		return notify.ErrMessageNotFound
	})
	return found, err
}

// MarkDispatched records delivery.
func (o *Outbox) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	return o.update(ctx, id, func(msg *notify.Message) {
		if msg.Status == notify.DeliveryDispatched {
			return
		}
		msg.Status = notify.DeliveryDispatched
		msg.Attempts++
		msg.LastError = ""
		msg.DispatchedAt = &at
	})
}

// MarkFailed counts a failed attempt.
func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return o.update(ctx, id, func(msg *notify.Message) {
		if msg.Status != notify.DeliveryPending {
			return
		}
		msg.Attempts++
		msg.LastError = reason
		if msg.Attempts >= notify.MaxAttempts {
			msg.Status = notify.DeliveryFailed
		}
	})
}

// CountByDedupKey counts rows carrying key.
func (o *Outbox) CountByDedupKey(ctx context.Context, key string) (int, error) {
	count := 0
	err := o.s.do(ctx, func(st *state) error {
		for _, msg := range st.outbox {
			if msg.DedupKey == key {
				count++
			}
		}
		return nil
	})
	return count, err
}

// All returns every row in insertion order.
func (o *Outbox) All(ctx context.Context) []notify.Message {
	var out []notify.Message
	_ = o.s.do(ctx, func(st *state) error {
		out = append(out, st.outbox...)
		return nil
	})
	return out
}

func (o *Outbox) update(ctx context.Context, id uuid.UUID, fn func(*notify.Message)) error {
	return o.s.do(ctx, func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == id {
				fn(&st.outbox[i])
				return nil
			}
		}
		return notify.ErrMessageNotFound
	})
}

// AuditLog keeps activity records.
type AuditLog struct {
	s *Store
}

// Record appends entry, stamping it with the store clock when unset.
func (a *AuditLog) Record(ctx context.Context, entry shared.AuditLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.At.IsZero() {
		entry.At = a.s.clock.Now()
	}
	return a.s.do(ctx, func(st *state) error {
		st.auditLogs = append(st.auditLogs, entry)
		return nil
	})
}

// Entries returns all records in order.
func (a *AuditLog) Entries(ctx context.Context) []shared.AuditLog {
	var out []shared.AuditLog
	_ = a.s.do(ctx, func(st *state) error {
		out = append(out, st.auditLogs...)
		return nil
	})
	return out
}

// Cleanup drops records older than cutoff.
func (a *AuditLog) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := a.s.do(ctx, func(st *state) error {
		kept := st.auditLogs[:0]
		for _, entry := range st.auditLogs {
			if entry.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		st.auditLogs = kept
		return nil
	})
	return removed, err
}

// Idempotency tracks processed request keys.
type Idempotency struct {
	s *Store
}

// CheckAndInsert records key or fails with shared.ErrIdempotencyConflict.
func (i *Idempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	return i.s.do(ctx, func(st *state) error {
		composite := module + "|" + key
		if _, ok := st.idempotency[composite]; ok {
			return shared.ErrIdempotencyConflict
		}
		st.idempotency[composite] = i.s.clock.Now()
		return nil
	})
}

// Cleanup drops keys recorded before cutoff.
func (i *Idempotency) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := i.s.do(ctx, func(st *state) error {
		for key, at := range st.idempotency {
			if at.Before(cutoff) {
				delete(st.idempotency, key)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Directory resolves seeded supplier and staff addresses.
type Directory struct {
	s *Store
}

var _ notify.Directory = (*Directory)(nil)

// SupplierEmail returns the supplier's address.
func (d *Directory) SupplierEmail(ctx context.Context, supplierID int64) (string, error) {
	var email string
	err := d.s.do(ctx, func(st *state) error {
		sup, ok := st.suppliers[supplierID]
		if !ok || sup.Email == "" {
			return notify.ErrNoRecipient
		}
		email = sup.Email
		return nil
	})
	return email, err
}

// StaffEmails returns the staff distribution list.
func (d *Directory) StaffEmails(ctx context.Context) ([]string, error) {
	var out []string
	err := d.s.do(ctx, func(st *state) error {
		if len(st.staff) == 0 {
			return notify.ErrNoRecipient
		}
		out = append(out, st.staff...)
		return nil
	})
	return out, err
}
