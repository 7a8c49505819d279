// Package memstore is an in-process backend for the restocking engine. A
// single mutex serialises units of work and a snapshot of the whole state is
// restored when one fails, which mirrors the row locks and rollback of the
// PostgreSQL backend closely enough for tests and local runs.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

type txKey struct{}

// Supplier is a seeded supplier contact.
type Supplier struct {
	ID    int64
	Name  string
	Email string
}

type state struct {
	variants    map[int64]ledger.Variant
	histories   []ledger.History
	audits      []ledger.StockAudit
	orders      map[int64]purchasing.Order
	reorders    map[int64]reorder.Reorder
	outbox      []notify.Message
	auditLogs   []shared.AuditLog
	idempotency map[string]time.Time
	suppliers   map[int64]Supplier
	staff       []string

	orderSeq int64
	nextID   map[string]int64
}

func newState() *state {
	return &state{
		variants:    map[int64]ledger.Variant{},
		orders:      map[int64]purchasing.Order{},
		reorders:    map[int64]reorder.Reorder{},
		idempotency: map[string]time.Time{},
		suppliers:   map[int64]Supplier{},
		nextID:      map[string]int64{},
	}
}

func (st *state) next(table string) int64 {
	st.nextID[table]++
	return st.nextID[table]
}

func (st *state) clone() *state {
	c := &state{
		variants:    make(map[int64]ledger.Variant, len(st.variants)),
		histories:   append([]ledger.History(nil), st.histories...),
		audits:      append([]ledger.StockAudit(nil), st.audits...),
		orders:      make(map[int64]purchasing.Order, len(st.orders)),
		reorders:    make(map[int64]reorder.Reorder, len(st.reorders)),
		outbox:      append([]notify.Message(nil), st.outbox...),
		auditLogs:   append([]shared.AuditLog(nil), st.auditLogs...),
		idempotency: make(map[string]time.Time, len(st.idempotency)),
		suppliers:   make(map[int64]Supplier, len(st.suppliers)),
		staff:       append([]string(nil), st.staff...),
		orderSeq:    st.orderSeq,
		nextID:      make(map[string]int64, len(st.nextID)),
	}
	for k, v := range st.variants {
		c.variants[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range st.reorders {
		c.reorders[k] = v
	}
	for k, v := range st.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range st.suppliers {
		c.suppliers[k] = v
	}
	for k, v := range st.nextID {
		c.nextID[k] = v
	}
	return c
}

func copyOrder(o purchasing.Order) purchasing.Order {
	o.Items = append([]purchasing.Item(nil), o.Items...)
	return o
}

// Store holds every table in memory.
type Store struct {
	mu    sync.Mutex
	st    *state
	clock shared.Clock
}

// New returns an empty store.
func New(clock shared.Clock) *Store {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Store{st: newState(), clock: clock}
}

// WithinTx runs fn as one unit of work. Nested calls join the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	committed := false
	defer func() {
		if !committed {
			s.st = snapshot
		}
	}()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// do runs fn against the state, taking the lock unless ctx already holds it.
func (s *Store) do(ctx context.Context, fn func(st *state) error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// Ledger returns the ledger repository.
func (s *Store) Ledger() *LedgerRepo { return &LedgerRepo{s: s} }

// Purchasing returns the purchase order repository.
func (s *Store) Purchasing() *PurchasingRepo { return &PurchasingRepo{s: s} }

// Reorders returns the reorder repository.
func (s *Store) Reorders() *ReorderRepo { return &ReorderRepo{s: s} }

// Outbox returns the notification outbox.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

// Audit returns the activity log recorder.
func (s *Store) Audit() *AuditLog { return &AuditLog{s: s} }

// Idempotency returns the idempotency key store.
func (s *Store) Idempotency() *Idempotency { return &Idempotency{s: s} }

// Directory returns the recipient directory.
func (s *Store) Directory() *Directory { return &Directory{s: s} }

// AddVariant seeds a variant and returns it with its id filled in.
func (s *Store) AddVariant(v ledger.Variant) ledger.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.st.next("variants")
	} else if v.ID > s.st.nextID["variants"] {
		s.st.nextID["variants"] = v.ID
	}
	s.st.variants[v.ID] = v
	return v
}

// AddSupplier seeds a supplier.
func (s *Store) AddSupplier(sup Supplier) Supplier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sup.ID == 0 {
		sup.ID = s.st.next("suppliers")
	} else if sup.ID > s.st.nextID["suppliers"] {
		s.st.nextID["suppliers"] = sup.ID
	}
	s.st.suppliers[sup.ID] = sup
	return sup
}

// SetStaff replaces the staff distribution list.
func (s *Store) SetStaff(emails ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.staff = append([]string(nil), emails...)
}
