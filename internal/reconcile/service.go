// Package reconcile sequences order transitions, stock movements and
// supplier notifications. Every operation runs in one unit of work so that
// a transition, its ledger rows and its outbox row commit or fail together.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// AuditRecorder stores activity log entries in the caller's unit of work.
type AuditRecorder interface {
	Record(ctx context.Context, entry shared.AuditLog) error
}

// Metrics receives orchestration counters.
type Metrics interface {
	ObserveTransition(orderType, from, to string)
	ObserveRetry(operation string)
	ObserveNotification(orderType, state string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveTransition(string, string, string) {}
func (nopMetrics) ObserveRetry(string)                      {}
func (nopMetrics) ObserveNotification(string, string)       {}

// ErrNotLowStock is returned by the low-stock hook when the variant is above its threshold.
var ErrNotLowStock = fmt.Errorf("reconcile: variant is not low on stock: %w", shared.ErrValidation)

// Deps groups the collaborators of Service.
type Deps struct {
	Tx         shared.Transactor
	Ledger     *ledger.Service
	Orders     *purchasing.Service
	Reorders   *reorder.Service
	Tokens     *confirmation.Service
	Outbox     notify.Outbox
	Audit      AuditRecorder
	Clock      shared.Clock
	Metrics    Metrics
	Logger     *slog.Logger
	ConfirmURL string
}

// Service is the only component that touches both workflows and the ledger.
type Service struct {
	tx       shared.Transactor
	ledger   *ledger.Service
	orders   *purchasing.Service
	reorders *reorder.Service
	tokens   *confirmation.Service
	outbox   notify.Outbox
	audit    AuditRecorder
	clock    shared.Clock
	metrics  Metrics
	logger   *slog.Logger
	baseURL  string
}

// NewService wires the orchestrator.
func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = shared.SystemClock{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		tx:       d.Tx,
		ledger:   d.Ledger,
		orders:   d.Orders,
		reorders: d.Reorders,
		tokens:   d.Tokens,
		outbox:   d.Outbox,
		audit:    d.Audit,
		clock:    d.Clock,
		metrics:  d.Metrics,
		logger:   d.Logger,
		baseURL:  d.ConfirmURL,
	}
}

// run executes fn in a unit of work and retries it once when a concurrent
// writer won a compare-and-swap.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.tx.WithinTx(ctx, fn)
	if err == nil || !errors.Is(err, shared.ErrConcurrentModification) {
		return err
	}
	s.metrics.ObserveRetry(op)
	s.logger.Warn("retrying after concurrent modification", slog.String("operation", op), slog.Any("error", err))
	return s.tx.WithinTx(ctx, fn)
}

// notify writes msg to the outbox. Duplicates are dropped by dedup key.
func (s *Service) notify(ctx context.Context, msg notify.Message) error {
	inserted, err := s.outbox.Enqueue(ctx, msg)
	if err != nil {
		return fmt.Errorf("reconcile: enqueue %s: %w", msg.DedupKey, err)
	}
	if !inserted {
		s.logger.Debug("notification already queued", slog.String("dedup_key", msg.DedupKey))
		return nil
	}
	s.metrics.ObserveNotification(msg.OrderType, msg.NewState)
	return nil
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, meta map[string]any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.clock.Now(),
	})
}

// links issues a token and returns payload fields for the supplier invitation.
func (s *Service) links(orderType confirmation.OrderType, orderID, supplierID int64) (token string, p notify.Payload, err error) {
	token, err = s.tokens.Issue(orderType, orderID, supplierID)
	if err != nil {
		return "", notify.Payload{}, err
	}
	expires := s.clock.Now().Add(s.tokens.TTL())
	p.ConfirmURL = confirmation.Link(s.baseURL, orderType, orderID, confirmation.ActionView, token)
	p.AcceptURL = confirmation.Link(s.baseURL, orderType, orderID, confirmation.ActionAccept, token)
	p.RejectURL = confirmation.Link(s.baseURL, orderType, orderID, confirmation.ActionReject, token)
	p.ExpiresAt = &expires
	return token, p, nil
}

func orderPayload(order purchasing.Order) notify.Payload {
	p := notify.Payload{
		OrderNumber: order.Number,
		SupplierID:  order.SupplierID,
		Reason:      order.Reason,
		Notes:       order.Notes,
		Total:       order.Total(),
	}
	for _, item := range order.Items {
		p.Lines = append(p.Lines, notify.Line{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Received:  item.ReceivedQuantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return p
}

func reorderPayload(r reorder.Reorder) notify.Payload {
	line := notify.Line{VariantID: r.VariantID, Quantity: r.Quantity, UnitPrice: r.CostPerItem}
	if r.Status == reorder.StatusReceived {
		line.Received = r.Quantity
	}
	return notify.Payload{
		OrderNumber: r.Number,
		SupplierID:  r.SupplierID,
		Reason:      r.Reason,
		Notes:       r.Notes,
		Lines:       []notify.Line{line},
		Total:       r.Total(),
	}
}

func merge(base, links notify.Payload) notify.Payload {
	base.ConfirmURL = links.ConfirmURL
	base.AcceptURL = links.AcceptURL
	base.RejectURL = links.RejectURL
	base.ExpiresAt = links.ExpiresAt
	return base
}

// recipientFor routes supplier decisions to staff and everything else to the supplier.
func recipientFor(state string) notify.Recipient {
	switch state {
	case "accepted", "rejected":
		return notify.RecipientStaff
	default:
		return notify.RecipientSupplier
	}
}

func actor(ctx context.Context) int64 {
	return shared.ActorFromContext(ctx)
}

// ConfirmationLink renders the supplier's view link for a token.
func (s *Service) ConfirmationLink(orderType confirmation.OrderType, orderID int64, token string) string {
	return confirmation.Link(s.baseURL, orderType, orderID, confirmation.ActionView, token)
}
