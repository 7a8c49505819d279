package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Dispatcher delivers a single outbox row. Delivery runs outside any
// business transaction so a failure never rolls back the order change.
type Dispatcher struct {
	outbox    Outbox
	directory Directory
	renderer  *Renderer
	sender    Sender
	clock     shared.Clock
	logger    *slog.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(outbox Outbox, directory Directory, renderer *Renderer, sender Sender, clock shared.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{outbox: outbox, directory: directory, renderer: renderer, sender: sender, clock: clock, logger: logger}
}

// Dispatch sends the message identified by id unless it was already handled.
// It reports whether mail went out.
func (d *Dispatcher) Dispatch(ctx context.Context, id uuid.UUID) (bool, error) {
	msg, err := d.outbox.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if msg.Status != DeliveryPending {
		d.logger.Debug("notification already handled", slog.String("dedup_key", msg.DedupKey), slog.String("status", string(msg.Status)))
		return false, nil
	}

	to, err := d.recipients(ctx, msg)
	if err != nil {
		return false, d.fail(ctx, msg, err)
	}
	rendered, err := d.renderer.Render(msg)
	if err != nil {
		return false, d.fail(ctx, msg, err)
	}
	if err := d.sender.Send(ctx, Mail{To: to, Subject: rendered.Subject, Body: rendered.Body}); err != nil {
		return false, d.fail(ctx, msg, err)
	}
	if err := d.outbox.MarkDispatched(ctx, msg.ID, d.clock.Now()); err != nil {
		return true, err
	}
	d.logger.Info("notification dispatched", slog.String("dedup_key", msg.DedupKey), slog.Int("recipients", len(to)))
	return true, nil
}

func (d *Dispatcher) recipients(ctx context.Context, msg Message) ([]string, error) {
	if msg.Recipient == RecipientStaff {
		return d.directory.StaffEmails(ctx)
	}
	addr, err := d.directory.SupplierEmail(ctx, msg.Payload.SupplierID)
	if err != nil {
		return nil, err
	}
	return []string{addr}, nil
}

func (d *Dispatcher) fail(ctx context.Context, msg Message, cause error) error {
	d.logger.Warn("notification failed", slog.String("dedup_key", msg.DedupKey), slog.Int("attempt", msg.Attempts+1), slog.Any("error", cause))
	if err := d.outbox.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		d.logger.Error("mark notification failed", slog.String("dedup_key", msg.DedupKey), slog.Any("error", err))
	}
	return cause
}
