package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
)

// MessageDispatcher delivers one outbox row.
type MessageDispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) (bool, error)
}

// NotifySendJob handles TaskNotifySend.
type NotifySendJob struct {
	Dispatcher MessageDispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// Handle delivers the referenced message. Delivery failures are already
// counted on the outbox row, so they do not fail the task; the next relay
// pass picks the row up again until it is parked.
func (j *NotifySendJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Dispatcher == nil {
		return errors.New("notify send: handler not configured")
	}
	var payload NotifySendPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.MessageID == uuid.Nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskNotifySend)
	defer func() { err = tracker.End(err) }()

	logger := loggerOrDefault(j.Logger).With(slog.String("message_id", payload.MessageID.String()))
	sent, dispatchErr := j.Dispatcher.Dispatch(ctx, payload.MessageID)
	switch {
	case errors.Is(dispatchErr, notify.ErrMessageNotFound):
		j.Metrics.ObserveDelivery(jobmetrics.DeliveryMissing)
		logger.Warn("outbox row vanished")
		return asynq.SkipRetry
	case dispatchErr != nil && !sent:
		j.Metrics.ObserveDelivery(jobmetrics.DeliveryFailed)
		logger.Warn("notification attempt failed", slog.Any("error", dispatchErr))
		return nil
	case dispatchErr != nil:
		// Mail went out but the row could not be marked.
		j.Metrics.ObserveDelivery(jobmetrics.DeliverySent)
		return dispatchErr
	case !sent:
		j.Metrics.ObserveDelivery(jobmetrics.DeliveryStale)
		return nil
	}
	j.Metrics.ObserveDelivery(jobmetrics.DeliverySent)
	return nil
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// DrainOutbox dispatches pending rows in-process. It is used when no queue
// is available and reports how many mails went out.
func DrainOutbox(ctx context.Context, outbox notify.Outbox, dispatcher MessageDispatcher, batch int) (int, error) {
	pending, err := outbox.Pending(ctx, batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, msg := range pending {
		ok, err := dispatcher.Dispatch(ctx, msg.ID)
		if ok {
			sent++
		}
		if err != nil && ok {
			return sent, err
		}
	}
	return sent, nil
}
