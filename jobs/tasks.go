package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries outbound mail.
	QueueNotifications = "notifications"

	// TaskNotifySend delivers one outbox row.
	TaskNotifySend = "notify:send"
	// TaskOutboxRelay moves pending outbox rows onto the notifications queue.
	TaskOutboxRelay = "notify:outbox_relay"
	// TaskLedgerVerify replays every variant's stock history.
	TaskLedgerVerify = "ledger:verify"
	// TaskActivityCleanup prunes audit records and idempotency keys.
	TaskActivityCleanup = "activity:cleanup"
)

// NotifySendPayload identifies the outbox row to deliver.
type NotifySendPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

// NewNotifySendTask builds a delivery task. The dedup key doubles as the task
// id so the queue holds at most one live task per outbox row.
func NewNotifySendTask(messageID uuid.UUID, dedupKey string) (*asynq.Task, error) {
	body, err := json.Marshal(NotifySendPayload{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifySend, body,
		asynq.Queue(QueueNotifications),
		asynq.TaskID(dedupKey),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	), nil
}

// NewOutboxRelayTask builds a relay pass task.
func NewOutboxRelayTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxRelay, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(0))
}

// LedgerVerifyPayload narrows a verification run.
type LedgerVerifyPayload struct {
	VariantIDs []int64 `json:"variant_ids,omitempty"`
}

// NewLedgerVerifyTask builds a verification task. Empty ids mean every variant.
func NewLedgerVerifyTask(variantIDs ...int64) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerVerifyPayload{VariantIDs: variantIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerVerify, body, asynq.Queue(QueueDefault), asynq.Timeout(30*time.Minute)), nil
}

// ActivityCleanupPayload overrides the configured retention.
type ActivityCleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewActivityCleanupTask builds a cleanup task.
func NewActivityCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention < 0 {
		return nil, fmt.Errorf("jobs: negative retention %s", retention)
	}
	body, err := json.Marshal(ActivityCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskActivityCleanup, body, asynq.Queue(QueueDefault)), nil
}
