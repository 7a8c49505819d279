package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	jobmetrics "github.com/odyssey-erp/odyssey-retail/internal/jobs"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/memstore"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

var now = time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeQueue mimics asynq task id uniqueness for live tasks.
type fakeQueue struct {
	mu    sync.Mutex
	tasks map[string]*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	if q.tasks == nil {
		q.tasks = map[string]*asynq.Task{}
	}
	key := taskKey(task)
	if _, ok := q.tasks[key]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	q.tasks[key] = task
	return &asynq.TaskInfo{ID: key, Type: task.Type()}, nil
}

func (q *fakeQueue) drain() []*asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*asynq.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	q.tasks = nil
	return out
}

func taskKey(task *asynq.Task) string {
	var p NotifySendPayload
	_ = json.Unmarshal(task.Payload(), &p)
	return p.MessageID.String()
}

func newLocker(t *testing.T) (*cache.Locker, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewLocker(client), client, mr
}

func seedOutbox(t *testing.T, store *memstore.Store, states ...string) []notify.Message {
	t.Helper()
	var out []notify.Message
	for i, state := range states {
		msg := notify.NewMessage("purchase_order", int64(i+1), state, notify.RecipientSupplier, notify.Payload{OrderNumber: "PO-1", SupplierID: 1, Total: decimal.NewFromInt(10)}, now)
		ok, err := store.Outbox().Enqueue(context.Background(), msg)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, msg)
	}
	return out
}

func TestOutboxRelayEnqueuesEachPendingRowOnce(t *testing.T) {
	store := memstore.New(shared.NewManualClock(now))
	seedOutbox(t, store, "created", "created", "created")
	locker, _, _ := newLocker(t)
	queue := &fakeQueue{}
	reg := prometheus.NewRegistry()
	job := &OutboxRelayJob{Outbox: store.Outbox(), Enqueuer: queue, Locker: locker, Batch: 2, Logger: discard(), Metrics: jobmetrics.NewMetrics(reg)}

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RelayResult{Enqueued: 2}, res)

	res, err = job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Duplicate)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP odyssey_outbox_relayed_total Outbox rows relayed to the task queue by outcome.
# TYPE odyssey_outbox_relayed_total counter
odyssey_outbox_relayed_total{outcome="duplicate"} 2
odyssey_outbox_relayed_total{outcome="enqueued"} 2
`), "odyssey_outbox_relayed_total"))
}

func TestOutboxRelaySkipsWhileLocked(t *testing.T) {
	store := memstore.New(shared.NewManualClock(now))
	seedOutbox(t, store, "created")
	locker, _, _ := newLocker(t)
	_, ok, err := locker.Acquire(context.Background(), shared.OutboxRelayLockKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	queue := &fakeQueue{}
	job := &OutboxRelayJob{Outbox: store.Outbox(), Enqueuer: queue, Locker: locker, Logger: discard()}
	res, err := job.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Empty(t, queue.drain())
}

func TestOutboxRelaySurfacesQueueErrors(t *testing.T) {
	store := memstore.New(shared.NewManualClock(now))
	seedOutbox(t, store, "created")
	job := &OutboxRelayJob{Outbox: store.Outbox(), Enqueuer: &fakeQueue{err: errors.New("redis down")}, Logger: discard()}
	_, err := job.Run(context.Background())
	require.ErrorContains(t, err, "redis down")
}

type recordingSender struct {
	mu   sync.Mutex
	mail []notify.Mail
	fail error
}

func (s *recordingSender) Send(_ context.Context, m notify.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.mail = append(s.mail, m)
	return nil
}

func TestRelayThenSendDeliversOnce(t *testing.T) {
	clock := shared.NewManualClock(now)
	store := memstore.New(clock)
	supplier := store.AddSupplier(memstore.Supplier{Name: "Acme", Email: "po@acme.example"})
	msg := notify.NewMessage("purchase_order", 1, "created", notify.RecipientSupplier, notify.Payload{OrderNumber: "PO-1", SupplierID: supplier.ID, Total: decimal.NewFromInt(10)}, now)
	_, err := store.Outbox().Enqueue(context.Background(), msg)
	require.NoError(t, err)

	renderer, err := notify.NewRenderer(language.English)
	require.NoError(t, err)
	sender := &recordingSender{}
	dispatcher := notify.NewDispatcher(store.Outbox(), store.Directory(), renderer, sender, clock, discard())
	queue := &fakeQueue{}
	relay := &OutboxRelayJob{Outbox: store.Outbox(), Enqueuer: queue, Logger: discard()}
	reg := prometheus.NewRegistry()
	send := &NotifySendJob{Dispatcher: dispatcher, Logger: discard(), Metrics: jobmetrics.NewMetrics(reg)}

	_, err = relay.Run(context.Background())
	require.NoError(t, err)
	for _, task := range queue.drain() {
		require.NoError(t, send.Handle(context.Background(), task))
		// A redelivered task is a no-op.
		require.NoError(t, send.Handle(context.Background(), task))
	}
	require.Len(t, sender.mail, 1)
	require.Equal(t, []string{"po@acme.example"}, sender.mail[0].To)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP odyssey_notifications_total Notification delivery attempts by outcome.
# TYPE odyssey_notifications_total counter
odyssey_notifications_total{outcome="sent"} 1
odyssey_notifications_total{outcome="stale"} 1
`), "odyssey_notifications_total"))

	res, err := relay.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RelayResult{}, res)
}

func TestSendFailureIsCountedOnTheRow(t *testing.T) {
	clock := shared.NewManualClock(now)
	store := memstore.New(clock)
	supplier := store.AddSupplier(memstore.Supplier{Name: "Acme", Email: "po@acme.example"})
	msg := notify.NewMessage("reorder", 4, "created", notify.RecipientSupplier, notify.Payload{OrderNumber: "RO-4", SupplierID: supplier.ID}, now)
	_, err := store.Outbox().Enqueue(context.Background(), msg)
	require.NoError(t, err)

	renderer, err := notify.NewRenderer(language.English)
	require.NoError(t, err)
	sender := &recordingSender{fail: errors.New("smtp 451")}
	reg := prometheus.NewRegistry()
	send := &NotifySendJob{
		Dispatcher: notify.NewDispatcher(store.Outbox(), store.Directory(), renderer, sender, clock, discard()),
		Logger:     discard(),
		Metrics:    jobmetrics.NewMetrics(reg),
	}

	task, err := NewNotifySendTask(msg.ID, msg.DedupKey)
	require.NoError(t, err)
	require.NoError(t, send.Handle(context.Background(), task))

	stored, err := store.Outbox().Get(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, 1, stored.Attempts)
	require.Equal(t, notify.DeliveryPending, stored.Status)
	require.Equal(t, "smtp 451", stored.LastError)
	// The task itself succeeds; the failure lives on the row and the delivery counter.
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP odyssey_notifications_total Notification delivery attempts by outcome.
# TYPE odyssey_notifications_total counter
odyssey_notifications_total{outcome="failed"} 1
# HELP odyssey_retail_tasks_total Worker task runs by task type and status.
# TYPE odyssey_retail_tasks_total counter
odyssey_retail_tasks_total{status="success",task="notify:send"} 1
`), "odyssey_notifications_total", "odyssey_retail_tasks_total"))
}

func TestSendSkipsMalformedAndMissingRows(t *testing.T) {
	store := memstore.New(shared.NewManualClock(now))
	send := &NotifySendJob{Dispatcher: notify.NewDispatcher(store.Outbox(), store.Directory(), nil, &recordingSender{}, nil, discard()), Logger: discard()}

	err := send.Handle(context.Background(), asynq.NewTask(TaskNotifySend, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewNotifySendTask(seedOutbox(t, memstore.New(nil), "created")[0].ID, "x")
	require.NoError(t, err)
	require.ErrorIs(t, send.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestLedgerVerifyFlagsDriftAndCachesReports(t *testing.T) {
	clock := shared.NewManualClock(now)
	store := memstore.New(clock)
	led := ledger.NewService(store.Ledger(), store, store.Idempotency(), clock)
	ctx := shared.ContextWithActor(context.Background(), 1)

	healthy := store.AddVariant(ledger.Variant{SKU: "A", MinStockLevel: 1, UnitCost: decimal.NewFromInt(1)})
	_, err := led.Adjust(ctx, ledger.AdjustInput{VariantID: healthy.ID, Delta: 5, Type: ledger.HistoryManualAdjustment})
	require.NoError(t, err)
	drifted := store.AddVariant(ledger.Variant{SKU: "B", Quantity: 9, UnitCost: decimal.NewFromInt(1)})

	locker, client, _ := newLocker(t)
	reg := prometheus.NewRegistry()
	job := &LedgerVerifyJob{Ledger: led, Locker: locker, Cache: client, Workers: 2, Logger: discard(), Metrics: jobmetrics.NewMetrics(reg)}

	summary, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Checked)
	require.Len(t, summary.Mismatches, 1)
	require.Equal(t, drifted.ID, summary.Mismatches[0].VariantID)
	require.Equal(t, 0, summary.Mismatches[0].ReplayQuantity)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP odyssey_ledger_replay_mismatches_total Variants whose stock history replay disagreed with the stored quantity.
# TYPE odyssey_ledger_replay_mismatches_total counter
odyssey_ledger_replay_mismatches_total 1
`), "odyssey_ledger_replay_mismatches_total"))

	cached, err := CachedReport(context.Background(), client, healthy.ID)
	require.NoError(t, err)
	require.True(t, cached.Consistent)
	require.Equal(t, 5, cached.ReplayQuantity)
}

func TestLedgerVerifySkipsWhenAnotherRunHoldsTheLock(t *testing.T) {
	store := memstore.New(shared.NewManualClock(now))
	led := ledger.NewService(store.Ledger(), store, store.Idempotency(), nil)
	locker, _, mr := newLocker(t)
	require.NoError(t, mr.Set(shared.LedgerVerifyLockKey(), "other"))

	job := &LedgerVerifyJob{Ledger: led, Locker: locker, Logger: discard()}
	summary, err := job.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Skipped)
	require.Equal(t, "other", mustGet(t, mr, shared.LedgerVerifyLockKey()))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestActivityCleanupHonoursRetention(t *testing.T) {
	clock := shared.NewManualClock(now.Add(-100 * 24 * time.Hour))
	store := memstore.New(clock)
	ctx := context.Background()
	require.NoError(t, store.Audit().Record(ctx, shared.AuditLog{Action: "create", Entity: "reorder", EntityID: "1"}))
	require.NoError(t, store.Idempotency().CheckAndInsert(ctx, "sale:1", "ledger"))

	clock.Set(now)
	require.NoError(t, store.Audit().Record(ctx, shared.AuditLog{Action: "create", Entity: "reorder", EntityID: "2"}))

	job := &ActivityCleanupJob{Audit: store.Audit(), Idempotency: store.Idempotency(), Retention: 90 * 24 * time.Hour, Clock: clock, Logger: discard()}
	task, err := NewActivityCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))

	entries := store.Audit().Entries(ctx)
	require.Len(t, entries, 1)
	require.Equal(t, "2", entries[0].EntityID)
	require.NoError(t, store.Idempotency().CheckAndInsert(ctx, "sale:1", "ledger"))

	_, err = job.Run(ctx, 0)
	require.Error(t, err)
}

func TestDrainOutboxSendsPendingRows(t *testing.T) {
	clock := shared.NewManualClock(now)
	store := memstore.New(clock)
	store.SetStaff("ops@shop.example")
	supplier := store.AddSupplier(memstore.Supplier{Name: "Acme", Email: "po@acme.example"})
	for _, state := range []string{"created", "accepted"} {
		to := notify.RecipientSupplier
		if state == "accepted" {
			to = notify.RecipientStaff
		}
		_, err := store.Outbox().Enqueue(context.Background(), notify.NewMessage("reorder", 2, state, to, notify.Payload{OrderNumber: "RO-2", SupplierID: supplier.ID}, now))
		require.NoError(t, err)
	}
	renderer, err := notify.NewRenderer(language.English)
	require.NoError(t, err)
	sender := &recordingSender{}
	dispatcher := notify.NewDispatcher(store.Outbox(), store.Directory(), renderer, sender, clock, discard())

	sent, err := DrainOutbox(context.Background(), store.Outbox(), dispatcher, 10)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, []string{"ops@shop.example"}, sender.mail[1].To)

	sent, err = DrainOutbox(context.Background(), store.Outbox(), dispatcher, 10)
	require.NoError(t, err)
	require.Zero(t, sent)
}
