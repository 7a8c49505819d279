package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/text/language"

	"github.com/odyssey-erp/odyssey-retail/internal/confirmation"
	"github.com/odyssey-erp/odyssey-retail/internal/ledger"
	"github.com/odyssey-erp/odyssey-retail/internal/memstore"
	"github.com/odyssey-erp/odyssey-retail/internal/notify"
	"github.com/odyssey-erp/odyssey-retail/internal/observability"
	"github.com/odyssey-erp/odyssey-retail/internal/platform/db"
	"github.com/odyssey-erp/odyssey-retail/internal/purchasing"
	"github.com/odyssey-erp/odyssey-retail/internal/reconcile"
	"github.com/odyssey-erp/odyssey-retail/internal/reorder"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
	"github.com/odyssey-erp/odyssey-retail/jobs"
)

// Services is the wired domain graph shared by the API and the worker.
type Services struct {
	Clock       shared.Clock
	Ledger      *ledger.Service
	Orders      *purchasing.Service
	Reorders    *reorder.Service
	Reconcile   *reconcile.Service
	Outbox      notify.Outbox
	Dispatcher  *notify.Dispatcher
	Audit       jobs.Cleaner
	Idempotency jobs.Cleaner
	// Memory is set when the in-process store backs the services.
	Memory *memstore.Store
}

type storage struct {
	tx          shared.Transactor
	ledgerRepo  ledger.Repository
	orderRepo   purchasing.Repository
	reorderRepo reorder.Repository
	outbox      notify.Outbox
	directory   notify.Directory
	audit       interface {
		reconcile.AuditRecorder
		jobs.Cleaner
	}
	idempotency interface {
		ledger.IdempotencyPort
		jobs.Cleaner
	}
	memory *memstore.Store
	close  func()
}

// BuildServices opens storage for cfg.StoreDriver and wires the domain
// services on top of it. The returned func releases storage.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, func(), error) {
	clock := shared.Clock(shared.SystemClock{})

	st, err := openStorage(ctx, cfg, clock)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := confirmation.NewService(confirmation.Config{Secret: cfg.AppSecret, TTL: cfg.ConfirmTokenTTL}, clock)
	if err != nil {
		st.close()
		return nil, nil, err
	}

	orders := purchasing.NewService(st.orderRepo, st.tx, clock)
	reorders := reorder.NewService(st.reorderRepo, st.tx, clock)
	led := ledger.NewService(st.ledgerRepo, st.tx, st.idempotency, clock).
		WithRecorder(metrics).
		WithResolvers(ledger.Resolvers{
			ledger.RefPurchaseOrder:     ledger.ResolverFunc(orders.Describe),
			ledger.RefPurchaseOrderItem: ledger.ResolverFunc(orders.DescribeItem),
			ledger.RefReorder:           ledger.ResolverFunc(reorders.Describe),
		})

	svc := reconcile.NewService(reconcile.Deps{
		Tx:         st.tx,
		Ledger:     led,
		Orders:     orders,
		Reorders:   reorders,
		Tokens:     tokens,
		Outbox:     st.outbox,
		Audit:      st.audit,
		Clock:      clock,
		Metrics:    metrics,
		Logger:     logger,
		ConfirmURL: cfg.ConfirmBaseURL,
	})

	tag, err := language.Parse(cfg.MailLanguage)
	if err != nil {
		st.close()
		return nil, nil, fmt.Errorf("mail language %q: %w", cfg.MailLanguage, err)
	}
	renderer, err := notify.NewRenderer(tag)
	if err != nil {
		st.close()
		return nil, nil, err
	}
	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.SMTPHost != "" {
		sender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}

	return &Services{
		Clock:       clock,
		Ledger:      led,
		Orders:      orders,
		Reorders:    reorders,
		Reconcile:   svc,
		Outbox:      st.outbox,
		Dispatcher:  notify.NewDispatcher(st.outbox, st.directory, renderer, sender, clock, logger),
		Audit:       st.audit,
		Idempotency: st.idempotency,
		Memory:      st.memory,
	}, st.close, nil
}

func openStorage(ctx context.Context, cfg *Config, clock shared.Clock) (*storage, error) {
	if cfg.StoreDriver == StoreDriverMemory {
		store := memstore.New(clock)
		store.SetStaff(cfg.StaffEmails...)
		return &storage{
			tx:          store,
			ledgerRepo:  store.Ledger(),
			orderRepo:   store.Purchasing(),
			reorderRepo: store.Reorders(),
			outbox:      store.Outbox(),
			directory:   store.Directory(),
			audit:       store.Audit(),
			idempotency: store.Idempotency(),
			memory:      store,
			close:       func() {},
		}, nil
	}

	pool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	txm := db.NewTxManager(pool, db.TxOptions{
		LockTimeout:      cfg.TxLockTimeout,
		StatementTimeout: cfg.TxStatementTimeout,
	})
	return &storage{
		tx:          txm,
		ledgerRepo:  ledger.NewRepository(txm),
		orderRepo:   purchasing.NewRepository(txm),
		reorderRepo: reorder.NewRepository(txm),
		outbox:      notify.NewPgOutbox(txm),
		directory:   notify.NewPgDirectory(txm, cfg.StaffEmails),
		audit:       shared.NewAuditLogger(txm),
		idempotency: shared.NewIdempotencyStore(txm),
		close:       pool.Close,
	}, nil
}
