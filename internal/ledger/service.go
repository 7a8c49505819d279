package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// IdempotencyPort guards sale and refund postings against double submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// Recorder receives movement metrics.
type Recorder interface {
	ObserveLedgerMovement(historyType string, delta int)
}

// Service is the single writer of variant quantities.
type Service struct {
	repo        Repository
	tx          shared.Transactor
	idempotency IdempotencyPort
	clock       shared.Clock
	metrics     Recorder
	resolvers   Resolvers
}

// NewService builds Service.
func NewService(repo Repository, tx shared.Transactor, idem IdempotencyPort, clock shared.Clock) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, tx: tx, idempotency: idem, clock: clock, resolvers: Resolvers{}}
}

// WithRecorder attaches a metrics recorder.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.metrics = r
	return s
}

// WithResolvers installs reference resolvers used when describing history.
func (s *Service) WithResolvers(r Resolvers) *Service {
	if r != nil {
		s.resolvers = r
	}
	return s
}

// Variant returns the variant without locking it.
func (s *Service) Variant(ctx context.Context, id int64) (Variant, error) {
	if id <= 0 {
		return Variant{}, ErrVariantNotFound
	}
	return s.repo.GetVariant(ctx, id)
}

// Adjust applies a signed delta and appends the matching history row in the
// same unit of work. Audit corrections must go through CorrectTo.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (History, error) {
	if err := validateAdjust(in); err != nil {
		return History{}, err
	}
	if in.Type == HistoryAuditCorrection {
		return History{}, fmt.Errorf("%w: audit corrections use CorrectTo", ErrInvalidType)
	}
	var entry History
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		entry, err = s.apply(ctx, in)
		return err
	})
	if err != nil {
		return History{}, err
	}
	s.observe(entry)
	return entry, nil
}

// Increment adds a positive quantity.
func (s *Service) Increment(ctx context.Context, in AdjustInput) (History, error) {
	if in.Delta <= 0 {
		return History{}, ErrInvalidQuantity
	}
	return s.Adjust(ctx, in)
}

// Decrement removes a positive quantity.
func (s *Service) Decrement(ctx context.Context, in AdjustInput) (History, error) {
	if in.Delta <= 0 {
		return History{}, ErrInvalidQuantity
	}
	in.Delta = -in.Delta
	return s.Adjust(ctx, in)
}

// CorrectTo sets the variant to a physically counted quantity, recording a
// stock audit and exactly one audit-correction history row.
func (s *Service) CorrectTo(ctx context.Context, variantID int64, counted int, performedBy int64, note string) (StockAudit, History, error) {
	if variantID <= 0 {
		return StockAudit{}, History{}, ErrVariantNotFound
	}
	if counted < 0 {
		return StockAudit{}, History{}, ErrInvalidQuantity
	}
	var (
		audit StockAudit
		entry History
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		variant, err := s.repo.GetVariantForUpdate(ctx, variantID)
		if err != nil {
			return err
		}
		audit, err = s.repo.InsertAudit(ctx, StockAudit{
			VariantID:       variantID,
			SystemQuantity:  variant.Quantity,
			CountedQuantity: counted,
			Difference:      counted - variant.Quantity,
			PerformedBy:     actorRef(performedBy),
			Note:            note,
			CreatedAt:       s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("ledger: insert audit: %w", err)
		}
		entry, err = s.write(ctx, variant, audit.Difference, HistoryAuditCorrection,
			Reference{Kind: RefStockAudit, ID: audit.ID}, performedBy, note)
		return err
	})
	if err != nil {
		return StockAudit{}, History{}, err
	}
	s.observe(entry)
	return audit, entry, nil
}

// RecordSale decrements stock for one sale line. Posting the same line twice fails.
func (s *Service) RecordSale(ctx context.Context, saleID, variantID int64, qty int, performedBy int64) (History, error) {
	return s.recordOnce(ctx, fmt.Sprintf("sale:%d:%d", saleID, variantID), AdjustInput{
		VariantID:   variantID,
		Delta:       -qty,
		Type:        HistorySale,
		Reference:   Reference{Kind: RefSale, ID: saleID},
		PerformedBy: performedBy,
	}, qty)
}

// RecordRefund restocks one refunded line. Posting the same line twice fails.
func (s *Service) RecordRefund(ctx context.Context, refundID, variantID int64, qty int, performedBy int64) (History, error) {
	return s.recordOnce(ctx, fmt.Sprintf("refund:%d:%d", refundID, variantID), AdjustInput{
		VariantID:   variantID,
		Delta:       qty,
		Type:        HistoryRefund,
		Reference:   Reference{Kind: RefRefund, ID: refundID},
		PerformedBy: performedBy,
	}, qty)
}

func (s *Service) recordOnce(ctx context.Context, key string, in AdjustInput, qty int) (History, error) {
	if qty <= 0 {
		return History{}, ErrInvalidQuantity
	}
	if err := validateAdjust(in); err != nil {
		return History{}, err
	}
	var entry History
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if s.idempotency != nil {
			if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					return fmt.Errorf("%w: %s", ErrDuplicateMovement, key)
				}
				return err
			}
		}
		var err error
		entry, err = s.apply(ctx, in)
		return err
	})
	if err != nil {
		return History{}, err
	}
	s.observe(entry)
	return entry, nil
}

// History lists ledger rows for a variant.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]History, error) {
	if filter.VariantID <= 0 {
		return nil, ErrVariantNotFound
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, ErrInvalidType
	}
	return s.repo.ListHistory(ctx, filter)
}

// SoftDeleteHistory hides a row from default listings. Quantity is untouched
// and the row still takes part in replay.
func (s *Service) SoftDeleteHistory(ctx context.Context, historyID int64) error {
	if historyID <= 0 {
		return ErrHistoryNotFound
	}
	return s.repo.SoftDeleteHistory(ctx, historyID, s.clock.Now())
}

// Replay folds the variant's history in creation order and compares the
// result with the stored quantity. The chain starts at zero, or at the
// system quantity of the first row when that row is an audit baseline.
func (s *Service) Replay(ctx context.Context, variantID int64) (ReplayReport, error) {
	var report ReplayReport
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		variant, err := s.repo.GetVariantForUpdate(ctx, variantID)
		if err != nil {
			return err
		}
		entries, err := s.repo.HistoryForReplay(ctx, variantID)
		if err != nil {
			return err
		}
		report = Fold(variant.Quantity, entries)
		report.VariantID = variantID
		return nil
	})
	return report, err
}

// Fold replays entries over the starting baseline.
func Fold(current int, entries []History) ReplayReport {
	report := ReplayReport{CurrentQuantity: current, Entries: len(entries)}
	running := 0
	if len(entries) > 0 && entries[0].Type == HistoryAuditCorrection {
		running = entries[0].QuantityBefore
	}
	rowsConsistent := true
	for _, entry := range entries {
		if entry.QuantityBefore != running {
			report.BrokenLinks++
		}
		if !entry.Consistent() {
			rowsConsistent = false
		}
		running += entry.QuantityChange
	}
	report.ReplayQuantity = running
	report.Consistent = rowsConsistent && report.BrokenLinks == 0 && running == current
	return report
}

func (s *Service) apply(ctx context.Context, in AdjustInput) (History, error) {
	variant, err := s.repo.GetVariantForUpdate(ctx, in.VariantID)
	if err != nil {
		return History{}, err
	}
	if variant.Quantity+in.Delta < 0 {
		return History{}, fmt.Errorf("%w: variant %d has %d, change %d", ErrNegativeStock, variant.ID, variant.Quantity, in.Delta)
	}
	return s.write(ctx, variant, in.Delta, in.Type, in.Reference, in.PerformedBy, in.Note)
}

func (s *Service) write(ctx context.Context, variant Variant, delta int, typ HistoryType, ref Reference, performedBy int64, note string) (History, error) {
	entry := History{
		VariantID:      variant.ID,
		Type:           typ,
		QuantityBefore: variant.Quantity,
		QuantityChange: delta,
		QuantityAfter:  variant.Quantity + delta,
		Reference:      ref,
		PerformedBy:    actorRef(performedBy),
		Note:           note,
		CreatedAt:      s.clock.Now(),
	}
	if delta != 0 {
		if err := s.repo.SetVariantQuantity(ctx, variant.ID, entry.QuantityBefore, entry.QuantityAfter); err != nil {
			return History{}, err
		}
	}
	saved, err := s.repo.InsertHistory(ctx, entry)
	if err != nil {
		return History{}, fmt.Errorf("ledger: insert history: %w", err)
	}
	return saved, nil
}

func (s *Service) observe(entry History) {
	if s.metrics != nil {
		s.metrics.ObserveLedgerMovement(string(entry.Type), entry.QuantityChange)
	}
}

func validateAdjust(in AdjustInput) error {
	if in.VariantID <= 0 {
		return ErrVariantNotFound
	}
	if in.Delta == 0 {
		return ErrInvalidQuantity
	}
	if !in.Type.Valid() {
		return ErrInvalidType
	}
	return nil
}

func actorRef(id int64) *int64 {
	if id == shared.SystemActor {
		return nil
	}
	return &id
}

// VariantIDs lists every variant the ledger knows about.
func (s *Service) VariantIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListVariantIDs(ctx)
}
