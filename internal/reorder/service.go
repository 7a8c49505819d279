package reorder

import (
	"context"

	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Repository abstracts reorder persistence. Methods run on the unit of work
// carried by ctx when one is active.
type Repository interface {
	NextSequence(ctx context.Context) (int64, error)
	Insert(ctx context.Context, reorder Reorder) (Reorder, error)
	Get(ctx context.Context, id int64) (Reorder, error)
	GetForUpdate(ctx context.Context, id int64) (Reorder, error)
	// UpdateStatus persists the transition only if the stored status still equals expected.
	UpdateStatus(ctx context.Context, reorder Reorder, expected Status) error
	List(ctx context.Context, filter ListFilter) ([]Reorder, int, error)
	// LockVariant serialises reorder creation per variant.
	LockVariant(ctx context.Context, variantID int64) error
	CountUnresolvedByVariant(ctx context.Context, variantID int64) (int, error)
}

// Service applies the reorder state machine against storage.
type Service struct {
	repo  Repository
	tx    shared.Transactor
	clock shared.Clock
}

// NewService builds Service.
func NewService(repo Repository, tx shared.Transactor, clock shared.Clock) *Service {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Service{repo: repo, tx: tx, clock: clock}
}

// Create stores a pending reorder. It fails with ErrPendingReorderExists
// when the variant already has an unresolved one.
func (s *Service) Create(ctx context.Context, in CreateInput) (Reorder, error) {
	if err := ValidateCreate(in); err != nil {
		return Reorder{}, err
	}
	var created Reorder
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		exists, err := s.HasUnresolved(ctx, in.VariantID)
		if err != nil {
			return err
		}
		if exists {
			return ErrPendingReorderExists
		}
		seq, err := s.repo.NextSequence(ctx)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		draft := Reorder{
			Number:      shared.FormatOrderNumber(shared.PrefixReorder, now, seq),
			VariantID:   in.VariantID,
			SupplierID:  in.SupplierID,
			Quantity:    in.Quantity,
			CostPerItem: in.CostPerItem,
			Status:      StatusPending,
			Trigger:     in.Trigger,
			Notes:       in.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if in.CreatedBy != 0 {
			createdBy := in.CreatedBy
			draft.CreatedBy = &createdBy
		}
		created, err = s.repo.Insert(ctx, draft)
		return err
	})
	return created, err
}

// HasUnresolved locks the variant and reports whether a pending or accepted reorder exists.
func (s *Service) HasUnresolved(ctx context.Context, variantID int64) (bool, error) {
	if err := s.repo.LockVariant(ctx, variantID); err != nil {
		return false, err
	}
	count, err := s.repo.CountUnresolvedByVariant(ctx, variantID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get returns a reorder.
func (s *Service) Get(ctx context.Context, id int64) (Reorder, error) {
	if id <= 0 {
		return Reorder{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// List returns a page of reorders and the total count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Reorder, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, ErrValidation
	}
	return s.repo.List(ctx, filter)
}

// Describe returns the reorder number for history labels.
func (s *Service) Describe(ctx context.Context, id int64) (string, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Number, nil
}

// Lock loads the reorder under row lock.
func (s *Service) Lock(ctx context.Context, id int64) (Reorder, error) {
	return s.repo.GetForUpdate(ctx, id)
}

// Accept moves a pending reorder to accepted.
func (s *Service) Accept(ctx context.Context, id int64, notes string) (Reorder, error) {
	return s.transition(ctx, id, func(r *Reorder) error {
		return r.Accept(s.clock.Now(), notes)
	})
}

// Reject moves a pending reorder to rejected.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (Reorder, error) {
	return s.transition(ctx, id, func(r *Reorder) error {
		return r.Reject(s.clock.Now(), reason)
	})
}

// Cancel withdraws a pending reorder.
func (s *Service) Cancel(ctx context.Context, id int64, reason string, cancelledBy int64) (Reorder, error) {
	return s.transition(ctx, id, func(r *Reorder) error {
		return r.Cancel(s.clock.Now(), reason, cancelledBy)
	})
}

// MarkReceived closes an accepted reorder. Stock is booked by the caller in
// the same unit of work.
func (s *Service) MarkReceived(ctx context.Context, id int64) (Reorder, error) {
	return s.transition(ctx, id, func(r *Reorder) error {
		return r.Receive(s.clock.Now())
	})
}

func (s *Service) transition(ctx context.Context, id int64, apply func(*Reorder) error) (Reorder, error) {
	var updated Reorder
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		expected := current.Status
		if err := apply(&current); err != nil {
			return err
		}
		if err := s.repo.UpdateStatus(ctx, current, expected); err != nil {
			return err
		}
		updated = current
		return nil
	})
	return updated, err
}
