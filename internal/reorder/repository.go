package reorder

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-retail/internal/platform/db"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// PgRepository stores reorders in PostgreSQL.
type PgRepository struct {
	db db.Querier
}

// NewRepository constructs a repository on top of the tx manager.
func NewRepository(q db.Querier) *PgRepository {
	return &PgRepository{db: q}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type reorderRow struct {
	ID          int64           `db:"id"`
	Number      string          `db:"purchase_order_number"`
	VariantID   int64           `db:"product_variant_id"`
	SupplierID  int64           `db:"supplier_id"`
	Quantity    int             `db:"quantity"`
	CostPerItem decimal.Decimal `db:"cost_per_item"`
	Status      string          `db:"status"`
	Trigger     string          `db:"trigger"`
	Notes       string          `db:"notes"`
	Reason      string          `db:"reason"`
	AcceptedAt  *time.Time      `db:"accepted_at"`
	ReceivedAt  *time.Time      `db:"received_at"`
	ResolvedAt  *time.Time      `db:"resolved_at"`
	CancelledBy *int64          `db:"cancelled_by"`
	CreatedBy   *int64          `db:"created_by"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (row reorderRow) toDomain() Reorder {
	return Reorder{
		ID:          row.ID,
		Number:      row.Number,
		VariantID:   row.VariantID,
		SupplierID:  row.SupplierID,
		Quantity:    row.Quantity,
		CostPerItem: row.CostPerItem,
		Status:      Status(row.Status),
		Trigger:     Trigger(row.Trigger),
		Notes:       row.Notes,
		Reason:      row.Reason,
		AcceptedAt:  row.AcceptedAt,
		ReceivedAt:  row.ReceivedAt,
		ResolvedAt:  row.ResolvedAt,
		CancelledBy: row.CancelledBy,
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

const reorderColumns = `id, purchase_order_number, product_variant_id, supplier_id, quantity, cost_per_item, status, trigger,
	COALESCE(notes, '') AS notes, COALESCE(reason, '') AS reason, accepted_at, received_at, resolved_at,
	cancelled_by, created_by, created_at, updated_at`

// NextSequence draws from the sequence shared with purchase orders.
func (r *PgRepository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq)
	return seq, err
}

// Insert stores a new reorder.
func (r *PgRepository) Insert(ctx context.Context, reorder Reorder) (Reorder, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO reorders
		(purchase_order_number, product_variant_id, supplier_id, quantity, cost_per_item, status, trigger, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11) RETURNING id`,
		reorder.Number, reorder.VariantID, reorder.SupplierID, reorder.Quantity, reorder.CostPerItem,
		reorder.Status, reorder.Trigger, reorder.Notes, reorder.CreatedBy, reorder.CreatedAt, reorder.UpdatedAt,
	).Scan(&reorder.ID)
	if err != nil {
		return Reorder{}, fmt.Errorf("reorder: insert: %w", db.Classify(err))
	}
	return reorder, nil
}

// Get returns a reorder.
func (r *PgRepository) Get(ctx context.Context, id int64) (Reorder, error) {
	return r.load(ctx, id, "")
}

// GetForUpdate returns the reorder with its row locked.
func (r *PgRepository) GetForUpdate(ctx context.Context, id int64) (Reorder, error) {
	return r.load(ctx, id, " FOR UPDATE")
}

func (r *PgRepository) load(ctx context.Context, id int64, lock string) (Reorder, error) {
	var row reorderRow
	if err := pgxscan.Get(ctx, r.db, &row, `SELECT `+reorderColumns+` FROM reorders WHERE id=$1`+lock, id); err != nil {
		if pgxscan.NotFound(err) {
			return Reorder{}, ErrNotFound
		}
		return Reorder{}, db.Classify(err)
	}
	return row.toDomain(), nil
}

// UpdateStatus writes the transition guarded by a compare-and-swap on status.
func (r *PgRepository) UpdateStatus(ctx context.Context, reorder Reorder, expected Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE reorders
		SET status=$3, notes=NULLIF($4, ''), reason=NULLIF($5, ''), accepted_at=$6, received_at=$7, resolved_at=$8, cancelled_by=$9, updated_at=$10
		WHERE id=$1 AND status=$2`,
		reorder.ID, expected, reorder.Status, reorder.Notes, reorder.Reason, reorder.AcceptedAt, reorder.ReceivedAt,
		reorder.ResolvedAt, reorder.CancelledBy, reorder.UpdatedAt)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reorder: %d no longer %s: %w", reorder.ID, expected, shared.ErrConcurrentModification)
	}
	return nil
}

// List returns a filtered page of reorders, newest first.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Reorder, int, error) {
	where := sq.And{}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.VariantID > 0 {
		where = append(where, sq.Eq{"product_variant_id": filter.VariantID})
	}
	if filter.SupplierID > 0 {
		where = append(where, sq.Eq{"supplier_id": filter.SupplierID})
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		where = append(where, sq.ILike{"purchase_order_number": "%" + search + "%"})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("reorders").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	listSQL, listArgs, err := psql.Select(reorderColumns).From("reorders").Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(perPage)).
		Offset(uint64(shared.PageOffset(page, perPage))).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []reorderRow
	if err := pgxscan.Select(ctx, r.db, &rows, listSQL, listArgs...); err != nil {
		return nil, 0, err
	}
	out := make([]Reorder, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, total, nil
}

// LockVariant takes a transaction-scoped advisory lock for the variant.
func (r *PgRepository) LockVariant(ctx context.Context, variantID int64) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, shared.LockNamespaceVariantReorder, int32(variantID))
	return db.Classify(err)
}

// CountUnresolvedByVariant counts pending and accepted reorders.
func (r *PgRepository) CountUnresolvedByVariant(ctx context.Context, variantID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM reorders WHERE product_variant_id=$1 AND status IN ($2, $3)`,
		variantID, StatusPending, StatusAccepted).Scan(&count)
	return count, err
}
