package ledger

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-retail/internal/platform/db"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// Repository abstracts ledger persistence. Every method runs on the unit of
// work carried by ctx when one is active.
type Repository interface {
	GetVariant(ctx context.Context, id int64) (Variant, error)
	GetVariantForUpdate(ctx context.Context, id int64) (Variant, error)
	// SetVariantQuantity writes after only if the stored quantity still equals before.
	SetVariantQuantity(ctx context.Context, id int64, before, after int) error
	InsertHistory(ctx context.Context, entry History) (History, error)
	InsertAudit(ctx context.Context, audit StockAudit) (StockAudit, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]History, error)
	// HistoryForReplay returns every row of a variant, soft-deleted included, in creation order.
	HistoryForReplay(ctx context.Context, variantID int64) ([]History, error)
	SoftDeleteHistory(ctx context.Context, id int64, at time.Time) error
	ListVariantIDs(ctx context.Context) ([]int64, error)
}

// PgRepository provides PostgreSQL backed persistence.
type PgRepository struct {
	db db.Querier
}

// NewRepository constructs a repository on top of the tx manager.
func NewRepository(q db.Querier) *PgRepository {
	return &PgRepository{db: q}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const variantColumns = `id, sku, name, quantity, min_stock_level, unit_cost, unit_price`

// GetVariant loads a variant without locking.
func (r *PgRepository) GetVariant(ctx context.Context, id int64) (Variant, error) {
	var v Variant
	err := pgxscan.Get(ctx, r.db, &v, `SELECT `+variantColumns+` FROM product_variants WHERE id=$1`, id)
	return v, mapVariantErr(err)
}

// GetVariantForUpdate loads a variant and holds its row lock until the tx ends.
func (r *PgRepository) GetVariantForUpdate(ctx context.Context, id int64) (Variant, error) {
	var v Variant
	err := pgxscan.Get(ctx, r.db, &v, `SELECT `+variantColumns+` FROM product_variants WHERE id=$1 FOR UPDATE`, id)
	return v, mapVariantErr(db.Classify(err))
}

// SetVariantQuantity writes the new on-hand quantity.
func (r *PgRepository) SetVariantQuantity(ctx context.Context, id int64, before, after int) error {
	tag, err := r.db.Exec(ctx, `UPDATE product_variants SET quantity=$3, updated_at=NOW() WHERE id=$1 AND quantity=$2`, id, before, after)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInconsistent
	}
	return nil
}

// InsertHistory appends a ledger row.
func (r *PgRepository) InsertHistory(ctx context.Context, entry History) (History, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO stock_histories
		(product_variant_id, type, quantity_before, quantity_change, quantity_after, reference_kind, reference_id, performed_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		entry.VariantID, entry.Type, entry.QuantityBefore, entry.QuantityChange, entry.QuantityAfter,
		entry.Reference.Kind, entry.Reference.ID, entry.PerformedBy, entry.Note, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return History{}, db.Classify(err)
	}
	return entry, nil
}

// InsertAudit stores a stock audit.
func (r *PgRepository) InsertAudit(ctx context.Context, audit StockAudit) (StockAudit, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO stock_audits
		(product_variant_id, system_quantity, counted_quantity, difference, performed_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		audit.VariantID, audit.SystemQuantity, audit.CountedQuantity, audit.Difference, audit.PerformedBy, audit.Note, audit.CreatedAt,
	).Scan(&audit.ID)
	if err != nil {
		return StockAudit{}, db.Classify(err)
	}
	return audit, nil
}

type historyRow struct {
	ID             int64      `db:"id"`
	VariantID      int64      `db:"product_variant_id"`
	Type           string     `db:"type"`
	QuantityBefore int        `db:"quantity_before"`
	QuantityChange int        `db:"quantity_change"`
	QuantityAfter  int        `db:"quantity_after"`
	RefKind        string     `db:"reference_kind"`
	RefID          int64      `db:"reference_id"`
	PerformedBy    *int64     `db:"performed_by"`
	Note           string     `db:"note"`
	CreatedAt      time.Time  `db:"created_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
}

func (row historyRow) toDomain() History {
	return History{
		ID:             row.ID,
		VariantID:      row.VariantID,
		Type:           HistoryType(row.Type),
		QuantityBefore: row.QuantityBefore,
		QuantityChange: row.QuantityChange,
		QuantityAfter:  row.QuantityAfter,
		Reference:      Reference{Kind: RefKind(row.RefKind), ID: row.RefID},
		PerformedBy:    row.PerformedBy,
		Note:           row.Note,
		CreatedAt:      row.CreatedAt,
		DeletedAt:      row.DeletedAt,
	}
}

func historySelect() sq.SelectBuilder {
	return psql.Select("id", "product_variant_id", "type", "quantity_before", "quantity_change", "quantity_after",
		"reference_kind", "reference_id", "performed_by", "COALESCE(note, '') AS note", "created_at", "deleted_at").
		From("stock_histories")
}

// ListHistory returns history rows newest first.
func (r *PgRepository) ListHistory(ctx context.Context, filter HistoryFilter) ([]History, error) {
	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	query := historySelect().Where(sq.Eq{"product_variant_id": filter.VariantID})
	if filter.Type != "" {
		query = query.Where(sq.Eq{"type": filter.Type})
	}
	if !filter.From.IsZero() {
		query = query.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		query = query.Where(sq.Lt{"created_at": filter.To})
	}
	if !filter.IncludeDeleted {
		query = query.Where(sq.Eq{"deleted_at": nil})
	}
	query = query.OrderBy("created_at DESC", "id DESC").
		Limit(uint64(perPage)).
		Offset(uint64(shared.PageOffset(page, perPage)))
	return r.selectHistory(ctx, query)
}

// HistoryForReplay returns the full chain oldest first.
func (r *PgRepository) HistoryForReplay(ctx context.Context, variantID int64) ([]History, error) {
	query := historySelect().Where(sq.Eq{"product_variant_id": variantID}).OrderBy("created_at", "id")
	return r.selectHistory(ctx, query)
}

func (r *PgRepository) selectHistory(ctx context.Context, query sq.SelectBuilder) ([]History, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []historyRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, err
	}
	out := make([]History, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SoftDeleteHistory flags a row as deleted. Rows are never physically removed.
func (r *PgRepository) SoftDeleteHistory(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE stock_histories SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrHistoryNotFound
	}
	return nil
}

// ListVariantIDs returns every variant id.
func (r *PgRepository) ListVariantIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := pgxscan.Select(ctx, r.db, &ids, `SELECT id FROM product_variants ORDER BY id`); err != nil {
		return nil, err
	}
	return ids, nil
}

func mapVariantErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
		return ErrVariantNotFound
	}
	return err
}
