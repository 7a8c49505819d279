package purchasing

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/odyssey-erp/odyssey-retail/internal/platform/db"
	"github.com/odyssey-erp/odyssey-retail/internal/shared"
)

// PgRepository provides PostgreSQL backed persistence.
type PgRepository struct {
	db db.Querier
}

// NewRepository constructs a repository on top of the tx manager.
func NewRepository(q db.Querier) *PgRepository {
	return &PgRepository{db: q}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sortColumns = map[string]string{
	"created_at":            "created_at",
	"expected_at":           "expected_at",
	"purchase_order_number": "purchase_order_number",
	"status":                "status",
}

type orderRow struct {
	ID          int64      `db:"id"`
	Number      string     `db:"purchase_order_number"`
	SupplierID  int64      `db:"supplier_id"`
	Status      string     `db:"status"`
	ExpectedAt  *time.Time `db:"expected_at"`
	Notes       string     `db:"notes"`
	Reason      string     `db:"reason"`
	AcceptedAt  *time.Time `db:"accepted_at"`
	ReceivedAt  *time.Time `db:"received_at"`
	ResolvedAt  *time.Time `db:"resolved_at"`
	CancelledBy *int64     `db:"cancelled_by"`
	CreatedBy   *int64     `db:"created_by"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

func (row orderRow) toDomain() Order {
	return Order{
		ID:          row.ID,
		Number:      row.Number,
		SupplierID:  row.SupplierID,
		Status:      Status(row.Status),
		ExpectedAt:  row.ExpectedAt,
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

const orderColumns = `id, purchase_order_number, supplier_id, status, expected_at, COALESCE(notes, '') AS notes,
	COALESCE(reason, '') AS reason, accepted_at, received_at, resolved_at, cancelled_by, created_by, created_at, updated_at`

const itemColumns = `id, purchase_order_id, product_variant_id, quantity, unit_price, received_quantity`

// NextSequence draws the next shared order number.
func (r *PgRepository) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq)
	return seq, err
}

// Insert stores the order and its items.
func (r *PgRepository) Insert(ctx context.Context, order Order) (Order, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO purchase_orders
		(purchase_order_number, supplier_id, status, expected_at, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		order.Number, order.SupplierID, order.Status, order.ExpectedAt, order.Notes, order.CreatedBy, order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return Order{}, fmt.Errorf("purchasing: insert order: %w", err)
	}
	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := r.db.QueryRow(ctx, `INSERT INTO purchase_order_items
			(purchase_order_id, product_variant_id, quantity, unit_price, received_quantity)
			VALUES ($1, $2, $3, $4, 0) RETURNING id`,
			item.OrderID, item.VariantID, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			return Order{}, fmt.Errorf("purchasing: insert item: %w", err)
		}
	}
	return order, nil
}

// Get returns purchase order and items.
func (r *PgRepository) Get(ctx context.Context, id int64) (Order, error) {
	return r.load(ctx, id, "")
}

// GetForUpdate returns the order with the order row and item rows locked.
func (r *PgRepository) GetForUpdate(ctx context.Context, id int64) (Order, error) {
	return r.load(ctx, id, " FOR UPDATE")
}

func (r *PgRepository) load(ctx context.Context, id int64, lock string) (Order, error) {
	var row orderRow
	if err := pgxscan.Get(ctx, r.db, &row, `SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`+lock, id); err != nil {
		if pgxscan.NotFound(err) {
			return Order{}, ErrNotFound
		}
		return Order{}, db.Classify(err)
	}
	order := row.toDomain()
	if err := pgxscan.Select(ctx, r.db, &order.Items, `SELECT `+itemColumns+` FROM purchase_order_items WHERE purchase_order_id=$1 ORDER BY id`+lock, id); err != nil {
		return Order{}, db.Classify(err)
	}
	return order, nil
}

// UpdateStatus writes the transition guarded by a compare-and-swap on status.
func (r *PgRepository) UpdateStatus(ctx context.Context, order Order, expected Status) error {
	tag, err := r.db.Exec(ctx, `UPDATE purchase_orders
		SET status=$3, notes=$4, reason=NULLIF($5, ''), accepted_at=$6, received_at=$7, resolved_at=$8, cancelled_by=$9, updated_at=$10
		WHERE id=$1 AND status=$2`,
		order.ID, expected, order.Status, order.Notes, order.Reason, order.AcceptedAt, order.ReceivedAt, order.ResolvedAt, order.CancelledBy, order.UpdatedAt)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchasing: order %d no longer %s: %w", order.ID, expected, shared.ErrConcurrentModification)
	}
	return nil
}

// SetReceivedQuantity advances the receipt accumulator.
func (r *PgRepository) SetReceivedQuantity(ctx context.Context, itemID int64, before, after int) error {
	tag, err := r.db.Exec(ctx, `UPDATE purchase_order_items SET received_quantity=$3
		WHERE id=$1 AND received_quantity=$2 AND $3 <= quantity`, itemID, before, after)
	if err != nil {
		return db.Classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchasing: item %d changed during receipt: %w", itemID, shared.ErrConcurrentModification)
	}
	return nil
}

// Delete removes the order; items cascade.
func (r *PgRepository) Delete(ctx context.Context, id int64, expected Status) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM purchase_order_items WHERE purchase_order_id=$1`, id); err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM purchase_orders WHERE id=$1 AND status=$2`, id, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchasing: order %d: %w", id, shared.ErrConcurrentModification)
	}
	return nil
}

// List returns a filtered, sorted page of orders.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	where := sq.And{}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.SupplierID > 0 {
		where = append(where, sq.Eq{"supplier_id": filter.SupplierID})
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		where = append(where, sq.ILike{"purchase_order_number": "%" + search + "%"})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("purchase_orders").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, perPage := shared.NormalizePage(filter.Page, filter.PerPage)
	listSQL, listArgs, err := psql.Select(orderColumns).From("purchase_orders").Where(where).
		OrderBy(orderBy(filter.SortBy, filter.SortDir), "id DESC").
		Limit(uint64(perPage)).
		Offset(uint64(shared.PageOffset(page, perPage))).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []orderRow
	if err := pgxscan.Select(ctx, r.db, &rows, listSQL, listArgs...); err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return []Order{}, total, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var items []Item
	if err := pgxscan.Select(ctx, r.db, &items, `SELECT `+itemColumns+` FROM purchase_order_items WHERE purchase_order_id = ANY($1) ORDER BY id`, ids); err != nil {
		return nil, 0, err
	}
	byOrder := make(map[int64][]Item, len(rows))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	orders := make([]Order, 0, len(rows))
	for _, row := range rows {
		order := row.toDomain()
		order.Items = byOrder[order.ID]
		orders = append(orders, order)
	}
	return orders, total, nil
}

// LockSupplier takes a transaction-scoped advisory lock for the supplier.
func (r *PgRepository) LockSupplier(ctx context.Context, supplierID int64) error {
	_, err := r.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, shared.LockNamespaceSupplierOrders, int32(supplierID))
	return db.Classify(err)
}

// CountUnresolvedBySupplier counts pending, accepted and partial orders.
func (r *PgRepository) CountUnresolvedBySupplier(ctx context.Context, supplierID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders WHERE supplier_id=$1 AND status IN ($2, $3, $4)`,
		supplierID, StatusPending, StatusAccepted, StatusPartial).Scan(&count)
	return count, err
}

// OrderIDForItem returns the order owning itemID.
func (r *PgRepository) OrderIDForItem(ctx context.Context, itemID int64) (int64, error) {
	var orderID int64
	if err := pgxscan.Get(ctx, r.db, &orderID, `SELECT purchase_order_id FROM purchase_order_items WHERE id=$1`, itemID); err != nil {
		if pgxscan.NotFound(err) {
			return 0, ErrItemNotFound
		}
		return 0, db.Classify(err)
	}
	return orderID, nil
}

func orderBy(column, dir string) string {
	col, ok := sortColumns[column]
	if !ok {
		col = "created_at"
	}
	if strings.EqualFold(dir, "asc") {
		return col + " ASC"
	}
	return col + " DESC"
}
