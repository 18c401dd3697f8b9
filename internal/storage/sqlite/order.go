package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/shopfront/internal/domain/order"
)

const (
	orderColumns = `order_id, owner_id, currency, line_items, subtotal, tax, shipping, total, status, created_at`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = ?)`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_id = ?`

	listOrdersByOwnerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE owner_id = ? ORDER BY created_at DESC, order_id DESC`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		ORDER BY created_at DESC, order_id DESC LIMIT ?`

	orderIDsSQL = `SELECT order_id FROM orders`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by SQLite. Amounts
// are stored as decimal strings.
type OrderRepository struct {
	db dbtx
}

// Exists reports whether the order number is stored.
func (r *OrderRepository) Exists(ctx context.Context, id order.ID) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, orderExistsSQL, int64(id)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking order %s: %w", id, err)
	}
	return ok, nil
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.db.ExecContext(ctx, createOrderSQL,
		int64(o.ID), o.Owner, o.Currency, string(order.EncodeItems(o.Items)),
		o.Subtotal.String(), o.Tax.String(), o.Shipping.String(), o.Total.String(),
		string(o.Status), unixNano(o.CreatedAt),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return order.ErrDuplicateID
		}
		return fmt.Errorf("creating order %s: %w", o.ID, err)
	}
	return nil
}

// Get returns one order or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id order.ID) (*order.Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, getOrderSQL, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %s: %w", id, err)
	}
	return &o, nil
}

// ListByOwner returns the owner's orders, newest first.
func (r *OrderRepository) ListByOwner(ctx context.Context, owner string) ([]order.Order, error) {
	orders, err := r.list(ctx, listOrdersByOwnerSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", owner, err)
	}
	return orders, nil
}

// List returns up to limit orders, newest first.
func (r *OrderRepository) List(ctx context.Context, limit int) ([]order.Order, error) {
	orders, err := r.list(ctx, listOrdersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return orders, nil
}

// IDs returns every stored order number.
func (r *OrderRepository) IDs(ctx context.Context) ([]order.ID, error) {
	rows, err := r.db.QueryContext(ctx, orderIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing order ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []order.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("listing order ids: %w", err)
		}
		ids = append(ids, order.ID(id))
	}
	return ids, rows.Err()
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]order.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (order.Order, error) {
	var (
		o       order.Order
		id      int64
		items   string
		status  string
		created int64
	)
	if err := row.Scan(&id, &o.Owner, &o.Currency, &items,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Total, &status, &created,
	); err != nil {
		return o, err
	}
	o.ID = order.ID(id)
	o.Status = order.Status(status)
	o.CreatedAt = fromUnixNano(created)

	var err error
	if o.Items, err = order.DecodeItems([]byte(items)); err != nil {
		return o, fmt.Errorf("order %s: %w", o.ID, err)
	}
	return o, nil
}
