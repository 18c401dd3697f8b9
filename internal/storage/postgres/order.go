package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/shopfront/internal/domain/order"
)

const (
	orderColumns = `order_id, owner_id, currency, line_items, subtotal, tax, shipping, total, status, created_at`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`

	listOrdersByOwnerSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE owner_id = $1 ORDER BY created_at DESC, order_id DESC`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		ORDER BY created_at DESC, order_id DESC LIMIT $1`

	orderIDsSQL = `SELECT order_id FROM orders`

	ordersPkey = "orders_pkey"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db dbtx
}

// Exists reports whether the order number is stored.
func (r *OrderRepository) Exists(ctx context.Context, id order.ID) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, orderExistsSQL, int64(id)).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking order %s: %w", id, err)
	}
	return ok, nil
}

// Create persists a new order. The line items are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	_, err := r.db.Exec(ctx, createOrderSQL,
		int64(o.ID), o.Owner, o.Currency, order.EncodeItems(o.Items),
		o.Subtotal, o.Tax, o.Shipping, o.Total, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, ordersPkey) {
			return order.ErrDuplicateID
		}
		return fmt.Errorf("creating order %s: %w", o.ID, err)
	}
	return nil
}

// Get returns one order or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id order.ID) (*order.Order, error) {
	rows, err := r.db.Query(ctx, getOrderSQL, int64(id))
	if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %s: %w", id, err)
	}
	return &o, nil
}

// ListByOwner returns the owner's orders, newest first.
func (r *OrderRepository) ListByOwner(ctx context.Context, owner string) ([]order.Order, error) {
	rows, err := r.db.Query(ctx, listOrdersByOwnerSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", owner, err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// List returns up to limit orders, newest first.
func (r *OrderRepository) List(ctx context.Context, limit int) ([]order.Order, error) {
	rows, err := r.db.Query(ctx, listOrdersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return pgx.CollectRows(rows, scanOrder)
}

// IDs returns every stored order number.
func (r *OrderRepository) IDs(ctx context.Context) ([]order.ID, error) {
	rows, err := r.db.Query(ctx, orderIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing order ids: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.ID, error) {
		var id int64
		err := row.Scan(&id)
		return order.ID(id), err
	})
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		id     int64
		items  []byte
		status string
	)
	if err := row.Scan(&id, &o.Owner, &o.Currency, &items,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Total, &status, &o.CreatedAt,
	); err != nil {
		return o, err
	}
	o.ID = order.ID(id)
	o.Status = order.Status(status)

	var err error
	if o.Items, err = order.DecodeItems(items); err != nil {
		return o, fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return o, nil
}
