package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/shopfront/internal/domain/cart"
)

const (
	cartLinesSQL = `SELECT product_id, quantity, added_at FROM cart_lines
		WHERE owner_id = $1 ORDER BY added_at, product_id`

	cartLinesForUpdateSQL = cartLinesSQL + ` FOR UPDATE`

	addCartLineSQL = `INSERT INTO cart_lines (owner_id, product_id, quantity, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, product_id)
		DO UPDATE SET quantity = LEAST(cart_lines.quantity + EXCLUDED.quantity, $5)`

	setCartQuantitySQL = `UPDATE cart_lines SET quantity = $3 WHERE owner_id = $1 AND product_id = $2`

	removeCartLineSQL = `DELETE FROM cart_lines WHERE owner_id = $1 AND product_id = $2`

	clearCartSQL = `DELETE FROM cart_lines WHERE owner_id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	db dbtx
	// lock makes Lines take row locks; only meaningful inside a transaction.
	lock bool
}

// Lines returns the owner's lines in the order they were added.
func (r *CartRepository) Lines(ctx context.Context, owner string) ([]cart.Line, error) {
	query := cartLinesSQL
	if r.lock {
		query = cartLinesForUpdateSQL
	}
	rows, err := r.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", owner, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Line, error) {
		var l cart.Line
		err := row.Scan(&l.ProductID, &l.Quantity, &l.AddedAt)
		return l, err
	})
}

// Add inserts a line or adds to its quantity, capped at cart.MaxQuantity.
func (r *CartRepository) Add(ctx context.Context, owner string, line cart.Line) error {
	_, err := r.db.Exec(ctx, addCartLineSQL, owner, line.ProductID, line.Quantity, line.AddedAt, cart.MaxQuantity)
	if err != nil {
		return fmt.Errorf("adding %q to cart of %q: %w", line.ProductID, owner, err)
	}
	return nil
}

// SetQuantity replaces the quantity of an existing line.
func (r *CartRepository) SetQuantity(ctx context.Context, owner, productID string, quantity int) (bool, error) {
	tag, err := r.db.Exec(ctx, setCartQuantitySQL, owner, productID, quantity)
	if err != nil {
		return false, fmt.Errorf("updating %q in cart of %q: %w", productID, owner, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Remove deletes one line.
func (r *CartRepository) Remove(ctx context.Context, owner, productID string) error {
	if _, err := r.db.Exec(ctx, removeCartLineSQL, owner, productID); err != nil {
		return fmt.Errorf("removing %q from cart of %q: %w", productID, owner, err)
	}
	return nil
}

// Clear deletes every line of the owner.
func (r *CartRepository) Clear(ctx context.Context, owner string) error {
	if _, err := r.db.Exec(ctx, clearCartSQL, owner); err != nil {
		return fmt.Errorf("clearing cart of %q: %w", owner, err)
	}
	return nil
}
