package sqlite

import (
	"context"
	"fmt"

	"github.com/xenking/shopfront/internal/domain/cart"
)

const (
	cartLinesSQL = `SELECT product_id, quantity, added_at FROM cart_lines
		WHERE owner_id = ? ORDER BY added_at, product_id`

	addCartLineSQL = `INSERT INTO cart_lines (owner_id, product_id, quantity, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, product_id)
		DO UPDATE SET quantity = MIN(cart_lines.quantity + excluded.quantity, ?)`

	setCartQuantitySQL = `UPDATE cart_lines SET quantity = ? WHERE owner_id = ? AND product_id = ?`

	removeCartLineSQL = `DELETE FROM cart_lines WHERE owner_id = ? AND product_id = ?`

	clearCartSQL = `DELETE FROM cart_lines WHERE owner_id = ?`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by SQLite. Transactions
// hold the database write lock, so reads inside one need no row locks.
type CartRepository struct {
	db dbtx
}

// Lines returns the owner's lines in the order they were added.
func (r *CartRepository) Lines(ctx context.Context, owner string) ([]cart.Line, error) {
	rows, err := r.db.QueryContext(ctx, cartLinesSQL, owner)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", owner, err)
	}
	defer func() { _ = rows.Close() }()

	var lines []cart.Line
	for rows.Next() {
		var (
			l     cart.Line
			added int64
		)
		if err := rows.Scan(&l.ProductID, &l.Quantity, &added); err != nil {
			return nil, fmt.Errorf("scanning cart line: %w", err)
		}
		l.AddedAt = fromUnixNano(added)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", owner, err)
	}
	return lines, nil
}

// Add inserts a line or adds to its quantity, capped at cart.MaxQuantity.
func (r *CartRepository) Add(ctx context.Context, owner string, line cart.Line) error {
	_, err := r.db.ExecContext(ctx, addCartLineSQL,
		owner, line.ProductID, line.Quantity, unixNano(line.AddedAt), cart.MaxQuantity)
	if err != nil {
		return fmt.Errorf("adding %q to cart of %q: %w", line.ProductID, owner, err)
	}
	return nil
}

// SetQuantity replaces the quantity of an existing line.
func (r *CartRepository) SetQuantity(ctx context.Context, owner, productID string, quantity int) (bool, error) {
	res, err := r.db.ExecContext(ctx, setCartQuantitySQL, quantity, owner, productID)
	if err != nil {
		return false, fmt.Errorf("updating %q in cart of %q: %w", productID, owner, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating %q in cart of %q: %w", productID, owner, err)
	}
	return n > 0, nil
}

// Remove deletes one line.
func (r *CartRepository) Remove(ctx context.Context, owner, productID string) error {
	if _, err := r.db.ExecContext(ctx, removeCartLineSQL, owner, productID); err != nil {
		return fmt.Errorf("removing %q from cart of %q: %w", productID, owner, err)
	}
	return nil
}

// Clear deletes every line of the owner.
func (r *CartRepository) Clear(ctx context.Context, owner string) error {
	if _, err := r.db.ExecContext(ctx, clearCartSQL, owner); err != nil {
		return fmt.Errorf("clearing cart of %q: %w", owner, err)
	}
	return nil
}
