// Package cart holds shopping cart lines and the rules for turning them
// into a consistent snapshot.
package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// MaxQuantity is the largest quantity a single cart line may hold.
const MaxQuantity = 99

var (
	// ErrCacheMiss is returned by a Cache that holds no entry for an owner.
	ErrCacheMiss = errors.New("cart cache miss")
	// ErrLineNotFound is returned when updating a product not in the cart.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrMissingProduct is returned for a line that names no product.
	ErrMissingProduct = errors.New("cart line without product")
)

// Line is one product in a cart.
type Line struct {
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

// InvalidQuantityError indicates a line quantity outside [1, MaxQuantity].
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity %d for product %s must be between 1 and %d", e.Quantity, e.ProductID, MaxQuantity)
}

// Repository persists cart lines keyed by (owner, product).
type Repository interface {
	// Lines returns the owner's lines ordered by the time they were added.
	Lines(ctx context.Context, owner string) ([]Line, error)
	// Add inserts a line or adds quantity to an existing one, capped at MaxQuantity.
	Add(ctx context.Context, owner string, line Line) error
	// SetQuantity replaces the quantity of an existing line.
	// It reports false when the owner has no line for the product.
	SetQuantity(ctx context.Context, owner, productID string, quantity int) (bool, error)
	Remove(ctx context.Context, owner, productID string) error
	Clear(ctx context.Context, owner string) error
}

// Cache stores the owner's lines between reads.
type Cache interface {
	Get(ctx context.Context, owner string) ([]Line, error)
	Set(ctx context.Context, owner string, lines []Line) error
	Delete(ctx context.Context, owner string) error
}

// Normalize validates quantities and merges lines that reference the same
// product. The first occurrence keeps its position; quantities are summed
// and the earliest AddedAt wins.
func Normalize(lines []Line) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	pos := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, ErrMissingProduct
		}
		if l.Quantity < 1 || l.Quantity > MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		i, ok := pos[l.ProductID]
		if !ok {
			pos[l.ProductID] = len(out)
			out = append(out, l)
			continue
		}
		merged := &out[i]
		merged.Quantity += l.Quantity
		if merged.Quantity > MaxQuantity {
			return nil, &InvalidQuantityError{ProductID: l.ProductID, Quantity: merged.Quantity}
		}
		if !l.AddedAt.IsZero() && (merged.AddedAt.IsZero() || l.AddedAt.Before(merged.AddedAt)) {
			merged.AddedAt = l.AddedAt
		}
	}
	return out, nil
}

// ProductIDs returns the product of every line in order.
func ProductIDs(lines []Line) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	return ids
}
