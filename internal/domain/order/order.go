package order

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/product"
)

// ID is an eight digit order number shown to customers.
type ID int64

// String formats the id as it is shown to customers.
func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Valid reports whether id is inside the order number range.
func (id ID) Valid() bool {
	return id >= MinID && id <= MaxID
}

// ParseID parses an order number from its decimal form.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrNotFound, "order %q", s)
	}
	id := ID(n)
	if !id.Valid() {
		return 0, errors.Wrapf(ErrNotFound, "order %q", s)
	}
	return id, nil
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFulfilled, StatusCancelled:
		return true
	}
	return false
}

// LineItem is a frozen copy of a product at the moment the order was placed.
type LineItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Amount returns UnitPrice × Quantity.
func (li LineItem) Amount() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Order is a confirmed purchase. Everything except Status is fixed once the
// order is stored.
type Order struct {
	ID        ID
	Owner     string
	Items     []LineItem
	Currency  string
	Subtotal  decimal.Decimal
	Tax       decimal.Decimal
	Shipping  decimal.Decimal
	Total     decimal.Decimal
	Status    Status
	CreatedAt time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	Exists(ctx context.Context, id ID) (bool, error)
	// Create stores a new order. It returns ErrDuplicateID when the id is taken.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id ID) (*Order, error)
	// ListByOwner returns the owner's orders, newest first.
	ListByOwner(ctx context.Context, owner string) ([]Order, error)
	// List returns up to limit orders of every owner, newest first.
	List(ctx context.Context, limit int) ([]Order, error)
	// IDs returns every stored order number.
	IDs(ctx context.Context) ([]ID, error)
}

// Tx is the set of repositories bound to one database transaction.
type Tx interface {
	Orders() Repository
	Carts() cart.Repository
	Products() product.Repository
}

// Store gives access to repositories and runs units of work.
type Store interface {
	Tx
	// InTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Sentinel errors returned by the ledger.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrAllocationExhausted = errors.New("order number allocation exhausted")
	ErrDuplicateID         = errors.New("order number already taken")
	ErrNotFound            = errors.New("order not found")
)

// InvalidAmountError reports a tax or shipping value that cannot be used.
type InvalidAmountError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ProductNotFoundError indicates a cart line references a product the
// catalog does not carry.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// PersistenceError wraps a storage failure that aborted order placement.
type PersistenceError struct {
	Owner   string
	OrderID ID
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.OrderID == 0 {
		return fmt.Sprintf("persist order for %s: %v", e.Owner, e.Err)
	}
	return fmt.Sprintf("persist order %s for %s: %v", e.OrderID, e.Owner, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
