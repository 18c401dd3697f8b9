package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/product"
)

// DefaultMaxInsertAttempts bounds how often an order is re-allocated after
// the store rejects its number as taken.
const DefaultMaxInsertAttempts = 3

// Source selects where checkout lines come from.
type Source int

const (
	// SourceStoredCart reads the owner's persistent cart and clears it in the
	// same transaction as the order insert.
	SourceStoredCart Source = iota
	// SourceSubmitted uses lines sent with the request.
	SourceSubmitted
)

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	Principal auth.Principal
	Source    Source
	// Lines is used with SourceSubmitted. Only product and quantity are read.
	Lines    []cart.Line
	Tax      decimal.Decimal
	Shipping decimal.Decimal
}

// QuoteRequest holds the input for pricing without placing an order.
type QuoteRequest struct {
	Principal auth.Principal
	Source    Source
	Lines     []cart.Line
	Tax       decimal.Decimal
	Shipping  decimal.Decimal
}

// Quote is a priced snapshot that was not stored.
type Quote struct {
	Items    []LineItem
	Currency string
	Totals
}

// CartInvalidator drops cached cart state after checkout.
type CartInvalidator interface {
	Forget(ctx context.Context, owner string)
}

// Options configures a Service.
type Options struct {
	Pricing           Pricing
	Allocator         *Allocator
	Carts             CartInvalidator
	MaxInsertAttempts int
	MeterProvider     metric.MeterProvider
	TracerProvider    trace.TracerProvider
	Now               func() time.Time
}

// Service is the order ledger. It prices checkouts, allocates order numbers
// and stores orders.
type Service struct {
	store             Store
	pricing           Pricing
	alloc             *Allocator
	carts             CartInvalidator
	maxInsertAttempts int
	now               func() time.Time

	tracer     trace.Tracer
	placed     metric.Int64Counter
	collisions metric.Int64Counter
	failures   metric.Int64Counter
}

// NewService creates the order ledger over store.
func NewService(store Store, opts Options) (*Service, error) {
	if opts.Pricing == (Pricing{}) {
		opts.Pricing = MustPricing("USD")
	}
	if opts.Allocator == nil {
		opts.Allocator = NewAllocator()
	}
	if opts.MaxInsertAttempts <= 0 {
		opts.MaxInsertAttempts = DefaultMaxInsertAttempts
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = metricnoop.NewMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = tracenoop.NewTracerProvider()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		store:             store,
		pricing:           opts.Pricing,
		alloc:             opts.Allocator,
		carts:             opts.Carts,
		maxInsertAttempts: opts.MaxInsertAttempts,
		now:               opts.Now,
		tracer:            opts.TracerProvider.Tracer("shopfront/order"),
	}

	meter := opts.MeterProvider.Meter("shopfront/order")
	var err error
	if s.placed, err = meter.Int64Counter("shop.orders.placed",
		metric.WithDescription("Orders stored"),
	); err != nil {
		return nil, errors.Wrap(err, "placed counter")
	}
	if s.collisions, err = meter.Int64Counter("shop.orders.id_collisions",
		metric.WithDescription("Order numbers found taken"),
	); err != nil {
		return nil, errors.Wrap(err, "collisions counter")
	}
	if s.failures, err = meter.Int64Counter("shop.orders.failures",
		metric.WithDescription("Order placements aborted by storage"),
	); err != nil {
		return nil, errors.Wrap(err, "failures counter")
	}
	return s, nil
}

// Pricing returns the pricing rules the ledger applies.
func (s *Service) Pricing() Pricing {
	return s.pricing
}

// PrimeAllocator loads every stored order number into the allocator.
func (s *Service) PrimeAllocator(ctx context.Context) error {
	ids, err := s.store.Orders().IDs(ctx)
	if err != nil {
		return errors.Wrap(err, "load order numbers")
	}
	s.alloc.Prime(ids)
	zctx.From(ctx).Info("Order number filter primed", zap.Int("count", len(ids)))
	return nil
}

// PlaceOrder prices the principal's lines with current catalog prices and
// stores a pending order. With SourceStoredCart the cart is cleared in the
// same transaction. Two identical calls create two orders.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder")
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	if req.Principal.IsZero() {
		return nil, ErrUnauthorized
	}
	owner := req.Principal.ID
	span.SetAttributes(attribute.String("order.owner", owner))

	if err := s.pricing.ValidateAmount("tax", req.Tax); err != nil {
		return nil, err
	}
	if err := s.pricing.ValidateAmount("shipping", req.Shipping); err != nil {
		return nil, err
	}

	var submitted []cart.Line
	if req.Source == SourceSubmitted {
		lines, err := cart.Normalize(req.Lines)
		if err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, ErrEmptyCart
		}
		submitted = lines
	}

	lg := zctx.From(ctx).With(zap.String("owner", owner))
	for attempt := 1; attempt <= s.maxInsertAttempts; attempt++ {
		var (
			o         *Order
			attempted ID
		)
		err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			lines := submitted
			if req.Source == SourceStoredCart {
				stored, err := tx.Carts().Lines(ctx, owner)
				if err != nil {
					return errors.Wrap(err, "load cart")
				}
				if lines, err = cart.Normalize(stored); err != nil {
					return err
				}
			}

			items, err := snapshot(ctx, tx.Products(), lines)
			if err != nil {
				return err
			}
			totals, err := s.pricing.Totals(items, req.Tax, req.Shipping)
			if err != nil {
				return err
			}

			id, err := s.alloc.Allocate(ctx, s.countingLookup(tx.Orders()))
			if err != nil {
				return err
			}
			attempted = id

			o = &Order{
				ID:        id,
				Owner:     owner,
				Items:     items,
				Currency:  s.pricing.Currency(),
				Subtotal:  totals.Subtotal,
				Tax:       totals.Tax,
				Shipping:  totals.Shipping,
				Total:     totals.Total,
				Status:    StatusPending,
				CreatedAt: s.now().UTC().Truncate(time.Microsecond),
			}
			if err := tx.Orders().Create(ctx, o); err != nil {
				return err
			}
			if req.Source == SourceStoredCart {
				if err := tx.Carts().Clear(ctx, owner); err != nil {
					return errors.Wrap(err, "clear cart")
				}
			}
			return nil
		})

		switch {
		case err == nil:
			s.alloc.Remember(o.ID)
			if req.Source == SourceStoredCart && s.carts != nil {
				s.carts.Forget(ctx, owner)
			}
			s.placed.Add(ctx, 1)
			span.SetAttributes(attribute.String("order.id", o.ID.String()))
			lg.Info("Order placed",
				zap.Stringer("order_id", o.ID),
				zap.String("total", o.Total.String()),
				zap.Int("items", len(o.Items)),
			)
			return o, nil
		case errors.Is(err, ErrDuplicateID):
			s.collisions.Add(ctx, 1)
			lg.Debug("Order number taken at insert, reallocating",
				zap.Stringer("order_id", attempted),
				zap.Int("attempt", attempt),
			)
			continue
		case isRejection(err):
			return nil, err
		}

		s.failures.Add(ctx, 1)
		lg.Error("Order placement failed",
			zap.Stringer("order_id", attempted),
			zap.Error(err),
		)
		return nil, &PersistenceError{Owner: owner, OrderID: attempted, Err: err}
	}
	return nil, ErrAllocationExhausted
}

// isRejection reports whether err is a validation or allocation outcome
// rather than a storage failure.
func isRejection(err error) bool {
	var (
		amountErr   *InvalidAmountError
		productErr  *ProductNotFoundError
		quantityErr *cart.InvalidQuantityError
	)
	return errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, cart.ErrMissingProduct) ||
		errors.Is(err, ErrAllocationExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &amountErr) ||
		errors.As(err, &productErr) ||
		errors.As(err, &quantityErr)
}

// countingLookup adapts the repository existence check and counts hits.
func (s *Service) countingLookup(orders Repository) ExistsFunc {
	return func(ctx context.Context, id ID) (bool, error) {
		taken, err := orders.Exists(ctx, id)
		if taken {
			s.collisions.Add(ctx, 1)
		}
		return taken, err
	}
}

// Quote prices lines without storing anything. An empty cart yields zero
// totals.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := s.pricing.ValidateAmount("tax", req.Tax); err != nil {
		return nil, err
	}
	if err := s.pricing.ValidateAmount("shipping", req.Shipping); err != nil {
		return nil, err
	}

	lines := req.Lines
	if req.Source == SourceStoredCart {
		if req.Principal.IsZero() {
			return nil, ErrUnauthorized
		}
		stored, err := s.store.Carts().Lines(ctx, req.Principal.ID)
		if err != nil {
			return nil, errors.Wrap(err, "load cart")
		}
		lines = stored
	}
	lines, err := cart.Normalize(lines)
	if err != nil {
		return nil, err
	}

	items, err := snapshot(ctx, s.store.Products(), lines)
	if err != nil {
		return nil, err
	}
	totals, err := s.pricing.Preview(items, req.Tax, req.Shipping)
	if err != nil {
		return nil, err
	}
	return &Quote{Items: items, Currency: s.pricing.Currency(), Totals: totals}, nil
}

// OrdersFor returns the principal's orders, newest first.
func (s *Service) OrdersFor(ctx context.Context, p auth.Principal) ([]Order, error) {
	if p.IsZero() {
		return nil, ErrUnauthorized
	}
	orders, err := s.store.Orders().ListByOwner(ctx, p.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// Get returns one order. Principals other than the owner see ErrNotFound
// unless they are admins.
func (s *Service) Get(ctx context.Context, p auth.Principal, id ID) (*Order, error) {
	if p.IsZero() {
		return nil, ErrUnauthorized
	}
	o, err := s.store.Orders().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Owner != p.ID && !p.IsAdmin() {
		return nil, ErrNotFound
	}
	return o, nil
}

// Page sizes for List.
const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// List returns the most recent orders of every owner. Admins only.
func (s *Service) List(ctx context.Context, p auth.Principal, limit int) ([]Order, error) {
	if p.IsZero() {
		return nil, ErrUnauthorized
	}
	if !p.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	orders, err := s.store.Orders().List(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list all orders")
	}
	return orders, nil
}

// snapshot re-prices lines from the catalog in a single batch read.
func snapshot(ctx context.Context, products product.Repository, lines []cart.Line) ([]LineItem, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	fetched, err := products.GetByIDs(ctx, cart.ProductIDs(lines))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(fetched)

	items := make([]LineItem, len(lines))
	for i, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: l.ProductID}
		}
		items[i] = LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  l.Quantity,
		}
	}
	return items, nil
}
