package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/product"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

var (
	alice = auth.Principal{ID: "u-alice", Name: "Alice", Role: auth.RoleCustomer}
	bob   = auth.Principal{ID: "u-bob", Name: "Bob", Role: auth.RoleCustomer}
	admin = auth.Principal{ID: "u-admin", Name: "Admin", Role: auth.RoleAdmin}
)

func testProducts() []product.Product {
	return []product.Product{
		{ID: "A", Name: "Desk Lamp", Price: dec("29.99"), Category: "lighting"},
		{ID: "B", Name: "Notebook", Price: dec("4.50"), Category: "stationery"},
	}
}

// fakeInvalidator records cart cache invalidations.
type fakeInvalidator struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeInvalidator) Forget(_ context.Context, owner string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners = append(f.owners, owner)
}

// fakeClock returns strictly increasing times.
func fakeClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(t *testing.T, store *memStore, opts Options) *Service {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fakeClock()
	}
	svc, err := NewService(store, opts)
	require.NoError(t, err)
	return svc
}

func TestPlaceOrder_Unauthorized(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Source: SourceSubmitted,
		Lines:  []cart.Line{{ProductID: "A", Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, store.state().orders)
}

func TestPlaceOrder_EmptyCart(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})

	t.Run("StoredCart", func(t *testing.T) {
		_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{Principal: alice})
		require.ErrorIs(t, err, ErrEmptyCart)
	})
	t.Run("Submitted", func(t *testing.T) {
		_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
			Principal: alice,
			Source:    SourceSubmitted,
		})
		require.ErrorIs(t, err, ErrEmptyCart)
	})
	assert.Empty(t, store.state().orders)
}

func TestPlaceOrder_StoredCart(t *testing.T) {
	store := newMemStore(testProducts()...)
	store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 2})
	inv := &fakeInvalidator{}
	svc := newTestService(t, store, Options{Carts: inv})

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Principal: alice,
		Tax:       dec("5"),
		Shipping:  dec("3"),
	})
	require.NoError(t, err)

	assert.True(t, o.ID.Valid())
	assert.Equal(t, alice.ID, o.Owner)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, "USD", o.Currency)
	assert.True(t, dec("59.98").Equal(o.Subtotal))
	assert.True(t, dec("67.98").Equal(o.Total))
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Desk Lamp", o.Items[0].Name)
	assert.True(t, dec("29.99").Equal(o.Items[0].UnitPrice))

	assert.Empty(t, store.state().carts[alice.ID], "cart must be cleared with the order")
	assert.Equal(t, []string{alice.ID}, inv.owners)

	orders, err := svc.OrdersFor(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	if diff := cmp.Diff(*o, orders[0], decimalEqual); diff != "" {
		t.Errorf("stored order mismatch (-want +got):\n%s", diff)
	}
}

func TestPlaceOrder_SubmittedLinesMergedAndRepriced(t *testing.T) {
	store := newMemStore(testProducts()...)
	store.setCart(alice.ID, cart.Line{ProductID: "B", Quantity: 1})
	svc := newTestService(t, store, Options{})

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Principal: alice,
		Source:    SourceSubmitted,
		Lines: []cart.Line{
			{ProductID: "A", Quantity: 1},
			{ProductID: "B", Quantity: 3},
			{ProductID: "A", Quantity: 1},
		},
	})
	require.NoError(t, err)

	want := []LineItem{
		{ProductID: "A", Name: "Desk Lamp", UnitPrice: dec("29.99"), Quantity: 2},
		{ProductID: "B", Name: "Notebook", UnitPrice: dec("4.50"), Quantity: 3},
	}
	if diff := cmp.Diff(want, o.Items, decimalEqual); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, dec("73.48").Equal(o.Total))
	// The stored cart is not touched by a submitted checkout.
	assert.Len(t, store.state().carts[alice.ID], 1)
}

func TestPlaceOrder_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		req   PlaceOrderRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "UnknownProduct",
			req: PlaceOrderRequest{Principal: alice, Source: SourceSubmitted,
				Lines: []cart.Line{{ProductID: "nope", Quantity: 1}}},
			check: func(t *testing.T, err error) {
				var pnf *ProductNotFoundError
				require.ErrorAs(t, err, &pnf)
				assert.Equal(t, "nope", pnf.ProductID)
			},
		},
		{
			name: "ZeroQuantity",
			req: PlaceOrderRequest{Principal: alice, Source: SourceSubmitted,
				Lines: []cart.Line{{ProductID: "A", Quantity: 0}}},
			check: func(t *testing.T, err error) {
				var iq *cart.InvalidQuantityError
				require.ErrorAs(t, err, &iq)
			},
		},
		{
			name: "MissingProductID",
			req: PlaceOrderRequest{Principal: alice, Source: SourceSubmitted,
				Lines: []cart.Line{{Quantity: 1}}, Tax: dec("1"), Shipping: dec("1")},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, cart.ErrMissingProduct)
			},
		},
		{
			name: "NegativeTax",
			req: PlaceOrderRequest{Principal: alice, Source: SourceSubmitted,
				Lines: []cart.Line{{ProductID: "A", Quantity: 1}}, Tax: dec("-1")},
			check: func(t *testing.T, err error) {
				var ia *InvalidAmountError
				require.ErrorAs(t, err, &ia)
				assert.Equal(t, "tax", ia.Field)
			},
		},
		{
			name: "FractionalShipping",
			req: PlaceOrderRequest{Principal: alice, Source: SourceSubmitted,
				Lines: []cart.Line{{ProductID: "A", Quantity: 1}}, Shipping: dec("0.005")},
			check: func(t *testing.T, err error) {
				var ia *InvalidAmountError
				require.ErrorAs(t, err, &ia)
				assert.Equal(t, "shipping", ia.Field)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(testProducts()...)
			svc := newTestService(t, store, Options{})

			_, err := svc.PlaceOrder(context.Background(), tt.req)
			tt.check(t, err)

			var perr *PersistenceError
			assert.False(t, errors.As(err, &perr))
			assert.Empty(t, store.state().orders)
		})
	}
}

func TestPlaceOrder_DuplicateAtInsertReallocates(t *testing.T) {
	store := newMemStore(testProducts()...)
	rejected := 0
	store.onCreate = func(o *Order, _ *memState) error {
		if rejected == 0 {
			rejected++
			return ErrDuplicateID
		}
		return nil
	}
	svc := newTestService(t, store, Options{
		Allocator: NewAllocator(scripted(20_000_000, 30_000_000)),
	})

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Principal: alice,
		Source:    SourceSubmitted,
		Lines:     []cart.Line{{ProductID: "B", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, ID(30_000_000), o.ID)
	assert.Equal(t, 1, rejected)
	assert.Len(t, store.state().orders, 1)
}

func TestPlaceOrder_InsertBudgetExhausted(t *testing.T) {
	store := newMemStore(testProducts()...)
	store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 1})
	inserts := 0
	store.onCreate = func(*Order, *memState) error {
		inserts++
		return ErrDuplicateID
	}
	svc := newTestService(t, store, Options{MaxInsertAttempts: 2})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{Principal: alice})
	require.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Equal(t, 2, inserts)
	assert.Len(t, store.state().carts[alice.ID], 1, "cart must survive a failed checkout")
}

func TestPlaceOrder_AllocationExhausted(t *testing.T) {
	store := newMemStore(testProducts()...)
	taken := ID(45_000_000)
	store.state().orders[taken] = Order{ID: taken, Owner: bob.ID, Status: StatusPending}
	store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 1})
	svc := newTestService(t, store, Options{
		Allocator: NewAllocator(WithMaxAttempts(3), scripted(taken, taken, taken)),
	})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{Principal: alice})
	require.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Len(t, store.state().orders, 1)
	assert.Len(t, store.state().carts[alice.ID], 1)
}

func TestPlaceOrder_PersistenceFailureIsAtomic(t *testing.T) {
	boom := errors.New("disk full")
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	t.Run("Insert", func(t *testing.T) {
		store := newMemStore(testProducts()...)
		store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 2})
		store.onCreate = func(*Order, *memState) error { return boom }
		svc := newTestService(t, store, Options{
			Allocator: NewAllocator(scripted(55_555_555)),
		})

		_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{Principal: alice})
		require.ErrorIs(t, err, boom)

		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, alice.ID, perr.Owner)
		assert.Equal(t, ID(55_555_555), perr.OrderID)

		assert.Empty(t, store.state().orders)
		assert.Len(t, store.state().carts[alice.ID], 1)
	})

	t.Run("ClearCart", func(t *testing.T) {
		store := newMemStore(testProducts()...)
		store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 2})
		store.onClear = func() error { return boom }
		inv := &fakeInvalidator{}
		svc := newTestService(t, store, Options{Carts: inv})

		_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{Principal: alice})
		require.ErrorIs(t, err, boom)

		// The order insert is rolled back together with the cart clear.
		assert.Empty(t, store.state().orders)
		assert.Len(t, store.state().carts[alice.ID], 1)
		assert.Empty(t, inv.owners)
	})

	t.Run("Catalog", func(t *testing.T) {
		store := newMemStore(testProducts()...)
		store.productsErr = boom
		svc := newTestService(t, store, Options{})

		_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
			Principal: alice,
			Source:    SourceSubmitted,
			Lines:     []cart.Line{{ProductID: "A", Quantity: 1}},
		})
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, ID(0), perr.OrderID)
	})

	failures := logs.FilterMessage("Order placement failed").All()
	require.Len(t, failures, 3)
	fields := failures[0].ContextMap()
	assert.Equal(t, alice.ID, fields["owner"])
	assert.Equal(t, "55555555", fields["order_id"])
}

func TestPlaceOrder_IdenticalCallsCreateDistinctOrders(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})
	req := PlaceOrderRequest{
		Principal: alice,
		Source:    SourceSubmitted,
		Lines:     []cart.Line{{ProductID: "A", Quantity: 1}},
		Tax:       dec("1"),
	}

	first, err := svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, first.Total.Equal(second.Total))
	assert.Len(t, store.state().orders, 2)
}

func TestPlaceOrder_ConcurrentPrincipalsCollide(t *testing.T) {
	store := newMemStore(testProducts()...)
	store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 1})
	store.setCart(bob.ID, cart.Line{ProductID: "B", Quantity: 2})
	// Both checkouts draw the same first candidate.
	svc := newTestService(t, store, Options{
		Allocator: NewAllocator(scripted(77_777_777, 77_777_777)),
	})

	var (
		wg     sync.WaitGroup
		orders [2]*Order
		errs   [2]error
	)
	for i, p := range []auth.Principal{alice, bob} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orders[i], errs[i] = svc.PlaceOrder(context.Background(), PlaceOrderRequest{Principal: p})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, orders[0].ID, orders[1].ID)
	assert.Len(t, store.state().orders, 2)
	assert.Empty(t, store.state().carts[alice.ID])
	assert.Empty(t, store.state().carts[bob.ID])
}

func TestOrdersFor_NewestFirst(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})
	ctx := context.Background()

	var placed []ID
	for range 3 {
		o, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
			Principal: alice,
			Source:    SourceSubmitted,
			Lines:     []cart.Line{{ProductID: "B", Quantity: 1}},
		})
		require.NoError(t, err)
		placed = append(placed, o.ID)
	}
	_, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
		Principal: bob,
		Source:    SourceSubmitted,
		Lines:     []cart.Line{{ProductID: "A", Quantity: 1}},
	})
	require.NoError(t, err)

	orders, err := svc.OrdersFor(ctx, alice)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, []ID{placed[2], placed[1], placed[0]}, []ID{orders[0].ID, orders[1].ID, orders[2].ID})

	_, err = svc.OrdersFor(ctx, auth.Principal{})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetAndList_Visibility(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})
	ctx := context.Background()

	o, err := svc.PlaceOrder(ctx, PlaceOrderRequest{
		Principal: alice,
		Source:    SourceSubmitted,
		Lines:     []cart.Line{{ProductID: "A", Quantity: 1}},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, alice, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = svc.Get(ctx, bob, o.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(ctx, admin, o.ID)
	require.NoError(t, err)

	_, err = svc.List(ctx, alice, 10)
	require.ErrorIs(t, err, ErrForbidden)

	all, err := svc.List(ctx, admin, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestList_Limit(t *testing.T) {
	for _, tt := range []struct {
		name  string
		limit int
		want  int
	}{
		{"Default", 0, 100},
		{"Negative", -3, 100},
		{"Within", 250, 250},
		{"Max", 500, 500},
		{"Clamped", 1000, 500},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(testProducts()...)
			svc := newTestService(t, store, Options{})

			_, err := svc.List(context.Background(), admin, tt.limit)
			require.NoError(t, err)

			store.mu.Lock()
			defer store.mu.Unlock()
			assert.Equal(t, tt.want, store.listLimit)
		})
	}
}

func TestQuote(t *testing.T) {
	store := newMemStore(testProducts()...)
	svc := newTestService(t, store, Options{})
	ctx := context.Background()

	q, err := svc.Quote(ctx, QuoteRequest{Principal: alice, Tax: dec("2")})
	require.NoError(t, err)
	assert.Empty(t, q.Items)
	assert.True(t, q.Subtotal.IsZero())
	assert.True(t, dec("2").Equal(q.Total))

	store.setCart(alice.ID, cart.Line{ProductID: "A", Quantity: 2})
	q, err = svc.Quote(ctx, QuoteRequest{Principal: alice, Tax: dec("5"), Shipping: dec("3")})
	require.NoError(t, err)
	assert.True(t, dec("67.98").Equal(q.Total))
	assert.Empty(t, store.state().orders)

	_, err = svc.Quote(ctx, QuoteRequest{})
	require.ErrorIs(t, err, ErrUnauthorized)

	q, err = svc.Quote(ctx, QuoteRequest{
		Source: SourceSubmitted,
		Lines:  []cart.Line{{ProductID: "B", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, dec("9.00").Equal(q.Subtotal))
}

func TestPrimeAllocator(t *testing.T) {
	store := newMemStore(testProducts()...)
	store.state().orders[12_121_212] = Order{ID: 12_121_212, Owner: bob.ID}
	alloc := NewAllocator(WithFilter(100), scripted(12_121_212, 34_343_434))
	svc := newTestService(t, store, Options{Allocator: alloc})

	require.NoError(t, svc.PrimeAllocator(context.Background()))

	o, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Principal: alice,
		Source:    SourceSubmitted,
		Lines:     []cart.Line{{ProductID: "A", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, ID(34_343_434), o.ID)
}
