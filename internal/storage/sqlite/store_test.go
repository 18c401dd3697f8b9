package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/shopfront/internal/domain/auth"
	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/order"
	"github.com/xenking/shopfront/internal/domain/product"
	"github.com/xenking/shopfront/internal/storage/sqlite"
)

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(t.Context(), sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPrincipal(t *testing.T, s *sqlite.Store, role auth.Role) auth.Principal {
	t.Helper()
	p := auth.Principal{ID: gofakeit.UUID(), Name: gofakeit.Name(), Role: role}
	require.NoError(t, s.Tokens().UpsertPrincipal(t.Context(), p))
	return p
}

func seedProduct(t *testing.T, s *sqlite.Store, price string, createdAt time.Time) product.Product {
	t.Helper()
	p := product.Product{
		ID:        gofakeit.UUID(),
		Name:      gofakeit.ProductName(),
		Category:  gofakeit.ProductCategory(),
		Price:     decimal.RequireFromString(price),
		Images:    []string{"/img/a.jpg", "/img/b.jpg"},
		CreatedAt: createdAt,
	}
	require.NoError(t, s.Products().(*sqlite.ProductRepository).Upsert(t.Context(), p))
	return p
}

func sampleOrder(owner string, id order.ID, createdAt time.Time, p product.Product) *order.Order {
	item := order.LineItem{ProductID: p.ID, Name: p.Name, UnitPrice: p.Price, Quantity: 3}
	sub := item.Amount()
	return &order.Order{
		ID:        id,
		Owner:     owner,
		Items:     []order.LineItem{item},
		Currency:  "USD",
		Subtotal:  sub,
		Tax:       decimal.Zero,
		Shipping:  decimal.RequireFromString("4.99"),
		Total:     sub.Add(decimal.RequireFromString("4.99")),
		Status:    order.StatusPending,
		CreatedAt: createdAt.UTC(),
	}
}

func TestProducts(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	older := seedProduct(t, s, "10.00", time.Now().Add(-time.Hour))
	newer := seedProduct(t, s, "0.50", time.Now())

	list, err := s.Products().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, []string{"/img/a.jpg", "/img/b.jpg"}, list[0].Images)

	got, err := s.Products().GetByID(ctx, older.ID)
	require.NoError(t, err)
	assert.True(t, older.Price.Equal(got.Price))

	_, err = s.Products().GetByID(ctx, "missing")
	require.ErrorIs(t, err, product.ErrNotFound)

	some, err := s.Products().GetByIDs(ctx, []string{newer.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, newer.ID, some[0].ID)
}

func TestCartAddMergesAndCaps(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	owner := seedPrincipal(t, s, auth.RoleCustomer)
	a := seedProduct(t, s, "1.00", time.Now())
	b := seedProduct(t, s, "2.00", time.Now())

	start := time.Now().UTC()
	carts := s.Carts()
	require.NoError(t, carts.Add(ctx, owner.ID, cart.Line{ProductID: a.ID, Quantity: 2, AddedAt: start}))
	require.NoError(t, carts.Add(ctx, owner.ID, cart.Line{ProductID: b.ID, Quantity: 1, AddedAt: start.Add(time.Second)}))
	require.NoError(t, carts.Add(ctx, owner.ID, cart.Line{ProductID: a.ID, Quantity: 98, AddedAt: start.Add(2 * time.Second)}))

	lines, err := carts.Lines(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, a.ID, lines[0].ProductID)
	assert.Equal(t, cart.MaxQuantity, lines[0].Quantity)
	assert.True(t, start.Equal(lines[0].AddedAt))
	assert.Equal(t, b.ID, lines[1].ProductID)

	ok, err := carts.SetQuantity(ctx, owner.ID, b.ID, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = carts.SetQuantity(ctx, owner.ID, "missing", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, carts.Remove(ctx, owner.ID, a.ID))
	require.NoError(t, carts.Clear(ctx, owner.ID))
	lines, err = carts.Lines(ctx, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestOrderRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	owner := seedPrincipal(t, s, auth.RoleCustomer)
	p := seedProduct(t, s, "19.99", time.Now())

	want := sampleOrder(owner.ID, 12345678, time.Now(), p)
	require.NoError(t, s.Orders().Create(ctx, want))

	got, err := s.Orders().Get(ctx, want.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, decimalEqual); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	_, err = s.Orders().Get(ctx, 87654321)
	require.ErrorIs(t, err, order.ErrNotFound)

	exists, err := s.Orders().Exists(ctx, want.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.Orders().Exists(ctx, 87654321)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateDuplicateID(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	owner := seedPrincipal(t, s, auth.RoleCustomer)
	p := seedProduct(t, s, "1.00", time.Now())

	require.NoError(t, s.Orders().Create(ctx, sampleOrder(owner.ID, 55555555, time.Now(), p)))
	err := s.Orders().Create(ctx, sampleOrder(owner.ID, 55555555, time.Now(), p))
	require.ErrorIs(t, err, order.ErrDuplicateID)
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	alice := seedPrincipal(t, s, auth.RoleCustomer)
	bob := seedPrincipal(t, s, auth.RoleCustomer)
	p := seedProduct(t, s, "1.00", time.Now())

	at := time.Now()
	// Same timestamp: ties break on order number.
	require.NoError(t, s.Orders().Create(ctx, sampleOrder(alice.ID, 20000001, at, p)))
	require.NoError(t, s.Orders().Create(ctx, sampleOrder(alice.ID, 20000002, at, p)))
	require.NoError(t, s.Orders().Create(ctx, sampleOrder(alice.ID, 10000000, at.Add(time.Minute), p)))
	require.NoError(t, s.Orders().Create(ctx, sampleOrder(bob.ID, 30000000, at.Add(-time.Minute), p)))

	mine, err := s.Orders().ListByOwner(ctx, alice.ID)
	require.NoError(t, err)
	var ids []order.ID
	for _, o := range mine {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []order.ID{10000000, 20000002, 20000001}, ids)

	all, err := s.Orders().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, order.ID(30000000), all[3].ID)

	stored, err := s.Orders().IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []order.ID{10000000, 20000001, 20000002, 30000000}, stored)
}

func TestInTxRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	owner := seedPrincipal(t, s, auth.RoleCustomer)
	p := seedProduct(t, s, "1.00", time.Now())
	require.NoError(t, s.Carts().Add(ctx, owner.ID, cart.Line{ProductID: p.ID, Quantity: 1, AddedAt: time.Now()}))

	err := s.InTx(ctx, func(ctx context.Context, tx order.Tx) error {
		if err := tx.Orders().Create(ctx, sampleOrder(owner.ID, 44444444, time.Now(), p)); err != nil {
			return err
		}
		if err := tx.Carts().Clear(ctx, owner.ID); err != nil {
			return err
		}
		return tx.Orders().Create(ctx, sampleOrder(owner.ID, 44444444, time.Now(), p))
	})
	require.ErrorIs(t, err, order.ErrDuplicateID)

	exists, err := s.Orders().Exists(ctx, 44444444)
	require.NoError(t, err)
	assert.False(t, exists)

	lines, err := s.Carts().Lines(ctx, owner.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestTokens(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	admin := seedPrincipal(t, s, auth.RoleAdmin)
	hash := auth.HashToken([]byte("pepper"), "token")
	require.NoError(t, s.Tokens().UpsertToken(ctx, hash, admin.ID))

	tok, err := s.Tokens().FindByTokenHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, admin, tok.Principal)

	_, err = s.Tokens().FindByTokenHash(ctx, auth.HashToken([]byte("pepper"), "other"))
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCheckoutConcurrent(t *testing.T) {
	s := openStore(t)
	ctx := t.Context()
	p := seedProduct(t, s, "29.99", time.Now())

	svc, err := order.NewService(s, order.Options{})
	require.NoError(t, err)
	require.NoError(t, svc.PrimeAllocator(ctx))

	const buyers = 8
	owners := make([]auth.Principal, buyers)
	for i := range owners {
		owners[i] = seedPrincipal(t, s, auth.RoleCustomer)
		require.NoError(t, s.Carts().Add(ctx, owners[i].ID, cart.Line{ProductID: p.ID, Quantity: 2, AddedAt: time.Now()}))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[order.ID]bool{}
	)
	for _, owner := range owners {
		wg.Go(func() {
			o, err := svc.PlaceOrder(ctx, order.PlaceOrderRequest{
				Principal: owner,
				Tax:       decimal.RequireFromString("5"),
				Shipping:  decimal.RequireFromString("3"),
			})
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, decimal.RequireFromString("67.98").Equal(o.Total))
			mu.Lock()
			ids[o.ID] = true
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Len(t, ids, buyers)

	for _, owner := range owners {
		lines, err := s.Carts().Lines(ctx, owner.ID)
		require.NoError(t, err)
		assert.Empty(t, lines)

		// A second checkout of the now empty cart is rejected.
		_, err = svc.PlaceOrder(ctx, order.PlaceOrderRequest{Principal: owner})
		require.ErrorIs(t, err, order.ErrEmptyCart)
	}
}
