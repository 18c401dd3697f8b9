package order

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/xenking/shopfront/internal/domain/cart"
	"github.com/xenking/shopfront/internal/domain/product"
)

// memState is the data a memStore holds. Transactions work on a copy and
// swap it in on commit.
type memState struct {
	products map[string]product.Product
	carts    map[string][]cart.Line
	orders   map[ID]Order
}

func (s *memState) clone() *memState {
	c := &memState{
		products: s.products,
		carts:    make(map[string][]cart.Line, len(s.carts)),
		orders:   make(map[ID]Order, len(s.orders)),
	}
	for k, v := range s.carts {
		c.carts[k] = slices.Clone(v)
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

// memStore is an in-memory Store. Transactions are serialized.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *memState

	// hooks run inside the transaction, before the corresponding write.
	onCreate func(o *Order, st *memState) error
	onClear  func() error
	// productsErr fails every catalog read.
	productsErr error
	// listLimit records the limit of the last List call.
	listLimit int
}

func newMemStore(products ...product.Product) *memStore {
	return &memStore{st: &memState{
		products: product.Index(products),
		carts:    map[string][]cart.Line{},
		orders:   map[ID]Order{},
	}}
}

func (m *memStore) state() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	work := m.state().clone()
	if err := fn(ctx, memTx{m: m, st: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.st = work
	m.mu.Unlock()
	return nil
}

func (m *memStore) Orders() Repository { return memTx{m: m}.Orders() }

func (m *memStore) Carts() cart.Repository { return memTx{m: m}.Carts() }

func (m *memStore) Products() product.Repository { return memTx{m: m}.Products() }

func (m *memStore) setCart(owner string, lines ...cart.Line) {
	m.state().carts[owner] = lines
}

// memTx binds repositories to a working copy, or to the live state when st
// is nil.
type memTx struct {
	m  *memStore
	st *memState
}

func (t memTx) view() *memState {
	if t.st != nil {
		return t.st
	}
	return t.m.state()
}

func (t memTx) Orders() Repository { return memOrders(t) }

func (t memTx) Carts() cart.Repository { return memCarts(t) }

func (t memTx) Products() product.Repository { return memProducts(t) }

type memOrders memTx

func (r memOrders) Exists(_ context.Context, id ID) (bool, error) {
	_, ok := memTx(r).view().orders[id]
	return ok, nil
}

func (r memOrders) Create(_ context.Context, o *Order) error {
	st := memTx(r).view()
	if r.m.onCreate != nil {
		if err := r.m.onCreate(o, st); err != nil {
			return err
		}
	}
	if _, ok := st.orders[o.ID]; ok {
		return ErrDuplicateID
	}
	st.orders[o.ID] = *o
	return nil
}

func (r memOrders) Get(_ context.Context, id ID) (*Order, error) {
	o, ok := memTx(r).view().orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r memOrders) ListByOwner(_ context.Context, owner string) ([]Order, error) {
	var out []Order
	for _, o := range memTx(r).view().orders {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (r memOrders) List(_ context.Context, limit int) ([]Order, error) {
	r.m.mu.Lock()
	r.m.listLimit = limit
	r.m.mu.Unlock()
	var out []Order
	for _, o := range memTx(r).view().orders {
		out = append(out, o)
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memOrders) IDs(_ context.Context) ([]ID, error) {
	var ids []ID
	for id := range memTx(r).view().orders {
		ids = append(ids, id)
	}
	return ids, nil
}

func sortNewestFirst(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

type memCarts memTx

func (r memCarts) Lines(_ context.Context, owner string) ([]cart.Line, error) {
	return slices.Clone(memTx(r).view().carts[owner]), nil
}

func (r memCarts) Add(_ context.Context, owner string, line cart.Line) error {
	st := memTx(r).view()
	st.carts[owner] = append(st.carts[owner], line)
	return nil
}

func (r memCarts) SetQuantity(_ context.Context, owner, productID string, quantity int) (bool, error) {
	lines := memTx(r).view().carts[owner]
	for i := range lines {
		if lines[i].ProductID == productID {
			lines[i].Quantity = quantity
			return true, nil
		}
	}
	return false, nil
}

func (r memCarts) Remove(_ context.Context, owner, productID string) error {
	st := memTx(r).view()
	st.carts[owner] = slices.DeleteFunc(st.carts[owner], func(l cart.Line) bool {
		return l.ProductID == productID
	})
	return nil
}

func (r memCarts) Clear(_ context.Context, owner string) error {
	if r.m.onClear != nil {
		if err := r.m.onClear(); err != nil {
			return err
		}
	}
	delete(memTx(r).view().carts, owner)
	return nil
}

type memProducts memTx

func (r memProducts) List(_ context.Context) ([]product.Product, error) {
	var out []product.Product
	for _, p := range memTx(r).view().products {
		out = append(out, p)
	}
	return out, nil
}

func (r memProducts) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := memTx(r).view().products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (r memProducts) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if r.m.productsErr != nil {
		return nil, r.m.productsErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := memTx(r).view().products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
