package cart

import (
	"context"
	"hash/maphash"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/shopfront/internal/domain/product"
)

// generationStripes is the number of invalidation counters owners hash into.
const generationStripes = 64

// Service manages persistent carts with an optional read-through cache.
type Service struct {
	repo     Repository
	products product.Repository
	cache    Cache
	sfg      singleflight.Group
	now      func() time.Time

	// generations are bumped by Forget. A read fills the cache only when
	// its owner's counter did not move while the read was in flight.
	seed        maphash.Seed
	generations [generationStripes]atomic.Uint64
}

// NewService creates a cart Service. A nil cache disables caching.
func NewService(repo Repository, products product.Repository, cache Cache) *Service {
	return &Service{
		repo:     repo,
		products: products,
		cache:    cache,
		now:      time.Now,
		seed:     maphash.MakeSeed(),
	}
}

func (s *Service) generation(owner string) *atomic.Uint64 {
	return &s.generations[maphash.String(s.seed, owner)%generationStripes]
}

// Get returns the owner's lines. Concurrent misses for one owner share a
// single repository read.
func (s *Service) Get(ctx context.Context, owner string) ([]Line, error) {
	v, err, _ := s.sfg.Do(owner, func() (any, error) {
		if s.cache != nil {
			lines, err := s.cache.Get(ctx, owner)
			if err == nil {
				return lines, nil
			}
			if !errors.Is(err, ErrCacheMiss) {
				zctx.From(ctx).Warn("Cart cache get failed", zap.String("owner", owner), zap.Error(err))
			}
		}

		gen := s.generation(owner)
		before := gen.Load()
		lines, err := s.repo.Lines(ctx, owner)
		if err != nil {
			return nil, errors.Wrap(err, "load cart")
		}

		if s.cache != nil && gen.Load() == before {
			if err := s.cache.Set(ctx, owner, lines); err != nil {
				zctx.From(ctx).Warn("Cart cache set failed", zap.String("owner", owner), zap.Error(err))
			}
			// A mutation that landed during the fill may have deleted the
			// entry before it was written.
			if gen.Load() != before {
				s.dropCached(ctx, owner)
			}
		}
		return lines, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Line), nil
}

// Add puts quantity units of a product into the owner's cart.
func (s *Service) Add(ctx context.Context, owner, productID string, quantity int) error {
	if quantity < 1 || quantity > MaxQuantity {
		return &InvalidQuantityError{ProductID: productID, Quantity: quantity}
	}
	if _, err := s.products.GetByID(ctx, productID); err != nil {
		return errors.Wrapf(err, "product %s", productID)
	}
	if err := s.repo.Add(ctx, owner, Line{
		ProductID: productID,
		Quantity:  quantity,
		AddedAt:   s.now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "add cart line")
	}
	s.Forget(ctx, owner)
	return nil
}

// SetQuantity replaces a line's quantity. Zero removes the line.
func (s *Service) SetQuantity(ctx context.Context, owner, productID string, quantity int) error {
	if quantity == 0 {
		return s.Remove(ctx, owner, productID)
	}
	if quantity < 0 || quantity > MaxQuantity {
		return &InvalidQuantityError{ProductID: productID, Quantity: quantity}
	}
	ok, err := s.repo.SetQuantity(ctx, owner, productID, quantity)
	if err != nil {
		return errors.Wrap(err, "set cart quantity")
	}
	if !ok {
		return errors.Wrapf(ErrLineNotFound, "product %s", productID)
	}
	s.Forget(ctx, owner)
	return nil
}

// Remove deletes a line from the owner's cart. Missing lines are ignored.
func (s *Service) Remove(ctx context.Context, owner, productID string) error {
	if err := s.repo.Remove(ctx, owner, productID); err != nil {
		return errors.Wrap(err, "remove cart line")
	}
	s.Forget(ctx, owner)
	return nil
}

// Forget drops the cached copy of the owner's cart. Reads already in flight
// will not repopulate it.
func (s *Service) Forget(ctx context.Context, owner string) {
	s.generation(owner).Add(1)
	s.sfg.Forget(owner)
	if s.cache == nil {
		return
	}
	s.dropCached(ctx, owner)
}

func (s *Service) dropCached(ctx context.Context, owner string) {
	if err := s.cache.Delete(ctx, owner); err != nil {
		zctx.From(ctx).Warn("Cart cache invalidation failed", zap.String("owner", owner), zap.Error(err))
	}
}
