// Package cache keeps hot cart state in Redis.
package cache

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/shopfront/internal/domain/cart"
)

var _ cart.Cache = (*CartCache)(nil)

// DefaultTTL is the base lifetime of a cached cart.
const DefaultTTL = 15 * time.Minute

// CartCache stores cart lines as JSON under cart:<owner>.
type CartCache struct {
	client  redis.UniversalClient
	baseTTL time.Duration
}

// NewCartCache creates a CartCache. A non-positive ttl uses DefaultTTL.
func NewCartCache(client redis.UniversalClient, ttl time.Duration) *CartCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CartCache{client: client, baseTTL: ttl}
}

// Get returns the cached lines or cart.ErrCacheMiss.
func (c *CartCache) Get(ctx context.Context, owner string) ([]cart.Line, error) {
	data, err := c.client.Get(ctx, cacheKey(owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cart.ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}

	lines, err := decodeLines(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	return lines, nil
}

// Set caches lines. The lifetime is jittered so carts written together do
// not expire together.
func (c *CartCache) Set(ctx context.Context, owner string, lines []cart.Line) error {
	var jitter time.Duration
	if span := int64(c.baseTTL / 3); span > 0 {
		jitter = time.Duration(rand.Int64N(span))
	}
	if err := c.client.Set(ctx, cacheKey(owner), encodeLines(lines), c.baseTTL+jitter).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Delete drops the cached lines.
func (c *CartCache) Delete(ctx context.Context, owner string) error {
	if err := c.client.Del(ctx, cacheKey(owner)).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func cacheKey(owner string) string {
	return "cart:" + owner
}

func encodeLines(lines []cart.Line) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, l := range lines {
		e.Obj(func(e *jx.Encoder) {
			e.FieldStart("product_id")
			e.Str(l.ProductID)
			e.FieldStart("quantity")
			e.Int(l.Quantity)
			if !l.AddedAt.IsZero() {
				e.FieldStart("added_at")
				e.Int64(l.AddedAt.UnixNano())
			}
		})
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeLines(data []byte) ([]cart.Line, error) {
	lines := []cart.Line{}
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var l cart.Line
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "product_id":
				v, err := d.Str()
				l.ProductID = v
				return err
			case "quantity":
				v, err := d.Int()
				l.Quantity = v
				return err
			case "added_at":
				v, err := d.Int64()
				l.AddedAt = time.Unix(0, v).UTC()
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		lines = append(lines, l)
		return nil
	})
	return lines, err
}
