package order

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Order number range. Every number has exactly eight digits.
const (
	MinID ID = 10_000_000
	MaxID ID = 99_999_999
)

// DefaultMaxAttempts bounds the candidates drawn per allocation.
const DefaultMaxAttempts = 10

// ExistsFunc reports whether an order number is already stored.
type ExistsFunc func(ctx context.Context, id ID) (bool, error)

// Allocator draws random order numbers and verifies them against storage.
//
// When primed with the stored numbers, a bloom filter answers "definitely
// unused" for most fresh candidates so the storage lookup can be skipped.
// The storage uniqueness constraint remains the final word.
type Allocator struct {
	maxAttempts int

	mu     sync.Mutex
	rnd    *rand.Rand
	draw   func() ID
	filter *bloom.BloomFilter
	primed bool
}

// AllocatorOption configures an Allocator.
type AllocatorOption func(*Allocator)

// WithMaxAttempts sets the candidate budget per allocation.
func WithMaxAttempts(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithSource replaces the random source. Used by tests to force collisions.
func WithSource(src rand.Source) AllocatorOption {
	return func(a *Allocator) {
		a.rnd = rand.New(src)
	}
}

// WithFilter enables the bloom prefilter sized for expected orders.
func WithFilter(expected uint) AllocatorOption {
	return func(a *Allocator) {
		if expected > 0 {
			a.filter = bloom.NewWithEstimates(expected, 0.001)
		}
	}
}

// NewAllocator creates an Allocator.
func NewAllocator(opts ...AllocatorOption) *Allocator {
	a := &Allocator{maxAttempts: DefaultMaxAttempts}
	for _, o := range opts {
		o(a)
	}
	if a.rnd == nil {
		a.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if a.draw == nil {
		a.draw = func() ID {
			return MinID + ID(a.rnd.Int64N(int64(MaxID-MinID+1)))
		}
	}
	return a
}

// Prime loads the stored order numbers into the prefilter. Until Prime is
// called every candidate is checked against storage.
func (a *Allocator) Prime(ids []ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filter == nil {
		return
	}
	for _, id := range ids {
		a.filter.AddString(id.String())
	}
	a.primed = true
}

// Remember records a number that has just been stored.
func (a *Allocator) Remember(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.filter != nil {
		a.filter.AddString(id.String())
	}
}

// Allocate returns a number that exists reports as unused. It gives up with
// ErrAllocationExhausted after the attempt budget.
func (a *Allocator) Allocate(ctx context.Context, exists ExistsFunc) (ID, error) {
	lg := zctx.From(ctx)
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		id, fresh := a.candidate()
		if fresh {
			return id, nil
		}

		taken, err := exists(ctx, id)
		if err != nil {
			return 0, errors.Wrapf(err, "check order number %s", id)
		}
		if !taken {
			return id, nil
		}
		lg.Debug("Order number collision",
			zap.Stringer("order_id", id),
			zap.Int("attempt", attempt),
		)
	}
	return 0, ErrAllocationExhausted
}

// candidate draws a number and reports whether the prefilter proves it unused.
func (a *Allocator) candidate() (ID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.draw()
	fresh := a.primed && !a.filter.TestString(id.String())
	return id, fresh
}
