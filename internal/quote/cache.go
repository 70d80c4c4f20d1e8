package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtrntr/stocksim/internal/models"

	"golang.org/x/time/rate"
)

// entry stores a cached quote with expiry.
type entry struct {
	expiresAt time.Time
	quote     models.Quote
}

// Cached caches successful lookups per symbol for a TTL. Failures are never
// cached.
type Cached struct {
	P        Provider
	TTL      time.Duration
	MaxItems int

	mu    sync.RWMutex
	items map[string]entry // key: normalized symbol
	now   func() time.Time
}

func (c *Cached) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

type freshKey struct{}

// Fresh marks ctx so that lookups made with it skip cached entries. The
// result still refreshes the cache. Trades price with a fresh context.
func Fresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshKey{}, true)
}

func isFresh(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshKey{}).(bool)
	return fresh
}

// Lookup returns a cached quote when it is still fresh.
func (c *Cached) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	if c.TTL <= 0 {
		return c.P.Lookup(ctx, symbol)
	}

	key := Normalize(symbol)
	now := c.clock()

	if !isFresh(ctx) {
		c.mu.RLock()
		e, ok := c.items[key]
		c.mu.RUnlock()
		if ok && now.Before(e.expiresAt) {
			q := e.quote
			return &q, nil
		}
	}

	q, err := c.P.Lookup(ctx, symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.items == nil {
		c.items = make(map[string]entry)
	}
	c.items[key] = entry{expiresAt: now.Add(c.TTL), quote: *q}
	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		// remove expired first, then arbitrary keys
		for k, v := range c.items {
			if !now.Before(v.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if k != key {
				delete(c.items, k)
			}
		}
	}
	c.mu.Unlock()

	return q, nil
}

// RateLimited gates lookups with a token bucket.
type RateLimited struct {
	P       Provider
	Limiter *rate.Limiter
}

// NewRateLimited allows perMinute lookups per minute with a burst of the
// same size.
func NewRateLimited(p Provider, perMinute int) *RateLimited {
	if perMinute <= 0 {
		return &RateLimited{P: p}
	}
	return &RateLimited{
		P:       p,
		Limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (r *RateLimited) Lookup(ctx context.Context, symbol string) (*models.Quote, error) {
	if r.Limiter != nil {
		if err := r.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limited: %v", ErrQuoteUnavailable, err)
		}
	}
	return r.P.Lookup(ctx, symbol)
}
