// Package ratelimit admits outbound exchange calls through per-key token
// buckets so the engine stays inside each venue's published ceilings.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is the bucket shape for one exchange
type Limits struct {
	PerSecond float64
	Burst     int
}

// Registry holds one token bucket per (exchange, credential). Buckets are
// created lazily from the exchange's configured limits.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	limits   map[string]Limits
	fallback Limits
}

// NewRegistry creates a registry with per-exchange limits. The fallback is
// applied to exchanges without explicit configuration.
func NewRegistry(limits map[string]Limits, fallback Limits) *Registry {
	if fallback.PerSecond <= 0 {
		fallback = Limits{PerSecond: 5, Burst: 10}
	}
	return &Registry{
		buckets:  make(map[string]*rate.Limiter),
		limits:   limits,
		fallback: fallback,
	}
}

func (r *Registry) bucket(exchangeID string, credentialID int64) *rate.Limiter {
	key := fmt.Sprintf("%s/%d", exchangeID, credentialID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[key]; ok {
		return b
	}
	lim, ok := r.limits[exchangeID]
	if !ok || lim.PerSecond <= 0 {
		lim = r.fallback
	}
	if lim.Burst < 1 {
		lim.Burst = 1
	}
	b := rate.NewLimiter(rate.Limit(lim.PerSecond), lim.Burst)
	r.buckets[key] = b
	return b
}

// Acquire blocks until weight tokens are available for the key, or the
// context is canceled. This is the only deliberate blocking point on the
// execution hot path.
func (r *Registry) Acquire(ctx context.Context, exchangeID string, credentialID int64, weight int) error {
	if weight < 1 {
		weight = 1
	}
	return r.bucket(exchangeID, credentialID).WaitN(ctx, weight)
}

// TryAcquire reports whether weight tokens are immediately available,
// consuming them if so.
func (r *Registry) TryAcquire(exchangeID string, credentialID int64, weight int) bool {
	if weight < 1 {
		weight = 1
	}
	return r.bucket(exchangeID, credentialID).AllowN(time.Now(), weight)
}
