// Package ratelimit implements the C7 Server Rate Limiter: a per-tenant
// token bucket that separates interactive (dashboard/API) traffic from
// ingest traffic so a noisy agent fleet cannot starve a tenant's own
// console requests.
package ratelimit

import (
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/cuemby/pulsebeam/pkg/metrics"
)

// Class names which bucket namespace a request counts against.
type Class string

const (
	ClassInteractive Class = "interactive"
	ClassIngest       Class = "ingest"
)

// Defaults per spec §4.7: capacity 600, refill 600/min (10/sec).
const (
	DefaultCapacity   = 600
	DefaultRefillRate = rate.Limit(600.0 / 60.0)

	// bucketIdleTTL is how long an unused tenant bucket stays resident
	// before go-cache evicts it; a tenant with no traffic for this long
	// starts over at full capacity on its next request, which is
	// indistinguishable from a bucket that was never evicted.
	bucketIdleTTL = 30 * time.Minute
	sweepInterval = 10 * time.Minute
)

// Limiter holds one token bucket per (tenantID, Class), evicting idle
// buckets so a large, mostly-inactive tenant population doesn't grow
// the resident set without bound.
type Limiter struct {
	capacity int
	refill   rate.Limit
	buckets  *cache.Cache
}

// New creates a Limiter using the default capacity and refill rate.
func New() *Limiter {
	return NewWithRate(DefaultCapacity, DefaultRefillRate)
}

// NewWithRate creates a Limiter with an explicit capacity and refill rate,
// primarily for tests that want to observe throttling without waiting.
func NewWithRate(capacity int, refill rate.Limit) *Limiter {
	return &Limiter{
		capacity: capacity,
		refill:   refill,
		buckets:  cache.New(bucketIdleTTL, sweepInterval),
	}
}

func key(tenantID string, class Class) string {
	return string(class) + "\x00" + tenantID
}

// bucket returns the limiter for (tenantID, class), creating it at full
// capacity on first use.
func (l *Limiter) bucket(tenantID string, class Class) *rate.Limiter {
	k := key(tenantID, class)
	if v, ok := l.buckets.Get(k); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.refill, l.capacity)
	l.buckets.SetDefault(k, lim)
	metrics.RateLimitBucketsResident.Set(float64(l.buckets.ItemCount()))
	return lim
}

// Allow reports whether a single request for tenantID in the given
// class may proceed, consuming one token if so.
func (l *Limiter) Allow(tenantID string, class Class) bool {
	ok := l.bucket(tenantID, class).Allow()
	if !ok {
		metrics.TenantsThrottledTotal.WithLabelValues(string(class)).Inc()
	}
	return ok
}

// AllowN reports whether n requests may proceed as a single unit,
// consuming n tokens if so. Used by batch ingest to charge the whole
// batch atomically rather than event-by-event.
func (l *Limiter) AllowN(tenantID string, class Class, n int) bool {
	ok := l.bucket(tenantID, class).AllowN(time.Now(), n)
	if !ok {
		metrics.TenantsThrottledTotal.WithLabelValues(string(class)).Inc()
	}
	return ok
}

// Reserve returns the time the caller must wait before n tokens will be
// available, without consuming them now. Callers needing a backoff hint
// (e.g. an HTTP 429 Retry-After) use this instead of busy-polling Allow.
func (l *Limiter) Reserve(tenantID string, class Class, n int) time.Duration {
	r := l.bucket(tenantID, class).ReserveN(time.Now(), n)
	if !r.OK() {
		return time.Duration(-1)
	}
	delay := r.Delay()
	r.Cancel()
	return delay
}

// Resident returns the number of tenant buckets currently in memory,
// across both classes.
func (l *Limiter) Resident() int {
	return l.buckets.ItemCount()
}
