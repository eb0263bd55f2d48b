// Package ratelimit implements a token-bucket limiter keyed by caller and
// capability class. It bounds invocation throughput before any attempt is
// made: one admission consumes one token, tokens refill continuously up to
// the bucket capacity, and denials carry the estimated wait so callers can
// surface backpressure instead of retrying blindly.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/pkg/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "ratelimit")

const (
	// DefaultCapacity is the burst size of a newly created bucket.
	DefaultCapacity = 10
	// DefaultRefillRate is tokens per second.
	DefaultRefillRate = 1.0
	// DefaultBucketTTL is how long an idle bucket survives before the sweep
	// evicts it.
	DefaultBucketTTL = 10 * time.Minute
	// DefaultSweepInterval is how often idle buckets are evicted.
	DefaultSweepInterval = time.Minute
)

// Config controls bucket sizing and eviction.
type Config struct {
	// Capacity is the maximum number of tokens a bucket holds.
	Capacity float64 `json:"capacity" yaml:"capacity"`
	// RefillRate is tokens added per second.
	RefillRate float64 `json:"refill_rate" yaml:"refill_rate"`
	// BucketTTL is the idle period after which a bucket is evicted.
	BucketTTL time.Duration `json:"bucket_ttl" yaml:"bucket_ttl"`
	// SweepInterval is the period of the eviction sweep.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// CallerMultipliers scales capacity and refill rate per caller at bucket
	// creation time, e.g. an elevated allowance for administrative callers.
	CallerMultipliers map[string]float64 `json:"caller_multipliers" yaml:"caller_multipliers"`
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = DefaultRefillRate
	}
	if c.BucketTTL <= 0 {
		c.BucketTTL = DefaultBucketTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	// RetryAfter estimates the wait until one token is available. Set on
	// denial only.
	RetryAfter time.Duration
}

// Summary is a point-in-time view for status reporting.
type Summary struct {
	ActiveBuckets int    `json:"activeBuckets"`
	Admitted      uint64 `json:"admitted"`
	Denied        uint64 `json:"denied"`
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// Limiter holds one bucket per (caller, class) key. The bucket map is guarded
// by a read-write lock while each bucket has its own mutex, so unrelated keys
// never serialize on one another.
type Limiter struct {
	cfg      Config
	mu       sync.RWMutex
	buckets  map[string]*bucket
	admitted atomic.Uint64
	denied   atomic.Uint64

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option modifies the limiter construction.
type Option func(*Limiter)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter and starts its background eviction sweep.
// Close releases the sweep goroutine.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.sweepLoop()
	return l
}

// Close stops the eviction sweep. Close is idempotent.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// TryAdmit consumes one token from the (caller, class) bucket. Buckets are
// created lazily on first use.
func (l *Limiter) TryAdmit(callerID, class string) Decision {
	b := l.bucket(callerID, class)

	b.mu.Lock()
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
	b.lastUsed = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		b.mu.Unlock()

		l.admitted.Add(1)
		return Decision{Admitted: true}
	}

	wait := time.Duration((1.0 - b.tokens) / b.rate * float64(time.Second))
	b.mu.Unlock()

	l.denied.Add(1)
	metricskey.StatsRateLimitDenied.IncrCounter(1, callerID, class)
	logger.KV(xlog.DEBUG,
		"caller", callerID,
		"class", class,
		"retry_after", wait.String(),
	)
	return Decision{RetryAfter: wait}
}

// Summary reports limiter totals for status queries.
func (l *Limiter) Summary() Summary {
	l.mu.RLock()
	active := len(l.buckets)
	l.mu.RUnlock()

	return Summary{
		ActiveBuckets: active,
		Admitted:      l.admitted.Load(),
		Denied:        l.denied.Load(),
	}
}

// Sweep evicts buckets idle beyond the TTL and returns the number removed.
// The background loop calls it periodically; exposed for operational use.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.BucketTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (l *Limiter) bucket(callerID, class string) *bucket {
	key := callerID + "/" + class

	l.mu.RLock()
	b := l.buckets[key]
	l.mu.RUnlock()
	if b != nil {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.buckets[key]; b != nil {
		return b
	}

	mult := l.cfg.CallerMultipliers[callerID]
	if mult <= 0 {
		mult = 1
	}
	now := l.now()
	b = &bucket{
		capacity:   l.cfg.Capacity * mult,
		rate:       l.cfg.RefillRate * mult,
		lastRefill: now,
		lastUsed:   now,
	}
	b.tokens = b.capacity
	l.buckets[key] = b
	return b
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logger.KV(xlog.DEBUG, "evicted_buckets", n)
			}
		}
	}
}
