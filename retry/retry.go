// Package retry wraps single invocation attempts with an idempotency-aware
// exponential-backoff policy. Idempotency is a property of the capability,
// declared centrally in the policy table, never inferred from the error:
// a non-idempotent capability is attempted at most once regardless of how
// transient the failure looks.
package retry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/effective-security/xlog"

	"github.com/opencellcw/ulf-warden-sub003/invocation"
	"github.com/opencellcw/ulf-warden-sub003/pkg/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/opencellcw/ulf-warden-sub003", "retry")

// AttemptFunc performs exactly one try of the underlying invocation.
type AttemptFunc func(ctx context.Context) ([]invocation.ContentBlock, error)

// FallbackFunc produces a degraded-but-successful result after retries are
// exhausted, e.g. a cached or default answer.
type FallbackFunc func(ctx context.Context, lastErr error) ([]invocation.ContentBlock, error)

// Policy configures retries for one capability.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// Idempotent gates the retry loop entirely: when false the capability is
	// attempted exactly once for every error kind.
	Idempotent     bool
	RetryableKinds []invocation.ErrorKind
	// Fallback, when set, is invoked once after an idempotent capability
	// exhausts its attempts.
	Fallback FallbackFunc
}

// DefaultPolicy is the conservative policy used when a capability has none
// registered.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 1,
		Idempotent:  false,
	}
}

func (p Policy) retryable(err error) bool {
	kind := invocation.KindOf(err)
	found := false
	for _, k := range p.RetryableKinds {
		if k == kind {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	// A remote execution failure must additionally be tagged retryable by the
	// server: a remote "file not found" is final, a remote 503 is not.
	if kind == invocation.KindRemoteExecution {
		return invocation.IsRetryableTagged(err)
	}
	return true
}

// delay returns the backoff before the given attempt number (1-based count of
// attempts already made).
func (p Policy) delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Engine holds the per-capability policy table.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy

	sleep func(ctx context.Context, d time.Duration) error
}

// Option modifies the engine construction.
type Option func(*Engine)

// WithSleep replaces the inter-attempt sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// New creates an engine with an empty policy table.
func New(opts ...Option) *Engine {
	e := &Engine{
		policies: make(map[string]Policy),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPolicy sets the policy for a capability, replacing any prior one.
func (e *Engine) RegisterPolicy(capability string, p Policy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	e.mu.Lock()
	e.policies[capability] = p
	e.mu.Unlock()
}

// Policy returns the registered policy for a capability.
func (e *Engine) Policy(capability string) (Policy, bool) {
	e.mu.RLock()
	p, ok := e.policies[capability]
	e.mu.RUnlock()
	return p, ok
}

// Execute runs attemptFn under the capability's policy and returns the
// normalized result. Attempts within one call are strictly sequential.
func (e *Engine) Execute(ctx context.Context, capability string, attemptFn AttemptFunc) *invocation.Result {
	policy, ok := e.Policy(capability)
	if !ok {
		policy = DefaultPolicy()
	}

	maxAttempts := policy.MaxAttempts
	if !policy.Idempotent {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = invocation.WrapError(invocation.KindTimeout, err, "invocation deadline expired")
			break
		}

		blocks, err := attemptFn(ctx)
		attempts = attempt
		if err == nil {
			return invocation.Success(blocks, attempts)
		}
		lastErr = err

		if !policy.retryable(err) || attempt == maxAttempts {
			break
		}

		metricskey.StatsToolInvocationsRetried.IncrCounter(1, capability)
		delay := policy.delay(attempt)
		logger.KV(xlog.DEBUG,
			"capability", capability,
			"attempt", attempt,
			"delay", delay.String(),
			"err", err.Error(),
		)
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = invocation.WrapError(invocation.KindTimeout, err, "deadline expired during backoff")
			break
		}
	}

	// A non-idempotent capability returns its single outcome verbatim; the
	// fallback only softens exhausted idempotent retries.
	if policy.Idempotent && policy.Fallback != nil {
		blocks, err := policy.Fallback(ctx, lastErr)
		if err == nil {
			logger.KV(xlog.INFO, "capability", capability, "status", "fallback_used")
			return invocation.Success(blocks, attempts)
		}
	}

	return invocation.Failure(lastErr, attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
