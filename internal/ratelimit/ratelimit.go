// Package ratelimit implements the per-engine rate and retry controller that
// wraps every adapter call: a concurrency ceiling, a token bucket with a
// bounded wait, a per-call timeout and the shared exponential backoff policy.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Policy is the retry policy shape shared by all engines.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction of the delay added at random, in [0, 1].
	Jitter float64
}

// Backoff returns base*2^attempt capped at MaxDelay, plus up to Jitter of
// that value at random. r must return values in [0, 1).
func (p Policy) Backoff(attempt int, r func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 && r != nil {
		d += time.Duration(float64(d) * p.Jitter * r())
	}
	return d
}

// Limits configures one engine.
type Limits struct {
	// Concurrency is the maximum number of in-flight calls.
	Concurrency int
	// Rate calls are allowed per Window on average.
	Rate   int
	Window time.Duration
	// Burst is the bucket size; zero means one token.
	Burst int
	// WaitTimeout bounds the wait for a slot and a token.
	WaitTimeout time.Duration
	// CallTimeout bounds a single adapter call.
	CallTimeout time.Duration
	Policy      Policy
}

func (l Limits) validate() error {
	switch {
	case l.Concurrency <= 0:
		return errors.New("concurrency must be positive")
	case l.Rate <= 0 || l.Window <= 0:
		return errors.New("rate and window must be positive")
	case l.WaitTimeout <= 0 || l.CallTimeout <= 0:
		return errors.New("wait and call timeouts must be positive")
	case l.Policy.MaxAttempts <= 0:
		return errors.New("max attempts must be positive")
	case l.Policy.MaxDelay < l.Policy.BaseDelay:
		return errors.New("max delay must not be below base delay")
	}
	return nil
}

type limiter struct {
	limits Limits
	slots  *semaphore.Weighted
	bucket *rate.Limiter
}

// Controller owns the token buckets and slot semaphores of every engine.
// Its state is process local and mutated only through Do.
type Controller struct {
	engines map[domain.Engine]*limiter

	randMu sync.Mutex
	rand   func() float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithRand replaces the jitter source, for deterministic tests.
func WithRand(r func() float64) Option {
	return func(c *Controller) { c.rand = r }
}

// New builds a controller from per-engine limits.
func New(limits map[domain.Engine]Limits, opts ...Option) (*Controller, error) {
	c := &Controller{
		engines: make(map[domain.Engine]*limiter, len(limits)),
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}

	for e, l := range limits {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("invalid limits for %s: %w", e, err)
		}
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		c.engines[e] = &limiter{
			limits: l,
			slots:  semaphore.NewWeighted(int64(l.Concurrency)),
			bucket: rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Rate)), burst),
		}
	}
	return c, nil
}

func (c *Controller) limiter(e domain.Engine) (*limiter, error) {
	l, ok := c.engines[e]
	if !ok {
		return nil, fmt.Errorf("%w: no limits for %s", engine.ErrNotRegistered, e)
	}
	return l, nil
}

// Policy returns the retry policy for e.
func (c *Controller) Policy(e domain.Engine) (Policy, error) {
	l, err := c.limiter(e)
	if err != nil {
		return Policy{}, err
	}
	return l.limits.Policy, nil
}

// MaxAttempts returns the claim budget for tasks of engine e.
func (c *Controller) MaxAttempts(e domain.Engine) int {
	l, err := c.limiter(e)
	if err != nil {
		return 1
	}
	return l.limits.Policy.MaxAttempts
}

// Backoff returns the jittered delay before a task of engine e that has
// failed attempt times becomes claimable again.
func (c *Controller) Backoff(e domain.Engine, attempt int) time.Duration {
	l, err := c.limiter(e)
	if err != nil {
		return 0
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return l.limits.Policy.Backoff(attempt, c.rand)
}

// Do runs fn for engine e once a concurrency slot and a rate token are
// granted. The caller suspends while waiting; if WaitTimeout elapses first
// the call is not made and a transient ErrThrottled is returned. fn runs
// under CallTimeout, and a call cut off by it yields a transient
// ErrCallTimeout. Cancellation of ctx is returned as is.
func (c *Controller) Do(ctx context.Context, e domain.Engine, op string, fn func(ctx context.Context) error) error {
	l, err := c.limiter(e)
	if err != nil {
		return err
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, l.limits.WaitTimeout)
	defer cancelWait()

	if err := l.slots.Acquire(waitCtx, 1); err != nil {
		return c.waitError(ctx, e, op, "concurrency slot")
	}
	defer l.slots.Release(1)

	if err := l.bucket.Wait(waitCtx); err != nil {
		return c.waitError(ctx, e, op, "rate token")
	}
	cancelWait()

	callCtx, cancelCall := context.WithTimeout(ctx, l.limits.CallTimeout)
	defer cancelCall()

	err = fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &engine.Error{
			Class:  engine.ClassTransient,
			Engine: e,
			Op:     op,
			Err:    fmt.Errorf("%w after %s: %w", engine.ErrCallTimeout, l.limits.CallTimeout, err),
		}
	}
	return engine.WithEngine(e, op, err)
}

func (c *Controller) waitError(ctx context.Context, e domain.Engine, op, what string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &engine.Error{
		Class:  engine.ClassTransient,
		Engine: e,
		Op:     op,
		Err:    fmt.Errorf("%w: no %s within wait timeout", engine.ErrThrottled, what),
	}
}
