package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		Concurrency: 2,
		Rate:        1000,
		Window:      time.Second,
		Burst:       100,
		WaitTimeout: time.Second,
		CallTimeout: time.Second,
		Policy:      Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second},
	}
}

func newController(t *testing.T, l Limits) *Controller {
	t.Helper()
	c, err := New(map[domain.Engine]Limits{domain.EngineRemoteOCR: l})
	require.NoError(t, err)
	return c
}

func TestPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 8, 8}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, p.Backoff(attempt, nil), "attempt %d", attempt)
	}
	assert.Equal(t, 8*time.Second, p.Backoff(500, nil), "large attempts do not overflow")
	assert.Equal(t, time.Second, p.Backoff(-1, nil))
}

func TestPolicyBackoffJitter(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second, Jitter: 0.5}

	assert.Equal(t, 2*time.Second, p.Backoff(1, func() float64 { return 0 }))
	assert.Equal(t, 3*time.Second, p.Backoff(1, func() float64 { return 1 }))

	for i := 0; i < 100; i++ {
		d := p.Backoff(3, nil)
		assert.Equal(t, 8*time.Second, d, "nil source means no jitter")
	}
}

func TestControllerBackoffUsesRandSource(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.Policy.Jitter = 1
	c, err := New(map[domain.Engine]Limits{domain.EngineRemoteOCR: l}, WithRand(func() float64 { return 0.25 }))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, c.Backoff(domain.EngineRemoteOCR, 2))
	assert.Zero(t, c.Backoff(domain.EngineLocalOCR, 2), "unknown engine")
}

func TestNewRejectsBadLimits(t *testing.T) {
	t.Parallel()

	bad := testLimits()
	bad.Concurrency = 0
	_, err := New(map[domain.Engine]Limits{domain.EngineRemoteOCR: bad})
	assert.Error(t, err)

	bad = testLimits()
	bad.Policy.MaxDelay = time.Millisecond
	_, err = New(map[domain.Engine]Limits{domain.EngineRemoteOCR: bad})
	assert.Error(t, err)
}

func TestDoEnforcesConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	c := newController(t, testLimits())

	var (
		inFlight, peak atomic.Int32
		wg             sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestDoSlotWaitTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.Concurrency = 1
	l.WaitTimeout = 30 * time.Millisecond
	c := newController(t, l)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	called := false
	err := c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, engine.ErrThrottled)
	assert.Equal(t, engine.ClassTransient, engine.Classify(err))
}

func TestDoTokenWaitTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.Rate = 1
	l.Window = time.Hour
	l.Burst = 1
	l.WaitTimeout = 20 * time.Millisecond
	c := newController(t, l)

	ok := func(context.Context) error { return nil }
	require.NoError(t, c.Do(context.Background(), domain.EngineRemoteOCR, "process", ok))

	err := c.Do(context.Background(), domain.EngineRemoteOCR, "process", ok)
	assert.ErrorIs(t, err, engine.ErrThrottled)
	assert.False(t, engine.IsPermanent(err))
}

func TestDoTokenWaitSuspendsUntilAvailable(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.Rate = 1
	l.Window = 50 * time.Millisecond
	l.Burst = 1
	c := newController(t, l)

	ok := func(context.Context) error { return nil }
	require.NoError(t, c.Do(context.Background(), domain.EngineRemoteOCR, "process", ok))

	start := time.Now()
	require.NoError(t, c.Do(context.Background(), domain.EngineRemoteOCR, "process", ok))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDoCallTimeout(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.CallTimeout = 20 * time.Millisecond
	c := newController(t, l)

	err := c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, engine.ErrCallTimeout)
	assert.ErrorIs(t, err, engine.ErrTransient)
	assert.Contains(t, err.Error(), "remote-ocr")
}

func TestDoParentCancellation(t *testing.T) {
	t.Parallel()

	l := testLimits()
	l.Concurrency = 1
	c := newController(t, l)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Do(ctx, domain.EngineRemoteOCR, "process", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, engine.ErrThrottled)
}

func TestDoClassifiesAdapterErrors(t *testing.T) {
	t.Parallel()

	c := newController(t, testLimits())

	err := c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error {
		return engine.Permanent("decode", engine.ErrUnsupportedFormat)
	})
	assert.True(t, engine.IsPermanent(err))
	assert.Contains(t, err.Error(), "remote-ocr")

	err = c.Do(context.Background(), domain.EngineLocalOCR, "process", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, engine.ErrNotRegistered)

	plain := errors.New("connection reset")
	err = c.Do(context.Background(), domain.EngineRemoteOCR, "process", func(context.Context) error { return plain })
	assert.ErrorIs(t, err, plain)
	assert.ErrorIs(t, err, engine.ErrTransient)
}
