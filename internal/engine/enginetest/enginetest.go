// Package enginetest provides scriptable engine adapters for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine"
)

// SyncAdapter is a fake engine.SyncAdapter driven by ProcessFn.
type SyncAdapter struct {
	Name        domain.Engine
	Unavailable atomic.Bool
	ProcessFn   func(ctx context.Context, src domain.SourceRef) (string, error)

	calls atomic.Int32
}

var _ engine.SyncAdapter = (*SyncAdapter)(nil)

// Engine implements engine.Adapter.
func (a *SyncAdapter) Engine() domain.Engine { return a.Name }

// CheckAvailable implements engine.Adapter.
func (a *SyncAdapter) CheckAvailable(context.Context) bool { return !a.Unavailable.Load() }

// ProcessSync implements engine.SyncAdapter.
func (a *SyncAdapter) ProcessSync(ctx context.Context, src domain.SourceRef) (string, error) {
	a.calls.Add(1)
	if a.ProcessFn == nil {
		return "", errors.New("enginetest: ProcessFn not set")
	}
	return a.ProcessFn(ctx, src)
}

// Calls returns how many times ProcessSync ran.
func (a *SyncAdapter) Calls() int { return int(a.calls.Load()) }

// AsyncAdapter is a fake engine.AsyncAdapter driven by SubmitFn and PollFn.
type AsyncAdapter struct {
	Name        domain.Engine
	Unavailable atomic.Bool
	SubmitFn    func(ctx context.Context, src domain.SourceRef, opts domain.JobOptions) (string, error)
	PollFn      func(ctx context.Context, handle string) (engine.PollResult, error)

	submits atomic.Int32
	polls   atomic.Int32
}

var _ engine.AsyncAdapter = (*AsyncAdapter)(nil)

// Engine implements engine.Adapter.
func (a *AsyncAdapter) Engine() domain.Engine { return a.Name }

// CheckAvailable implements engine.Adapter.
func (a *AsyncAdapter) CheckAvailable(context.Context) bool { return !a.Unavailable.Load() }

// SubmitAsync implements engine.AsyncAdapter.
func (a *AsyncAdapter) SubmitAsync(ctx context.Context, src domain.SourceRef, opts domain.JobOptions) (string, error) {
	a.submits.Add(1)
	if a.SubmitFn == nil {
		return "", errors.New("enginetest: SubmitFn not set")
	}
	return a.SubmitFn(ctx, src, opts)
}

// PollAsync implements engine.AsyncAdapter.
func (a *AsyncAdapter) PollAsync(ctx context.Context, handle string) (engine.PollResult, error) {
	a.polls.Add(1)
	if a.PollFn == nil {
		return engine.PollResult{}, errors.New("enginetest: PollFn not set")
	}
	return a.PollFn(ctx, handle)
}

// Submits returns how many times SubmitAsync ran.
func (a *AsyncAdapter) Submits() int { return int(a.submits.Load()) }

// Polls returns how many times PollAsync ran.
func (a *AsyncAdapter) Polls() int { return int(a.polls.Load()) }

// Sequence returns successive values from a fixed script, repeating the
// last entry once the script is exhausted.
type Sequence[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

// NewSequence creates a sequence over items. items must not be empty.
func NewSequence[T any](items ...T) *Sequence[T] {
	return &Sequence[T]{items: items}
}

// Next returns the next scripted value.
func (s *Sequence[T]) Next() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.items[s.next]
	if s.next < len(s.items)-1 {
		s.next++
	}
	return v
}

// Outcome is one scripted adapter response.
type Outcome struct {
	Text string
	Err  error
}

// Scripted returns a ProcessFn that replays outcomes in order.
func Scripted(outcomes ...Outcome) func(context.Context, domain.SourceRef) (string, error) {
	seq := NewSequence(outcomes...)
	return func(context.Context, domain.SourceRef) (string, error) {
		o := seq.Next()
		return o.Text, o.Err
	}
}
