package task

import (
	"context"
	"sync"
	"time"
)

// LocalLease is a Lease valid within one process.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLease creates an empty in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Lease.
func (l *LocalLease) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	deadline := now.Add(ttl)
	l.held[key] = deadline

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		// A lease that expired and was taken over belongs to the new holder.
		if l.held[key].Equal(deadline) {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
