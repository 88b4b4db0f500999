package task

import (
	"context"
	"time"

	"github.com/phrazzld/mediatext/internal/domain"
)

// Limiter gates adapter calls; ratelimit.Controller implements it.
type Limiter interface {
	Do(ctx context.Context, e domain.Engine, op string, fn func(ctx context.Context) error) error
}

// RetryPolicy supplies per-engine retry parameters; ratelimit.Controller
// implements it.
type RetryPolicy interface {
	MaxAttempts(e domain.Engine) int
	Backoff(e domain.Engine, attempt int) time.Duration
}

// ArtifactWriter persists result artifacts and returns their location.
type ArtifactWriter interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Tracker accepts tasks that have entered WaitingOnRemote.
type Tracker interface {
	Track(task *domain.Task)
}

// Lease grants short-lived exclusive ownership of a key. It lets poll
// managers in several processes agree on who polls a job.
type Lease interface {
	// Acquire returns acquired=false without error when another holder
	// owns key. release must be called once the work is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}
