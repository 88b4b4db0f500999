// Package redis provides a poll lease shared between processes, so that a
// remote job is polled by at most one poll manager at a time.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "mediatext:lease:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease implements task.Lease with SET NX PX.
type Lease struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewLease creates a lease on rdb.
func NewLease(rdb redis.UniversalClient, log *slog.Logger) *Lease {
	return &Lease{rdb: rdb, prefix: DefaultPrefix, logger: log}
}

// Acquire takes key for ttl unless another holder has it.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := l.prefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
			l.logger.Warn("failed to release lease", "key", key, "error", err)
		}
	}
	return release, true, nil
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
