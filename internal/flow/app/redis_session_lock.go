package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the lock only while it still carries the caller's token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSessionLocker serializes actions on a session across flow-service replicas that share
// the Redis session store.
type RedisSessionLocker struct {
	client   redis.UniversalClient
	prefix   string
	lease    time.Duration
	wait     time.Duration
	interval time.Duration
}

// NewRedisSessionLocker creates a locker. lease bounds how long a crashed replica can hold a
// session; wait bounds how long a second click waits before ErrSessionBusy.
func NewRedisSessionLocker(client redis.UniversalClient, prefix string, lease, wait time.Duration) *RedisSessionLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "consent_flow:session"
	}
	if lease <= 0 {
		lease = 45 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisSessionLocker{
		client:   client,
		prefix:   trimmedPrefix + ":lock",
		lease:    lease,
		wait:     wait,
		interval: 50 * time.Millisecond,
	}
}

func (l *RedisSessionLocker) key(sessionID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, sessionID)
}

func (l *RedisSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	key := l.key(sessionID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to lock session: %w", err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrSessionBusy
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrSessionBusy
			}
			return nil, ctx.Err()
		case <-time.After(l.interval):
		}
	}

	return func() {
		// The request context may already be done; release on a short context of its own.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}, nil
}
