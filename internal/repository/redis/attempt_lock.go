package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-service/internal/util"
)

const sessionLockPrefix = "session_lock:"

// releaseScript deletes the lock only if it still holds our token, so a
// holder whose lease expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AttemptLock is a fail-fast lease per session taken with SET NX. The TTL
// bounds how long a crashed holder can block the session.
type AttemptLock struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewAttemptLock(client redis.Cmdable, prefix string, ttl time.Duration) *AttemptLock {
	return &AttemptLock{client: client, prefix: prefix, ttl: ttl}
}

func (l *AttemptLock) TryLock(ctx context.Context, sessionID string) (func(), bool, error) {
	key := l.prefix + sessionLockPrefix + sessionID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire session lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be done; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				util.Warn("Failed to release session lock", zap.String("session_id", sessionID), zap.Error(err))
			}
		})
	}
	return release, true, nil
}
