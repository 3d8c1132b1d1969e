package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// RateLimitCache is a fixed-window counter. The first hit in a window sets
// the expiry; later hits only increment.
type RateLimitCache struct {
	client redis.Cmdable
	prefix string
}

func NewRateLimitCache(client redis.Cmdable, prefix string) *RateLimitCache {
	return &RateLimitCache{client: client, prefix: prefix}
}

// Allow counts one hit for key and reports whether it is within limit,
// along with the hits remaining in the window.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	k := c.prefix + rateLimitPrefix + key

	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		util.Error("Failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, k, window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	count := int(n)
	if count > limit {
		util.Debug("Rate limit exceeded", zap.String("key", key), zap.Int("count", count), zap.Int("limit", limit))
		return false, 0, nil
	}
	return true, limit - count, nil
}

func (c *RateLimitCache) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+rateLimitPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
