package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-service/internal/model"
	"trust-service/internal/util"
)

const otpPrefix = "otp:"

// OTPCache keeps at most one hashed code per session. Take uses GETDEL so
// two concurrent verifications can never both read the same code.
type OTPCache struct {
	client redis.Cmdable
	prefix string
}

func NewOTPCache(client redis.Cmdable, prefix string) *OTPCache {
	return &OTPCache{client: client, prefix: prefix}
}

func (c *OTPCache) Put(ctx context.Context, rec *model.OTPRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal otp: %w", err)
	}
	if err := c.client.Set(ctx, c.key(rec.SessionID), data, ttl).Err(); err != nil {
		util.Error("Failed to store OTP", zap.String("session_id", rec.SessionID), zap.Error(err))
		return fmt.Errorf("failed to store otp: %w", err)
	}
	return nil
}

func (c *OTPCache) Take(ctx context.Context, sessionID string) (*model.OTPRecord, error) {
	raw, err := c.client.GetDel(ctx, c.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("otp for %s: %w", sessionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take otp: %w", err)
	}

	var rec model.OTPRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp: %w", err)
	}
	return &rec, nil
}

func (c *OTPCache) Discard(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to discard otp: %w", err)
	}
	return nil
}

func (c *OTPCache) key(sessionID string) string {
	return c.prefix + otpPrefix + sessionID
}
