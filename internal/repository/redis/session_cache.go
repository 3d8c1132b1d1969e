// Package redis holds the Redis-backed session, OTP, lock, credential and
// rate-limit stores used when STORAGE_BACKEND=redis.
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

const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "user_sessions:"
)

// SessionCache stores each session as one JSON value. Writes go through
// whole-record SET so a reader never sees a half-applied transition; callers
// serialize writers with the attempt lock.
type SessionCache struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
}

func NewSessionCache(client redis.Cmdable, prefix string, retention time.Duration) *SessionCache {
	return &SessionCache{client: client, prefix: prefix, retention: retention}
}

func (c *SessionCache) Create(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := c.client.SetNX(ctx, c.key(s.SessionID), data, c.retention).Result()
	if err != nil {
		util.Error("Failed to create session", zap.String("session_id", s.SessionID), zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}

	userKey := c.prefix + userSessionsPrefix + s.UserID
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, userKey, s.SessionID)
	pipe.Expire(ctx, userKey, c.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Warn("Failed to index session for user", zap.String("user_id", s.UserID), zap.Error(err))
	}
	return nil
}

func (c *SessionCache) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	raw, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

// Save overwrites an existing session and refreshes its retention.
func (c *SessionCache) Save(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = c.client.SetArgs(ctx, c.key(s.SessionID), data, redis.SetArgs{Mode: "XX", TTL: c.retention}).Err()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("session %s: %w", s.SessionID, model.ErrNotFound)
	}
	if err != nil {
		util.Error("Failed to save session", zap.String("session_id", s.SessionID), zap.Error(err))
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	s, err := c.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key(sessionID))
	pipe.SRem(ctx, c.prefix+userSessionsPrefix+s.UserID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	util.Debug("Session deleted", zap.String("session_id", sessionID))
	return nil
}

// UserSessions lists the session ids created for a user within retention.
func (c *SessionCache) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.prefix+userSessionsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	return ids, nil
}

func (c *SessionCache) key(sessionID string) string {
	return c.prefix + sessionPrefix + sessionID
}
