package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-service/internal/model"
	"trust-service/internal/util"
)

const credentialPrefix = "credential:"

// CredentialCache keeps enrolled PIN hashes in a Redis hash per user. It is
// the credential store when Redis is the backend and Scylla is not configured.
type CredentialCache struct {
	client redis.Cmdable
	prefix string
}

func NewCredentialCache(client redis.Cmdable, prefix string) *CredentialCache {
	return &CredentialCache{client: client, prefix: prefix}
}

func (c *CredentialCache) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	fields, err := c.client.HGetAll(ctx, c.key(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("credential %s: %w", userID, model.ErrNotFound)
	}

	pepper, err := strconv.Atoi(fields["pepper_version"])
	if err != nil {
		util.Error("Invalid pepper version in credential", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("invalid pepper version: %w", err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])

	return &model.Credential{
		UserID:        userID,
		PINHash:       fields["pin_hash"],
		PINSalt:       fields["pin_salt"],
		PepperVersion: pepper,
		Algorithm:     fields["algorithm"],
		VoiceEnrolled: fields["voice_enrolled"] == "1",
		UpdatedAt:     updated,
	}, nil
}

func (c *CredentialCache) PutCredential(ctx context.Context, cred *model.Credential) error {
	voice := "0"
	if cred.VoiceEnrolled {
		voice = "1"
	}
	err := c.client.HSet(ctx, c.key(cred.UserID), map[string]interface{}{
		"pin_hash":       cred.PINHash,
		"pin_salt":       cred.PINSalt,
		"pepper_version": strconv.Itoa(cred.PepperVersion),
		"algorithm":      cred.Algorithm,
		"voice_enrolled": voice,
		"updated_at":     cred.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		util.Error("Failed to store credential", zap.String("user_id", cred.UserID), zap.Error(err))
		return fmt.Errorf("failed to store credential: %w", err)
	}
	util.Debug("Credential stored", zap.String("user_id", cred.UserID), zap.Bool("voice_enrolled", cred.VoiceEnrolled))
	return nil
}

func (c *CredentialCache) key(userID string) string {
	return c.prefix + credentialPrefix + userID
}
