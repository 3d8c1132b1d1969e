package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/bucketing"
	"trust-service/internal/model"
	"trust-service/internal/util"
)

// CredentialRepository is the durable credential store. Only argon2 hashes
// are written; the PIN itself never reaches this layer.
type CredentialRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewCredentialRepository(client *ScyllaClient, buckets *bucketing.Manager) *CredentialRepository {
	return &CredentialRepository{client: client, buckets: buckets}
}

func (r *CredentialRepository) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	c := &model.Credential{UserID: userID}
	err := r.client.Query(ctx, `
		SELECT pin_hash, pin_salt, pepper_version, algorithm, voice_enrolled, updated_at
		FROM credentials WHERE user_bucket = ? AND user_id = ?`,
		r.buckets.UserBucket(userID), userID,
	).Scan(&c.PINHash, &c.PINSalt, &c.PepperVersion, &c.Algorithm, &c.VoiceEnrolled, &c.UpdatedAt)

	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("credential %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		util.Error("Failed to get credential", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (r *CredentialRepository) PutCredential(ctx context.Context, c *model.Credential) error {
	q := r.client.Query(ctx, `
		INSERT INTO credentials (user_bucket, user_id, pin_hash, pin_salt, pepper_version, algorithm, voice_enrolled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.buckets.UserBucket(c.UserID), c.UserID, c.PINHash, c.PINSalt,
		c.PepperVersion, c.Algorithm, c.VoiceEnrolled, c.UpdatedAt.UTC())

	if err := r.client.ExecuteWithRetry(ctx, q, 2); err != nil {
		util.Error("Failed to store credential", zap.String("user_id", c.UserID), zap.Error(err))
		return fmt.Errorf("failed to store credential: %w", err)
	}
	util.Info("Credential stored", zap.String("user_id", c.UserID))
	return nil
}
