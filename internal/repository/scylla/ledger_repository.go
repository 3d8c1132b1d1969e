package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-service/internal/bucketing"
	"trust-service/internal/model"
	"trust-service/internal/util"
)

// LedgerRepository reads and appends a user's transactions. Reads walk the
// month partitions between since and now in order, so results come back
// oldest first without a client-side sort.
type LedgerRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
	now     func() time.Time
}

func NewLedgerRepository(client *ScyllaClient, buckets *bucketing.Manager) *LedgerRepository {
	return &LedgerRepository{client: client, buckets: buckets, now: time.Now}
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	bucket := r.buckets.UserBucket(userID)
	var out []model.Transaction

	for _, month := range bucketing.MonthBuckets(since, r.now()) {
		iter := r.client.Query(ctx, `
			SELECT txn_id, occurred_at, recipient, amount, category
			FROM transactions_by_user
			WHERE user_bucket = ? AND user_id = ? AND month = ? AND occurred_at >= ?`,
			bucket, userID, month, since).Iter()

		var t model.Transaction
		for iter.Scan(&t.ID, &t.Timestamp, &t.Recipient, &t.Amount, &t.Category) {
			t.UserID = userID
			t.Timestamp = t.Timestamp.UTC()
			out = append(out, t)
			t = model.Transaction{}
		}
		if err := iter.Close(); err != nil {
			util.Error("Failed to read ledger partition",
				zap.String("user_id", userID),
				zap.String("month", month),
				zap.Error(err))
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
	}
	return out, nil
}

func (r *LedgerRepository) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	q := r.client.Query(ctx, `
		INSERT INTO transactions_by_user (user_bucket, user_id, month, occurred_at, txn_id, recipient, amount, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.buckets.UserBucket(t.UserID), t.UserID, bucketing.MonthBucket(t.Timestamp),
		t.Timestamp.UTC(), t.ID, t.Recipient, t.Amount, t.Category)

	if err := r.client.ExecuteWithRetry(ctx, q, 2); err != nil {
		util.Error("Failed to append transaction", zap.String("user_id", t.UserID), zap.Error(err))
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}
