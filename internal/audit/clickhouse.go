package audit

import (
	"context"
	"fmt"
	"regexp"

	"trust-service/internal/bucketing"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHouseRecorder appends one row per decision for analytics. Rows carry
// an event bucket so merges spread across parts.
type ClickHouseRecorder struct {
	db      Execer
	buckets *bucketing.Manager
	table   string
}

func NewClickHouseRecorder(db Execer, buckets *bucketing.Manager, table string) (*ClickHouseRecorder, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHouseRecorder{db: db, buckets: buckets, table: table}, nil
}

func (c *ClickHouseRecorder) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	event_id        String,
	event_date      Date,
	event_bucket    UInt16,
	user_bucket     UInt16,
	session_id      String,
	user_id         String,
	operation       LowCardinality(String),
	amount          Nullable(Float64),
	auth_state      LowCardinality(String),
	trust_level     LowCardinality(String),
	trust_rule      LowCardinality(String),
	decision        LowCardinality(String),
	reason          LowCardinality(String),
	required_factor LowCardinality(String),
	out_of_band     Bool,
	recorded_at     DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_date, event_bucket, session_id, recorded_at)`, c.table)

	if err := c.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", c.table, err)
	}
	return nil
}

func (c *ClickHouseRecorder) Record(ctx context.Context, e Event) error {
	a := c.buckets.Assign(e.UserID, e.ID, e.RecordedAt)

	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_date, event_bucket, user_bucket, session_id, user_id,
	operation, amount, auth_state, trust_level, trust_rule, decision, reason, required_factor, out_of_band, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table)

	err := c.db.Exec(ctx, query,
		e.ID, e.RecordedAt, uint16(a.EventBucket), uint16(a.UserBucket), e.SessionID, e.UserID,
		string(e.Operation), e.Amount, string(e.State), string(e.Trust.Level), e.Trust.Rule,
		string(e.Result.Decision), string(e.Result.Reason), string(e.Result.RequiredFactor),
		e.OutOfBand, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}
