package scylla

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/config"
	"trust-service/internal/util"
)

// schema is applied by EnsureSchema. Ledger rows are partitioned by user
// bucket, user and month so a detector window touches a handful of
// partitions.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions_by_user (
		user_bucket int,
		user_id     text,
		month       text,
		occurred_at timestamp,
		txn_id      text,
		recipient   text,
		amount      double,
		category    text,
		PRIMARY KEY ((user_bucket, user_id, month), occurred_at, txn_id)
	) WITH CLUSTERING ORDER BY (occurred_at ASC, txn_id ASC)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		user_bucket    int,
		user_id        text,
		pin_hash       text,
		pin_salt       text,
		pepper_version int,
		algorithm      text,
		voice_enrolled boolean,
		updated_at     timestamp,
		PRIMARY KEY ((user_bucket, user_id))
	)`,
}

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	sc := cfg.Scylla

	consistency, err := parseConsistency(sc.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(sc.Hosts...)
	cluster.Keyspace = sc.Keyspace
	cluster.Consistency = consistency
	cluster.Timeout = sc.Timeout
	cluster.ConnectTimeout = sc.Timeout
	cluster.NumConns = 2
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if cfg.IsProduction() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 getEnv("SCYLLA_CA_FILE", "/app/certs/scylla-ca.pem"),
			CertPath:               getEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                getEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if sc.Username != "" && sc.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: sc.Username,
			Password: sc.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("hosts", sc.Hosts),
		zap.String("keyspace", sc.Keyspace),
		zap.String("consistency", consistency.String()))

	return &ScyllaClient{Session: session}, nil
}

func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

// ExecuteWithRetry retries transient write failures with a linear backoff,
// giving up early when ctx is done.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, q *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = q.Exec(); lastErr == nil {
			return nil
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return lastErr
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func parseConsistency(v string) (gocql.Consistency, error) {
	if v == "" {
		return gocql.LocalQuorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(v))
	if err != nil {
		return 0, fmt.Errorf("invalid SCYLLA_CONSISTENCY %q: %w", v, err)
	}
	return c, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
