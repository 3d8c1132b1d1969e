package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"trust-service/internal/config"
	"trust-service/internal/util"
)

// ClickHouseClient stores the decision audit trail for analytics.
type ClickHouseClient struct {
	conn driver.Conn
}

func NewClickHouseClient(ctx context.Context, cfg *config.Config) (*ClickHouseClient, error) {
	cc := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(cc.URL)},
		Auth: ch.Auth{
			Username: cc.Username,
			Password: cc.Password,
			Database: cc.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || strings.HasPrefix(cc.URL, "https://") {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(cc.URL),
		}
		if caFile := getEnv("CLICKHOUSE_CA_FILE", ""); caFile != "" {
			pool, err := loadCAPool(caFile)
			if err != nil {
				return nil, fmt.Errorf("clickhouse CA: %w", err)
			}
			tlsCfg.RootCAs = pool
		}
		opts.TLS = tlsCfg
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("url", cc.URL),
		zap.String("database", cc.Database),
		zap.Bool("tls_enabled", opts.TLS != nil))

	return &ClickHouseClient{conn: conn}, nil
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// BatchInsert appends rows to a prepared batch and sends it in one round trip.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}
	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", util.ErrorField(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

func extractHostPort(url string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(url, "http://"), "https://")
	host = strings.TrimSuffix(host, "/")
	if strings.Contains(host, ":") {
		return host
	}
	if strings.HasPrefix(url, "https://") {
		return host + ":9440"
	}
	return host + ":9000"
}

func extractHostname(url string) string {
	return strings.Split(extractHostPort(url), ":")[0]
}
