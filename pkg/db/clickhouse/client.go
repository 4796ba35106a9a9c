// Package clickhouse mirrors analytics records into ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/permanode/pkg/retry"
	"github.com/canopy-network/permanode/pkg/utils"
	"go.uber.org/zap"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client is a connection bound to one database.
type Client struct {
	Logger   *zap.Logger
	Db       driver.Conn
	Database string
}

// PoolConfig sizes the connection pool of one component.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Component       string
}

const (
	MergeTree          = "MergeTree"
	ReplacingMergeTree = "ReplacingMergeTree"
)

// dsn is what the driver needs from a clickhouse:// or tcp:// url. Several
// replicas may be listed, comma separated.
type dsn struct {
	Replicas []string
	Username string
	Password string
}

func parseDSN(raw string) dsn {
	rest := strings.TrimPrefix(strings.TrimPrefix(raw, "clickhouse://"), "tcp://")
	d := dsn{Username: "default"}

	if at := strings.Index(rest, "@"); at != -1 {
		user, pass, _ := strings.Cut(rest[:at], ":")
		d.Username, d.Password = user, pass
		rest = rest[at+1:]
	}
	if end := strings.IndexAny(rest, "/?"); end != -1 {
		rest = rest[:end]
	}
	for _, host := range strings.Split(rest, ",") {
		if host = strings.TrimSpace(host); host != "" {
			d.Replicas = append(d.Replicas, host)
		}
	}
	if len(d.Replicas) == 0 {
		d.Replicas = []string{"localhost:9000"}
	}
	return d
}

// New creates dbName (ON CLUSTER when cluster is set) through the default
// database and returns a client whose session database is dbName.
func New(ctx context.Context, logger *zap.Logger, rawDSN, dbName, cluster string, pc PoolConfig) (Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	d := parseDSN(rawDSN)
	strategy := utils.Env("CLICKHOUSE_CONN_STRATEGY", "in_order")
	options := &clickhouse.Options{
		Addr:             d.Replicas,
		ConnOpenStrategy: connOpenStrategy(strategy),
		Auth: clickhouse.Auth{
			Database: "default",
			Username: d.Username,
			Password: d.Password,
		},
		DialTimeout:     30 * time.Second,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: pc.ConnMaxLifetime,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		options.Debugf = logger.Named("clickhouse.driver").Sugar().Debugf
	}

	// the server may still be starting
	var bootstrap driver.Conn
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		conn, err := open(connCtx, options)
		if err != nil {
			return err
		}
		bootstrap = conn
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s %s ENGINE = Atomic", dbName, OnCluster(cluster))
	logger.Info("Creating database", zap.String("database", dbName), zap.String("query", query))
	err = bootstrap.Exec(connCtx, query)
	_ = bootstrap.Close()
	if err != nil {
		return Client{}, fmt.Errorf("create database %s: %w", dbName, err)
	}

	options.Auth.Database = dbName
	conn, err := open(connCtx, options)
	if err != nil {
		return Client{}, err
	}

	logger.Info("ClickHouse connection pool configured",
		zap.String("database", dbName),
		zap.String("component", pc.Component),
		zap.Strings("replicas", d.Replicas),
		zap.String("conn_strategy", strategy),
		zap.Int("max_open_conns", pc.MaxOpenConns),
		zap.Int("max_idle_conns", pc.MaxIdleConns),
		zap.Duration("conn_max_lifetime", pc.ConnMaxLifetime),
	)
	return Client{Logger: logger, Db: conn, Database: dbName}, nil
}

func open(ctx context.Context, options *clickhouse.Options) (driver.Conn, error) {
	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection to %s: %w", options.Auth.Database, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse database %s: %w", options.Auth.Database, err)
	}
	return conn, nil
}

// in_order keeps reads on the replica that took the write.
func connOpenStrategy(name string) clickhouse.ConnOpenStrategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "round_robin", "roundrobin":
		return clickhouse.ConnOpenRoundRobin
	case "random":
		return clickhouse.ConnOpenRandom
	default:
		return clickhouse.ConnOpenInOrder
	}
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.Db.Exec(ctx, query, args...)
}

func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

func (c *Client) Close() error {
	return c.Db.Close()
}

// SanitizeName turns a network name into a database identifier.
func SanitizeName(id string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToLower(id))
}

// Engine returns the table engine clause. With a cluster the replicated
// variant is used and ClickHouse picks the keeper paths.
func Engine(engine, versionCol, cluster string) string {
	if cluster != "" {
		engine = "Replicated" + engine
	}
	if versionCol != "" {
		return fmt.Sprintf("%s(%s)", engine, versionCol)
	}
	return engine
}

// OnCluster returns the ON CLUSTER clause, empty without a cluster.
func OnCluster(cluster string) string {
	if cluster == "" {
		return ""
	}
	return "ON CLUSTER " + cluster
}

// GetPoolConfigForComponent returns the pool sizes of a component.
func GetPoolConfigForComponent(component string) PoolConfig {
	pc := PoolConfig{
		MaxOpenConns:    utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
		Component:       component,
	}

	switch component {
	case "permanode_mirror":
		// one batch per applied milestone
		pc.MaxOpenConns, pc.MaxIdleConns = 5, 2
	case "backfill_mirror":
		pc.MaxOpenConns, pc.MaxIdleConns = utils.EnvInt("ANALYTICS_TASKS", 1)+2, 2
	}
	if pc.MaxIdleConns > pc.MaxOpenConns {
		pc.MaxIdleConns = pc.MaxOpenConns
	}
	return pc
}
