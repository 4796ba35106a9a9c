// Package postgres holds the pgx connection handling shared by the ledger and
// analytics stores.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/retry"
	"github.com/canopy-network/permanode/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is implemented by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client is a pool bound to one database. Calls made with a context returned
// by InTx run inside that transaction.
type Client struct {
	Logger   *zap.Logger
	Pool     *pgxpool.Pool
	Database string
}

// PoolConfig sizes the pool of one component.
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Component       string
}

// New connects to POSTGRES_URL, creates dbName when missing and returns a
// pool bound to it. An empty dbName keeps the database named in the URL.
func New(ctx context.Context, logger *zap.Logger, dbName string, pc PoolConfig) (Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	config, err := pgxpool.ParseConfig(utils.Env("POSTGRES_URL", "postgres://localhost:5432/postgres"))
	if err != nil {
		return Client{}, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	config.MinConns = pc.MinConns
	config.MaxConns = pc.MaxConns
	config.MaxConnLifetime = pc.ConnMaxLifetime
	config.MaxConnIdleTime = pc.ConnMaxIdleTime

	if dbName == "" {
		dbName = config.ConnConfig.Database
	}

	// the server may still be starting
	var pool *pgxpool.Pool
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		p, err := connect(connCtx, config)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	if config.ConnConfig.Database != dbName {
		err := ensureDatabase(connCtx, logger, pool, dbName)
		pool.Close()
		if err != nil {
			return Client{}, err
		}
		config.ConnConfig.Database = dbName
		if pool, err = connect(connCtx, config); err != nil {
			return Client{}, err
		}
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.String("database", dbName),
		zap.String("component", pc.Component),
		zap.Int32("min_conns", pc.MinConns),
		zap.Int32("max_conns", pc.MaxConns),
		zap.Duration("conn_max_lifetime", pc.ConnMaxLifetime),
		zap.Duration("conn_max_idle_time", pc.ConnMaxIdleTime),
	)
	return Client{Logger: logger, Pool: pool, Database: dbName}, nil
}

func connect(ctx context.Context, config *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("open pool for %s: %w", config.ConnConfig.Database, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", config.ConnConfig.Database, err)
	}
	return pool, nil
}

func ensureDatabase(ctx context.Context, logger *zap.Logger, pool *pgxpool.Pool, name string) error {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists); err != nil {
		return fmt.Errorf("look up database %s: %w", name, err)
	}
	if exists {
		return nil
	}
	logger.Info("Creating database", zap.String("database", name))
	// CREATE DATABASE takes no parameters
	if _, err := pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

type txKey struct{}

// executor returns the transaction carried by ctx, or the pool.
func (c *Client) executor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// InTx runs fn in one transaction. Statements issued through c with the
// context passed to fn join it; fn returning an error rolls everything back.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.executor(ctx).Exec(ctx, query, args...)
	return err
}

// Query runs a query returning rows. The caller must close them.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.executor(ctx).Query(ctx, query, args...)
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.executor(ctx).QueryRow(ctx, query, args...)
}

// SendBatch runs every queued statement and reports the first failure.
func (c *Client) SendBatch(ctx context.Context, batch *pgx.Batch) error {
	return c.executor(ctx).SendBatch(ctx, batch).Close()
}

func (c *Client) Close() {
	c.Pool.Close()
}

// IsNoRows reports whether err is pgx.ErrNoRows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// GetPoolConfigForComponent returns the pool sizes of a component.
func GetPoolConfigForComponent(component string) *PoolConfig {
	pc := &PoolConfig{
		MinConns:        2,
		MaxConns:        20,
		ConnMaxLifetime: utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: 2 * time.Minute,
		Component:       component,
	}

	switch component {
	case "permanode_ledger":
		// the live path holds one transaction at a time
		pc.MaxConns = 10
	case "permanode_analytics":
		pc.MinConns, pc.MaxConns = 1, 5
	case "backfill":
		// one connection per worker plus headroom
		pc.MaxConns = int32(utils.EnvInt("ANALYTICS_TASKS", 1)) + 4
	}
	return pc
}
