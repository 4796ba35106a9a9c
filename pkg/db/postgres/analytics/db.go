package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/postgres"
	"go.uber.org/zap"
)

// DB is the PostgreSQL analytics store. It lives next to the ledger tables so
// interval analytics can be derived from stored milestone records.
type DB struct {
	postgres.Client
	Name string
}

var _ db.AnalyticsStore = (*DB)(nil)

// New connects to the named database and creates the analytics tables.
func New(ctx context.Context, logger *zap.Logger, name string) (*DB, error) {
	poolConfig := postgres.GetPoolConfigForComponent("permanode_analytics")
	return NewWithPoolConfig(ctx, logger, name, *poolConfig)
}

// NewWithPoolConfig creates and initializes an analytics database with custom pool configuration
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	analyticsDB := &DB{Client: client, Name: name}
	if err := analyticsDB.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return analyticsDB, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// InitializeDB creates the analytics tables.
func (db *DB) InitializeDB(ctx context.Context) error {
	start := time.Now()

	if err := db.initMilestoneAnalytics(ctx); err != nil {
		return fmt.Errorf("init milestone_analytics: %w", err)
	}
	if err := db.initIntervalAnalytics(ctx); err != nil {
		return fmt.Errorf("init interval_analytics: %w", err)
	}

	db.Logger.Info("Analytics database initialized successfully",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// value is JSON rather than JSONB: records are read back byte for byte.
func (db *DB) initMilestoneAnalytics(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS milestone_analytics (
			kind TEXT NOT NULL,
			milestone_index BIGINT NOT NULL,
			milestone_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			value JSON NOT NULL,
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, milestone_index)
		);

		CREATE INDEX IF NOT EXISTS idx_milestone_analytics_timestamp ON milestone_analytics(kind, milestone_timestamp);
	`

	return db.Exec(ctx, query)
}

func (db *DB) initIntervalAnalytics(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS interval_analytics (
			kind TEXT NOT NULL,
			bucket_interval TEXT NOT NULL,
			bucket_start TIMESTAMP WITH TIME ZONE NOT NULL,
			bucket_end TIMESTAMP WITH TIME ZONE NOT NULL,
			value JSON NOT NULL,
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, bucket_interval, bucket_start)
		)
	`

	return db.Exec(ctx, query)
}
