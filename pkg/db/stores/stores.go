// Package stores opens the storage gateway selected by the environment.
package stores

import (
	"context"
	"fmt"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/clickhouse"
	"github.com/canopy-network/permanode/pkg/db/memory"
	"github.com/canopy-network/permanode/pkg/db/postgres"
	pganalytics "github.com/canopy-network/permanode/pkg/db/postgres/analytics"
	pgledger "github.com/canopy-network/permanode/pkg/db/postgres/ledger"
	"github.com/canopy-network/permanode/pkg/utils"
	"go.uber.org/zap"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Stores is the opened ledger and analytics storage.
type Stores struct {
	Ledger    db.LedgerStore
	Analytics db.AnalyticsStore

	closers []func() error
}

// Close releases every connection pool.
func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open reads STORAGE_BACKEND, POSTGRES_DB and the CLICKHOUSE_* variables.
// component selects the pool sizes; "backfill" sizes them for ANALYTICS_TASKS workers.
func Open(ctx context.Context, logger *zap.Logger, component string) (*Stores, error) {
	backend := utils.Env("STORAGE_BACKEND", BackendPostgres)
	s := &Stores{}

	switch backend {
	case BackendMemory:
		logger.Warn("Using in-memory storage, nothing survives a restart")
		store := memory.New()
		s.Ledger, s.Analytics = store, store
		return s, nil
	case BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}

	dbName := utils.Env("POSTGRES_DB", "permanode")
	logger.Info("Opening databases", zap.String("postgres_db", dbName), zap.String("component", component))

	ledgerPool, analyticsPool := "permanode_ledger", "permanode_analytics"
	mirrorPool := "permanode_mirror"
	if component == "backfill" {
		ledgerPool, analyticsPool, mirrorPool = "backfill", "backfill", "backfill_mirror"
	}

	ledgerDB, err := pgledger.NewWithPoolConfig(ctx, logger, dbName, *postgres.GetPoolConfigForComponent(ledgerPool))
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	s.closers = append(s.closers, ledgerDB.Close)
	s.Ledger = ledgerDB

	analyticsDB, err := pganalytics.NewWithPoolConfig(ctx, logger, dbName, *postgres.GetPoolConfigForComponent(analyticsPool))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	s.closers = append(s.closers, analyticsDB.Close)

	var mirror db.AnalyticsSink
	if dsn := utils.Env("CLICKHOUSE_ADDR", ""); dsn != "" {
		chName := utils.Env("CLICKHOUSE_DB", "permanode")
		m, err := clickhouse.NewAnalyticsMirror(ctx, logger, dsn, chName, utils.Env("CLICKHOUSE_CLUSTER", ""), mirrorPool)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open clickhouse mirror: %w", err)
		}
		s.closers = append(s.closers, m.Close)
		mirror = m
	}

	s.Analytics = db.NewMirroredAnalytics(logger.Named("mirror"), analyticsDB, mirror)
	return s, nil
}
