package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/postgres"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DB is the PostgreSQL ledger store: milestones, outputs, protocol parameter
// changes and the application state row.
type DB struct {
	postgres.Client
	Name string
}

var _ db.LedgerStore = (*DB)(nil)

// New connects to the named database and creates the ledger tables.
func New(ctx context.Context, logger *zap.Logger, name string) (*DB, error) {
	poolConfig := postgres.GetPoolConfigForComponent("permanode_ledger")
	return NewWithPoolConfig(ctx, logger, name, *poolConfig)
}

// NewWithPoolConfig is New with explicit pool sizes.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	ledgerDB := &DB{Client: client, Name: name}
	if err := ledgerDB.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return ledgerDB, nil
}

func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

func (db *DB) DatabaseName() string {
	return db.Name
}

// InitializeDB creates the ledger tables. Each statement is idempotent and
// the tables do not reference each other, so they are created concurrently.
func (db *DB) InitializeDB(ctx context.Context) error {
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for table, create := range map[string]func(context.Context) error{
		"milestones":        db.initMilestones,
		"outputs":           db.initOutputs,
		"protocol_updates":  db.initProtocolUpdates,
		"application_state": db.initApplicationState,
	} {
		g.Go(func() error {
			db.Logger.Debug("Creating table", zap.String("table", table))
			if err := create(gctx); err != nil {
				return fmt.Errorf("create %s: %w", table, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	db.Logger.Info("Ledger tables ready",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(started)))
	return nil
}
