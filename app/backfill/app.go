package backfill

import (
	"context"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/stores"
	"github.com/canopy-network/permanode/pkg/logging"
	"github.com/canopy-network/permanode/pkg/utils"
	"go.uber.org/zap"
)

// App holds what the analytics CLI needs to run a backfill.
type App struct {
	Logger *zap.Logger
	Stores *stores.Stores
	Filler *Filler

	// NumTasks is the default worker count, from ANALYTICS_TASKS.
	NumTasks int
}

// Initialize opens storage sized for the backfill workers.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New("analytics")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	st, err := stores.Open(ctx, logger, "backfill")
	if err != nil {
		logger.Error("Unable to open storage", zap.Error(err))
		return nil, err
	}

	engine := analytics.New(logger, st.Ledger, st.Analytics)
	return &App{
		Logger:   logger,
		Stores:   st,
		Filler:   NewFiller(logger, st.Ledger, engine),
		NumTasks: utils.EnvInt("ANALYTICS_TASKS", 1),
	}, nil
}

func (a *App) Close() {
	if err := a.Stores.Close(); err != nil {
		a.Logger.Warn("Closing storage", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
