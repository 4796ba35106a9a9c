package permanode

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/stores"
	"github.com/canopy-network/permanode/pkg/logging"
	"github.com/canopy-network/permanode/pkg/redis"
	"github.com/canopy-network/permanode/pkg/state"
	"github.com/canopy-network/permanode/pkg/upstream"
	"github.com/canopy-network/permanode/pkg/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App is the sync daemon: the pipeline, its health server and the gap audit.
type App struct {
	Config   Config
	Stores   *stores.Stores
	Redis    *redis.Client
	Pipeline *Pipeline

	// Cron runs the gap audit on Config.GapAuditCron.
	Cron *cron.Cron

	Logger *zap.Logger
	Server *http.Server
}

// Initialize wires the App from the environment.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New("permanode")
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := ConfigFromEnv()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	st, err := stores.Open(ctx, logger, "permanode")
	if err != nil {
		logger.Fatal("Unable to open storage", zap.Error(err))
	}

	client := upstream.NewHTTPWithOpts(upstream.Opts{
		Endpoints: []string{cfg.UpstreamURL},
		Timeout:   utils.EnvDuration("UPSTREAM_TIMEOUT", 2*time.Minute),
		RPS:       utils.EnvInt("UPSTREAM_RPS", 20),
	})
	dialer, err := upstream.NewWSDialer(cfg.UpstreamURL)
	if err != nil {
		logger.Fatal("Invalid upstream url", zap.String("url", cfg.UpstreamURL), zap.Error(err))
	}

	app := &App{
		Config: cfg,
		Stores: st,
		Logger: logger,
	}

	var notifier *redis.Notifier
	if opts, ok := redis.OptionsFromEnv(); ok {
		rc, err := redis.NewClient(ctx, logger, opts)
		if err != nil {
			// events are best effort
			logger.Warn("Redis unavailable, milestone events disabled", zap.Error(err))
		} else {
			app.Redis = rc
			notifier = redis.NewNotifier(rc, logger.Named("events"), utils.Env("NETWORK_NAME", ""))
		}
	}

	tracker := state.NewTracker(logger, client, cfg.RetryCount, cfg.RetryInterval)
	app.Pipeline = NewPipeline(logger, Deps{
		Store:     st.Ledger,
		Upstream:  client,
		Tracker:   tracker,
		Analytics: analytics.New(logger, st.Ledger, st.Analytics),
		Notifier:  notifier,
		Dialer:    dialer,
	}, cfg.PipelineOptions())

	app.Cron, err = NewAuditScheduler(ctx, logger, app.Pipeline, cfg.GapAuditCron)
	if err != nil {
		logger.Fatal("Unable to schedule gap audit", zap.Error(err))
	}

	app.Server = &http.Server{Addr: cfg.Addr, Handler: NewRouter(app.Pipeline)}
	return app
}

// Start runs until ctx is cancelled or the pipeline stops on a fatal error.
func (a *App) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := a.Pipeline.Run(gctx)
		if err != nil {
			a.Logger.Error("Pipeline stopped", zap.Error(err))
		}
		// a finished pipeline takes the server down with it
		_ = a.Server.Close()
		return err
	})

	a.Cron.Start()
	a.Logger.Info("Gap audit scheduled", zap.String("cronSpec", a.Config.GapAuditCron))

	go func() {
		<-gctx.Done()
		_ = a.Server.Close()
	}()

	err := g.Wait()

	a.Logger.Info("shutting down…")
	<-a.Cron.Stop().Done()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if closeErr := a.Stores.Close(); closeErr != nil {
		a.Logger.Warn("Closing storage", zap.Error(closeErr))
	}
	a.Logger.Info("さようなら!")
	return err
}
