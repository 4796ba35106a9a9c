package permanode

import (
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/canopy-network/permanode/pkg/utils"
	"github.com/robfig/cron/v3"
)

// Config is the sync daemon configuration, read from the environment.
type Config struct {
	UpstreamURL   string
	RetryCount    int
	RetryInterval time.Duration

	// SyncStartMilestone is the first milestone synced into an empty database.
	SyncStartMilestone uint32

	AnalyticsKinds []records.Kind

	StorageWriteRetries  int
	StorageRetryInterval time.Duration

	Addr         string
	GapAuditCron string
}

// ConfigFromEnv reads the configuration. Unknown analytics kinds and invalid
// cron specs are rejected here rather than at first use.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		UpstreamURL:          utils.Env("UPSTREAM_URL", "http://localhost:14265"),
		RetryCount:           int(utils.EnvInt64("UPSTREAM_RETRY_COUNT", 30)),
		RetryInterval:        utils.EnvDuration("UPSTREAM_RETRY_INTERVAL", 5*time.Second),
		SyncStartMilestone:   uint32(utils.EnvInt64("SYNC_START_MILESTONE", 1)),
		StorageWriteRetries:  int(utils.EnvInt64("STORAGE_WRITE_RETRIES", 5)),
		StorageRetryInterval: utils.EnvDuration("STORAGE_RETRY_INTERVAL", 500*time.Millisecond),
		// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
		Addr:         utils.Env("ADDR", ":3002"),
		GapAuditCron: utils.Env("GAP_AUDIT_CRON", "*/30 * * * * *"),
	}

	names := utils.EnvList("ANALYTICS_KINDS", nil)
	if len(names) == 0 {
		cfg.AnalyticsKinds = analytics.MilestoneKinds
	} else {
		kinds, err := records.ParseKinds(names, analytics.MilestoneKinds)
		if err != nil {
			return Config{}, fmt.Errorf("ANALYTICS_KINDS: %w", err)
		}
		cfg.AnalyticsKinds = kinds
	}

	// same field layout as cron.WithSeconds
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.GapAuditCron); err != nil {
		return Config{}, fmt.Errorf("GAP_AUDIT_CRON %q: %w", cfg.GapAuditCron, err)
	}
	return cfg, nil
}

// PipelineOptions maps the configuration onto the pipeline.
func (c Config) PipelineOptions() Options {
	return Options{
		Kinds:                c.AnalyticsKinds,
		SyncStartMilestone:   c.SyncStartMilestone,
		RetryCount:           c.RetryCount,
		RetryInterval:        c.RetryInterval,
		StorageWriteRetries:  c.StorageWriteRetries,
		StorageRetryInterval: c.StorageRetryInterval,
	}
}
