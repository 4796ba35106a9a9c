package permanode

import (
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"UPSTREAM_URL", "UPSTREAM_RETRY_COUNT", "SYNC_START_MILESTONE", "ANALYTICS_KINDS", "STORAGE_WRITE_RETRIES", "GAP_AUDIT_CRON"} {
			t.Setenv(k, "")
		}
		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:14265", cfg.UpstreamURL)
		assert.Equal(t, 30, cfg.RetryCount)
		assert.Equal(t, 5*time.Second, cfg.RetryInterval)
		assert.Equal(t, uint32(1), cfg.SyncStartMilestone)
		assert.Equal(t, 5, cfg.StorageWriteRetries)
		assert.Equal(t, analytics.MilestoneKinds, cfg.AnalyticsKinds)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("UPSTREAM_RETRY_COUNT", "0")
		t.Setenv("SYNC_START_MILESTONE", "1000")
		t.Setenv("ANALYTICS_KINDS", "ledger_size, base_token_activity,ledger_size")
		cfg, err := ConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.RetryCount)
		assert.Equal(t, uint32(1000), cfg.SyncStartMilestone)
		assert.Equal(t, []records.Kind{records.KindLedgerSize, records.KindBaseTokenActivity}, cfg.AnalyticsKinds)
		assert.Equal(t, cfg.AnalyticsKinds, cfg.PipelineOptions().Kinds)
	})

	cases := []struct {
		name, key, value string
	}{
		{"unknown kind", "ANALYTICS_KINDS", "ledger_size,bogus"},
		{"interval kind", "ANALYTICS_KINDS", "daily_active_addresses"},
		{"cron without seconds", "GAP_AUDIT_CRON", "*/5 * * * *"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := ConfigFromEnv()
			assert.Error(t, err)
		})
	}
}
