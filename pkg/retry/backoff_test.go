package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFixedConfig_StopsAfterLastAttempt(t *testing.T) {
	var waits []time.Duration
	cfg := FixedConfig(3, 5*time.Second)
	cfg.Wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	attempts := 0
	boom := errors.New("refused")
	err := WithBackoff(context.Background(), cfg, zap.NewNop(), "dial", func() error {
		attempts++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, waits)
}

func TestFixedConfig_Bounds(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		want     int
	}{
		{name: "zero is one attempt", attempts: 0, want: 1},
		{name: "negative is one attempt", attempts: -4, want: 1},
		{name: "kept", attempts: 7, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FixedConfig(tt.attempts, time.Second)
			assert.Equal(t, tt.want, cfg.MaxRetries)
			delays := cfg.delays()
			for i := 0; i < 3; i++ {
				assert.Equal(t, time.Second, delays.NextBackOff())
			}
		})
	}
}

func TestWithBackoff_SucceedsAfterRetries(t *testing.T) {
	cfg := FixedConfig(5, time.Millisecond)
	calls := 0
	err := WithBackoff(context.Background(), cfg, zap.NewNop(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithBackoff(ctx, DefaultConfig(), zap.NewNop(), "op", func() error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultConfig_GrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitterEnabled = false
	delays := cfg.delays()

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, delays.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, time.Minute, time.Minute,
	}, got)
}

func TestDefaultConfig_JitterStaysNear(t *testing.T) {
	delays := DefaultConfig().delays()
	d := delays.NextBackOff()
	assert.GreaterOrEqual(t, d, 1700*time.Millisecond)
	assert.LessOrEqual(t, d, 2300*time.Millisecond)
}
