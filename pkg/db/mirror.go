package db

import (
	"context"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/records"
	"go.uber.org/zap"
)

// MirroredAnalytics writes to a primary store and copies every write to the
// mirrors. Mirror writes are best-effort: failures are logged, never returned.
type MirroredAnalytics struct {
	Primary AnalyticsStore
	Mirrors []AnalyticsSink
	Logger  *zap.Logger
}

// NewMirroredAnalytics drops nil mirrors so callers can pass optional sinks directly.
func NewMirroredAnalytics(logger *zap.Logger, primary AnalyticsStore, mirrors ...AnalyticsSink) AnalyticsStore {
	kept := make([]AnalyticsSink, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return primary
	}
	return &MirroredAnalytics{Primary: primary, Mirrors: kept, Logger: logger}
}

func (m *MirroredAnalytics) UpsertRecords(ctx context.Context, recs []records.Record) error {
	if err := m.Primary.UpsertRecords(ctx, recs); err != nil {
		return err
	}
	for _, mirror := range m.Mirrors {
		if err := mirror.UpsertRecords(ctx, recs); err != nil {
			m.Logger.Warn("Failed to mirror analytics records", zap.Int("records", len(recs)), zap.Error(err))
		}
	}
	return nil
}

func (m *MirroredAnalytics) UpsertIntervalRecords(ctx context.Context, recs []records.IntervalRecord) error {
	if err := m.Primary.UpsertIntervalRecords(ctx, recs); err != nil {
		return err
	}
	for _, mirror := range m.Mirrors {
		if err := mirror.UpsertIntervalRecords(ctx, recs); err != nil {
			m.Logger.Warn("Failed to mirror interval records", zap.Int("records", len(recs)), zap.Error(err))
		}
	}
	return nil
}

func (m *MirroredAnalytics) Record(ctx context.Context, kind records.Kind, index uint32) (*records.Record, error) {
	return m.Primary.Record(ctx, kind, index)
}

func (m *MirroredAnalytics) RecordsByIndex(ctx context.Context, kind records.Kind, from, to uint32) ([]records.Record, error) {
	return m.Primary.RecordsByIndex(ctx, kind, from, to)
}

func (m *MirroredAnalytics) RecordsBetween(ctx context.Context, kind records.Kind, from, to time.Time) ([]records.Record, error) {
	return m.Primary.RecordsBetween(ctx, kind, from, to)
}

func (m *MirroredAnalytics) IntervalRecord(ctx context.Context, kind records.Kind, interval records.Interval, bucketStart time.Time) (*records.IntervalRecord, error) {
	return m.Primary.IntervalRecord(ctx, kind, interval, bucketStart)
}
