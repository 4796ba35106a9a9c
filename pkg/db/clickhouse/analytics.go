package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"go.uber.org/zap"
)

const (
	MilestoneAnalyticsTable = "milestone_analytics"
	IntervalAnalyticsTable  = "interval_analytics"
)

// AnalyticsMirror copies analytics records into ClickHouse for dashboards.
// Both tables are ReplacingMergeTree on computed_at, so a recomputation
// replaces the earlier row for the same key once parts merge.
type AnalyticsMirror struct {
	Client
	Name    string
	Cluster string
}

var _ db.AnalyticsSink = (*AnalyticsMirror)(nil)

// NewAnalyticsMirror connects to the mirror database and creates both tables.
func NewAnalyticsMirror(ctx context.Context, logger *zap.Logger, dsn, name, cluster, component string) (*AnalyticsMirror, error) {
	name = SanitizeName(name)
	client, err := New(ctx, logger.With(zap.String("db", name)), dsn, name, cluster, GetPoolConfigForComponent(component))
	if err != nil {
		return nil, err
	}

	mirror := &AnalyticsMirror{Client: client, Name: name, Cluster: cluster}
	if err := mirror.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return mirror, nil
}

// InitializeDB creates both tables.
func (m *AnalyticsMirror) InitializeDB(ctx context.Context) error {
	if err := records.MilestoneColumns.Validate(); err != nil {
		return err
	}
	if err := records.IntervalColumns.Validate(); err != nil {
		return err
	}
	milestoneTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			%s
		) ENGINE = %s
		ORDER BY (kind, milestone_index)
	`, m.Name, MilestoneAnalyticsTable, OnCluster(m.Cluster),
		records.MilestoneColumns.Schema(),
		Engine(ReplacingMergeTree, "computed_at", m.Cluster))
	if err := m.Exec(ctx, milestoneTable); err != nil {
		return fmt.Errorf("create %s: %w", MilestoneAnalyticsTable, err)
	}

	intervalTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" %s (
			%s
		) ENGINE = %s
		ORDER BY (kind, bucket_interval, bucket_start)
	`, m.Name, IntervalAnalyticsTable, OnCluster(m.Cluster),
		records.IntervalColumns.Schema(),
		Engine(ReplacingMergeTree, "computed_at", m.Cluster))
	if err := m.Exec(ctx, intervalTable); err != nil {
		return fmt.Errorf("create %s: %w", IntervalAnalyticsTable, err)
	}

	m.Logger.Info("Analytics mirror initialized", zap.String("database", m.Name))
	return nil
}

func (m *AnalyticsMirror) insertQuery(table string, columns records.Columns) string {
	return fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, m.Name, table, columns.Names())
}

// UpsertRecords appends per-milestone records.
func (m *AnalyticsMirror) UpsertRecords(ctx context.Context, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := m.PrepareBatch(ctx, m.insertQuery(MilestoneAnalyticsTable, records.MilestoneColumns))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()

	computedAt := time.Now().UTC()
	for _, r := range recs {
		err = batch.Append(
			string(r.Kind),
			r.MilestoneIndex,
			r.MilestoneTimestamp.UTC(),
			string(r.Value),
			computedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return err
		}
	}

	return batch.Send()
}

// UpsertIntervalRecords appends interval records.
func (m *AnalyticsMirror) UpsertIntervalRecords(ctx context.Context, recs []records.IntervalRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch, err := m.PrepareBatch(ctx, m.insertQuery(IntervalAnalyticsTable, records.IntervalColumns))
	if err != nil {
		return err
	}
	defer func() { _ = batch.Close() }()

	computedAt := time.Now().UTC()
	for _, r := range recs {
		err = batch.Append(
			string(r.Kind),
			string(r.Interval),
			r.BucketStart.UTC(),
			r.BucketEnd.UTC(),
			string(r.Value),
			computedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return err
		}
	}

	return batch.Send()
}
