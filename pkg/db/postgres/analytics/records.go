package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/canopy-network/permanode/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

var errNotFound = db.ErrNotFound

const upsertRecordSQL = `
	INSERT INTO milestone_analytics (kind, milestone_index, milestone_timestamp, value, computed_at)
	VALUES ($1, $2, $3, $4::json, NOW())
	ON CONFLICT (kind, milestone_index) DO UPDATE SET
		milestone_timestamp = EXCLUDED.milestone_timestamp,
		value = EXCLUDED.value,
		computed_at = NOW()
`

const upsertIntervalSQL = `
	INSERT INTO interval_analytics (kind, bucket_interval, bucket_start, bucket_end, value, computed_at)
	VALUES ($1, $2, $3, $4, $5::json, NOW())
	ON CONFLICT (kind, bucket_interval, bucket_start) DO UPDATE SET
		bucket_end = EXCLUDED.bucket_end,
		value = EXCLUDED.value,
		computed_at = NOW()
`

// UpsertRecords overwrites per-milestone records by (kind, milestone_index).
func (db *DB) UpsertRecords(ctx context.Context, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(upsertRecordSQL,
			string(r.Kind),
			int64(r.MilestoneIndex),
			r.MilestoneTimestamp.UTC(),
			string(r.Value),
		)
	}
	if err := db.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert %d analytics records: %w", len(recs), err)
	}
	return nil
}

// UpsertIntervalRecords overwrites interval records by (kind, interval, bucket_start).
func (db *DB) UpsertIntervalRecords(ctx context.Context, recs []records.IntervalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(upsertIntervalSQL,
			string(r.Kind),
			string(r.Interval),
			r.BucketStart.UTC(),
			r.BucketEnd.UTC(),
			string(r.Value),
		)
	}
	if err := db.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("upsert %d interval records: %w", len(recs), err)
	}
	return nil
}

func scanRecord(row pgx.Row) (records.Record, error) {
	var (
		r     records.Record
		kind  string
		index int64
		value []byte
	)
	if err := row.Scan(&kind, &index, &r.MilestoneTimestamp, &value); err != nil {
		return r, err
	}
	r.Kind = records.Kind(kind)
	r.MilestoneIndex = uint32(index)
	r.MilestoneTimestamp = r.MilestoneTimestamp.UTC()
	r.Value = value
	return r, nil
}

// Record returns a single per-milestone record.
func (db *DB) Record(ctx context.Context, kind records.Kind, index uint32) (*records.Record, error) {
	query := `
		SELECT kind, milestone_index, milestone_timestamp, value
		FROM milestone_analytics
		WHERE kind = $1 AND milestone_index = $2
	`
	r, err := scanRecord(db.QueryRow(ctx, query, string(kind), int64(index)))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("query %s record at %d: %w", kind, index, err)
	}
	return &r, nil
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]records.Record, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]records.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordsByIndex lists records of kind in [from, to).
func (db *DB) RecordsByIndex(ctx context.Context, kind records.Kind, from, to uint32) ([]records.Record, error) {
	query := `
		SELECT kind, milestone_index, milestone_timestamp, value
		FROM milestone_analytics
		WHERE kind = $1 AND milestone_index >= $2 AND milestone_index < $3
		ORDER BY milestone_index
	`
	return db.queryRecords(ctx, query, string(kind), int64(from), int64(to))
}

// RecordsBetween lists records of kind with milestone timestamps in [from, to).
func (db *DB) RecordsBetween(ctx context.Context, kind records.Kind, from, to time.Time) ([]records.Record, error) {
	query := `
		SELECT kind, milestone_index, milestone_timestamp, value
		FROM milestone_analytics
		WHERE kind = $1 AND milestone_timestamp >= $2 AND milestone_timestamp < $3
		ORDER BY milestone_index
	`
	return db.queryRecords(ctx, query, string(kind), from.UTC(), to.UTC())
}

// IntervalRecord returns the record of one bucket.
func (db *DB) IntervalRecord(ctx context.Context, kind records.Kind, interval records.Interval, bucketStart time.Time) (*records.IntervalRecord, error) {
	query := `
		SELECT bucket_end, value
		FROM interval_analytics
		WHERE kind = $1 AND bucket_interval = $2 AND bucket_start = $3
	`
	r := records.IntervalRecord{Kind: kind, Interval: interval, BucketStart: bucketStart.UTC()}
	var value []byte
	err := db.QueryRow(ctx, query, string(kind), string(interval), bucketStart.UTC()).Scan(&r.BucketEnd, &value)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("query %s %s record at %s: %w", kind, interval, bucketStart.Format(time.RFC3339), err)
	}
	r.BucketEnd = r.BucketEnd.UTC()
	r.Value = value
	return &r, nil
}
