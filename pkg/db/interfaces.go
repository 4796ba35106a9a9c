package db

import (
	"context"
	"errors"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/models/records"
)

// ErrNotFound is returned by point reads when the key does not exist.
var ErrNotFound = errors.New("not found")

// LedgerReader is the read side of the ledger store used by the pipeline and the analytics.
type LedgerReader interface {
	// Output returns a single output by id, with its spend if any.
	Output(ctx context.Context, outputID string) (*ledger.OutputRecord, error)
	// Milestone reassembles the mutation set applied at index.
	Milestone(ctx context.Context, index uint32) (*ledger.MilestoneEvent, error)
	// Milestones lists stored milestone headers in [from, to), ascending.
	Milestones(ctx context.Context, from, to uint32) ([]ledger.Milestone, error)
	// MilestonesBetween lists stored milestone headers with timestamps in [from, to).
	MilestonesBetween(ctx context.Context, from, to time.Time) ([]ledger.Milestone, error)
	OldestMilestone(ctx context.Context) (*ledger.Milestone, error)
	NewestMilestone(ctx context.Context) (*ledger.Milestone, error)
	// FindGaps returns holes between the oldest and the newest stored milestone.
	FindGaps(ctx context.Context) ([]ledger.SyncGap, error)
	// ProtocolParametersAt returns the parameters in force at index.
	ProtocolParametersAt(ctx context.Context, index uint32) (*ledger.ProtocolParameters, error)
	// UnspentOutputsAt streams the unspent ledger as it was right after index was applied.
	UnspentOutputsAt(ctx context.Context, index uint32, fn func(ledger.OutputRecord) error) error
	// ActiveAddresses counts distinct addresses that received or spent an output in [from, to).
	ActiveAddresses(ctx context.Context, from, to time.Time) (uint64, error)
	ApplicationState(ctx context.Context) (*ledger.ApplicationState, error)
}

// LedgerWriter is the write side of the ledger store. Every method is atomic.
type LedgerWriter interface {
	// ApplyMilestone writes the whole mutation set of one milestone or nothing.
	ApplyMilestone(ctx context.Context, event *ledger.MilestoneEvent) error
	// SeedLedger writes the initial unspent snapshot together with the application state.
	SeedLedger(ctx context.Context, snapshot *ledger.UnspentSnapshot, state ledger.ApplicationState) error
	// RecordAnalyticsIndex advances the analytics watermark. It never moves backwards.
	RecordAnalyticsIndex(ctx context.Context, index uint32) error
}

// LedgerStore is the storage gateway for ledger data.
type LedgerStore interface {
	LedgerReader
	LedgerWriter
}

// AnalyticsSink receives analytics records. Writes are full overwrites by key.
type AnalyticsSink interface {
	UpsertRecords(ctx context.Context, recs []records.Record) error
	UpsertIntervalRecords(ctx context.Context, recs []records.IntervalRecord) error
}

// AnalyticsStore is an AnalyticsSink that can be read back.
type AnalyticsStore interface {
	AnalyticsSink
	Record(ctx context.Context, kind records.Kind, index uint32) (*records.Record, error)
	// RecordsByIndex lists records of kind in [from, to), ascending.
	RecordsByIndex(ctx context.Context, kind records.Kind, from, to uint32) ([]records.Record, error)
	// RecordsBetween lists records of kind whose milestone timestamp is in [from, to).
	RecordsBetween(ctx context.Context, kind records.Kind, from, to time.Time) ([]records.Record, error)
	IntervalRecord(ctx context.Context, kind records.Kind, interval records.Interval, bucketStart time.Time) (*records.IntervalRecord, error)
}
