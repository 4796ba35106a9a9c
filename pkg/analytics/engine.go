// Package analytics derives per-milestone and per-interval statistics from
// the stored ledger and writes them as analytics records.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

// ErrUnknownKind is returned when a requested kind has no measurement.
var ErrUnknownKind = errors.New("unknown analytics kind")

// MilestoneKinds lists every per-milestone kind in computation order.
var MilestoneKinds = []records.Kind{
	records.KindActiveAddresses,
	records.KindAddressBalance,
	records.KindBaseTokenActivity,
	records.KindInputOutputDegree,
	records.KindLedgerOutputs,
	records.KindLedgerSize,
	records.KindMilestoneActivity,
	records.KindOutputActivity,
	records.KindProtocolParameters,
	records.KindTransactionSize,
	records.KindUnclaimedTokens,
	records.KindUnlockConditions,
}

// IntervalKinds lists every kind computed over time buckets.
var IntervalKinds = []records.Kind{
	records.KindDailyActiveAddresses,
	records.KindBaseTokenActivity,
}

// eventMeasurements read only the mutations of the milestone.
var eventMeasurements = map[records.Kind]func(*ledger.MilestoneEvent) any{
	records.KindActiveAddresses:    measureActiveAddresses,
	records.KindBaseTokenActivity:  measureBaseTokenActivity,
	records.KindInputOutputDegree:  measureInputOutputDegree,
	records.KindMilestoneActivity:  measureMilestoneActivity,
	records.KindOutputActivity:     measureOutputActivity,
	records.KindProtocolParameters: measureProtocolParameters,
	records.KindTransactionSize:    measureTransactionSize,
}

// ledgerMeasurements fold the unspent ledger as it stood right after the milestone.
var ledgerMeasurements = map[records.Kind]func(ledger.ProtocolParameters) accumulator{
	records.KindAddressBalance:   newAddressBalance,
	records.KindLedgerOutputs:    newLedgerOutputs,
	records.KindLedgerSize:       newLedgerSize,
	records.KindUnclaimedTokens:  newUnclaimedTokens,
	records.KindUnlockConditions: newUnlockConditions,
}

type accumulator interface {
	add(ledger.OutputRecord)
	value() any
}

// Engine computes analytics records. All prior state is read back from the
// ledger store, so a computation depends only on stored data and the index.
type Engine struct {
	logger *zap.Logger
	ledger db.LedgerReader
	store  db.AnalyticsStore
}

func New(logger *zap.Logger, ledgerReader db.LedgerReader, store db.AnalyticsStore) *Engine {
	return &Engine{
		logger: logger.Named("analytics"),
		ledger: ledgerReader,
		store:  store,
	}
}

// Compute measures kinds at milestone index and upserts the records. An empty
// kinds list means every per-milestone kind. A milestone missing from storage
// returns an error wrapping db.ErrNotFound.
func (e *Engine) Compute(ctx context.Context, kinds []records.Kind, index uint32) ([]records.Record, error) {
	event, err := e.ledger.Milestone(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("load milestone %d: %w", index, err)
	}

	recs, err := e.Measure(ctx, kinds, event)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpsertRecords(ctx, recs); err != nil {
		return nil, fmt.Errorf("store analytics for milestone %d: %w", index, err)
	}

	e.logger.Debug("Computed milestone analytics",
		zap.Uint32("milestone_index", index),
		zap.Int("records", len(recs)))
	return recs, nil
}

// Measure computes the records for an already loaded milestone without writing them.
func (e *Engine) Measure(ctx context.Context, kinds []records.Kind, event *ledger.MilestoneEvent) ([]records.Record, error) {
	if len(kinds) == 0 {
		kinds = MilestoneKinds
	}

	values := make(map[records.Kind]any, len(kinds))
	accs := make(map[records.Kind]accumulator)
	for _, kind := range kinds {
		if measure, ok := eventMeasurements[kind]; ok {
			values[kind] = measure(event)
			continue
		}
		if newAcc, ok := ledgerMeasurements[kind]; ok {
			accs[kind] = newAcc(event.ProtocolParameters)
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	// One pass over the unspent ledger feeds every ledger measurement.
	if len(accs) > 0 {
		err := e.ledger.UnspentOutputsAt(ctx, event.Index, func(rec ledger.OutputRecord) error {
			for _, acc := range accs {
				acc.add(rec)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan unspent ledger at %d: %w", event.Index, err)
		}
		for kind, acc := range accs {
			values[kind] = acc.value()
		}
	}

	recs := make([]records.Record, 0, len(kinds))
	for _, kind := range kinds {
		raw, err := json.Marshal(values[kind])
		if err != nil {
			return nil, fmt.Errorf("encode %s at %d: %w", kind, event.Index, err)
		}
		recs = append(recs, records.Record{
			Kind:               kind,
			MilestoneIndex:     event.Index,
			MilestoneTimestamp: event.Timestamp.UTC(),
			Value:              raw,
		})
	}
	return recs, nil
}

// ComputeInterval measures kinds over the bucket of interval containing
// bucketStart and upserts the records. An empty kinds list means every interval kind.
func (e *Engine) ComputeInterval(ctx context.Context, kinds []records.Kind, interval records.Interval, bucketStart time.Time) ([]records.IntervalRecord, error) {
	if len(kinds) == 0 {
		kinds = IntervalKinds
	}
	start := interval.Truncate(bucketStart)
	end := interval.Next(start)

	recs := make([]records.IntervalRecord, 0, len(kinds))
	for _, kind := range kinds {
		var (
			value any
			err   error
		)
		switch kind {
		case records.KindDailyActiveAddresses:
			value, err = e.activeAddressesBetween(ctx, start, end)
		case records.KindBaseTokenActivity:
			value, err = e.baseTokenActivityBetween(ctx, start, end)
		default:
			return nil, fmt.Errorf("%w: %s (interval)", ErrUnknownKind, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("%s for %s bucket %s: %w", kind, interval, start.Format(time.DateOnly), err)
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		recs = append(recs, records.IntervalRecord{
			Kind:        kind,
			Interval:    interval,
			BucketStart: start,
			BucketEnd:   end,
			Value:       raw,
		})
	}

	if err := e.store.UpsertIntervalRecords(ctx, recs); err != nil {
		return nil, fmt.Errorf("store %s analytics for %s: %w", interval, start.Format(time.DateOnly), err)
	}
	return recs, nil
}

// IsMilestoneKind reports whether kind has a per-milestone measurement.
func IsMilestoneKind(kind records.Kind) bool {
	_, event := eventMeasurements[kind]
	_, led := ledgerMeasurements[kind]
	return event || led
}
