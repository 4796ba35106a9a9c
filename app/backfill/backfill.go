// Package backfill recomputes analytics over stored history, out of band of
// the sync daemon, spreading the work over a pool of workers.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"go.uber.org/zap"
)

// ErrEmptyLedger is returned when a default range is requested on a database
// with no milestones.
var ErrEmptyLedger = errors.New("no milestones stored")

// MilestoneRequest selects per-milestone analytics over [Start, End).
// Zero Start and End default to the oldest and newest+1 stored milestones.
type MilestoneRequest struct {
	Start    uint32
	End      uint32
	Kinds    []records.Kind
	NumTasks int
}

// IntervalRequest selects interval analytics for the buckets overlapping
// [Start, End). Zero times default to the stored milestone timestamps.
type IntervalRequest struct {
	Start    time.Time
	End      time.Time
	Interval records.Interval
	Kinds    []records.Kind
	NumTasks int
}

// Summary reports what a backfill run did.
type Summary struct {
	Range       Range
	Partitions  int
	Computed    int64
	Skipped     int64
	Interrupted bool
	Duration    time.Duration
}

// Filler runs backfills against the ledger with an analytics engine.
type Filler struct {
	logger *zap.Logger
	ledger db.LedgerReader
	engine *analytics.Engine
}

func NewFiller(logger *zap.Logger, ledger db.LedgerReader, engine *analytics.Engine) *Filler {
	return &Filler{logger: logger.Named("backfill"), ledger: ledger, engine: engine}
}

// FillAnalytics computes per-milestone analytics. Milestones missing from
// storage are logged and skipped. Milestones below the starting index never
// get analytics, so the range is clamped to it.
func (f *Filler) FillAnalytics(ctx context.Context, req MilestoneRequest) (Summary, error) {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = analytics.MilestoneKinds
	}

	r, err := f.milestoneRange(ctx, req)
	if err != nil {
		return Summary{}, err
	}

	var computed, skipped atomic.Int64
	summary, err := f.run(ctx, r, req.NumTasks, func(ctx context.Context, part TaskPartition) error {
		logger := f.logger.With(zap.Int("worker", part.WorkerID))
		for index := part.Range.Start; index < part.Range.End; index++ {
			if ctx.Err() != nil {
				return nil
			}
			_, err := f.engine.Compute(ctx, kinds, index)
			switch {
			case errors.Is(err, db.ErrNotFound):
				logger.Warn("Milestone not stored, skipping", zap.Uint32("milestone_index", index))
				skipped.Add(1)
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("milestone %d: %w", index, err)
			default:
				computed.Add(1)
			}
		}
		return nil
	})
	summary.Computed, summary.Skipped = computed.Load(), skipped.Load()
	f.logDone("Analytics backfill", summary, err)
	return summary, err
}

func (f *Filler) milestoneRange(ctx context.Context, req MilestoneRequest) (Range, error) {
	r := Range{Start: req.Start, End: req.End}
	if r.Start == 0 {
		oldest, err := f.ledger.OldestMilestone(ctx)
		if err != nil {
			return Range{}, fmt.Errorf("read oldest milestone: %w", err)
		}
		if oldest == nil {
			return Range{}, ErrEmptyLedger
		}
		r.Start = oldest.Index
	}
	if r.End == 0 {
		newest, err := f.ledger.NewestMilestone(ctx)
		if err != nil {
			return Range{}, fmt.Errorf("read newest milestone: %w", err)
		}
		if newest == nil {
			return Range{}, ErrEmptyLedger
		}
		r.End = newest.Index + 1
	}

	st, err := f.ledger.ApplicationState(ctx)
	if err != nil {
		return Range{}, fmt.Errorf("read application state: %w", err)
	}
	if st != nil && r.Start < st.StartingIndex {
		f.logger.Info("Clamping backfill to the starting index",
			zap.Uint32("requested", r.Start),
			zap.Uint32("starting_index", st.StartingIndex))
		r.Start = st.StartingIndex
	}
	return r, nil
}

// FillIntervalAnalytics computes interval analytics for every bucket in the
// request. Buckets are split contiguously across workers.
func (f *Filler) FillIntervalAnalytics(ctx context.Context, req IntervalRequest) (Summary, error) {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = analytics.IntervalKinds
	}
	interval := req.Interval
	if interval == "" {
		interval = records.IntervalDay
	}

	from, to, err := f.intervalBounds(ctx, req, interval)
	if err != nil {
		return Summary{}, err
	}
	buckets := interval.Buckets(from, to)
	f.logger.Info("Interval backfill",
		zap.String("interval", string(interval)),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("buckets", len(buckets)))

	var computed atomic.Int64
	summary, err := f.run(ctx, Range{End: uint32(len(buckets))}, req.NumTasks, func(ctx context.Context, part TaskPartition) error {
		for i := part.Range.Start; i < part.Range.End; i++ {
			if ctx.Err() != nil {
				return nil
			}
			b := buckets[i]
			if _, err := f.engine.ComputeInterval(ctx, kinds, interval, b.Start); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("bucket %s: %w", b.Start.Format(time.RFC3339), err)
			}
			computed.Add(1)
		}
		return nil
	})
	summary.Computed = computed.Load()
	f.logDone("Interval analytics backfill", summary, err)
	return summary, err
}

func (f *Filler) intervalBounds(ctx context.Context, req IntervalRequest, interval records.Interval) (time.Time, time.Time, error) {
	from, to := req.Start, req.End
	if from.IsZero() {
		oldest, err := f.ledger.OldestMilestone(ctx)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("read oldest milestone: %w", err)
		}
		if oldest == nil {
			return time.Time{}, time.Time{}, ErrEmptyLedger
		}
		from = oldest.Timestamp
	}
	if to.IsZero() {
		newest, err := f.ledger.NewestMilestone(ctx)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("read newest milestone: %w", err)
		}
		if newest == nil {
			return time.Time{}, time.Time{}, ErrEmptyLedger
		}
		to = interval.Next(interval.Truncate(newest.Timestamp))
	}
	return from.UTC(), to.UTC(), nil
}

// run executes work for every partition of r on its own pool worker. The
// first failure cancels the others; cancellation of ctx is not a failure.
func (f *Filler) run(ctx context.Context, r Range, numTasks int, work func(context.Context, TaskPartition) error) (Summary, error) {
	started := time.Now()
	parts := Partition(r, numTasks)
	summary := Summary{Range: r, Partitions: len(parts)}
	if len(parts) == 0 {
		return summary, nil
	}

	pool := pond.NewPool(len(parts), pond.WithQueueSize(len(parts)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, part := range parts {
		part := part
		f.logger.Debug("Submitting partition", zap.Int("worker", part.WorkerID), zap.Stringer("range", part.Range))
		group.SubmitErr(func() error {
			return work(groupCtx, part)
		})
	}

	err := group.Wait()
	summary.Duration = time.Since(started)
	summary.Interrupted = ctx.Err() != nil
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, pond.ErrGroupStopped)) && summary.Interrupted {
		err = nil
	}
	return summary, err
}

func (f *Filler) logDone(what string, s Summary, err error) {
	fields := []zap.Field{
		zap.Stringer("range", s.Range),
		zap.Int("partitions", s.Partitions),
		zap.Int64("computed", s.Computed),
		zap.Int64("skipped", s.Skipped),
		zap.Duration("duration", s.Duration),
	}
	switch {
	case err != nil:
		f.logger.Error(what+" failed", append(fields, zap.Error(err))...)
	case s.Interrupted:
		f.logger.Warn(what+" interrupted", fields...)
	default:
		f.logger.Info(what+" finished", fields...)
	}
}
