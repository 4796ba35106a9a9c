package permanode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/canopy-network/permanode/pkg/redis"
	"github.com/canopy-network/permanode/pkg/retry"
	"github.com/canopy-network/permanode/pkg/state"
	"github.com/canopy-network/permanode/pkg/upstream"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// SyncState is the pipeline lifecycle state.
type SyncState string

const (
	StateBootstrapping SyncState = "bootstrapping"
	StateSyncing       SyncState = "syncing"
	StateLive          SyncState = "live"
	StateDegraded      SyncState = "degraded"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     db.LedgerStore
	Upstream  upstream.Client
	Tracker   *state.Tracker
	Analytics *analytics.Engine
	// Notifier is optional.
	Notifier *redis.Notifier

	// Source delivers live milestones. When nil a Consumer is built over Dialer.
	Source upstream.EventSource
	Dialer upstream.Dialer
}

// Options tune a Pipeline.
type Options struct {
	Kinds              []records.Kind
	SyncStartMilestone uint32

	// RetryCount and RetryInterval bound stream reconnection and historical fetches.
	RetryCount    int
	RetryInterval time.Duration

	StorageWriteRetries  int
	StorageRetryInterval time.Duration

	// Wait overrides the wait between fetch and dial attempts.
	Wait func(ctx context.Context, d time.Duration) error
}

// Pipeline applies milestones to storage in strict index order and computes
// their analytics. It runs on a single goroutine; the accessors are safe to
// call from others.
type Pipeline struct {
	logger    *zap.Logger
	store     db.LedgerStore
	upstream  upstream.Client
	tracker   *state.Tracker
	analytics *analytics.Engine
	notifier  *redis.Notifier
	source    upstream.EventSource
	opts      Options
	fetch     retry.Config

	mu    sync.Mutex
	state SyncState

	lastApplied   atomic.Uint32
	startingIndex atomic.Uint32
	openGap       atomic.Pointer[ledger.SyncGap]
	auditHoles    atomic.Int64
	audited       atomic.Bool

	gapsMu sync.Mutex
	gaps   []ledger.SyncGap
}

func NewPipeline(logger *zap.Logger, deps Deps, opts Options) *Pipeline {
	if len(opts.Kinds) == 0 {
		opts.Kinds = analytics.MilestoneKinds
	}
	if opts.StorageRetryInterval <= 0 {
		opts.StorageRetryInterval = 500 * time.Millisecond
	}

	fetch := retry.FixedConfig(opts.RetryCount, opts.RetryInterval)
	fetch.Wait = opts.Wait

	p := &Pipeline{
		logger:    logger.Named("pipeline"),
		store:     deps.Store,
		upstream:  deps.Upstream,
		tracker:   deps.Tracker,
		analytics: deps.Analytics,
		notifier:  deps.Notifier,
		source:    deps.Source,
		opts:      opts,
		fetch:     fetch,
		state:     StateBootstrapping,
	}
	if p.source == nil {
		p.source = upstream.NewConsumer(logger, deps.Dialer, upstream.ConsumerOpts{
			RetryCount:    opts.RetryCount,
			RetryInterval: opts.RetryInterval,
			Observer:      p.OnConnState,
			Wait:          opts.Wait,
		})
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() SyncState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s SyncState) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.logger.Info("Sync state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// transition moves from one state to another only if the pipeline is in from.
func (p *Pipeline) transition(from, to SyncState) {
	p.mu.Lock()
	ok := p.state == from
	if ok {
		p.state = to
	}
	p.mu.Unlock()
	if ok {
		p.logger.Info("Sync state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	}
}

// OnConnState follows the stream connection: a lost or failed stream degrades
// a live pipeline and a restored one brings it back.
func (p *Pipeline) OnConnState(s upstream.ConnState) {
	switch s {
	case upstream.ConnDegraded, upstream.ConnFailed:
		p.transition(StateLive, StateDegraded)
	case upstream.ConnConnected:
		p.transition(StateDegraded, StateLive)
	}
}

// LastApplied is the highest milestone stored by this process, or the one
// before the sync start when nothing was applied yet.
func (p *Pipeline) LastApplied() uint32 {
	return p.lastApplied.Load()
}

// StartingIndex is the first milestone with analytics.
func (p *Pipeline) StartingIndex() uint32 {
	return p.startingIndex.Load()
}

// OpenGap returns the gap being repaired, if any.
func (p *Pipeline) OpenGap() *ledger.SyncGap {
	return p.openGap.Load()
}

// RepairedGaps lists every gap detected on the live stream, oldest first.
func (p *Pipeline) RepairedGaps() []ledger.SyncGap {
	p.gapsMu.Lock()
	defer p.gapsMu.Unlock()
	return append([]ledger.SyncGap(nil), p.gaps...)
}

// Healthy reports whether the pipeline is live, caught up with the node, and
// storage has no holes.
func (p *Pipeline) Healthy() bool {
	return p.State() == StateLive &&
		p.LastApplied() >= p.tracker.Current().MilestoneIndex &&
		p.OpenGap() == nil &&
		p.auditHoles.Load() == 0
}

// Run bootstraps, syncs history up to the node's confirmed milestone and then
// follows the live stream until ctx is cancelled or a fatal error occurs.
// Cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.run(ctx)
	_ = p.source.Close()
	if err != nil && ctx.Err() != nil {
		p.logger.Info("Pipeline stopped", zap.Uint32("last_applied", p.LastApplied()))
		return nil
	}
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	start, err := p.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if err := p.CatchUpAnalytics(ctx); err != nil {
		return err
	}

	p.setState(StateSyncing)
	tip := p.tracker.Current().MilestoneIndex
	if tip >= start {
		p.logger.Info("Syncing history", zap.Uint32("from", start), zap.Uint32("to", tip))
		if err := p.applyRange(ctx, start, tip+1); err != nil {
			return err
		}
	}

	p.setState(StateLive)
	for {
		event, err := p.source.Next(ctx)
		if err != nil {
			return err
		}
		if err := p.Handle(ctx, event); err != nil {
			return err
		}
	}
}

// Handle processes one milestone from the live stream: duplicates are
// dropped, a jump ahead is repaired from history first.
func (p *Pipeline) Handle(ctx context.Context, event *ledger.MilestoneEvent) error {
	p.tracker.OnMilestoneConfirmed(event)
	last := p.LastApplied()

	if event.Index <= last {
		p.logger.Debug("Dropping duplicate milestone",
			zap.Uint32("milestone_index", event.Index),
			zap.Uint32("last_applied", last))
		return nil
	}

	if event.Index > last+1 {
		gap := ledger.SyncGap{Start: last + 1, End: event.Index}
		p.openGap.Store(&gap)
		p.gapsMu.Lock()
		p.gaps = append(p.gaps, gap)
		p.gapsMu.Unlock()

		p.logger.Warn("Milestone gap detected, repairing from history",
			zap.Stringer("gap", gap),
			zap.Uint32("missing", gap.Len()))
		if err := p.applyRange(ctx, gap.Start, gap.End); err != nil {
			return err
		}
		p.openGap.Store(nil)
		p.logger.Info("Milestone gap closed", zap.Stringer("gap", gap))
	}

	return p.apply(ctx, event)
}

// applyRange fetches and applies every milestone in [from, to).
func (p *Pipeline) applyRange(ctx context.Context, from, to uint32) error {
	for index := from; index < to; index++ {
		event, err := p.fetchMilestone(ctx, index)
		if err != nil {
			return err
		}
		if err := p.apply(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) fetchMilestone(ctx context.Context, index uint32) (*ledger.MilestoneEvent, error) {
	var (
		event  *ledger.MilestoneEvent
		pruned bool
	)
	err := retry.WithBackoff(ctx, p.fetch, p.logger, "fetch_milestone", func() error {
		e, err := p.upstream.Milestone(ctx, index)
		if upstream.IsNotFound(err) {
			// pruned history does not come back, stop retrying
			pruned = true
			return nil
		}
		if err != nil {
			return err
		}
		event = e
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: fetch milestone %d: %w", upstream.ErrUpstreamUnavailable, index, err)
	}
	if pruned {
		return nil, fmt.Errorf("%w: milestone %d is not available upstream", ErrMilestoneGap, index)
	}
	return event, nil
}

// apply stores one milestone, computes its analytics and publishes it.
func (p *Pipeline) apply(ctx context.Context, event *ledger.MilestoneEvent) error {
	started := time.Now()

	err := p.withStorageRetry(ctx, "apply_milestone", func() error {
		return p.store.ApplyMilestone(ctx, event)
	})
	if err != nil {
		return err
	}
	p.lastApplied.Store(event.Index)

	var recs []records.Record
	if event.Index >= p.StartingIndex() {
		recs, err = p.computeAnalytics(ctx, event.Index)
		if err != nil {
			return err
		}
	}

	p.notifier.MilestoneSynced(ctx, redis.MilestoneSyncedEvent{
		Network:        p.network(),
		MilestoneIndex: event.Index,
		MilestoneID:    event.MilestoneID,
		Timestamp:      event.Timestamp,
		Created:        len(event.Created),
		Consumed:       len(event.Consumed),
		Analytics:      len(recs),
	})

	p.logger.Debug("Applied milestone",
		zap.Uint32("milestone_index", event.Index),
		zap.Int("created", len(event.Created)),
		zap.Int("consumed", len(event.Consumed)),
		zap.Int("analytics", len(recs)),
		zap.Duration("duration", time.Since(started)))
	return nil
}

func (p *Pipeline) network() string {
	if status := p.tracker.Status(); status != nil {
		return status.NetworkName
	}
	return ""
}

func (p *Pipeline) computeAnalytics(ctx context.Context, index uint32) ([]records.Record, error) {
	var recs []records.Record
	err := p.withStorageRetry(ctx, "compute_analytics", func() error {
		r, err := p.analytics.Compute(ctx, p.opts.Kinds, index)
		if err != nil {
			return err
		}
		recs = r
		return p.store.RecordAnalyticsIndex(ctx, index)
	})
	return recs, err
}

// withStorageRetry retries op with exponential backoff. Running out of
// retries is fatal and wraps ErrStorageWriteFailed.
func (p *Pipeline) withStorageRetry(ctx context.Context, operation string, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(p.opts.StorageRetryInterval),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(max(p.opts.StorageWriteRetries, 0)),
		),
		ctx,
	)

	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		p.logger.Warn("Storage operation failed, retrying",
			zap.String("operation", operation),
			zap.Duration("retry_in", d),
			zap.Error(err))
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %w", ErrStorageWriteFailed, operation, err)
	}
	return nil
}
