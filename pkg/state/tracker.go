// Package state tracks the latest confirmed ledger snapshot announced by the node.
package state

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/retry"
	"github.com/canopy-network/permanode/pkg/upstream"
	"go.uber.org/zap"
)

// StatusFetcher is the part of the upstream client the tracker needs.
type StatusFetcher interface {
	Status(ctx context.Context) (*upstream.NodeStatus, error)
}

// Tracker holds the current ledger snapshot. Readers get either the old or
// the new snapshot, never a mix.
type Tracker struct {
	logger  *zap.Logger
	fetcher StatusFetcher
	retry   retry.Config

	current atomic.Pointer[ledger.State]
	status  atomic.Pointer[upstream.NodeStatus]
}

// NewTracker creates a tracker whose initial fetch uses the same fixed retry
// budget as the stream connection.
func NewTracker(logger *zap.Logger, fetcher StatusFetcher, retryCount int, retryInterval time.Duration) *Tracker {
	t := &Tracker{
		logger:  logger.Named("state"),
		fetcher: fetcher,
		retry:   retry.FixedConfig(retryCount, retryInterval),
	}
	t.current.Store(&ledger.State{})
	return t
}

// WithWait overrides the wait between fetch attempts.
func (t *Tracker) WithWait(wait func(ctx context.Context, d time.Duration) error) *Tracker {
	t.retry.Wait = wait
	return t
}

// FetchInitialState reads the node status once, within the retry budget.
func (t *Tracker) FetchInitialState(ctx context.Context) (ledger.State, error) {
	var status *upstream.NodeStatus
	err := retry.WithBackoff(ctx, t.retry, t.logger, "fetch_ledger_state", func() error {
		s, err := t.fetcher.Status(ctx)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ledger.State{}, ctxErr
		}
		return ledger.State{}, fmt.Errorf("%w: %w", upstream.ErrUpstreamUnavailable, err)
	}

	snapshot := status.LedgerState()
	t.status.Store(status)
	t.current.Store(&snapshot)

	t.logger.Info("Fetched initial ledger state",
		zap.String("network", status.NetworkName),
		zap.Uint32("confirmed", snapshot.MilestoneIndex),
		zap.Uint32("pruning_index", status.PruningIndex),
		zap.Uint8("protocol_version", snapshot.ProtocolParameters.Version))
	return snapshot, nil
}

// Status returns the node status read by FetchInitialState, nil before it.
func (t *Tracker) Status() *upstream.NodeStatus {
	return t.status.Load()
}

// OnMilestoneConfirmed replaces the snapshot when event is newer than it. It
// returns the snapshot in force afterwards.
func (t *Tracker) OnMilestoneConfirmed(event *ledger.MilestoneEvent) ledger.State {
	for {
		cur := t.current.Load()
		if event.Index <= cur.MilestoneIndex {
			return *cur
		}

		next := &ledger.State{
			MilestoneIndex:     event.Index,
			MilestoneTimestamp: event.Timestamp,
			ProtocolParameters: cur.ProtocolParameters,
		}
		if event.ProtocolParameters.NetworkName != "" {
			next.ProtocolParameters = event.ProtocolParameters
		}
		if t.current.CompareAndSwap(cur, next) {
			return *next
		}
	}
}

// Current returns the latest snapshot.
func (t *Tracker) Current() ledger.State {
	return *t.current.Load()
}
