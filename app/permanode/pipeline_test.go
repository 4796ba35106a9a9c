package permanode

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/analytics"
	"github.com/canopy-network/permanode/pkg/db/memory"
	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/state"
	"github.com/canopy-network/permanode/pkg/upstream"
	"github.com/canopy-network/permanode/pkg/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2024, time.March, 14, 0, 0, 0, 0, time.UTC)

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// chanSource feeds the pipeline from a channel instead of a websocket.
type chanSource struct {
	ch chan *ledger.MilestoneEvent
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan *ledger.MilestoneEvent, 64)}
}

func (s *chanSource) Next(ctx context.Context) (*ledger.MilestoneEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-s.ch:
		return e, nil
	}
}

func (s *chanSource) Close() error { return nil }

type harness struct {
	node   *upstreamtest.Node
	store  *memory.Store
	source *chanSource
	p      *Pipeline
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

// newHarnessWith serves the node API through wrap, when set.
func newHarnessWith(t *testing.T, opts Options, wrap func(http.Handler) http.Handler) *harness {
	t.Helper()
	node := upstreamtest.NewNode("testnet")
	t.Cleanup(node.Close)

	endpoint := node.URL()
	if wrap != nil {
		srv := httptest.NewServer(wrap(node.Handler()))
		t.Cleanup(srv.Close)
		endpoint = srv.URL
	}

	store := memory.New()
	client := upstream.NewHTTPWithOpts(upstream.Opts{Endpoints: []string{endpoint}, RPS: 1000, Burst: 1000})
	tracker := state.NewTracker(zap.NewNop(), client, 3, time.Millisecond).WithWait(noWait)
	source := newChanSource()

	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}
	if opts.StorageWriteRetries == 0 {
		opts.StorageWriteRetries = 3
	}
	opts.RetryInterval = time.Millisecond
	opts.StorageRetryInterval = time.Millisecond
	opts.Wait = noWait

	p := NewPipeline(zap.NewNop(), Deps{
		Store:     store,
		Upstream:  client,
		Tracker:   tracker,
		Analytics: analytics.New(zap.NewNop(), store, store),
		Source:    source,
	}, opts)
	return &harness{node: node, store: store, source: source, p: p}
}

// milestone books one output to one of three addresses.
func milestone(params ledger.ProtocolParameters, index uint32) *ledger.MilestoneEvent {
	ts := baseTime.Add(time.Duration(index) * time.Minute)
	tx := fmt.Sprintf("t%d", index)
	return &ledger.MilestoneEvent{
		Index:              index,
		MilestoneID:        fmt.Sprintf("m%d", index),
		Timestamp:          ts,
		ProtocolParameters: params,
		Created: []ledger.Output{{
			OutputID:      fmt.Sprintf("o%d", index),
			Kind:          ledger.OutputKindBasic,
			Address:       fmt.Sprintf("addr%d", index%3),
			Amount:        100,
			TransactionID: tx,
			Booked:        ledger.MilestoneAt{MilestoneIndex: index, MilestoneTimestamp: ts},
		}},
		Consumed: []ledger.Spent{},
	}
}

func bootstrapped(t *testing.T, h *harness) {
	t.Helper()
	_, err := h.p.Bootstrap(context.Background())
	require.NoError(t, err)
}

func TestHandle_AppliesInOrder(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	ctx := context.Background()
	bootstrapped(t, h)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, h.p.Handle(ctx, milestone(h.node.Params(), i)))
	}

	assert.Equal(t, uint32(3), h.p.LastApplied())
	newest, err := h.store.NewestMilestone(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), newest.Index)
	assert.Equal(t, 3*len(analytics.MilestoneKinds), h.store.RecordCount())
	assert.Empty(t, h.p.RepairedGaps())

	st, err := h.store.ApplicationState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.AnalyticsIndex)
}

func TestHandle_RepairsGapFromHistory(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	ctx := context.Background()
	bootstrapped(t, h)

	params := h.node.Params()
	h.node.AddMilestone(milestone(params, 3))
	h.node.AddMilestone(milestone(params, 4))

	for _, i := range []uint32{1, 2, 5, 6} {
		require.NoError(t, h.p.Handle(ctx, milestone(params, i)))
	}

	assert.Equal(t, []ledger.SyncGap{{Start: 3, End: 5}}, h.p.RepairedGaps())
	assert.Nil(t, h.p.OpenGap())
	assert.Equal(t, int64(2), h.node.Fetches())
	assert.Equal(t, uint32(6), h.p.LastApplied())

	gaps, err := h.store.FindGaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, gaps)
	for i := uint32(1); i <= 6; i++ {
		_, err := h.store.Milestone(ctx, i)
		assert.NoError(t, err, "milestone %d", i)
	}
}

func TestHandle_UnhealthyWhileGapOpen(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarnessWith(t, Options{SyncStartMilestone: 1}, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "/ledger-updates") {
				select {
				case entered <- struct{}{}:
				default:
				}
				<-release
			}
			next.ServeHTTP(w, r)
		})
	})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	ctx := context.Background()
	bootstrapped(t, h)
	h.p.setState(StateLive)

	params := h.node.Params()
	require.NoError(t, h.p.Handle(ctx, milestone(params, 1)))
	require.True(t, h.p.Healthy())
	h.node.AddMilestone(milestone(params, 2))

	done := make(chan error, 1)
	go func() { done <- h.p.Handle(ctx, milestone(params, 3)) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gap repair never fetched history")
	}
	assert.Equal(t, &ledger.SyncGap{Start: 2, End: 3}, h.p.OpenGap())
	assert.False(t, h.p.Healthy())
	health := h.p.Health()
	assert.False(t, health.Healthy)
	assert.NotNil(t, health.OpenGap)

	close(release)
	require.NoError(t, <-done)
	assert.Nil(t, h.p.OpenGap())
	assert.Equal(t, uint32(3), h.p.LastApplied())
	assert.True(t, h.p.Healthy())
}

func TestHandle_PrunedGapIsFatal(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	bootstrapped(t, h)

	h.p.setState(StateLive)

	err := h.p.Handle(context.Background(), milestone(h.node.Params(), 3))
	require.ErrorIs(t, err, ErrMilestoneGap)
	assert.Equal(t, uint32(0), h.p.LastApplied())
	assert.Equal(t, &ledger.SyncGap{Start: 1, End: 3}, h.p.OpenGap())
	assert.False(t, h.p.Healthy())
}

func TestHandle_DropsDuplicates(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	ctx := context.Background()
	bootstrapped(t, h)

	params := h.node.Params()
	require.NoError(t, h.p.Handle(ctx, milestone(params, 1)))
	require.NoError(t, h.p.Handle(ctx, milestone(params, 2)))
	require.NoError(t, h.p.Handle(ctx, milestone(params, 2)))
	require.NoError(t, h.p.Handle(ctx, milestone(params, 1)))

	assert.Equal(t, int64(2), h.store.ApplyCalls())
	assert.Equal(t, uint32(2), h.p.LastApplied())
}

func TestHandle_AnalyticsStartAtStartingIndex(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 3})
	ctx := context.Background()
	params := h.node.Params()
	h.node.SetUnspent(&ledger.UnspentSnapshot{
		LedgerIndex:        5,
		LedgerTimestamp:    baseTime.Add(5 * time.Minute),
		ProtocolParameters: params,
		Outputs:            []ledger.Output{},
	})

	start, err := h.p.Bootstrap(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), start)
	assert.Equal(t, uint32(5), h.p.StartingIndex())

	for i := uint32(3); i <= 6; i++ {
		require.NoError(t, h.p.Handle(ctx, milestone(params, i)))
	}

	assert.Equal(t, 2*len(analytics.MilestoneKinds), h.store.RecordCount())
	for _, rec := range h.store.AllRecords() {
		assert.GreaterOrEqual(t, rec.MilestoneIndex, uint32(5))
	}
}

func TestHandle_StorageRetry(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		h := newHarness(t, Options{SyncStartMilestone: 1, StorageWriteRetries: 3})
		bootstrapped(t, h)

		h.store.FailNextApplies(2)
		require.NoError(t, h.p.Handle(context.Background(), milestone(h.node.Params(), 1)))
		assert.Equal(t, int64(3), h.store.ApplyCalls())
		assert.Equal(t, uint32(1), h.p.LastApplied())
	})

	t.Run("exhausted retries are fatal", func(t *testing.T) {
		h := newHarness(t, Options{SyncStartMilestone: 1, StorageWriteRetries: 3})
		bootstrapped(t, h)

		h.store.FailNextApplies(10)
		err := h.p.Handle(context.Background(), milestone(h.node.Params(), 1))
		require.ErrorIs(t, err, ErrStorageWriteFailed)
		assert.ErrorIs(t, err, memory.ErrInjected)
		assert.Equal(t, int64(4), h.store.ApplyCalls())
		assert.Equal(t, uint32(0), h.p.LastApplied())

		newest, err := h.store.NewestMilestone(context.Background())
		require.NoError(t, err)
		assert.Nil(t, newest)
	})
}

func TestBootstrap(t *testing.T) {
	seed := func(t *testing.T, h *harness, network string, stored ...uint32) {
		t.Helper()
		ctx := context.Background()
		require.NoError(t, h.store.SeedLedger(ctx, &ledger.UnspentSnapshot{
			LedgerIndex:        1,
			LedgerTimestamp:    baseTime,
			ProtocolParameters: h.node.Params(),
		}, ledger.ApplicationState{StartingIndex: 1, StartingTimestamp: baseTime, NetworkName: network}))
		for _, i := range stored {
			require.NoError(t, h.store.ApplyMilestone(ctx, milestone(h.node.Params(), i)))
		}
	}

	t.Run("resumes after newest stored milestone", func(t *testing.T) {
		h := newHarness(t, Options{SyncStartMilestone: 1})
		seed(t, h, "testnet", 1, 2, 3)
		h.node.AddMilestone(milestone(h.node.Params(), 5))

		start, err := h.p.Bootstrap(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(4), start)
		assert.Equal(t, uint32(3), h.p.LastApplied())
		assert.Equal(t, StateBootstrapping, h.p.State())
	})

	t.Run("empty database starts past pruning index", func(t *testing.T) {
		h := newHarness(t, Options{SyncStartMilestone: 1})
		h.node.SetPruningIndex(9)
		h.node.AddMilestone(milestone(h.node.Params(), 20))

		start, err := h.p.Bootstrap(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint32(10), start)
		assert.Equal(t, uint32(10), h.p.StartingIndex())

		st, err := h.store.ApplicationState(context.Background())
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "testnet", st.NetworkName)
	})

	cases := []struct {
		name    string
		network string
		stored  []uint32
		pruning uint32
		tip     uint32
		wantErr error
	}{
		{name: "network changed", network: "othernet", stored: []uint32{1}, tip: 1, wantErr: ErrNetworkChanged},
		{name: "history pruned past storage", network: "testnet", stored: []uint32{1, 2, 3}, pruning: 5, tip: 10, wantErr: ErrMilestoneGap},
		{name: "node behind storage", network: "testnet", stored: []uint32{1, 2, 3, 4, 5, 6, 7, 8}, tip: 5, wantErr: ErrIndexMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{SyncStartMilestone: 1})
			seed(t, h, tc.network, tc.stored...)
			h.node.SetPruningIndex(tc.pruning)
			h.node.AddMilestone(milestone(h.node.Params(), tc.tip))

			_, err := h.p.Bootstrap(context.Background())
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCatchUpAnalytics(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	ctx := context.Background()
	params := h.node.Params()
	require.NoError(t, h.store.SeedLedger(ctx, &ledger.UnspentSnapshot{LedgerIndex: 1, LedgerTimestamp: baseTime, ProtocolParameters: params},
		ledger.ApplicationState{StartingIndex: 1, StartingTimestamp: baseTime, NetworkName: "testnet"}))
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, h.store.ApplyMilestone(ctx, milestone(params, i)))
		h.node.AddMilestone(milestone(params, i))
	}
	require.NoError(t, h.store.RecordAnalyticsIndex(ctx, 1))

	bootstrapped(t, h)
	require.NoError(t, h.p.CatchUpAnalytics(ctx))

	assert.Equal(t, 2*len(analytics.MilestoneKinds), h.store.RecordCount())
	st, err := h.store.ApplicationState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st.AnalyticsIndex)
}

func TestOnConnState(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1})
	bootstrapped(t, h)

	h.p.OnConnState(upstream.ConnDegraded)
	assert.Equal(t, StateBootstrapping, h.p.State(), "only a live pipeline degrades")

	h.p.setState(StateLive)
	assert.True(t, h.p.Healthy())

	h.p.OnConnState(upstream.ConnDegraded)
	assert.Equal(t, StateDegraded, h.p.State())
	assert.False(t, h.p.Healthy())

	h.p.OnConnState(upstream.ConnConnected)
	assert.Equal(t, StateLive, h.p.State())
	assert.True(t, h.p.Healthy())

	// retries used up on the first dial after history sync
	h.p.OnConnState(upstream.ConnConnecting)
	assert.Equal(t, StateLive, h.p.State())
	h.p.OnConnState(upstream.ConnFailed)
	assert.Equal(t, StateDegraded, h.p.State())
	assert.False(t, h.p.Healthy())
}

func TestRun_SyncsHistoryThenFollowsStream(t *testing.T) {
	h := newHarness(t, Options{SyncStartMilestone: 1000})
	params := h.node.Params()
	h.node.SetPruningIndex(999)
	for i := uint32(1000); i <= 1005; i++ {
		h.node.AddMilestone(milestone(params, i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	for i := uint32(1006); i <= 1010; i++ {
		h.source.ch <- milestone(params, i)
	}
	require.Eventually(t, func() bool { return h.p.LastApplied() == 1010 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateLive, h.p.State())
	assert.True(t, h.p.Healthy())
	assert.Equal(t, uint32(1000), h.p.StartingIndex())
	assert.Equal(t, 11*len(analytics.MilestoneKinds), h.store.RecordCount())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	// recomputing a stored milestone overwrites with the same value
	before, err := h.store.Record(context.Background(), analytics.MilestoneKinds[0], 1005)
	require.NoError(t, err)
	recs, err := analytics.New(zap.NewNop(), h.store, h.store).Compute(context.Background(), analytics.MilestoneKinds[:1], 1005)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, string(before.Value), string(recs[0].Value))
	assert.Equal(t, 11*len(analytics.MilestoneKinds), h.store.RecordCount())
}
