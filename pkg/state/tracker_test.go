package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	failures int64
	calls    atomic.Int64
	status   upstream.NodeStatus
}

func (f *fakeFetcher) Status(context.Context) (*upstream.NodeStatus, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("connection refused")
	}
	s := f.status
	return &s, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func params(network string) ledger.ProtocolParameters {
	return ledger.ProtocolParameters{Version: 2, NetworkName: network, TokenSupply: 100}
}

func TestTracker_FetchInitialState(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := &fakeFetcher{failures: 2, status: upstream.NodeStatus{
		NetworkName:        "testnet",
		ConfirmedMilestone: upstream.MilestoneRef{Index: 1010, Timestamp: ts},
		ProtocolParameters: params("testnet"),
	}}
	tr := NewTracker(zap.NewNop(), f, 3, time.Second).WithWait(noWait)

	got, err := tr.FetchInitialState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1010), got.MilestoneIndex)
	assert.True(t, ts.Equal(got.MilestoneTimestamp))
	assert.Equal(t, got, tr.Current())
	assert.Equal(t, "testnet", tr.Status().NetworkName)
	assert.Equal(t, int64(3), f.calls.Load())
}

func TestTracker_FetchInitialStateUnavailable(t *testing.T) {
	f := &fakeFetcher{failures: 100}
	tr := NewTracker(zap.NewNop(), f, 3, 5*time.Second).WithWait(noWait)

	_, err := tr.FetchInitialState(context.Background())
	assert.ErrorIs(t, err, upstream.ErrUpstreamUnavailable)
	assert.Equal(t, int64(3), f.calls.Load())
	assert.Nil(t, tr.Status())
}

func TestTracker_OnMilestoneConfirmed(t *testing.T) {
	tr := NewTracker(zap.NewNop(), &fakeFetcher{}, 1, 0)

	tests := []struct {
		name      string
		event     *ledger.MilestoneEvent
		wantIndex uint32
		wantNet   string
	}{
		{name: "newer replaces", event: &ledger.MilestoneEvent{Index: 5, ProtocolParameters: params("a")}, wantIndex: 5, wantNet: "a"},
		{name: "older ignored", event: &ledger.MilestoneEvent{Index: 3, ProtocolParameters: params("b")}, wantIndex: 5, wantNet: "a"},
		{name: "equal ignored", event: &ledger.MilestoneEvent{Index: 5, ProtocolParameters: params("c")}, wantIndex: 5, wantNet: "a"},
		{name: "missing params keep previous", event: &ledger.MilestoneEvent{Index: 6}, wantIndex: 6, wantNet: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.OnMilestoneConfirmed(tt.event)
			assert.Equal(t, tt.wantIndex, got.MilestoneIndex)
			assert.Equal(t, tt.wantNet, got.ProtocolParameters.NetworkName)
			assert.Equal(t, got, tr.Current())
		})
	}
}

func TestTracker_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	tr := NewTracker(zap.NewNop(), &fakeFetcher{}, 1, 0)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var torn atomic.Int64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s := tr.Current()
				// Each snapshot carries a timestamp derived from its own index.
				if s.MilestoneIndex != 0 && s.MilestoneTimestamp.Unix() != int64(s.MilestoneIndex) {
					torn.Add(1)
				}
			}
		}()
	}

	for i := uint32(1); i <= 2000; i++ {
		tr.OnMilestoneConfirmed(&ledger.MilestoneEvent{Index: i, Timestamp: time.Unix(int64(i), 0)})
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, torn.Load())
	assert.Equal(t, uint32(2000), tr.Current().MilestoneIndex)
}
