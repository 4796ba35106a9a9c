package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_StatusAndMilestone(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	node.AddMilestone(&ledger.MilestoneEvent{
		Index:       12,
		MilestoneID: "ms12",
		Timestamp:   ts,
		Created: []ledger.Output{{
			OutputID: "o1", Kind: ledger.OutputKindBasic, Address: "addr1", Amount: 10,
			Booked: ledger.MilestoneAt{MilestoneIndex: 12, MilestoneTimestamp: ts},
		}},
	})

	c := NewHTTPWithOpts(Opts{Endpoints: []string{node.URL() + "/"}})

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "testnet", status.NetworkName)
	assert.Equal(t, uint32(12), status.ConfirmedMilestone.Index)
	assert.Equal(t, uint32(12), status.LedgerState().MilestoneIndex)
	assert.True(t, ts.Equal(status.LedgerState().MilestoneTimestamp))

	event, err := c.Milestone(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, "ms12", event.MilestoneID)
	require.Len(t, event.Created, 1)
	assert.Equal(t, uint64(10), event.Created[0].Amount)
	assert.NotNil(t, event.Consumed)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
}

func TestHTTPClient_MissingMilestoneIsNotFound(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{node.URL()}})
	_, err := c.Milestone(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestHTTPClient_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}, BreakerFailures: 2, BreakerCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := c.Status(context.Background())
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	}
	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int64(2), hits.Load(), "open breaker skips the endpoint")
}

func TestHTTPClient_FailsOverToNextEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	node := upstreamtest.NewNode("failover")
	defer node.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{bad.URL, node.URL()}})
	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failover", status.NetworkName)
}

func TestHTTPClient_NoEndpoints(t *testing.T) {
	c := NewHTTPWithOpts(Opts{})
	_, err := c.Status(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPClient_NotFoundKeepsBreakerClosed(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}, BreakerFailures: 1, BreakerCooldown: time.Minute})
	for i := 0; i < 3; i++ {
		_, err := c.Milestone(context.Background(), 5)
		assert.True(t, IsNotFound(err))
	}
	assert.Equal(t, int64(3), hits.Load())
}

func TestHTTPClient_BreakerHalfOpensAfterCooldown(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	node := upstreamtest.NewNode("testnet")
	defer node.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		node.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{srv.URL}, BreakerFailures: 1, BreakerCooldown: 20 * time.Millisecond})
	_, err := c.Status(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable)

	fail.Store(false)
	_, err = c.Status(context.Background())
	require.ErrorIs(t, err, ErrUpstreamUnavailable, "still cooling down")

	time.Sleep(30 * time.Millisecond)
	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "testnet", status.NetworkName)
}

func TestHTTPClient_RateLimitHonoursContext(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()

	c := NewHTTPWithOpts(Opts{Endpoints: []string{node.URL()}, RPS: 1, Burst: 1})
	_, err := c.Status(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Status(ctx)
	assert.Error(t, err)
}
