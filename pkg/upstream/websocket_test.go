package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWSDialer_URL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://node:14265", want: "ws://node:14265/api/core/v1/milestones/stream"},
		{base: "https://node.example/", want: "wss://node.example/api/core/v1/milestones/stream"},
		{base: "ftp://node", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			d, err := NewWSDialer(tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.URL)
		})
	}
}

func TestConsumer_OverWebsocket(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()

	dialer, err := NewWSDialer(node.URL())
	require.NoError(t, err)
	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{RetryCount: 3, RetryInterval: 10 * time.Millisecond})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	for i := uint32(1); i <= 3; i++ {
		node.Push(&ledger.MilestoneEvent{Index: i, MilestoneID: "ms", Timestamp: time.Unix(int64(i), 0)})
	}
	for i := uint32(1); i <= 3; i++ {
		event, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, event.Index)
	}
}

func TestConsumer_OverWebsocketRefused(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()
	node.RefuseStreams(true)

	dialer, err := NewWSDialer(node.URL())
	require.NoError(t, err)
	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{RetryCount: 3, RetryInterval: time.Millisecond})

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionExhausted)
	assert.Equal(t, int64(3), c.Dials())
	assert.Equal(t, int64(0), node.StreamConns())
}

func TestWSStream_ReadCancelled(t *testing.T) {
	node := upstreamtest.NewNode("testnet")
	defer node.Close()

	dialer, err := NewWSDialer(node.URL())
	require.NoError(t, err)
	stream, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
