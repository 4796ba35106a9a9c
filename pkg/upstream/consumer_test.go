package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errRefused = errors.New("connection refused")

// fakeStream replays reads, then returns err forever.
type fakeStream struct {
	mu     sync.Mutex
	reads  []readResult
	closed atomic.Bool
}

type readResult struct {
	event *ledger.MilestoneEvent
	err   error
}

func (s *fakeStream) Read(ctx context.Context) (*ledger.MilestoneEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return nil, errors.New("stream closed by peer")
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	return r.event, r.err
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeDialer hands out streams in order; a nil entry is a refused dial.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	calls   atomic.Int64
}

func (d *fakeDialer) Dial(ctx context.Context) (Stream, error) {
	d.calls.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil, errRefused
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	if s == nil {
		return nil, errRefused
	}
	return s, nil
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitRecorder) wait(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	w.waits = append(w.waits, d)
	w.mu.Unlock()
	return nil
}

func milestone(index uint32) *ledger.MilestoneEvent {
	return &ledger.MilestoneEvent{Index: index, MilestoneID: "ms", Timestamp: time.Unix(int64(index), 0).UTC()}
}

func TestConsumer_ConnectExhaustsAfterThirdAttempt(t *testing.T) {
	dialer := &fakeDialer{}
	waits := &waitRecorder{}
	var states []ConnState

	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{
		RetryCount:    3,
		RetryInterval: 5 * time.Second,
		Wait:          waits.wait,
		Observer:      func(s ConnState) { states = append(states, s) },
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionExhausted)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, int64(3), dialer.calls.Load(), "no fourth attempt")
	assert.Equal(t, int64(3), c.Dials())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, waits.waits)
	assert.Equal(t, []ConnState{ConnConnecting, ConnFailed}, states)
	assert.Equal(t, ConnFailed, c.State())
}

func TestConsumer_RetryCountBounds(t *testing.T) {
	tests := []struct {
		name      string
		count     int
		wantDials int64
	}{
		{name: "zero is a single attempt", count: 0, wantDials: 1},
		{name: "one", count: 1, wantDials: 1},
		{name: "five", count: 5, wantDials: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			waits := &waitRecorder{}
			c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{RetryCount: tt.count, RetryInterval: time.Second, Wait: waits.wait})

			err := c.Connect(context.Background())
			assert.ErrorIs(t, err, ErrConnectionExhausted)
			assert.Equal(t, tt.wantDials, dialer.calls.Load())
			assert.Len(t, waits.waits, int(tt.wantDials-1))
		})
	}
}

func TestConsumer_ConnectSucceedsWithinBudget(t *testing.T) {
	stream := &fakeStream{reads: []readResult{{event: milestone(7)}}}
	dialer := &fakeDialer{streams: []*fakeStream{nil, nil, stream}}
	waits := &waitRecorder{}
	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{RetryCount: 3, RetryInterval: 5 * time.Second, Wait: waits.wait})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, ConnConnected, c.State())

	event, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), event.Index)
}

func TestConsumer_NextReconnectsAndResumesAtTip(t *testing.T) {
	first := &fakeStream{reads: []readResult{{event: milestone(1)}, {event: milestone(2)}}}
	second := &fakeStream{reads: []readResult{{event: milestone(9)}}}
	dialer := &fakeDialer{streams: []*fakeStream{first, nil, second}}
	waits := &waitRecorder{}
	var states []ConnState
	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{
		RetryCount:    3,
		RetryInterval: time.Second,
		Wait:          waits.wait,
		Observer:      func(s ConnState) { states = append(states, s) },
	})
	require.NoError(t, c.Connect(context.Background()))

	var got []uint32
	for i := 0; i < 3; i++ {
		event, err := c.Next(context.Background())
		require.NoError(t, err)
		got = append(got, event.Index)
	}

	assert.Equal(t, []uint32{1, 2, 9}, got)
	assert.True(t, first.closed.Load())
	assert.Equal(t, []ConnState{ConnConnecting, ConnConnected, ConnDegraded, ConnConnected}, states)
	assert.Equal(t, int64(3), dialer.calls.Load())
}

func TestConsumer_NextFailsWhenReconnectExhausted(t *testing.T) {
	first := &fakeStream{reads: []readResult{{event: milestone(1)}}}
	dialer := &fakeDialer{streams: []*fakeStream{first}}
	c := NewConsumer(zap.NewNop(), dialer, ConsumerOpts{RetryCount: 2, RetryInterval: time.Second, Wait: (&waitRecorder{}).wait})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Next(context.Background())
	require.NoError(t, err)

	_, err = c.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionExhausted)
	assert.Equal(t, int64(3), dialer.calls.Load())
	assert.Equal(t, ConnFailed, c.State())
}

func TestConsumer_SkipsMalformedMessages(t *testing.T) {
	stream := &fakeStream{reads: []readResult{
		{err: ErrMalformedEvent},
		{event: milestone(4)},
	}}
	c := NewConsumer(zap.NewNop(), &fakeDialer{streams: []*fakeStream{stream}}, ConsumerOpts{RetryCount: 1})
	require.NoError(t, c.Connect(context.Background()))

	event, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4), event.Index)
	assert.False(t, stream.closed.Load())
}

func TestConsumer_NextHonoursCancellation(t *testing.T) {
	c := NewConsumer(zap.NewNop(), &fakeDialer{}, ConsumerOpts{RetryCount: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
