package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/retry"
	"go.uber.org/zap"
)

// ConnState is an advisory connection state of the live stream.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnConnected  ConnState = "connected"
	ConnDegraded   ConnState = "degraded"
	ConnFailed     ConnState = "failed"
)

// ConsumerOpts configures a Consumer.
type ConsumerOpts struct {
	// RetryCount is the number of dial attempts per (re)connection. Zero means one.
	RetryCount int
	// RetryInterval is the fixed wait between dial attempts.
	RetryInterval time.Duration
	// Observer receives every state transition. Optional; called on the consumer's goroutine.
	Observer func(ConnState)
	// Wait overrides the wait between attempts.
	Wait func(ctx context.Context, d time.Duration) error
}

// Consumer owns the live stream connection and presents it as an ordered
// milestone sequence. Reconnection is internal; after a reconnect delivery
// resumes at the node's current tip.
type Consumer struct {
	logger *zap.Logger
	dialer Dialer
	retry  retry.Config
	notify func(ConnState)

	mu     sync.Mutex
	stream Stream
	state  atomic.Value // ConnState
	dials  atomic.Int64
}

var _ EventSource = (*Consumer)(nil)

func NewConsumer(logger *zap.Logger, dialer Dialer, opts ConsumerOpts) *Consumer {
	cfg := retry.FixedConfig(opts.RetryCount, opts.RetryInterval)
	cfg.Wait = opts.Wait

	c := &Consumer{
		logger: logger.Named("upstream.consumer"),
		dialer: dialer,
		retry:  cfg,
		notify: opts.Observer,
	}
	c.state.Store(ConnState(""))
	return c
}

// State returns the last reported connection state.
func (c *Consumer) State() ConnState {
	return c.state.Load().(ConnState)
}

// Dials returns the number of dial attempts made so far.
func (c *Consumer) Dials() int64 {
	return c.dials.Load()
}

func (c *Consumer) setState(s ConnState) {
	prev := c.state.Swap(s)
	if prev == s {
		return
	}
	c.logger.Info("Upstream connection state changed",
		zap.String("from", string(prev.(ConnState))),
		zap.String("to", string(s)))
	if c.notify != nil {
		c.notify(s)
	}
}

// Connect establishes the stream within the retry budget.
func (c *Consumer) Connect(ctx context.Context) error {
	c.setState(ConnConnecting)
	return c.dial(ctx)
}

func (c *Consumer) dial(ctx context.Context) error {
	var stream Stream
	err := retry.WithBackoff(ctx, c.retry, c.logger, "upstream_stream_dial", func() error {
		c.dials.Add(1)
		s, err := c.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.setState(ConnFailed)
		return fmt.Errorf("%w: %w", ErrConnectionExhausted, err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	c.setState(ConnConnected)
	return nil
}

func (c *Consumer) current() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Consumer) drop() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}

// Next returns the next milestone. Malformed messages are logged and skipped;
// the pipeline repairs the hole from history. A lost connection is re-dialled
// with the same budget and ErrConnectionExhausted is returned when it runs out.
func (c *Consumer) Next(ctx context.Context) (*ledger.MilestoneEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream := c.current()
		if stream == nil {
			c.setState(ConnConnecting)
			if err := c.dial(ctx); err != nil {
				return nil, err
			}
			continue
		}

		event, err := stream.Read(ctx)
		if err == nil {
			return event, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrMalformedEvent) {
			c.logger.Warn("Skipping undecodable stream message", zap.Error(err))
			continue
		}

		c.logger.Warn("Upstream stream lost, reconnecting", zap.Error(err))
		c.drop()
		c.setState(ConnDegraded)
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}
}

// Close tears down the current connection.
func (c *Consumer) Close() error {
	c.drop()
	return nil
}
