package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPClient reads the node REST API. Requests share one rate limit and fail
// over across endpoints; an endpoint that keeps failing is skipped until its
// breaker cools down.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	limiter   *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*breaker

	breakerFailures int
	breakerCooldown time.Duration
}

var _ Client = (*HTTPClient)(nil)

type Opts struct {
	Endpoints       []string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

func NewHTTPWithOpts(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 2 * o.RPS
	}
	if o.Timeout <= 0 {
		// unspent snapshots are large
		o.Timeout = 2 * time.Minute
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPClient{
		endpoints:       utils.Dedup(o.Endpoints),
		client:          client,
		limiter:         rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		breakers:        map[string]*breaker{},
		breakerFailures: o.BreakerFailures,
		breakerCooldown: o.BreakerCooldown,
	}
}

// Endpoints returns the deduplicated base URLs.
func (c *HTTPClient) Endpoints() []string {
	return c.endpoints
}

// breaker counts consecutive failures of one endpoint.
type breaker struct {
	failures  int
	openUntil time.Time
}

func (c *HTTPClient) available(ep string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.breakers[ep]
	if b == nil || b.openUntil.IsZero() {
		return true
	}
	if now.Before(b.openUntil) {
		return false
	}
	// half open: one more failure opens it again
	b.openUntil = time.Time{}
	b.failures = c.breakerFailures - 1
	return true
}

func (c *HTTPClient) record(ep string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.breakers[ep]
	if b == nil {
		b = &breaker{}
		c.breakers[ep] = b
	}
	if ok {
		*b = breaker{}
		return
	}
	b.failures++
	if b.failures >= c.breakerFailures {
		b.openUntil = time.Now().Add(c.breakerCooldown)
	}
}

// getJSON fetches path from the first available endpoint and decodes the
// body into out. Transport failures and 5xx responses move on to the next
// endpoint and surface as ErrUpstreamUnavailable. A 404 is ErrNotFound.
func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrUpstreamUnavailable)
	}

	var lastErr error
	for _, ep := range c.endpoints {
		if !c.available(ep, time.Now()) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.get(ctx, ep, path, out)
		switch {
		case err == nil:
			c.record(ep, true)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrNotFound):
			// the endpoint is healthy, it just lacks the data
			c.record(ep, true)
		case errors.Is(err, ErrUpstreamUnavailable):
			c.record(ep, false)
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all endpoints open", ErrUpstreamUnavailable)
	}
	return lastErr
}

func (c *HTTPClient) get(ctx context.Context, ep, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = release(resp.Body) }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server %d", ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("http %d from %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Status returns the node status.
func (c *HTTPClient) Status(ctx context.Context) (*NodeStatus, error) {
	var status NodeStatus
	if err := c.getJSON(ctx, statusPath, &status); err != nil {
		return nil, fmt.Errorf("node status: %w", err)
	}
	return &status, nil
}

// Milestone fetches the ledger updates of a confirmed milestone.
func (c *HTTPClient) Milestone(ctx context.Context, index uint32) (*ledger.MilestoneEvent, error) {
	var event ledger.MilestoneEvent
	if err := c.getJSON(ctx, milestonePath(index), &event); err != nil {
		return nil, fmt.Errorf("milestone %d: %w", index, err)
	}
	if event.Index != index {
		return nil, fmt.Errorf("milestone %d: node returned index %d", index, event.Index)
	}
	normalizeEvent(&event)
	return &event, nil
}

// UnspentOutputs fetches the node's unspent ledger snapshot.
func (c *HTTPClient) UnspentOutputs(ctx context.Context) (*ledger.UnspentSnapshot, error) {
	var snapshot ledger.UnspentSnapshot
	if err := c.getJSON(ctx, unspentPath, &snapshot); err != nil {
		return nil, fmt.Errorf("unspent outputs: %w", err)
	}
	snapshot.LedgerTimestamp = snapshot.LedgerTimestamp.UTC()
	for i := range snapshot.Outputs {
		snapshot.Outputs[i].Booked.MilestoneTimestamp = snapshot.Outputs[i].Booked.MilestoneTimestamp.UTC()
	}
	return &snapshot, nil
}

// IsNotFound reports whether err means the node does not have the requested data.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// normalizeEvent pins every timestamp to UTC and replaces nil slices.
func normalizeEvent(e *ledger.MilestoneEvent) {
	e.Timestamp = e.Timestamp.UTC()
	if e.Created == nil {
		e.Created = []ledger.Output{}
	}
	if e.Consumed == nil {
		e.Consumed = []ledger.Spent{}
	}
	for i := range e.Created {
		e.Created[i].Booked.MilestoneTimestamp = e.Created[i].Booked.MilestoneTimestamp.UTC()
	}
	for i := range e.Consumed {
		e.Consumed[i].Output.Booked.MilestoneTimestamp = e.Consumed[i].Output.Booked.MilestoneTimestamp.UTC()
		e.Consumed[i].Spent.MilestoneTimestamp = e.Consumed[i].Spent.MilestoneTimestamp.UTC()
	}
}

// release reads what is left of body so the transport can reuse the
// connection, then closes it.
func release(body io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
