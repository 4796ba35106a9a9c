package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	// Milestones are issued every few seconds; a silent socket for this long is dead.
	defaultReadTimeout = 2 * time.Minute
)

// WSDialer opens the node's milestone stream over a websocket.
type WSDialer struct {
	URL         string
	ReadTimeout time.Duration
	Header      http.Header
	dialer      *websocket.Dialer
}

var _ Dialer = (*WSDialer)(nil)

// NewWSDialer derives the stream URL from the node's HTTP base URL.
func NewWSDialer(baseURL string) (*WSDialer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	u.Path += streamPath

	return &WSDialer{
		URL:         u.String(),
		ReadTimeout: defaultReadTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
	}, nil
}

// Dial performs one connection attempt.
func (d *WSDialer) Dial(ctx context.Context) (Stream, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return &wsStream{conn: conn, readTimeout: d.ReadTimeout}, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

// Read blocks for the next milestone. Cancelling ctx unblocks it by expiring the read deadline.
func (s *wsStream) Read(ctx context.Context) (*ledger.MilestoneEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Time{}
	if s.readTimeout > 0 {
		deadline = time.Now().Add(s.readTimeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var event ledger.MilestoneEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	normalizeEvent(&event)
	return &event, nil
}

func (s *wsStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
