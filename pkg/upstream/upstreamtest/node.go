// Package upstreamtest provides an in-process node serving the HTTP and
// websocket API consumed by the upstream package.
package upstreamtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Node is a fake ledger node. Milestones added with AddMilestone are served
// over HTTP; milestones passed to Push are delivered on the live stream.
type Node struct {
	srv *httptest.Server

	mu         sync.Mutex
	network    string
	params     ledger.ProtocolParameters
	pruning    uint32
	milestones map[uint32]*ledger.MilestoneEvent
	latest     ledger.MilestoneEvent
	unspent    *ledger.UnspentSnapshot
	conns      map[*websocket.Conn]struct{}

	stream      chan *ledger.MilestoneEvent
	refuse      atomic.Bool
	statusCalls atomic.Int64
	fetches     atomic.Int64
	streamConns atomic.Int64
}

// NewNode starts a node for network. Close it when done.
func NewNode(network string) *Node {
	n := &Node{
		network:    network,
		params:     ledger.ProtocolParameters{Version: 2, NetworkName: network, Bech32HRP: "tst", TokenSupply: 1_000_000_000},
		milestones: map[uint32]*ledger.MilestoneEvent{},
		conns:      map[*websocket.Conn]struct{}{},
		stream:     make(chan *ledger.MilestoneEvent, 1024),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/core/v1/status", n.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/core/v1/milestones/stream", n.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/api/core/v1/milestones/{index}/ledger-updates", n.handleMilestone).Methods(http.MethodGet)
	router.HandleFunc("/api/core/v1/ledger/unspent", n.handleUnspent).Methods(http.MethodGet)

	n.srv = httptest.NewServer(router)
	return n
}

// URL is the node's HTTP base URL.
func (n *Node) URL() string { return n.srv.URL }

// Handler serves the node API without the listener, for wrapping in tests.
func (n *Node) Handler() http.Handler { return n.srv.Config.Handler }

func (n *Node) Close() {
	n.DropStreams()
	n.srv.Close()
}

// Params returns the protocol parameters the node announces.
func (n *Node) Params() ledger.ProtocolParameters {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params
}

// SetPruningIndex sets the highest pruned milestone.
func (n *Node) SetPruningIndex(index uint32) {
	n.mu.Lock()
	n.pruning = index
	n.mu.Unlock()
}

// SetUnspent sets the snapshot served by the unspent endpoint.
func (n *Node) SetUnspent(snapshot *ledger.UnspentSnapshot) {
	n.mu.Lock()
	n.unspent = snapshot
	n.mu.Unlock()
}

// AddMilestone makes a milestone fetchable and advances the confirmed tip.
func (n *Node) AddMilestone(event *ledger.MilestoneEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.milestones[event.Index] = event
	if event.Index >= n.latest.Index {
		n.latest = *event
	}
}

// Push queues a milestone on the live stream. Queued milestones are written
// to whichever stream connection is open.
func (n *Node) Push(event *ledger.MilestoneEvent) {
	n.stream <- event
}

// RefuseStreams makes the stream endpoint reject upgrades.
func (n *Node) RefuseStreams(refuse bool) { n.refuse.Store(refuse) }

// DropStreams closes every open stream connection.
func (n *Node) DropStreams() {
	n.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (n *Node) StatusCalls() int64 { return n.statusCalls.Load() }
func (n *Node) Fetches() int64     { return n.fetches.Load() }
func (n *Node) StreamConns() int64 { return n.streamConns.Load() }

type statusRef struct {
	Index       uint32    `json:"index"`
	MilestoneID string    `json:"milestoneId"`
	Timestamp   time.Time `json:"timestamp"`
}

func (n *Node) handleStatus(w http.ResponseWriter, _ *http.Request) {
	n.statusCalls.Add(1)
	n.mu.Lock()
	ref := statusRef{Index: n.latest.Index, MilestoneID: n.latest.MilestoneID, Timestamp: n.latest.Timestamp}
	ledgerIndex := n.latest.Index
	if n.unspent != nil && n.unspent.LedgerIndex > ledgerIndex {
		ledgerIndex = n.unspent.LedgerIndex
	}
	body := map[string]any{
		"isHealthy":          true,
		"networkName":        n.network,
		"latestMilestone":    ref,
		"confirmedMilestone": ref,
		"pruningIndex":       n.pruning,
		"ledgerIndex":        ledgerIndex,
		"protocolParameters": n.params,
	}
	n.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (n *Node) handleMilestone(w http.ResponseWriter, r *http.Request) {
	n.fetches.Add(1)
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	n.mu.Lock()
	event, ok := n.milestones[uint32(index)]
	n.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("milestone %d not found", index)})
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (n *Node) handleUnspent(w http.ResponseWriter, _ *http.Request) {
	n.mu.Lock()
	snapshot := n.unspent
	n.mu.Unlock()
	if snapshot == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (n *Node) handleStream(w http.ResponseWriter, r *http.Request) {
	if n.refuse.Load() {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n.streamConns.Add(1)

	n.mu.Lock()
	n.conns[conn] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	// Detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event := <-n.stream:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
