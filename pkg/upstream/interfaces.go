package upstream

import (
	"context"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
)

// Client is the request/response side of the node API used for bootstrap and historical fetches.
type Client interface {
	Status(ctx context.Context) (*NodeStatus, error)
	// Milestone fetches the full mutation set of a confirmed milestone.
	Milestone(ctx context.Context, index uint32) (*ledger.MilestoneEvent, error)
	// UnspentOutputs fetches the node's current unspent ledger.
	UnspentOutputs(ctx context.Context) (*ledger.UnspentSnapshot, error)
}

// Stream is one live connection delivering milestones.
type Stream interface {
	Read(ctx context.Context) (*ledger.MilestoneEvent, error)
	Close() error
}

// Dialer opens live streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// EventSource is the ordered, lazily produced milestone sequence consumed by the sync pipeline.
type EventSource interface {
	Next(ctx context.Context) (*ledger.MilestoneEvent, error)
	Close() error
}
