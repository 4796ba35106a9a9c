package upstream

import (
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
)

// MilestoneRef identifies a milestone known to the node.
type MilestoneRef struct {
	Index       uint32    `json:"index"`
	MilestoneID string    `json:"milestoneId"`
	Timestamp   time.Time `json:"timestamp"`
}

// NodeStatus is the node's view of the ledger.
type NodeStatus struct {
	IsHealthy          bool                      `json:"isHealthy"`
	NetworkName        string                    `json:"networkName"`
	LatestMilestone    MilestoneRef              `json:"latestMilestone"`
	ConfirmedMilestone MilestoneRef              `json:"confirmedMilestone"`
	PruningIndex       uint32                    `json:"pruningIndex"`
	LedgerIndex        uint32                    `json:"ledgerIndex"`
	ProtocolParameters ledger.ProtocolParameters `json:"protocolParameters"`
}

// LedgerState converts the status into the tracked ledger snapshot.
func (s NodeStatus) LedgerState() ledger.State {
	return ledger.State{
		MilestoneIndex:     s.ConfirmedMilestone.Index,
		MilestoneTimestamp: s.ConfirmedMilestone.Timestamp.UTC(),
		ProtocolParameters: s.ProtocolParameters,
	}
}
