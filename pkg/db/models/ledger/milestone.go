package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolParameters is the versioned parameter blob announced by the node.
// Only the fields the analytics read are decoded; Raw keeps the full payload.
type ProtocolParameters struct {
	Version     uint8           `json:"version"`
	NetworkName string          `json:"networkName"`
	Bech32HRP   string          `json:"bech32Hrp"`
	TokenSupply uint64          `json:"tokenSupply"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Equal compares the decoded fields and the raw payload.
func (p ProtocolParameters) Equal(o ProtocolParameters) bool {
	return p.Version == o.Version &&
		p.NetworkName == o.NetworkName &&
		p.Bech32HRP == o.Bech32HRP &&
		p.TokenSupply == o.TokenSupply &&
		string(p.Raw) == string(o.Raw)
}

// State is the latest confirmed ledger snapshot.
type State struct {
	MilestoneIndex     uint32             `json:"milestoneIndex"`
	MilestoneTimestamp time.Time          `json:"milestoneTimestamp"`
	ProtocolParameters ProtocolParameters `json:"protocolParameters"`
}

// MilestoneEvent is one confirmed milestone with its ledger mutations.
type MilestoneEvent struct {
	Index              uint32             `json:"index"`
	MilestoneID        string             `json:"milestoneId"`
	Timestamp          time.Time          `json:"timestamp"`
	ProtocolParameters ProtocolParameters `json:"protocolParameters"`
	Created            []Output           `json:"created"`
	Consumed           []Spent            `json:"consumed"`
}

// At returns the milestone marker of the event.
func (e *MilestoneEvent) At() MilestoneAt {
	return MilestoneAt{MilestoneIndex: e.Index, MilestoneTimestamp: e.Timestamp}
}

// Validate checks that every mutation belongs to this milestone.
func (e *MilestoneEvent) Validate() error {
	for _, o := range e.Created {
		if o.OutputID == "" {
			return fmt.Errorf("milestone %d: created output without id", e.Index)
		}
		if o.Booked.MilestoneIndex != e.Index {
			return fmt.Errorf("milestone %d: output %s booked at %d", e.Index, o.OutputID, o.Booked.MilestoneIndex)
		}
	}
	for _, s := range e.Consumed {
		if s.Output.OutputID == "" {
			return fmt.Errorf("milestone %d: consumed output without id", e.Index)
		}
		if s.Spent.MilestoneIndex != e.Index {
			return fmt.Errorf("milestone %d: output %s spent at %d", e.Index, s.Output.OutputID, s.Spent.MilestoneIndex)
		}
	}
	return nil
}

// Milestone is the stored milestone header.
type Milestone struct {
	Index         uint32    `json:"index"`
	MilestoneID   string    `json:"milestoneId"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedCount  int       `json:"createdCount"`
	ConsumedCount int       `json:"consumedCount"`
}

// UnspentSnapshot is the node's unspent ledger at LedgerIndex, used to seed an
// empty database.
type UnspentSnapshot struct {
	LedgerIndex        uint32             `json:"ledgerIndex"`
	LedgerTimestamp    time.Time          `json:"ledgerTimestamp"`
	ProtocolParameters ProtocolParameters `json:"protocolParameters"`
	Outputs            []Output           `json:"outputs"`
}

// SyncGap is a half-open range [Start, End) of milestones missing from storage.
type SyncGap struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Len is the number of missing milestones.
func (g SyncGap) Len() uint32 {
	if g.End <= g.Start {
		return 0
	}
	return g.End - g.Start
}

func (g SyncGap) String() string {
	return fmt.Sprintf("[%d, %d)", g.Start, g.End)
}

// ApplicationState is the single persisted bookkeeping row.
type ApplicationState struct {
	StartingIndex     uint32    `json:"startingIndex"`
	StartingTimestamp time.Time `json:"startingTimestamp"`
	AnalyticsIndex    uint32    `json:"analyticsIndex"`
	NetworkName       string    `json:"networkName"`
}
