package ledger

import "time"

// OutputKind is the ledger entity type of an output.
type OutputKind string

const (
	OutputKindBasic    OutputKind = "basic"
	OutputKindAlias    OutputKind = "alias"
	OutputKindFoundry  OutputKind = "foundry"
	OutputKindNFT      OutputKind = "nft"
	OutputKindTreasury OutputKind = "treasury"
)

// OutputKinds lists every kind in a stable order.
var OutputKinds = []OutputKind{
	OutputKindAlias,
	OutputKindBasic,
	OutputKindFoundry,
	OutputKindNFT,
	OutputKindTreasury,
}

// MilestoneAt pins an event to a milestone.
type MilestoneAt struct {
	MilestoneIndex     uint32    `json:"milestoneIndex"`
	MilestoneTimestamp time.Time `json:"milestoneTimestamp"`
}

// UnlockConditions captures the conditions the analytics care about.
type UnlockConditions struct {
	Timelock                   bool   `json:"timelock,omitempty"`
	Expiration                 bool   `json:"expiration,omitempty"`
	StorageDepositReturn       bool   `json:"storageDepositReturn,omitempty"`
	StorageDepositReturnAmount uint64 `json:"storageDepositReturnAmount,omitempty"`
}

// Output is a created ledger entity.
type Output struct {
	OutputID       string           `json:"outputId"`
	Kind           OutputKind       `json:"kind"`
	Address        string           `json:"address"`
	Amount         uint64           `json:"amount"`
	StorageDeposit uint64           `json:"storageDeposit"`
	DataBytes      uint32           `json:"dataBytes"`
	TransactionID  string           `json:"transactionId"`
	Unlock         UnlockConditions `json:"unlockConditions"`
	Booked         MilestoneAt      `json:"booked"`
}

// Spent is a consumed ledger entity: the original output plus where it was spent.
type Spent struct {
	Output                Output      `json:"output"`
	SpendingTransactionID string      `json:"spendingTransactionId"`
	Spent                 MilestoneAt `json:"spent"`
}

// OutputRecord is an output as persisted, with its optional spend.
type OutputRecord struct {
	Output
	Spent *Spent `json:"spent,omitempty"`
}

// IsUnspentAt reports whether the output was part of the unspent ledger after
// milestone index was applied.
func (o OutputRecord) IsUnspentAt(index uint32) bool {
	if o.Booked.MilestoneIndex > index {
		return false
	}
	return o.Spent == nil || o.Spent.Spent.MilestoneIndex > index
}
