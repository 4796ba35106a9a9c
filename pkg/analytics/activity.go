package analytics

import (
	"slices"

	"github.com/canopy-network/permanode/pkg/db/models/ledger"
)

// transaction is the part of one milestone's mutations that shares a transaction id.
type transaction struct {
	id       string
	consumed []ledger.Spent
	created  []ledger.Output
}

// groupTransactions splits the mutations of a milestone by transaction, ordered by id.
// Outputs without a transaction id (genesis, migrations) form a group with an empty id.
func groupTransactions(event *ledger.MilestoneEvent) []transaction {
	byID := make(map[string]*transaction)
	get := func(id string) *transaction {
		tx, ok := byID[id]
		if !ok {
			tx = &transaction{id: id}
			byID[id] = tx
		}
		return tx
	}
	for _, o := range event.Created {
		tx := get(o.TransactionID)
		tx.created = append(tx.created, o)
	}
	for _, s := range event.Consumed {
		tx := get(s.SpendingTransactionID)
		tx.consumed = append(tx.consumed, s)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byID[id])
	}
	return out
}

// BaseTokenActivity tracks token movement between addresses. Booked counts
// every token sent to an address; transferred leaves out tokens returned to
// the address they came from.
type BaseTokenActivity struct {
	BookedAmount      uint64 `json:"booked_amount"`
	TransferredAmount uint64 `json:"transferred_amount"`
}

func measureBaseTokenActivity(event *ledger.MilestoneEvent) any {
	var m BaseTokenActivity
	for _, tx := range groupTransactions(event) {
		deltas := make(map[string]int64)
		for _, o := range tx.created {
			if o.Address == "" {
				continue
			}
			deltas[o.Address] += int64(o.Amount)
			m.BookedAmount += o.Amount
		}
		for _, s := range tx.consumed {
			if s.Output.Address == "" {
				continue
			}
			deltas[s.Output.Address] -= int64(s.Output.Amount)
		}
		for _, d := range deltas {
			if d > 0 {
				m.TransferredAmount += uint64(d)
			}
		}
	}
	return m
}

// MilestoneActivity summarizes the size of a milestone's mutation set.
type MilestoneActivity struct {
	CreatedCount     int    `json:"created_count"`
	ConsumedCount    int    `json:"consumed_count"`
	CreatedAmount    uint64 `json:"created_amount"`
	ConsumedAmount   uint64 `json:"consumed_amount"`
	TransactionCount int    `json:"transaction_count"`
}

func measureMilestoneActivity(event *ledger.MilestoneEvent) any {
	m := MilestoneActivity{
		CreatedCount:  len(event.Created),
		ConsumedCount: len(event.Consumed),
	}
	for _, o := range event.Created {
		m.CreatedAmount += o.Amount
	}
	for _, s := range event.Consumed {
		m.ConsumedAmount += s.Output.Amount
	}
	for _, tx := range groupTransactions(event) {
		if tx.id != "" {
			m.TransactionCount++
		}
	}
	return m
}

// ActiveAddresses counts distinct addresses that received or spent an output.
type ActiveAddresses struct {
	Count int `json:"count"`
}

func measureActiveAddresses(event *ledger.MilestoneEvent) any {
	seen := make(map[string]struct{})
	for _, o := range event.Created {
		if o.Address != "" {
			seen[o.Address] = struct{}{}
		}
	}
	for _, s := range event.Consumed {
		if s.Output.Address != "" {
			seen[s.Output.Address] = struct{}{}
		}
	}
	return ActiveAddresses{Count: len(seen)}
}

// TransitionCount counts how outputs of one kind moved through transactions.
// An output of the kind on both sides of a transaction is a transition; the
// surplus on the created side is new, the surplus on the consumed side is gone.
type TransitionCount struct {
	Created     int `json:"created"`
	Transferred int `json:"transferred"`
	Destroyed   int `json:"destroyed"`
}

// OutputActivity tracks the stateful output kinds.
type OutputActivity struct {
	Alias   TransitionCount `json:"alias"`
	NFT     TransitionCount `json:"nft"`
	Foundry TransitionCount `json:"foundry"`
}

func measureOutputActivity(event *ledger.MilestoneEvent) any {
	var m OutputActivity
	for _, tx := range groupTransactions(event) {
		in := make(map[ledger.OutputKind]int)
		out := make(map[ledger.OutputKind]int)
		for _, s := range tx.consumed {
			in[s.Output.Kind]++
		}
		for _, o := range tx.created {
			out[o.Kind]++
		}
		countTransitions(&m.Alias, in[ledger.OutputKindAlias], out[ledger.OutputKindAlias])
		countTransitions(&m.NFT, in[ledger.OutputKindNFT], out[ledger.OutputKindNFT])
		countTransitions(&m.Foundry, in[ledger.OutputKindFoundry], out[ledger.OutputKindFoundry])
	}
	return m
}

func countTransitions(c *TransitionCount, consumed, created int) {
	kept := min(consumed, created)
	c.Transferred += kept
	c.Created += created - kept
	c.Destroyed += consumed - kept
}

// SizeBucket is the number of transactions with a given input or output count.
type SizeBucket struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

// TransactionSize holds input and output count histograms. Counts 0 to 7 have
// their own bucket; larger ones fall into small, medium, large and huge.
type TransactionSize struct {
	InputBuckets  []SizeBucket `json:"input_buckets"`
	OutputBuckets []SizeBucket `json:"output_buckets"`
}

var sizeBucketNames = []string{"0", "1", "2", "3", "4", "5", "6", "7", "small", "medium", "large", "huge"}

func sizeBucket(n int) int {
	switch {
	case n <= 7:
		return n
	case n < 16:
		return 8
	case n < 32:
		return 9
	case n < 64:
		return 10
	default:
		return 11
	}
}

func newSizeBuckets() []SizeBucket {
	out := make([]SizeBucket, len(sizeBucketNames))
	for i, name := range sizeBucketNames {
		out[i] = SizeBucket{Bucket: name}
	}
	return out
}

func measureTransactionSize(event *ledger.MilestoneEvent) any {
	m := TransactionSize{
		InputBuckets:  newSizeBuckets(),
		OutputBuckets: newSizeBuckets(),
	}
	for _, tx := range groupTransactions(event) {
		if tx.id == "" {
			continue
		}
		m.InputBuckets[sizeBucket(len(tx.consumed))].Count++
		m.OutputBuckets[sizeBucket(len(tx.created))].Count++
	}
	return m
}

// DegreeShare is the fraction of transactions with exactly Degree inputs or outputs.
type DegreeShare struct {
	Degree int     `json:"degree"`
	Share  float64 `json:"share"`
}

// InputOutputDegree is the distribution of input and output counts over the
// transactions of a milestone, ordered by degree.
type InputOutputDegree struct {
	Transactions int           `json:"transactions"`
	Inputs       []DegreeShare `json:"inputs"`
	Outputs      []DegreeShare `json:"outputs"`
}

func measureInputOutputDegree(event *ledger.MilestoneEvent) any {
	inputs := make(map[int]int)
	outputs := make(map[int]int)
	var total int
	for _, tx := range groupTransactions(event) {
		if tx.id == "" {
			continue
		}
		inputs[len(tx.consumed)]++
		outputs[len(tx.created)]++
		total++
	}
	return InputOutputDegree{
		Transactions: total,
		Inputs:       degreeShares(inputs, total),
		Outputs:      degreeShares(outputs, total),
	}
}

func degreeShares(counts map[int]int, total int) []DegreeShare {
	degrees := make([]int, 0, len(counts))
	for d := range counts {
		degrees = append(degrees, d)
	}
	slices.Sort(degrees)

	out := make([]DegreeShare, 0, len(degrees))
	for _, d := range degrees {
		out = append(out, DegreeShare{Degree: d, Share: float64(counts[d]) / float64(total)})
	}
	return out
}

// ProtocolParametersValue is the parameter set in force at the milestone.
type ProtocolParametersValue struct {
	Version     uint8  `json:"version"`
	NetworkName string `json:"network_name"`
	Bech32HRP   string `json:"bech32_hrp"`
	TokenSupply uint64 `json:"token_supply"`
}

func measureProtocolParameters(event *ledger.MilestoneEvent) any {
	p := event.ProtocolParameters
	return ProtocolParametersValue{
		Version:     p.Version,
		NetworkName: p.NetworkName,
		Bech32HRP:   p.Bech32HRP,
		TokenSupply: p.TokenSupply,
	}
}
