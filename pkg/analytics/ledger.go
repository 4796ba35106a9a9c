package analytics

import (
	"github.com/canopy-network/permanode/pkg/db/models/ledger"
)

// outputIDBytes is the binary length of an output id, the key of every ledger entry.
const outputIDBytes = 34

// CountAmount is a number of outputs and the tokens they hold.
type CountAmount struct {
	Count  int    `json:"count"`
	Amount uint64 `json:"amount"`
}

func (c *CountAmount) add(amount uint64) {
	c.Count++
	c.Amount += amount
}

// AddressBalance counts addresses holding tokens. TokenDistribution[i] covers
// balances in [10^i, 10^(i+1)); the number of buckets follows the token supply.
type AddressBalance struct {
	AddressWithBalanceCount int           `json:"address_with_balance_count"`
	TokenDistribution       []CountAmount `json:"token_distribution"`
}

type addressBalance struct {
	supply   uint64
	balances map[string]uint64
}

func newAddressBalance(p ledger.ProtocolParameters) accumulator {
	return &addressBalance{supply: p.TokenSupply, balances: make(map[string]uint64)}
}

func (a *addressBalance) add(rec ledger.OutputRecord) {
	if rec.Address == "" {
		return
	}
	a.balances[rec.Address] += rec.Amount
}

func (a *addressBalance) value() any {
	buckets := 1
	if a.supply > 0 {
		buckets = ilog10(a.supply) + 1
	}
	m := AddressBalance{TokenDistribution: make([]CountAmount, buckets)}
	for _, balance := range a.balances {
		if balance == 0 {
			continue
		}
		m.AddressWithBalanceCount++
		i := ilog10(balance)
		for i >= len(m.TokenDistribution) {
			m.TokenDistribution = append(m.TokenDistribution, CountAmount{})
		}
		m.TokenDistribution[i].add(balance)
	}
	return m
}

// ilog10 is floor(log10(n)) for n > 0.
func ilog10(n uint64) int {
	i := 0
	for n >= 10 {
		n /= 10
		i++
	}
	return i
}

// LedgerOutputs is the unspent ledger broken down by output kind.
type LedgerOutputs struct {
	Alias    CountAmount `json:"alias"`
	Basic    CountAmount `json:"basic"`
	Foundry  CountAmount `json:"foundry"`
	NFT      CountAmount `json:"nft"`
	Treasury CountAmount `json:"treasury"`
}

type ledgerOutputs struct {
	m LedgerOutputs
}

func newLedgerOutputs(ledger.ProtocolParameters) accumulator {
	return &ledgerOutputs{}
}

func (l *ledgerOutputs) add(rec ledger.OutputRecord) {
	switch rec.Kind {
	case ledger.OutputKindAlias:
		l.m.Alias.add(rec.Amount)
	case ledger.OutputKindBasic:
		l.m.Basic.add(rec.Amount)
	case ledger.OutputKindFoundry:
		l.m.Foundry.add(rec.Amount)
	case ledger.OutputKindNFT:
		l.m.NFT.add(rec.Amount)
	case ledger.OutputKindTreasury:
		l.m.Treasury.add(rec.Amount)
	}
}

func (l *ledgerOutputs) value() any {
	return l.m
}

// LedgerSize is the storage footprint of the unspent ledger.
type LedgerSize struct {
	OutputCount              int    `json:"output_count"`
	TotalStorageDepositValue uint64 `json:"total_storage_deposit_value"`
	TotalKeyBytes            uint64 `json:"total_key_bytes"`
	TotalDataBytes           uint64 `json:"total_data_bytes"`
}

type ledgerSize struct {
	m LedgerSize
}

func newLedgerSize(ledger.ProtocolParameters) accumulator {
	return &ledgerSize{}
}

func (l *ledgerSize) add(rec ledger.OutputRecord) {
	l.m.OutputCount++
	l.m.TotalStorageDepositValue += rec.StorageDeposit
	l.m.TotalKeyBytes += outputIDBytes
	l.m.TotalDataBytes += uint64(rec.DataBytes)
}

func (l *ledgerSize) value() any {
	return l.m
}

// UnclaimedTokens are the genesis outputs nobody has spent yet.
type UnclaimedTokens struct {
	UnclaimedCount  int    `json:"unclaimed_count"`
	UnclaimedAmount uint64 `json:"unclaimed_amount"`
}

type unclaimedTokens struct {
	m UnclaimedTokens
}

func newUnclaimedTokens(ledger.ProtocolParameters) accumulator {
	return &unclaimedTokens{}
}

func (u *unclaimedTokens) add(rec ledger.OutputRecord) {
	if rec.Booked.MilestoneIndex != 0 {
		return
	}
	u.m.UnclaimedCount++
	u.m.UnclaimedAmount += rec.Amount
}

func (u *unclaimedTokens) value() any {
	return u.m
}

// UnlockConditions counts unspent outputs carrying each tracked condition.
type UnlockConditions struct {
	Timelock                        CountAmount `json:"timelock"`
	Expiration                      CountAmount `json:"expiration"`
	StorageDepositReturn            CountAmount `json:"storage_deposit_return"`
	StorageDepositReturnInnerAmount uint64      `json:"storage_deposit_return_inner_amount"`
}

type unlockConditions struct {
	m UnlockConditions
}

func newUnlockConditions(ledger.ProtocolParameters) accumulator {
	return &unlockConditions{}
}

func (u *unlockConditions) add(rec ledger.OutputRecord) {
	uc := rec.Unlock
	if uc.Timelock {
		u.m.Timelock.add(rec.Amount)
	}
	if uc.Expiration {
		u.m.Expiration.add(rec.Amount)
	}
	if uc.StorageDepositReturn {
		u.m.StorageDepositReturn.add(rec.Amount)
		u.m.StorageDepositReturnInnerAmount += uc.StorageDepositReturnAmount
	}
}

func (u *unlockConditions) value() any {
	return u.m
}
