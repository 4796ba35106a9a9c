package records

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind names an analytics measurement.
type Kind string

const (
	KindAddressBalance       Kind = "address_balance"
	KindBaseTokenActivity    Kind = "base_token_activity"
	KindMilestoneActivity    Kind = "milestone_activity"
	KindActiveAddresses      Kind = "active_addresses"
	KindLedgerOutputs        Kind = "ledger_outputs"
	KindLedgerSize           Kind = "ledger_size"
	KindOutputActivity       Kind = "output_activity"
	KindProtocolParameters   Kind = "protocol_parameters"
	KindTransactionSize      Kind = "transaction_size"
	KindUnclaimedTokens      Kind = "unclaimed_tokens"
	KindUnlockConditions     Kind = "unlock_conditions"
	KindDailyActiveAddresses Kind = "daily_active_addresses"
	KindInputOutputDegree    Kind = "input_output_degree"
)

// ParseKinds parses a list of kind names. Unknown names are an error.
func ParseKinds(names []string, known []Kind) ([]Kind, error) {
	allowed := make(map[Kind]struct{}, len(known))
	for _, k := range known {
		allowed[k] = struct{}{}
	}
	out := make([]Kind, 0, len(names))
	seen := make(map[Kind]struct{}, len(names))
	for _, n := range names {
		k := Kind(strings.ToLower(strings.TrimSpace(n)))
		if _, ok := allowed[k]; !ok {
			return nil, fmt.Errorf("unknown analytics kind %q", n)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}

// Record is a per-milestone analytics value, keyed by (Kind, MilestoneIndex).
type Record struct {
	Kind               Kind            `json:"kind" ch:"kind"`
	MilestoneIndex     uint32          `json:"milestoneIndex" ch:"milestone_index"`
	MilestoneTimestamp time.Time       `json:"milestoneTimestamp" ch:"milestone_timestamp"`
	Value              json.RawMessage `json:"value" ch:"value"`
}

// IntervalRecord is a time-bucketed analytics value, keyed by (Kind, Interval, BucketStart).
type IntervalRecord struct {
	Kind        Kind            `json:"kind" ch:"kind"`
	Interval    Interval        `json:"interval" ch:"bucket_interval"`
	BucketStart time.Time       `json:"bucketStart" ch:"bucket_start"`
	BucketEnd   time.Time       `json:"bucketEnd" ch:"bucket_end"`
	Value       json.RawMessage `json:"value" ch:"value"`
}
