package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/go-jose/go-jose/v4/json"
)

// IntervalActiveAddresses is the distinct address count over a bucket.
type IntervalActiveAddresses struct {
	Count uint64 `json:"count"`
}

func (e *Engine) activeAddressesBetween(ctx context.Context, start, end time.Time) (any, error) {
	n, err := e.ledger.ActiveAddresses(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return IntervalActiveAddresses{Count: n}, nil
}

// IntervalBaseTokenActivity sums the per-milestone base token records of a bucket.
type IntervalBaseTokenActivity struct {
	BaseTokenActivity
	Milestones int `json:"milestones"`
}

func (e *Engine) baseTokenActivityBetween(ctx context.Context, start, end time.Time) (any, error) {
	recs, err := e.store.RecordsBetween(ctx, records.KindBaseTokenActivity, start, end)
	if err != nil {
		return nil, err
	}
	var sum IntervalBaseTokenActivity
	for _, r := range recs {
		var v BaseTokenActivity
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, fmt.Errorf("decode record at %d: %w", r.MilestoneIndex, err)
		}
		sum.BookedAmount += v.BookedAmount
		sum.TransferredAmount += v.TransferredAmount
		sum.Milestones++
	}
	return sum, nil
}
