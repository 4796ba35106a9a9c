package ledger

import (
	"context"
	"fmt"

	ledgermodels "github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/jackc/pgx/v5"
)

const upsertCreatedSQL = `
	INSERT INTO outputs (
		output_id, kind, address, amount, storage_deposit, data_bytes, transaction_id,
		has_timelock, has_expiration, has_storage_return, storage_return_amount,
		booked_index, booked_timestamp
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (output_id) DO UPDATE SET
		kind = EXCLUDED.kind,
		address = EXCLUDED.address,
		amount = EXCLUDED.amount,
		storage_deposit = EXCLUDED.storage_deposit,
		data_bytes = EXCLUDED.data_bytes,
		transaction_id = EXCLUDED.transaction_id,
		has_timelock = EXCLUDED.has_timelock,
		has_expiration = EXCLUDED.has_expiration,
		has_storage_return = EXCLUDED.has_storage_return,
		storage_return_amount = EXCLUDED.storage_return_amount,
		booked_index = EXCLUDED.booked_index,
		booked_timestamp = EXCLUDED.booked_timestamp
`

const upsertSpentSQL = `
	INSERT INTO outputs (
		output_id, kind, address, amount, storage_deposit, data_bytes, transaction_id,
		has_timelock, has_expiration, has_storage_return, storage_return_amount,
		booked_index, booked_timestamp,
		spent_index, spent_timestamp, spending_transaction_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (output_id) DO UPDATE SET
		spent_index = EXCLUDED.spent_index,
		spent_timestamp = EXCLUDED.spent_timestamp,
		spending_transaction_id = EXCLUDED.spending_transaction_id
`

// Inserts a parameter row only when it differs from the one in force.
const recordParamsSQL = `
	INSERT INTO protocol_updates (milestone_index, version, network_name, bech32_hrp, token_supply, raw)
	SELECT $1::bigint, $2::smallint, $3::text, $4::text, $5::bigint, $6::jsonb
	WHERE NOT EXISTS (
		SELECT 1 FROM (
			SELECT version, network_name, bech32_hrp, token_supply, raw
			FROM protocol_updates
			WHERE milestone_index <= $1
			ORDER BY milestone_index DESC
			LIMIT 1
		) cur
		WHERE cur.version = $2
		  AND cur.network_name = $3
		  AND cur.bech32_hrp = $4
		  AND cur.token_supply = $5
		  AND cur.raw IS NOT DISTINCT FROM $6::jsonb
	)
	ON CONFLICT (milestone_index) DO UPDATE SET
		version = EXCLUDED.version,
		network_name = EXCLUDED.network_name,
		bech32_hrp = EXCLUDED.bech32_hrp,
		token_supply = EXCLUDED.token_supply,
		raw = EXCLUDED.raw
`

const upsertMilestoneSQL = `
	INSERT INTO milestones (milestone_index, milestone_id, milestone_timestamp, created_count, consumed_count, applied_at)
	VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (milestone_index) DO UPDATE SET
		milestone_id = EXCLUDED.milestone_id,
		milestone_timestamp = EXCLUDED.milestone_timestamp,
		created_count = EXCLUDED.created_count,
		consumed_count = EXCLUDED.consumed_count,
		applied_at = NOW()
`

// ApplyMilestone writes one milestone in a single transaction. The milestone
// row goes last: its presence means every mutation of the milestone is stored.
func (db *DB) ApplyMilestone(ctx context.Context, event *ledgermodels.MilestoneEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	err := db.InTx(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, o := range event.Created {
			queueCreated(batch, o)
		}
		for _, s := range event.Consumed {
			queueSpent(batch, s)
		}
		queueParams(batch, event.Index, event.ProtocolParameters)
		batch.Queue(upsertMilestoneSQL,
			int64(event.Index),
			event.MilestoneID,
			event.Timestamp.UTC(),
			len(event.Created),
			len(event.Consumed),
		)
		return db.SendBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("apply milestone %d: %w", event.Index, err)
	}
	return nil
}

// SeedLedger stores the initial unspent snapshot and the application state atomically.
func (db *DB) SeedLedger(ctx context.Context, snapshot *ledgermodels.UnspentSnapshot, state ledgermodels.ApplicationState) error {
	err := db.InTx(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, o := range snapshot.Outputs {
			queueCreated(batch, o)
		}
		queueParams(batch, snapshot.LedgerIndex, snapshot.ProtocolParameters)
		batch.Queue(upsertStateSQL,
			int64(state.StartingIndex),
			state.StartingTimestamp.UTC(),
			int64(state.AnalyticsIndex),
			state.NetworkName,
		)
		return db.SendBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("seed ledger at %d: %w", snapshot.LedgerIndex, err)
	}
	return nil
}

func queueCreated(batch *pgx.Batch, o ledgermodels.Output) {
	batch.Queue(upsertCreatedSQL,
		o.OutputID,
		string(o.Kind),
		o.Address,
		int64(o.Amount),
		int64(o.StorageDeposit),
		int32(o.DataBytes),
		o.TransactionID,
		o.Unlock.Timelock,
		o.Unlock.Expiration,
		o.Unlock.StorageDepositReturn,
		int64(o.Unlock.StorageDepositReturnAmount),
		int64(o.Booked.MilestoneIndex),
		o.Booked.MilestoneTimestamp.UTC(),
	)
}

func queueSpent(batch *pgx.Batch, s ledgermodels.Spent) {
	o := s.Output
	batch.Queue(upsertSpentSQL,
		o.OutputID,
		string(o.Kind),
		o.Address,
		int64(o.Amount),
		int64(o.StorageDeposit),
		int32(o.DataBytes),
		o.TransactionID,
		o.Unlock.Timelock,
		o.Unlock.Expiration,
		o.Unlock.StorageDepositReturn,
		int64(o.Unlock.StorageDepositReturnAmount),
		int64(o.Booked.MilestoneIndex),
		o.Booked.MilestoneTimestamp.UTC(),
		int64(s.Spent.MilestoneIndex),
		s.Spent.MilestoneTimestamp.UTC(),
		s.SpendingTransactionID,
	)
}

func queueParams(batch *pgx.Batch, index uint32, p ledgermodels.ProtocolParameters) {
	var raw *string
	if len(p.Raw) > 0 {
		s := string(p.Raw)
		raw = &s
	}
	batch.Queue(recordParamsSQL,
		int64(index),
		int16(p.Version),
		p.NetworkName,
		p.Bech32HRP,
		int64(p.TokenSupply),
		raw,
	)
}
