package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	ledgermodels "github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const outputColumns = `
	output_id, kind, address, amount, storage_deposit, data_bytes, transaction_id,
	has_timelock, has_expiration, has_storage_return, storage_return_amount,
	booked_index, booked_timestamp, spent_index, spent_timestamp, spending_transaction_id
`

const milestoneColumns = `milestone_index, milestone_id, milestone_timestamp, created_count, consumed_count`

func scanOutput(row pgx.Row) (ledgermodels.OutputRecord, error) {
	var (
		rec                     ledgermodels.OutputRecord
		kind                    string
		amount, deposit, sdrAmt int64
		dataBytes               int32
		bookedIndex             int64
		spentIndex              *int64
		spentTimestamp          *time.Time
		spendingTx              *string
	)
	err := row.Scan(
		&rec.OutputID, &kind, &rec.Address, &amount, &deposit, &dataBytes, &rec.TransactionID,
		&rec.Unlock.Timelock, &rec.Unlock.Expiration, &rec.Unlock.StorageDepositReturn, &sdrAmt,
		&bookedIndex, &rec.Booked.MilestoneTimestamp, &spentIndex, &spentTimestamp, &spendingTx,
	)
	if err != nil {
		return rec, err
	}
	rec.Kind = ledgermodels.OutputKind(kind)
	rec.Amount = uint64(amount)
	rec.StorageDeposit = uint64(deposit)
	rec.DataBytes = uint32(dataBytes)
	rec.Unlock.StorageDepositReturnAmount = uint64(sdrAmt)
	rec.Booked.MilestoneIndex = uint32(bookedIndex)
	rec.Booked.MilestoneTimestamp = rec.Booked.MilestoneTimestamp.UTC()
	if spentIndex != nil {
		sp := &ledgermodels.Spent{Output: rec.Output}
		sp.Spent.MilestoneIndex = uint32(*spentIndex)
		if spentTimestamp != nil {
			sp.Spent.MilestoneTimestamp = spentTimestamp.UTC()
		}
		if spendingTx != nil {
			sp.SpendingTransactionID = *spendingTx
		}
		rec.Spent = sp
	}
	return rec, nil
}

func scanMilestone(row pgx.Row) (ledgermodels.Milestone, error) {
	var (
		m     ledgermodels.Milestone
		index int64
	)
	if err := row.Scan(&index, &m.MilestoneID, &m.Timestamp, &m.CreatedCount, &m.ConsumedCount); err != nil {
		return m, err
	}
	m.Index = uint32(index)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

// Output returns a single output by id.
func (db *DB) Output(ctx context.Context, outputID string) (*ledgermodels.OutputRecord, error) {
	query := `SELECT ` + outputColumns + ` FROM outputs WHERE output_id = $1`
	rec, err := scanOutput(db.QueryRow(ctx, query, outputID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("query output %s: %w", outputID, err)
	}
	return &rec, nil
}

// errNotFound aliases db.ErrNotFound; method receivers shadow the package name.
var errNotFound = db.ErrNotFound

func (db *DB) queryOutputs(ctx context.Context, query string, args ...any) ([]ledgermodels.OutputRecord, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledgermodels.OutputRecord, 0)
	for rows.Next() {
		rec, err := scanOutput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Milestone reassembles the mutation set of a stored milestone.
func (db *DB) Milestone(ctx context.Context, index uint32) (*ledgermodels.MilestoneEvent, error) {
	var event *ledgermodels.MilestoneEvent

	// One snapshot for header, outputs and parameters.
	err := db.InTx(ctx, func(ctx context.Context) error {
		header, err := scanMilestone(db.QueryRow(ctx,
			`SELECT `+milestoneColumns+` FROM milestones WHERE milestone_index = $1`, int64(index)))
		if err != nil {
			return err
		}
		event = &ledgermodels.MilestoneEvent{
			Index:       header.Index,
			MilestoneID: header.MilestoneID,
			Timestamp:   header.Timestamp,
			Created:     []ledgermodels.Output{},
			Consumed:    []ledgermodels.Spent{},
		}

		created, err := db.queryOutputs(ctx,
			`SELECT `+outputColumns+` FROM outputs WHERE booked_index = $1 ORDER BY output_id`, int64(index))
		if err != nil {
			return fmt.Errorf("created outputs: %w", err)
		}
		for _, rec := range created {
			event.Created = append(event.Created, rec.Output)
		}

		consumed, err := db.queryOutputs(ctx,
			`SELECT `+outputColumns+` FROM outputs WHERE spent_index = $1 ORDER BY output_id`, int64(index))
		if err != nil {
			return fmt.Errorf("consumed outputs: %w", err)
		}
		for _, rec := range consumed {
			event.Consumed = append(event.Consumed, *rec.Spent)
		}

		params, err := db.ProtocolParametersAt(ctx, index)
		if err != nil && !errors.Is(err, errNotFound) {
			return err
		}
		if params != nil {
			event.ProtocolParameters = *params
		}
		return nil
	})
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("query milestone %d: %w", index, err)
	}
	return event, nil
}

func (db *DB) queryMilestones(ctx context.Context, query string, args ...any) ([]ledgermodels.Milestone, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledgermodels.Milestone, 0)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Milestones lists headers in [from, to).
func (db *DB) Milestones(ctx context.Context, from, to uint32) ([]ledgermodels.Milestone, error) {
	query := `
		SELECT ` + milestoneColumns + `
		FROM milestones
		WHERE milestone_index >= $1 AND milestone_index < $2
		ORDER BY milestone_index
	`
	return db.queryMilestones(ctx, query, int64(from), int64(to))
}

// MilestonesBetween lists headers with timestamps in [from, to).
func (db *DB) MilestonesBetween(ctx context.Context, from, to time.Time) ([]ledgermodels.Milestone, error) {
	query := `
		SELECT ` + milestoneColumns + `
		FROM milestones
		WHERE milestone_timestamp >= $1 AND milestone_timestamp < $2
		ORDER BY milestone_index
	`
	return db.queryMilestones(ctx, query, from.UTC(), to.UTC())
}

func (db *DB) edgeMilestone(ctx context.Context, order string) (*ledgermodels.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones ORDER BY milestone_index ` + order + ` LIMIT 1`
	m, err := scanMilestone(db.QueryRow(ctx, query))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s milestone: %w", order, err)
	}
	return &m, nil
}

// OldestMilestone returns nil when nothing is stored.
func (db *DB) OldestMilestone(ctx context.Context) (*ledgermodels.Milestone, error) {
	return db.edgeMilestone(ctx, "ASC")
}

// NewestMilestone returns nil when nothing is stored.
func (db *DB) NewestMilestone(ctx context.Context) (*ledgermodels.Milestone, error) {
	return db.edgeMilestone(ctx, "DESC")
}

// FindGaps returns every hole between stored milestones as [start, end).
func (db *DB) FindGaps(ctx context.Context) ([]ledgermodels.SyncGap, error) {
	query := `
		SELECT prev_index + 1 AS gap_start, milestone_index AS gap_end
		FROM (
			SELECT
				milestone_index,
				LAG(milestone_index) OVER (ORDER BY milestone_index) AS prev_index
			FROM milestones
		) ordered
		WHERE prev_index IS NOT NULL AND milestone_index > prev_index + 1
		ORDER BY gap_start
	`
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find gaps: %w", err)
	}
	defer rows.Close()

	gaps := make([]ledgermodels.SyncGap, 0)
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		gaps = append(gaps, ledgermodels.SyncGap{Start: uint32(start), End: uint32(end)})
	}
	return gaps, rows.Err()
}

// ProtocolParametersAt returns the last parameter change at or before index.
func (db *DB) ProtocolParametersAt(ctx context.Context, index uint32) (*ledgermodels.ProtocolParameters, error) {
	query := `
		SELECT version, network_name, bech32_hrp, token_supply, raw
		FROM protocol_updates
		WHERE milestone_index <= $1
		ORDER BY milestone_index DESC
		LIMIT 1
	`
	var (
		p       ledgermodels.ProtocolParameters
		version int16
		supply  int64
		raw     []byte
	)
	err := db.QueryRow(ctx, query, int64(index)).Scan(&version, &p.NetworkName, &p.Bech32HRP, &supply, &raw)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("query protocol parameters at %d: %w", index, err)
	}
	p.Version = uint8(version)
	p.TokenSupply = uint64(supply)
	if len(raw) > 0 {
		p.Raw = raw
	}
	return &p, nil
}

// UnspentOutputsAt streams the unspent ledger right after index, ordered by output id.
func (db *DB) UnspentOutputsAt(ctx context.Context, index uint32, fn func(ledgermodels.OutputRecord) error) error {
	query := `
		SELECT ` + outputColumns + `
		FROM outputs
		WHERE booked_index <= $1 AND (spent_index IS NULL OR spent_index > $1)
		ORDER BY output_id
	`
	rows, err := db.Query(ctx, query, int64(index))
	if err != nil {
		return fmt.Errorf("query unspent outputs at %d: %w", index, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanOutput(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ActiveAddresses counts distinct addresses that received or spent an output in [from, to).
func (db *DB) ActiveAddresses(ctx context.Context, from, to time.Time) (uint64, error) {
	query := `
		SELECT COUNT(DISTINCT address) FROM (
			SELECT address FROM outputs
			WHERE address <> '' AND booked_timestamp >= $1 AND booked_timestamp < $2
			UNION
			SELECT address FROM outputs
			WHERE address <> '' AND spent_timestamp >= $1 AND spent_timestamp < $2
		) active
	`
	var count int64
	if err := db.QueryRow(ctx, query, from.UTC(), to.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active addresses: %w", err)
	}
	return uint64(count), nil
}
