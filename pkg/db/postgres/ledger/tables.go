package ledger

import "context"

// initMilestones creates the milestones table. A row is the commit marker of
// an applied milestone and is written last in its transaction.
func (db *DB) initMilestones(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS milestones (
			milestone_index BIGINT PRIMARY KEY,
			milestone_id TEXT NOT NULL,
			milestone_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			created_count INTEGER NOT NULL DEFAULT 0,
			consumed_count INTEGER NOT NULL DEFAULT 0,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_milestones_timestamp ON milestones(milestone_timestamp);
	`

	return db.Exec(ctx, query)
}

// initOutputs creates the outputs table. Spent columns stay NULL until the output is consumed.
func (db *DB) initOutputs(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS outputs (
			output_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL DEFAULT 0,
			storage_deposit BIGINT NOT NULL DEFAULT 0,
			data_bytes INTEGER NOT NULL DEFAULT 0,
			transaction_id TEXT NOT NULL DEFAULT '',
			has_timelock BOOLEAN NOT NULL DEFAULT FALSE,
			has_expiration BOOLEAN NOT NULL DEFAULT FALSE,
			has_storage_return BOOLEAN NOT NULL DEFAULT FALSE,
			storage_return_amount BIGINT NOT NULL DEFAULT 0,
			booked_index BIGINT NOT NULL,
			booked_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			spent_index BIGINT,
			spent_timestamp TIMESTAMP WITH TIME ZONE,
			spending_transaction_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_outputs_booked_index ON outputs(booked_index);
		CREATE INDEX IF NOT EXISTS idx_outputs_spent_index ON outputs(spent_index);
		CREATE INDEX IF NOT EXISTS idx_outputs_booked_timestamp ON outputs(booked_timestamp);
		CREATE INDEX IF NOT EXISTS idx_outputs_spent_timestamp ON outputs(spent_timestamp);
		CREATE INDEX IF NOT EXISTS idx_outputs_address ON outputs(address);
	`

	return db.Exec(ctx, query)
}

// initProtocolUpdates creates the protocol_updates table: one row per parameter change.
func (db *DB) initProtocolUpdates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS protocol_updates (
			milestone_index BIGINT PRIMARY KEY,
			version SMALLINT NOT NULL,
			network_name TEXT NOT NULL,
			bech32_hrp TEXT NOT NULL DEFAULT '',
			token_supply BIGINT NOT NULL DEFAULT 0,
			raw JSONB
		)
	`

	return db.Exec(ctx, query)
}

// initApplicationState creates the single-row application_state table.
func (db *DB) initApplicationState(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS application_state (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			starting_index BIGINT NOT NULL DEFAULT 0,
			starting_timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			analytics_index BIGINT NOT NULL DEFAULT 0,
			network_name TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`

	return db.Exec(ctx, query)
}
