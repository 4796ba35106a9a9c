package ledger

import (
	"context"
	"fmt"

	ledgermodels "github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/postgres"
)

const upsertStateSQL = `
	INSERT INTO application_state (id, starting_index, starting_timestamp, analytics_index, network_name, updated_at)
	VALUES (1, $1, $2, $3, $4, NOW())
	ON CONFLICT (id) DO UPDATE SET
		starting_index = EXCLUDED.starting_index,
		starting_timestamp = EXCLUDED.starting_timestamp,
		analytics_index = EXCLUDED.analytics_index,
		network_name = EXCLUDED.network_name,
		updated_at = NOW()
`

// ApplicationState returns the bookkeeping row, or nil before the ledger was seeded.
func (db *DB) ApplicationState(ctx context.Context) (*ledgermodels.ApplicationState, error) {
	query := `
		SELECT starting_index, starting_timestamp, analytics_index, network_name
		FROM application_state
		WHERE id = 1
	`

	var (
		state                  ledgermodels.ApplicationState
		startIndex, analyticsN int64
	)
	err := db.QueryRow(ctx, query).Scan(&startIndex, &state.StartingTimestamp, &analyticsN, &state.NetworkName)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query application state: %w", err)
	}
	state.StartingIndex = uint32(startIndex)
	state.AnalyticsIndex = uint32(analyticsN)
	state.StartingTimestamp = state.StartingTimestamp.UTC()
	return &state, nil
}

// RecordAnalyticsIndex advances the analytics watermark. It never moves backwards.
func (db *DB) RecordAnalyticsIndex(ctx context.Context, index uint32) error {
	query := `
		UPDATE application_state
		SET analytics_index = GREATEST(analytics_index, $1), updated_at = NOW()
		WHERE id = 1
	`

	if err := db.Exec(ctx, query, int64(index)); err != nil {
		return fmt.Errorf("record analytics index %d: %w", index, err)
	}
	return nil
}
