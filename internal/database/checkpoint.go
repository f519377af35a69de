package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReadCheckpoint returns the last processed change version, or 0 when no
// checkpoint has been written yet
func (db *DB) ReadCheckpoint(ctx context.Context) (int64, error) {
	var version int64
	err := db.QueryRowContext(ctx, `SELECT last_version FROM sync_state WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return version, nil
}

// WriteCheckpoint stores version, creating the row if needed. A version at
// or below the stored one leaves the row unchanged.
func (db *DB) WriteCheckpoint(ctx context.Context, version int64) error {
	query := `
		INSERT INTO sync_state (id, last_version, updated_at)
		VALUES (1, $1, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE
		SET last_version = GREATEST(sync_state.last_version, EXCLUDED.last_version),
		    updated_at = CURRENT_TIMESTAMP
	`
	if _, err := db.ExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("failed to write checkpoint %d: %w", version, err)
	}
	return nil
}
