package database

import (
	"context"
	"fmt"
	"math"
	"time"
)

// CurrentVersion returns the highest committed change version. Once every
// change has been purged it falls back to the retention floor.
func (db *DB) CurrentVersion(ctx context.Context) (int64, error) {
	query := `
		SELECT GREATEST(
			COALESCE((SELECT MAX(version) FROM reading_changes), 0),
			COALESCE((SELECT min_valid_version FROM change_feed_state WHERE id = 1), 0)
		)
	`

	var version int64
	if err := db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query current change version: %w", err)
	}
	return version, nil
}

// MinValidVersion returns the oldest baseline the feed can still answer for
func (db *DB) MinValidVersion(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE((SELECT min_valid_version FROM change_feed_state WHERE id = 1), 0)`

	var version int64
	if err := db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query min valid change version: %w", err)
	}
	return version, nil
}

// ChangesSince returns the net insert/update changes with version > since,
// one per reading, ordered by version. A reading inserted inside the range is
// reported as an insert even if it was updated afterwards. Deleted readings
// drop out through the join.
func (db *DB) ChangesSince(ctx context.Context, since int64) ([]ChangeEvent, error) {
	return db.ChangesBetween(ctx, since, math.MaxInt64)
}

// ChangesBetween is ChangesSince bounded above: only log rows with
// since < version <= through are netted, so a reading changed again after
// through is still reported at its last version inside the range.
func (db *DB) ChangesBetween(ctx context.Context, since, through int64) ([]ChangeEvent, error) {
	query := `
		SELECT c.version, c.operation,
		       r.id, r.station_id, r.recorded_at, r.pm25, r.pm10, r.o3, r.aqi
		FROM (
			SELECT reading_id,
			       MAX(version) AS version,
			       CASE WHEN BOOL_OR(operation = 'I') THEN 'I'
			            ELSE (ARRAY_AGG(operation ORDER BY version DESC))[1]
			       END AS operation
			FROM reading_changes
			WHERE version > $1 AND version <= $2
			GROUP BY reading_id
		) AS c
		INNER JOIN readings AS r ON r.id = c.reading_id
		WHERE c.operation IN ('I', 'U')
		ORDER BY c.version
	`

	rows, err := db.QueryContext(ctx, query, since, through)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes since %d: %w", since, err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var (
			ev ChangeEvent
			op string
		)
		if err := rows.Scan(
			&ev.Version,
			&op,
			&ev.Reading.ID,
			&ev.Reading.StationID,
			&ev.Reading.RecordedAt,
			&ev.Reading.PM25,
			&ev.Reading.PM10,
			&ev.Reading.O3,
			&ev.Reading.AQI,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ev.Operation = Operation(op)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return events, nil
}

// PurgeChanges deletes change log rows recorded before olderThan and raises
// the retention floor to the highest purged version. It returns the number
// of rows removed and the resulting floor.
func (db *DB) PurgeChanges(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	query := `
		WITH purged AS (
			DELETE FROM reading_changes
			WHERE changed_at < $1
			RETURNING version
		), raised AS (
			UPDATE change_feed_state
			SET min_valid_version = GREATEST(min_valid_version, COALESCE((SELECT MAX(version) FROM purged), 0))
			WHERE id = 1
			RETURNING min_valid_version
		)
		SELECT (SELECT COUNT(*) FROM purged),
		       COALESCE((SELECT min_valid_version FROM raised), 0)
	`

	var purged, minValid int64
	if err := db.QueryRowContext(ctx, query, olderThan).Scan(&purged, &minValid); err != nil {
		return 0, 0, fmt.Errorf("failed to purge change log: %w", err)
	}
	return purged, minValid, nil
}
