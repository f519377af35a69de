package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertSummary appends a summary record, assigning its ID if unset
func (db *DB) InsertSummary(ctx context.Context, rec *SummaryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO reading_summaries (
			id, window_start, window_end, avg_aqi, max_pm25, min_o3, record_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := db.QueryRowContext(
		ctx,
		query,
		rec.ID,
		rec.WindowStart,
		rec.WindowEnd,
		rec.AvgAQI,
		rec.MaxPM25,
		rec.MinO3,
		rec.RecordCount,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

// RecentSummaries returns up to limit summaries, newest first
func (db *DB) RecentSummaries(ctx context.Context, limit int) ([]*SummaryRecord, error) {
	query := `
		SELECT id, window_start, window_end, avg_aqi, max_pm25, min_o3, record_count, created_at
		FROM reading_summaries
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*SummaryRecord
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read summaries: %w", err)
	}
	return summaries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*SummaryRecord, error) {
	var s SummaryRecord
	if err := row.Scan(
		&s.ID,
		&s.WindowStart,
		&s.WindowEnd,
		&s.AvgAQI,
		&s.MaxPM25,
		&s.MinO3,
		&s.RecordCount,
		&s.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan summary: %w", err)
	}
	return &s, nil
}
