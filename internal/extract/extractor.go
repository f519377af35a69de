// Package extract pulls the change set for one sync pass from the change
// feed, clamping expired baselines to the feed's retention floor.
package extract

import (
	"context"
	"fmt"

	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/metrics"
)

// Feed is the query surface of a versioned change feed
type Feed interface {
	CurrentVersion(ctx context.Context) (int64, error)
	MinValidVersion(ctx context.Context) (int64, error)
	ChangesBetween(ctx context.Context, since, through int64) ([]database.ChangeEvent, error)
}

// Batch is the result of one Collect call
type Batch struct {
	// CurrentVersion is the feed version captured before the pull; the
	// checkpoint may advance to it and no further.
	CurrentVersion int64
	Requested      int64
	// Floor is the exclusive lower bound actually queried.
	Floor   int64
	Clamped bool
	Events  []database.ChangeEvent
}

// Extractor resolves the lower bound for a pass and pulls its change set
type Extractor struct {
	feed Feed
}

// NewExtractor creates an extractor over feed
func NewExtractor(feed Feed) *Extractor {
	return &Extractor{feed: feed}
}

// Collect returns the insert/update events with version above lastVersion,
// paired with the feed's current version read before the pull. Changes
// committed after that read are left for the next pass.
func (e *Extractor) Collect(ctx context.Context, lastVersion int64) (Batch, error) {
	batch := Batch{Requested: lastVersion, Floor: lastVersion}

	current, err := e.feed.CurrentVersion(ctx)
	if err != nil {
		return batch, fmt.Errorf("failed to get current version: %w", err)
	}
	batch.CurrentVersion = current

	minValid, err := e.feed.MinValidVersion(ctx)
	if err != nil {
		return batch, fmt.Errorf("failed to get min valid version: %w", err)
	}

	if lastVersion < minValid {
		batch.Floor = minValid
		batch.Clamped = true

		metrics.BaselineClamps.Inc()
		metrics.SkippedVersions.Add(float64(minValid - lastVersion))

		logger := logctx.FromContext(ctx)
		logger.Warn().
			Int64("requested_version", lastVersion).
			Int64("min_valid_version", minValid).
			Int64("skipped_versions", minValid-lastVersion).
			Msg("checkpoint is older than change feed retention; changes in the gap are lost")
	}

	// Readings are netted inside (floor, current]; a later update to the
	// same reading is left for the next pass.
	changes, err := e.feed.ChangesBetween(ctx, batch.Floor, batch.CurrentVersion)
	if err != nil {
		return batch, fmt.Errorf("failed to get changes in (%d, %d]: %w", batch.Floor, batch.CurrentVersion, err)
	}

	events := make([]database.ChangeEvent, 0, len(changes))
	for _, ev := range changes {
		// Versions above current committed after it was read; the next
		// pass owns them.
		if ev.Version <= batch.Floor || ev.Version > batch.CurrentVersion {
			continue
		}
		if ev.Operation != database.OperationInsert && ev.Operation != database.OperationUpdate {
			continue
		}
		events = append(events, ev)
	}
	batch.Events = events

	return batch, nil
}
