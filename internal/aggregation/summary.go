// Package aggregation reduces a pass's change events into one summary record.
package aggregation

import (
	"github.com/smukkama/airquality-pipeline/internal/database"
)

// Summarize reduces the readings carried by events into one summary record.
// It reports false for an empty event set; callers must not persist a
// zero-row summary. Every event counts, including repeated stations.
func Summarize(events []database.ChangeEvent) (database.SummaryRecord, bool) {
	if len(events) == 0 {
		return database.SummaryRecord{}, false
	}

	first := events[0].Reading
	rec := database.SummaryRecord{
		WindowStart: first.RecordedAt,
		WindowEnd:   first.RecordedAt,
		MaxPM25:     first.PM25,
		MinO3:       first.O3,
		RecordCount: len(events),
	}

	var aqiSum float64
	for _, ev := range events {
		r := ev.Reading
		aqiSum += float64(r.AQI)

		if r.PM25 > rec.MaxPM25 {
			rec.MaxPM25 = r.PM25
		}
		if r.O3 < rec.MinO3 {
			rec.MinO3 = r.O3
		}
		if r.RecordedAt.Before(rec.WindowStart) {
			rec.WindowStart = r.RecordedAt
		}
		if r.RecordedAt.After(rec.WindowEnd) {
			rec.WindowEnd = r.RecordedAt
		}
	}
	rec.AvgAQI = aqiSum / float64(len(events))

	return rec, true
}
