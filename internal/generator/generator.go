// Package generator produces synthetic station readings and appends them to
// the readings table.
package generator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/metrics"
)

// Value ranges for generated pollutants
const (
	minPM25, maxPM25 = 5.0, 120.0
	minPM10, maxPM10 = 10.0, 150.0
	minO3, maxO3     = 5.0, 120.0
)

// ReadingWriter appends readings to the source table
type ReadingWriter interface {
	InsertReadings(ctx context.Context, readings []database.Reading) error
}

// Generator writes batches of random readings
type Generator struct {
	writer       ReadingWriter
	batchSize    int
	stationCount int
	rng          *rand.Rand
	now          func() time.Time
}

// NewGenerator creates a generator writing batchSize readings spread over
// stationCount stations per batch
func NewGenerator(writer ReadingWriter, batchSize, stationCount int) *Generator {
	return &Generator{
		writer:       writer,
		batchSize:    batchSize,
		stationCount: stationCount,
		rng:          rand.New(rand.NewSource(rand.Int63())),
		now:          time.Now,
	}
}

// Batch builds one batch of readings. All readings in a batch share a
// recorded_at timestamp.
func (g *Generator) Batch() []database.Reading {
	now := g.now().UTC()
	readings := make([]database.Reading, g.batchSize)
	for i := range readings {
		pm25 := g.uniform(minPM25, maxPM25)
		pm10 := g.uniform(minPM10, maxPM10)
		o3 := g.uniform(minO3, maxO3)
		readings[i] = database.Reading{
			StationID:  fmt.Sprintf("station-%d", g.rng.Intn(g.stationCount)+1),
			RecordedAt: now,
			PM25:       pm25,
			PM10:       pm10,
			O3:         o3,
			AQI:        AQI(pm25, pm10, o3),
		}
	}
	return readings
}

// Run generates and writes one batch
func (g *Generator) Run(ctx context.Context) error {
	start := time.Now()
	readings := g.Batch()

	if err := g.writer.InsertReadings(ctx, readings); err != nil {
		metrics.GeneratorFailures.Inc()
		return fmt.Errorf("failed to insert air-quality readings: %w", err)
	}
	metrics.ReadingsGenerated.Add(float64(len(readings)))

	logger := logctx.FromContext(ctx)
	logger.Info().
		Int("readings", len(readings)).
		Int("stations", g.stationCount).
		Dur("duration", time.Since(start)).
		Msg("inserted air-quality readings")
	return nil
}

// AQI is the truncated integer mean of the three pollutant values
func AQI(pm25, pm10, o3 float64) int {
	return int((pm25 + pm10 + o3) / 3)
}

// uniform returns a value in [lo, hi] rounded to two decimals
func (g *Generator) uniform(lo, hi float64) float64 {
	v := lo + g.rng.Float64()*(hi-lo)
	return math.Round(v*100) / 100
}
