// Package app wires configuration into the long-lived handles shared by the
// binaries: logger, database, Kafka producer and Redis status store.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/extract"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/queue"
	"github.com/smukkama/airquality-pipeline/internal/status"
	"github.com/smukkama/airquality-pipeline/internal/syncer"
	"github.com/smukkama/airquality-pipeline/migrations"
	"github.com/smukkama/airquality-pipeline/pkg/config"
)

// Logger builds the process logger from cfg and installs it as default
func Logger(cfg *config.Config, component string) zerolog.Logger {
	logger := logctx.NewConfiguredLogger(cfg.Log.Level, cfg.Log.Format == "console").
		With().Str("component", component).Logger()
	logctx.SetDefaultLogger(logger)
	return logger
}

// OpenDatabase connects and, when enabled, bootstraps the schema
func OpenDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Connect(ctx, cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}

	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// OpenRedis returns a connected client, or nil when Redis is not configured
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Pipeline holds the handles an orchestrator was built from
type Pipeline struct {
	DB           *database.DB
	Orchestrator *syncer.Orchestrator
	Producer     *queue.Producer
	Redis        *redis.Client
}

// NewPipeline builds an orchestrator over db, attaching the Kafka publisher
// and Redis reporter when they are configured
func NewPipeline(ctx context.Context, cfg *config.Config, db *database.DB) (*Pipeline, error) {
	logger := logctx.FromContext(ctx)
	p := &Pipeline{DB: db}

	var opts []syncer.Option
	if cfg.Kafka.Enabled() {
		p.Producer = queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSummaries)
		opts = append(opts, syncer.WithPublisher(p.Producer))
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.TopicSummaries).Msg("summary publishing enabled")
	}

	client, err := OpenRedis(ctx, cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	if client != nil {
		p.Redis = client
		opts = append(opts, syncer.WithReporter(status.NewStore(client)))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("pass status reporting enabled")
	}

	p.Orchestrator = syncer.NewOrchestrator(db, extract.NewExtractor(db), db, opts...)
	return p, nil
}

// Close releases the Kafka producer and Redis client. The database is owned
// by the caller.
func (p *Pipeline) Close() {
	if p.Producer != nil {
		p.Producer.Close()
	}
	if p.Redis != nil {
		p.Redis.Close()
	}
}
