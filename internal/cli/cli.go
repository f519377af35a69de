// Package cli implements the aqctl operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/smukkama/airquality-pipeline/internal/app"
	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/generator"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/queue"
	"github.com/smukkama/airquality-pipeline/internal/status"
	"github.com/smukkama/airquality-pipeline/migrations"
	"github.com/smukkama/airquality-pipeline/pkg/config"
)

// Run executes aqctl with args
func Run(ctx context.Context, args []string, out io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

type options struct {
	cfg     *config.Config
	timeout time.Duration
}

// NewRootCommand builds the aqctl command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "aqctl",
		Short:         "Operate the air-quality change capture pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			logger := app.Logger(cfg, "aqctl")
			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "bound on the whole command")

	root.AddCommand(
		newMigrateCommand(opts),
		newPassCommand(opts),
		newCheckpointCommand(opts),
		newSummariesCommand(opts),
		newStatusCommand(opts),
		newPurgeCommand(opts),
		newGenerateCommand(opts),
		newCreateTopicCommand(opts),
	)
	return root
}

// withDB runs fn with a connected database, bounded by --timeout
func (o *options) withDB(cmd *cobra.Command, fn func(ctx context.Context, db *database.DB) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	db, err := database.Connect(ctx, o.cfg.Database.ConnectionString())
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, db)
}

func newMigrateCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, change feed triggers and seed the checkpoint row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				if err := db.RunMigrations(ctx, migrations.FS); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newPassCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run one sync pass now",
		Long: "Run one sync pass now. Do not run this while the aggregator service is " +
			"active: concurrent passes summarize the same change range twice.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				pipeline, err := app.NewPipeline(ctx, o.cfg, db)
				if err != nil {
					return err
				}
				defer pipeline.Close()

				report, err := pipeline.Orchestrator.RunPass(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status.NewPassStatus(report))
			})
		},
	}
}

func newCheckpointCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Show the checkpoint and the change feed's version range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				last, err := db.ReadCheckpoint(ctx)
				if err != nil {
					return err
				}
				current, err := db.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				minValid, err := db.MinValidVersion(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"last_version":      last,
					"current_version":   current,
					"min_valid_version": minValid,
					"pending_versions":  max(current-last, 0),
					"baseline_expired":  last < minValid,
				})
			})
		},
	}
}

func newSummariesCommand(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "List the most recent summary records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				summaries, err := db.RecentSummaries(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summaries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of summaries to show")
	return cmd
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded pass and last successful pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()

			client, err := app.OpenRedis(ctx, o.cfg)
			if err != nil {
				return err
			}
			if client == nil {
				return fmt.Errorf("REDIS_ADDR is not set; pass status is not recorded")
			}
			defer client.Close()

			store := status.NewStore(client)
			last, err := store.LastPass(ctx)
			if err != nil {
				return err
			}
			success, err := store.LastSuccess(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]*status.PassStatus{
				"last_pass":    last,
				"last_success": success,
			})
		},
	}
}

func newPurgeCommand(o *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-changes",
		Short: "Delete change log rows older than the retention and raise the feed's floor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = o.cfg.Sync.ChangeRetention
			}
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				purged, minValid, err := db.PurgeChanges(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{
					"purged":            purged,
					"min_valid_version": minValid,
				})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention to keep (default CHANGE_RETENTION)")
	return cmd
}

func newGenerateCommand(o *options) *cobra.Command {
	var batchSize, stations int
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Insert one batch of synthetic readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize <= 0 {
				batchSize = o.cfg.Generator.BatchSize
			}
			if stations <= 0 {
				stations = o.cfg.Generator.StationCount
			}
			return o.withDB(cmd, func(ctx context.Context, db *database.DB) error {
				return generator.NewGenerator(db, batchSize, stations).Run(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "readings per batch (default BATCH_SIZE)")
	cmd.Flags().IntVar(&stations, "stations", 0, "number of stations (default STATION_COUNT)")
	return cmd
}

func newCreateTopicCommand(o *options) *cobra.Command {
	var partitions, replication int
	cmd := &cobra.Command{
		Use:   "create-topic",
		Short: "Create the summary Kafka topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !o.cfg.Kafka.Enabled() {
				return fmt.Errorf("KAFKA_BROKERS is not set")
			}
			if err := queue.CreateTopic(o.cfg.Kafka.Brokers, o.cfg.Kafka.TopicSummaries, partitions, replication); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created topic %s with %d partitions\n", o.cfg.Kafka.TopicSummaries, partitions)
			return nil
		},
	}
	cmd.Flags().IntVar(&partitions, "partitions", 3, "number of partitions")
	cmd.Flags().IntVar(&replication, "replication", 1, "replication factor")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
