package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/nexoav/filegate/internal/archive"
	"github.com/nexoav/filegate/internal/backfill"
	"github.com/nexoav/filegate/internal/config"
	"github.com/nexoav/filegate/internal/database"
	"github.com/nexoav/filegate/internal/gateway"
	"github.com/nexoav/filegate/internal/ledger"
	"github.com/nexoav/filegate/internal/objstore"
	"github.com/nexoav/filegate/internal/queue"
	"github.com/nexoav/filegate/internal/render"
	"github.com/nexoav/filegate/internal/rpc"
	"github.com/nexoav/filegate/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "filegate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "filegate",
		Short:        "Nexo AV storage gateway",
		Long:         "filegate derives storage keys, issues presigned capabilities and keeps the file registry consistent with the object store.",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newBackfillCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg)

			if err := database.Migrate(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := objstore.New(cfg)
			if err != nil {
				return err
			}
			if err := store.EnsureBucket(ctx); err != nil {
				return fmt.Errorf("ensure bucket: %w", err)
			}

			repo := ledger.NewRepository(pool)
			finance := rpc.NewClient(pool)
			archiver := archive.New(repo, store, finance, logger)

			queueClient := asynq.NewClient(asynq.RedisClientOpt{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer queueClient.Close()
			// The reconcile check fires after the upload capability has
			// expired plus a grace for clock skew and slow finalization.
			scheduler := queue.NewScheduler(queueClient, objstore.PutExpiry+cfg.ReconcileGrace)

			srv := gateway.New(cfg, repo, store, finance, archiver, scheduler, logger)
			return srv.Run(ctx)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the upload reconcile worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg)

			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := objstore.New(cfg)
			if err != nil {
				return err
			}
			repo := ledger.NewRepository(pool)

			srv := asynq.NewServer(
				asynq.RedisClientOpt{
					Addr:     cfg.RedisAddr,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				},
				asynq.Config{Concurrency: concurrency},
			)
			proc := worker.NewProcessor(repo, store, logger)
			logger.Info("worker started", "redis", cfg.RedisAddr, "concurrency", concurrency)
			return srv.Run(proc.Handler())
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of concurrent task handlers")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var dryRun bool
	var force bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Archive legacy invoices that have no storage key yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RenderURL == "" {
				return fmt.Errorf("missing required environment variable FILEGATE_RENDER_URL")
			}
			logger := config.NewLogger(cfg)

			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := objstore.New(cfg)
			if err != nil {
				return err
			}

			driver := backfill.New(
				rpc.NewClient(pool),
				store,
				ledger.NewRepository(pool),
				render.NewHTTPRenderer(cfg.RenderURL),
				logger,
			)
			// Per-record failures are counted in the summary, not fatal;
			// re-running converges because archived records are skipped.
			summary, err := driver.Run(ctx, backfill.Options{DryRun: dryRun, Force: force})
			if err != nil {
				return err
			}
			logger.Info("backfill finished",
				"success", summary.Success,
				"skipped", summary.Skipped,
				"errors", summary.Errors,
				"total", summary.Total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report intended actions without uploading or writing")
	cmd.Flags().BoolVar(&force, "force", false, "Re-upload even when the destination object already exists")
	return cmd
}
