package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"

	"github.com/outpost-run/outpost/pkg/api"
	"github.com/outpost-run/outpost/pkg/artifacts"
	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/events"
	"github.com/outpost-run/outpost/pkg/fleet"
	"github.com/outpost-run/outpost/pkg/log"
	"github.com/outpost-run/outpost/pkg/orchestrator"
	"github.com/outpost-run/outpost/pkg/quota"
	"github.com/outpost-run/outpost/pkg/reconciler"
	"github.com/outpost-run/outpost/pkg/runner"
	"github.com/outpost-run/outpost/pkg/status"
	"github.com/outpost-run/outpost/pkg/store"
	"github.com/outpost-run/outpost/pkg/warmpool"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Outpost - fleet control plane for one-shot agent containers",
	Long: `Outpost accepts dispatch requests, schedules them as one-shot
container tasks on the fleet, tracks their lifecycle through external
task-state events, and manages the artifacts they leave behind.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Outpost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}

		s3Client := s3.NewFromConfig(awsCfg)
		dispatchStore := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), store.DynamoConfig{
			DispatchTable:     cfg.DispatchTableName,
			IdempotencyTable:  cfg.IdempotencyTableName,
			TaskARNIndex:      cfg.TaskARNIndexName,
			UserIndex:         cfg.UserIndexName,
			StrictIdempotency: cfg.IdempotencyStrict,
		})
		artifactStore := artifacts.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.ArtifactsBucket, cfg.ArtifactRetentionDays)

		pools := warmpool.NewManager(cfg.Agents)
		taskRunner := runner.New(ecs.NewFromConfig(awsCfg), secretsmanager.NewFromConfig(awsCfg), cfg)
		quotaChecker := quota.New(dispatchStore, cfg, nil)
		orch := orchestrator.New(dispatchStore, pools, taskRunner, quotaChecker, cfg)
		tracker := status.NewTracker(dispatchStore, cloudwatchlogs.NewFromConfig(awsCfg), cfg.LogGroupName)
		health := fleet.New(dispatchStore, pools, cfg)

		broker := events.NewBroker()
		consumer := events.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.EventsQueueURL, broker)
		recon := reconciler.New(dispatchStore, pools)

		broker.Start()
		pools.Start()
		go recon.Run(ctx, broker)
		if cfg.EventsQueueURL != "" {
			consumer.Start(ctx)
		}

		server := api.NewServer(orch, tracker, dispatchStore, artifactStore, health, cfg)
		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		log.Info("Outpost is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutting down")
		case err := <-errCh:
			log.Errorf("Server failed", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Errorf("Graceful shutdown failed", err)
		}

		if cfg.EventsQueueURL != "" {
			consumer.Stop()
		}
		cancel()
		pools.Stop()
		broker.Stop()

		log.Info("Shutdown complete")
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one artifact retention sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx := cmd.Context()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}

		s3Client := s3.NewFromConfig(awsCfg)
		artifactStore := artifacts.NewStore(s3Client, s3.NewPresignClient(s3Client), cfg.ArtifactsBucket, cfg.ArtifactRetentionDays)

		result, err := artifactStore.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("retention sweep failed: %w", err)
		}

		fmt.Printf("Swept %d objects (%d bytes) across %d dispatches\n",
			result.DeletedCount, result.FreedBytes, result.DispatchesProcessed)
		return nil
	},
}
