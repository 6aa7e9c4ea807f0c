package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/reviewloop/internal/api"
	"github.com/reviewloop/internal/config"
	"github.com/reviewloop/internal/database"
	"github.com/reviewloop/internal/engine"
	"github.com/reviewloop/internal/jobqueue"
	"github.com/reviewloop/internal/learner"
	"github.com/reviewloop/internal/logging"
	"github.com/reviewloop/internal/publisher"
	"github.com/reviewloop/internal/retry"
	"github.com/reviewloop/internal/reviewer"
	"github.com/reviewloop/internal/store"
)

// ServeCommand returns the CLI command that runs the full service: webhook
// intake, the job queue workers, and the read API.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the review service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (trace, debug, info, warn, error)",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable log output instead of JSON",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(c.String("log-level"), c.Bool("pretty"))
	ctx := c.Context

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := store.ApplySchema(ctx, db); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	stores := store.NewPostgres(db)

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open queue pool: %w", err)
	}
	defer pool.Close()

	pub, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}

	rev, err := buildReviewer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	eng := &engine.Engine{
		Events:    stores,
		Runs:      stores,
		Repos:     stores,
		Feedback:  stores,
		Learner:   learner.New(stores, stores, logger),
		Reviewer:  rev,
		Publisher: pub,
		Config: engine.Config{
			MaxAttempts:     cfg.Runs.MaxAttempts,
			ReviewerTimeout: cfg.ReviewerTimeout(),
			BotLogin:        cfg.GitHub.BotLogin,
		},
		Logger: logger,
	}

	queue, err := jobqueue.New(pool, eng, &jobqueue.QueueConfig{
		MaxWorkers:  cfg.Queue.MaxWorkers,
		MaxAttempts: cfg.Runs.MaxAttempts,
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Runs.MaxAttempts,
			Base:        time.Duration(cfg.Runs.BackoffBaseSeconds) * time.Second,
			Cap:         time.Duration(cfg.Runs.BackoffCapSeconds) * time.Second,
			Multiplier:  cfg.Runs.BackoffMultiplier,
			JitterFrac:  0.2,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	eng.Queue = queue

	if err := queue.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(api.Options{
		Listen:        cfg.Server.Listen,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Engine:        eng,
		Events:        stores,
		Runs:          stores,
		Rules:         stores,
		Logger:        logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go runDedupSweeper(sweepCtx, stores, cfg.EventRetention(), logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		stopSweep()
		return err
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	stopSweep()

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx, cfg.ShutdownTimeout()); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("queue shutdown failed")
	}
	return nil
}

func buildPublisher(cfg *config.Config, logger zerolog.Logger) (*publisher.Client, error) {
	pem, err := os.ReadFile(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	auth, err := publisher.NewAppAuth(fmt.Sprintf("%d", cfg.GitHub.AppID), pem)
	if err != nil {
		return nil, err
	}

	client := publisher.NewClient(auth, logger)
	if cfg.GitHub.APIBaseURL != "" {
		client.BaseURL = cfg.GitHub.APIBaseURL
	}
	client.Limiter = publisher.LimiterFor(cfg.GitHub.RequestsPerSec)
	return client, nil
}

func buildReviewer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (reviewer.Reviewer, error) {
	switch cfg.Reviewer.Backend {
	case "command":
		return &reviewer.CommandReviewer{
			Binary: cfg.Reviewer.Command,
			Args:   cfg.Reviewer.CommandArgs,
			Logger: logger,
		}, nil
	case "llm":
		model, err := reviewer.NewModel(ctx, reviewer.LLMOptions{
			Provider: reviewer.Provider(cfg.Reviewer.LLM.Provider),
			APIKey:   cfg.Reviewer.LLM.APIKey,
			BaseURL:  cfg.Reviewer.LLM.BaseURL,
			Model:    cfg.Reviewer.LLM.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("create llm reviewer: %w", err)
		}
		return &reviewer.LLMReviewer{Model: model, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown reviewer backend %q", cfg.Reviewer.Backend)
	}
}

// runDedupSweeper periodically purges admitted event records older than the
// retention window. Retention must stay longer than the provider's
// redelivery window or stale deliveries would re-trigger runs.
func runDedupSweeper(ctx context.Context, events store.EventStore, retention time.Duration, logger zerolog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := events.PurgeOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error().Err(err).Msg("dedup purge failed")
				continue
			}
			if purged > 0 {
				logger.Info().Int64("purged", purged).Msg("purged expired event records")
			}
		}
	}
}
