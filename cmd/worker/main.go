package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/app"
	"github.com/dvloznov/finance-etl/internal/config"
	"github.com/dvloznov/finance-etl/internal/jobs"
	"github.com/dvloznov/finance-etl/internal/jobs/inmemory"
	"github.com/dvloznov/finance-etl/internal/logger"
)

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	log, err := logger.New(cfg.LoggerOptions("worker"))
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to create logger")
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()

	// Initialize job store and queue
	// Jobs only come from the backlog sweeper, so the queue lives in process.
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.QueueOptions(log), jobStore)

	log.Info().Msg("Starting worker service")

	// Start consuming jobs
	if err := jobQueue.Start(ctx, jobs.RunHandler(a.Orchestrator)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	sweeper := &jobs.Sweeper{
		Source:    a.Orchestrator,
		Publisher: jobQueue,
		Store:     jobStore,
		Interval:  cfg.Pipeline.BacklogInterval,
		Batch:     cfg.Pipeline.BacklogBatch,
		Log:       log.With().Str("component", "sweeper").Logger(),
	}
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	log.Info().
		Dur("interval", cfg.Pipeline.BacklogInterval).
		Int("batch", cfg.Pipeline.BacklogBatch).
		Msg("Worker service started, sweeping backlog...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	// Cancel context to stop the sweeper and any run still executing
	cancel()
	<-sweepDone

	log.Info().Msg("Worker service exited")
}
