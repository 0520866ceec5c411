package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/api/handlers"
	"github.com/dvloznov/finance-etl/internal/app"
	"github.com/dvloznov/finance-etl/internal/config"
	"github.com/dvloznov/finance-etl/internal/jobs"
	"github.com/dvloznov/finance-etl/internal/jobs/inmemory"
	"github.com/dvloznov/finance-etl/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		port    = flag.String("port", "", "HTTP server port (overrides HTTP_PORT)")
		envFile = flag.String("env-file", "", "Path to a .env file (defaults to .env)")
		migrate = flag.Bool("migrate", false, "Apply the postgres schema before serving")
	)
	flag.Parse()
	started := time.Now()

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(boot, files...)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *port != "" {
		cfg.HTTP.Port = *port
	}

	// Initialize logger
	log, err := logger.New(cfg.LoggerOptions("api"))
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to create logger")
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()

	if *migrate {
		if err := a.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate schema")
		}
	}

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.QueueOptions(log), jobStore)

	// Start worker in background to process async runs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, jobs.RunHandler(a.Orchestrator)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	router := handlers.NewRouter(handlers.Handlers{
		Pipeline: handlers.NewPipelineHandler(a.Orchestrator, jobQueue, cfg.HTTP.MaxBodyBytes, log),
		Accounts: handlers.NewAccountsHandler(a.Store, log),
		Jobs:     handlers.NewJobsHandler(jobStore, log),
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop accepting jobs and wait for in-flight runs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Dur("uptime", time.Since(started)).Msg("Server exited")
}
