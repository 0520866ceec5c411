package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/app"
	"github.com/dvloznov/finance-etl/internal/config"
	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/gcsuploader"
	"github.com/dvloznov/finance-etl/internal/logger"
	"github.com/dvloznov/finance-etl/internal/pipeline"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var command func(ctx context.Context, a *app.App, args []string) error
	switch os.Args[1] {
	case "run":
		command = runPipeline(domain.ModeFull)
	case "ingest":
		command = runPipeline(domain.ModeIngestOnly)
	case "transform":
		command = runStage(domain.ModeTransformOnly)
	case "load":
		command = runStage(domain.ModeLoadOnly)
	case "aggregate":
		command = runStage(domain.ModeAggregateOnly)
	case "import-prefix":
		command = runImportPrefix
	case "status":
		command = runStatus
	case "dashboard":
		command = runDashboard
	case "health":
		command = runHealth
	case "backlog":
		command = runBacklog
	case "history":
		command = runHistory
	case "upload":
		command = runUpload
	case "migrate":
		command = runMigrate
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log, err := logger.New(cfg.LoggerOptions("cli"))
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to create logger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	err = command(ctx, a, os.Args[2:])
	if cerr := a.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("Failed to close resources")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("Command failed")
	}
}

func printUsage() {
	fmt.Println("Finance ETL CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run            Run the pipeline on a local file or GCS object")
	fmt.Println("  ingest         Ingest a file without transforming it")
	fmt.Println("  transform      Categorize pending transactions of an owner")
	fmt.Println("  load           Validate categorized transactions of an owner")
	fmt.Println("  aggregate      Recompute the dashboard of an owner")
	fmt.Println("  import-prefix  Run the pipeline on every object under a GCS prefix")
	fmt.Println("  status         Show the processing status of an owner")
	fmt.Println("  dashboard      Print the dashboard of an owner")
	fmt.Println("  health         Check the store, cache and backlog")
	fmt.Println("  backlog        List owners with untransformed transactions")
	fmt.Println("  history        List runs exported to BigQuery")
	fmt.Println("  upload         Upload a file to GCS")
	fmt.Println("  migrate        Apply the postgres and BigQuery schemas")
	fmt.Println("  help           Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func runPipeline(mode domain.Mode) func(context.Context, *app.App, []string) error {
	return func(ctx context.Context, a *app.App, args []string) error {
		fs := flag.NewFlagSet(string(mode), flag.ExitOnError)
		owner := fs.String("owner", "", "Owner ID (required)")
		file := fs.String("file", "", "Path to a local input file")
		gcsURI := fs.String("gcs-uri", "", "GCS URI of the input object")
		channel := fs.String("channel", "", "Input channel: csv, api, webhook or statement (defaults to the file extension)")
		modeFlag := fs.String("mode", string(mode), "Run mode")
		runID := fs.String("run-id", "", "Run ID (generated when empty)")
		fs.Parse(args)

		if *owner == "" || (*file == "") == (*gcsURI == "") {
			return fmt.Errorf("usage: cli %s -owner ID (-file PATH | -gcs-uri URI) [-channel NAME]", mode)
		}

		req := pipeline.RunRequest{
			RunID:     *runID,
			OwnerID:   *owner,
			Mode:      domain.Mode(*modeFlag),
			Channel:   domain.Channel(*channel),
			SourceURI: *gcsURI,
		}

		name := *gcsURI
		if *file != "" {
			body, err := os.ReadFile(*file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", *file, err)
			}
			req.Body = body
			name = *file
		}
		if req.Channel == "" {
			c, ok := gcsuploader.ChannelForObject(name)
			if !ok {
				return fmt.Errorf("cannot determine channel of %s, set -channel", name)
			}
			req.Channel = c
		}

		return execute(ctx, a, req)
	}
}

func runStage(mode domain.Mode) func(context.Context, *app.App, []string) error {
	return func(ctx context.Context, a *app.App, args []string) error {
		fs := flag.NewFlagSet(string(mode), flag.ExitOnError)
		owner := fs.String("owner", "", "Owner ID (required)")
		fs.Parse(args)

		if *owner == "" {
			return fmt.Errorf("usage: cli %s -owner ID", mode)
		}
		return execute(ctx, a, pipeline.RunRequest{OwnerID: *owner, Mode: mode})
	}
}

func execute(ctx context.Context, a *app.App, req pipeline.RunRequest) error {
	res, err := a.Orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	if res.Run.Status == domain.RunFailed {
		return fmt.Errorf("run %s failed at %s", res.Run.ID, res.Run.FailedStage)
	}
	return nil
}

func runImportPrefix(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("import-prefix", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner ID (required)")
	prefixURI := fs.String("gcs-prefix", "", "GCS prefix, e.g. gs://bucket/exports/2024/ (required)")
	mode := fs.String("mode", string(domain.ModeFull), "Run mode")
	fs.Parse(args)

	if *owner == "" || *prefixURI == "" {
		return fmt.Errorf("usage: cli import-prefix -owner ID -gcs-prefix URI")
	}
	if a.Storage == nil {
		return fmt.Errorf("GCS is not configured, set GCP_PROJECT_ID or GCP_BUCKET")
	}

	bucket, prefix, err := gcsuploader.ParseGCSPrefix(*prefixURI)
	if err != nil {
		return err
	}
	uris, err := a.Storage.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	log.Info().Str("bucket", bucket).Str("prefix", prefix).Int("objects", len(uris)).Msg("Importing objects")

	var failed int
	for _, uri := range uris {
		channel, ok := gcsuploader.ChannelForObject(uri)
		if !ok {
			log.Warn().Str("gcs_uri", uri).Msg("Skipping object with unknown extension")
			continue
		}
		res, err := a.Orchestrator.Run(ctx, pipeline.RunRequest{
			OwnerID:   *owner,
			Mode:      domain.Mode(*mode),
			Channel:   channel,
			SourceURI: uri,
		})
		if err != nil {
			return fmt.Errorf("running %s: %w", uri, err)
		}
		if res.Run.Status != domain.RunSucceeded {
			failed++
		}
		fmt.Printf("%s\t%s\t%s\n", res.Run.ID, res.Run.Status, uri)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not succeed", failed, len(uris))
	}
	return nil
}

func runStatus(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner ID (required)")
	fs.Parse(args)

	if *owner == "" {
		return fmt.Errorf("usage: cli status -owner ID")
	}
	rep, err := a.Orchestrator.Status(ctx, *owner)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func runDashboard(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner ID (required)")
	fs.Parse(args)

	if *owner == "" {
		return fmt.Errorf("usage: cli dashboard -owner ID")
	}
	d, err := a.Orchestrator.Dashboard(ctx, *owner)
	if err != nil {
		return err
	}
	return printJSON(d)
}

func runHealth(ctx context.Context, a *app.App, _ []string) error {
	rep := a.Orchestrator.Health(ctx)
	if err := printJSON(rep); err != nil {
		return err
	}
	if rep.Status == pipeline.HealthUnhealthy {
		return fmt.Errorf("store is unhealthy: %s", rep.Store)
	}
	return nil
}

func runBacklog(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("backlog", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum number of owners")
	fs.Parse(args)

	owners, err := a.Orchestrator.OwnersWithBacklog(ctx, *limit)
	if err != nil {
		return err
	}
	for _, o := range owners {
		fmt.Println(o)
	}
	return nil
}

func runHistory(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner ID (required)")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	fs.Parse(args)

	if *owner == "" {
		return fmt.Errorf("usage: cli history -owner ID [-limit N]")
	}
	if a.Runs == nil {
		return fmt.Errorf("run export is not configured, set GCP_BQ_DATASET")
	}

	runs, err := a.Runs.RecentRuns(ctx, *owner, *limit)
	if err != nil {
		return err
	}

	fmt.Printf("%-36s  %-15s  %-10s  %-20s  %6s  %6s\n", "RUN ID", "MODE", "STATUS", "STARTED", "IN", "REJ")
	for _, r := range runs {
		fmt.Printf("%-36s  %-15s  %-10s  %-20s  %6d  %6d\n",
			r.RunID, r.Mode, r.Status, r.StartedTS.Format(time.DateTime), r.RecordsIn, r.RecordsRejected)
	}
	return nil
}

func runUpload(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	bucketName := fs.String("bucket", "", "GCS bucket name (defaults to GCP_BUCKET)")
	objectName := fs.String("object", "", "GCS object name (defaults to filename)")
	filePath := fs.String("file", "", "Path to local file")
	fs.Parse(args)

	if *bucketName == "" {
		*bucketName = a.Config.GCP.Bucket
	}
	if *bucketName == "" || *filePath == "" {
		return fmt.Errorf("usage: cli upload -bucket NAME -file PATH")
	}
	if a.Storage == nil {
		return fmt.Errorf("GCS is not configured, set GCP_PROJECT_ID or GCP_BUCKET")
	}
	if *objectName == "" {
		*objectName = filepath.Base(*filePath)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("bucket", *bucketName).
		Str("object", *objectName).
		Str("file", *filePath).
		Msg("Uploading file to GCS")

	if err := a.Storage.UploadFile(ctx, *bucketName, *objectName, *filePath); err != nil {
		return err
	}

	fmt.Printf("Uploaded %s to gs://%s/%s\n", *filePath, *bucketName, *objectName)
	return nil
}

func runMigrate(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	target := fs.String("target", "all", "Schema to migrate: postgres, bigquery or all")
	appliedBy := fs.String("applied-by", "migrate-cli", "Name recorded in schema_migrations")
	fs.Parse(args)

	log := logger.FromContext(ctx)

	if *target == "postgres" || *target == "all" {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
		log.Info().Msg("Postgres schema is up to date")
	}

	if *target == "bigquery" || *target == "all" {
		if a.Runs == nil {
			if *target == "bigquery" {
				return fmt.Errorf("run export is not configured, set GCP_BQ_DATASET")
			}
			log.Warn().Msg("GCP_BQ_DATASET is not set, skipping BigQuery")
			return nil
		}
		n, err := a.Runs.Migrator(*appliedBy, log).Up(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("No new migrations to apply. Dataset is up to date.")
		} else {
			fmt.Printf("Successfully applied %d migration(s)\n", n)
		}
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
