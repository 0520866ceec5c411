// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/infra/postgres"
	"github.com/dvloznov/finance-etl/internal/infra/redis"
	"github.com/dvloznov/finance-etl/internal/jobs/inmemory"
	"github.com/dvloznov/finance-etl/internal/logger"
	"github.com/dvloznov/finance-etl/internal/pipeline"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
)

// HTTP configures cmd/api.
type HTTP struct {
	Port            string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"10485760" validate:"gt=0"`
}

// DB selects the store. An empty DSN uses the in-memory store.
type DB struct {
	DSN             string        `envconfig:"DSN"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10" validate:"gte=0"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5" validate:"gte=0"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	Debug           bool          `envconfig:"DEBUG"`
}

// Redis enables the dashboard cache and the shared owner lock when Addr is set.
type Redis struct {
	Addr         string        `envconfig:"ADDR" validate:"omitempty,hostname_port"`
	Password     string        `envconfig:"PASSWORD"`
	DB           int           `envconfig:"DB" default:"0" validate:"gte=0"`
	Prefix       string        `envconfig:"PREFIX" default:"finance-etl:"`
	DashboardTTL time.Duration `envconfig:"DASHBOARD_TTL" default:"10m"`
	LockTTL      time.Duration `envconfig:"LOCK_TTL" default:"15m"`
}

// GCP configures source-file storage and the run-log export.
type GCP struct {
	ProjectID      string `envconfig:"PROJECT_ID"`
	Bucket         string `envconfig:"BUCKET"`
	MaxObjectBytes int64  `envconfig:"MAX_OBJECT_BYTES" default:"33554432" validate:"gt=0"`
	// Runs are exported to BigQuery when Dataset is set.
	Dataset   string `envconfig:"BQ_DATASET"`
	RunsTable string `envconfig:"BQ_RUNS_TABLE" default:"pipeline_runs"`
}

// GenAI enables PDF statement extraction when Enabled is set.
type GenAI struct {
	Enabled bool   `envconfig:"ENABLED"`
	Model   string `envconfig:"MODEL" default:"gemini-2.5-flash"`
}

// Pipeline tunes the stages, the queue and the backlog worker.
type Pipeline struct {
	DateLocale       string        `envconfig:"DATE_LOCALE" default:"DMY" validate:"oneof=DMY MDY dmy mdy"`
	DefaultCurrency  string        `envconfig:"DEFAULT_CURRENCY" default:"USD" validate:"len=3,alpha"`
	LegacyCSV        bool          `envconfig:"LEGACY_CSV"`
	LargeAmount      string        `envconfig:"LARGE_AMOUNT" default:"100000" validate:"numeric"`
	DefaultBudget    string        `envconfig:"DEFAULT_BUDGET" default:"500" validate:"numeric"`
	DashboardMonths  int           `envconfig:"DASHBOARD_MONTHS" default:"6" validate:"gte=1,lte=36"`
	TopMerchants     int           `envconfig:"TOP_MERCHANTS" default:"5" validate:"gte=1"`
	BacklogThreshold int64         `envconfig:"BACKLOG_THRESHOLD" default:"1000" validate:"gte=0"`
	Workers          int           `envconfig:"WORKERS" default:"5" validate:"gte=1"`
	QueueSize        int           `envconfig:"QUEUE_SIZE" default:"100" validate:"gte=0"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3" validate:"gte=1"`
	RetryDelay       time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	BacklogInterval  time.Duration `envconfig:"BACKLOG_INTERVAL" default:"1m" validate:"gt=0"`
	BacklogBatch     int           `envconfig:"BACKLOG_BATCH" default:"50" validate:"gte=1"`
}

// Log configures internal/logger.
type Log struct {
	Level  string `envconfig:"LEVEL" default:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `envconfig:"FORMAT" default:"console" validate:"oneof=console json"`
}

// Config is the full process configuration.
type Config struct {
	HTTP     HTTP     `envconfig:"HTTP"`
	DB       DB       `envconfig:"DB"`
	Redis    Redis    `envconfig:"REDIS"`
	GCP      GCP      `envconfig:"GCP"`
	GenAI    GenAI    `envconfig:"GENAI"`
	Pipeline Pipeline `envconfig:"PIPELINE"`
	Log      Log      `envconfig:"LOG"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env files (the default .env when none are given) and then the
// environment. Missing files are logged and skipped.
func Load(log zerolog.Logger, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Load: reading env file: %w", err)
		}
		log.Warn().Strs("files", envFiles).Msg("No .env file found, using system environment variables")
	}
	return FromEnv()
}

// FromEnv parses and validates the environment without touching .env files.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("FromEnv: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	if c.GenAI.Enabled && c.GCP.ProjectID == "" {
		return errors.New("Validate: GENAI_ENABLED requires GCP_PROJECT_ID")
	}
	if c.GCP.Dataset != "" && c.GCP.ProjectID == "" {
		return errors.New("Validate: GCP_BQ_DATASET requires GCP_PROJECT_ID")
	}
	return nil
}

// PipelineConfig maps the PIPELINE_ section onto the orchestrator config.
// The default ruleset is used.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	locale, err := parse.ParseLocale(c.Pipeline.DateLocale)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("PipelineConfig: %w", err)
	}
	large, err := decimal.NewFromString(c.Pipeline.LargeAmount)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("PipelineConfig: PIPELINE_LARGE_AMOUNT: %w", err)
	}
	budget, err := decimal.NewFromString(c.Pipeline.DefaultBudget)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("PipelineConfig: PIPELINE_DEFAULT_BUDGET: %w", err)
	}
	return pipeline.Config{
		Locale:           locale,
		LegacyCSV:        c.Pipeline.LegacyCSV,
		DefaultCurrency:  c.Pipeline.DefaultCurrency,
		LargeAmount:      large,
		DashboardMonths:  c.Pipeline.DashboardMonths,
		TopMerchants:     c.Pipeline.TopMerchants,
		DefaultBudget:    budget,
		BacklogThreshold: c.Pipeline.BacklogThreshold,
	}, nil
}

// LoggerOptions returns the LOG_ section for logger.New.
func (c *Config) LoggerOptions(service string) logger.Options {
	return logger.Options{Level: c.Log.Level, Format: c.Log.Format, Service: service}
}

// PostgresOptions returns the pool settings of the DB_ section.
func (c *Config) PostgresOptions() postgres.Options {
	return postgres.Options{
		MaxOpenConns:    c.DB.MaxOpenConns,
		MaxIdleConns:    c.DB.MaxIdleConns,
		ConnMaxLifetime: c.DB.ConnMaxLifetime,
		Debug:           c.DB.Debug,
	}
}

// RedisOptions returns the connection settings of the REDIS_ section.
func (c *Config) RedisOptions() redis.Options {
	return redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB}
}

// QueueOptions returns the job queue settings of the PIPELINE_ section.
func (c *Config) QueueOptions(log zerolog.Logger) inmemory.Options {
	return inmemory.Options{
		BufferSize: c.Pipeline.QueueSize,
		Workers:    c.Pipeline.Workers,
		MaxRetries: c.Pipeline.MaxRetries,
		RetryDelay: c.Pipeline.RetryDelay,
		Logger:     log,
	}
}
