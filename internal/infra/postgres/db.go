// Package postgres implements store.Store on PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/store"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// Open connects to the database at dsn.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("Open: DB_DSN is not set")
	}

	logMode := logger.Silent
	if opts.Debug {
		logMode = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logMode),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("Open: connecting: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Open: getting sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate creates or alters the tables for every model. It is meant for
// development; production schemas are managed outside this service.
func Migrate(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).AutoMigrate(
		&domain.Account{},
		&domain.Transaction{},
		&domain.UserStats{},
		&domain.PipelineRun{},
		&domain.StepLog{},
	)
	if err != nil {
		return fmt.Errorf("Migrate: auto-migrating models: %w", err)
	}
	return nil
}

// indexStatements back the owner-scoped queries of the pipeline steps.
var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_transactions_owner_processed ON transactions (owner_id, processed)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_owner_date ON transactions (owner_id, date)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_owner_category ON transactions (owner_id, category)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account_date ON transactions (account_id, date)`,
}

// Store is the gorm-backed store.Store.
type Store struct {
	repo
	db *gorm.DB

	indexMu sync.Mutex
	indexed bool
}

// New wraps an open connection.
func New(db *gorm.DB) *Store {
	return &Store{repo: repo{db: db}, db: db}
}

// Ensure Store implements the store interfaces.
var _ store.Store = (*Store)(nil)

// Transaction implements store.Store.
func (s *Store) Transaction(ctx context.Context, fn func(store.Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&repo{db: tx})
	})
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("Ping: getting sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

// EnsureIndexes implements store.Store. After the first success it is a
// no-op for the lifetime of the process.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if s.indexed {
		return nil
	}
	for _, stmt := range indexStatements {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("EnsureIndexes: executing %q: %w", stmt, err)
		}
	}
	s.indexed = true
	return nil
}
