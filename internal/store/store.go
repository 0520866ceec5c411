// Package store defines the persistence contract used by the pipeline steps.
// Implementations live under internal/infra.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAccountExists is returned when creating an account whose id is taken.
var ErrAccountExists = errors.New("account already exists")

// TransactionFilter narrows ListTransactions. Zero fields do not filter.
type TransactionFilter struct {
	Processed *bool
	From      *time.Time
	To        *time.Time
	Limit     int
}

// Only returns a filter on the processed flag.
func Only(processed bool) TransactionFilter {
	return TransactionFilter{Processed: &processed}
}

// Counts are ledger counters for one owner.
type Counts struct {
	Total       int64 `json:"total"`
	Processed   int64 `json:"processed"`
	Unprocessed int64 `json:"unprocessed"`
}

// Repository covers ledger, account and stats access. Every method is scoped
// to a single owner except GetAccounts, OwnersWithBacklog and CountBacklog.
type Repository interface {
	CreateAccount(ctx context.Context, acct domain.Account) error
	// EnsureAccount creates acct unless an account with its id exists, and
	// returns the stored row.
	EnsureAccount(ctx context.Context, acct domain.Account) (domain.Account, error)
	ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error)
	GetAccounts(ctx context.Context, ids []string) ([]domain.Account, error)
	// SaveBalances writes balance and recomputed_at of each account.
	SaveBalances(ctx context.Context, accounts []domain.Account) error

	// InsertTransactions inserts rows, silently skipping any whose
	// (owner_id, fingerprint) already exists. It returns the number inserted.
	InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error)
	// ForeignFingerprints returns which of fingerprints are stored under an
	// owner other than ownerID.
	ForeignFingerprints(ctx context.Context, ownerID string, fingerprints []string) ([]string, error)
	ListTransactions(ctx context.Context, ownerID string, f TransactionFilter) ([]domain.Transaction, error)
	// SaveTransformed writes the normalized fields, processed flag and reject
	// reason of each row.
	SaveTransformed(ctx context.Context, rows []domain.Transaction) error
	CountTransactions(ctx context.Context, ownerID string) (Counts, error)
	// OwnersWithBacklog lists owners with unprocessed rows that Transform has
	// not yet rejected.
	OwnersWithBacklog(ctx context.Context, limit int) ([]string, error)
	// CountBacklog counts unprocessed rows across all owners.
	CountBacklog(ctx context.Context) (int64, error)

	GetStats(ctx context.Context, ownerID string) (domain.UserStats, error)
	SaveStats(ctx context.Context, stats domain.UserStats) error
}

// RunRepository persists pipeline runs and their step logs. UpdateRun and
// AppendStep fail with domain.ErrRunFinalized once the stored run is terminal.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	AppendStep(ctx context.Context, step *domain.StepLog) error
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)
	LatestRun(ctx context.Context, ownerID string) (*domain.PipelineRun, error)
}

// Store is the full persistence surface.
type Store interface {
	Repository
	RunRepository

	// Transaction runs fn atomically. Writes made through the Repository
	// passed to fn are committed only if fn returns nil.
	Transaction(ctx context.Context, fn func(Repository) error) error
	Ping(ctx context.Context) error
	// EnsureIndexes creates the query indexes if missing. It is idempotent.
	EnsureIndexes(ctx context.Context) error
}
