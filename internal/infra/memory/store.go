// Package memory is an in-process implementation of store.Store. It is used
// by tests and by the binaries when no database is configured. Data is lost
// on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/store"
)

// Store keeps all rows in maps guarded by one mutex. Store.Transaction holds
// the mutex for the whole callback and works on a copy of the ledger, which
// replaces the live one only when the callback succeeds.
type Store struct {
	mu       sync.Mutex
	ledger   *ledger
	runs     map[string]*domain.PipelineRun
	steps    map[string][]domain.StepLog
	nextStep uint
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		ledger: newLedger(),
		runs:   make(map[string]*domain.PipelineRun),
		steps:  make(map[string][]domain.StepLog),
	}
}

// Ensure Store implements the store interfaces.
var _ store.Store = (*Store)(nil)

// Transaction implements store.Store.
func (s *Store) Transaction(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.ledger.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.ledger = work
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// EnsureIndexes implements store.Store. Maps need no indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error { return nil }

// The Repository methods below run outside a transaction and lock the store
// for their own duration.

func (s *Store) CreateAccount(ctx context.Context, acct domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.CreateAccount(ctx, acct)
}

func (s *Store) EnsureAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.EnsureAccount(ctx, acct)
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ListAccounts(ctx, ownerID)
}

func (s *Store) GetAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.GetAccounts(ctx, ids)
}

func (s *Store) SaveBalances(ctx context.Context, accounts []domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.SaveBalances(ctx, accounts)
}

func (s *Store) InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.InsertTransactions(ctx, rows)
}

func (s *Store) ForeignFingerprints(ctx context.Context, ownerID string, fingerprints []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ForeignFingerprints(ctx, ownerID, fingerprints)
}

func (s *Store) ListTransactions(ctx context.Context, ownerID string, f store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.ListTransactions(ctx, ownerID, f)
}

func (s *Store) SaveTransformed(ctx context.Context, rows []domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.SaveTransformed(ctx, rows)
}

func (s *Store) CountTransactions(ctx context.Context, ownerID string) (store.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.CountTransactions(ctx, ownerID)
}

func (s *Store) OwnersWithBacklog(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.OwnersWithBacklog(ctx, limit)
}

func (s *Store) CountBacklog(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.CountBacklog(ctx)
}

func (s *Store) GetStats(ctx context.Context, ownerID string) (domain.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.GetStats(ctx, ownerID)
}

func (s *Store) SaveStats(ctx context.Context, stats domain.UserStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.SaveStats(ctx, stats)
}

// CreateRun implements store.RunRepository.
func (s *Store) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	cp := copyRun(run)
	cp.Steps = nil
	s.runs[run.ID] = cp
	return nil
}

// UpdateRun implements store.RunRepository.
func (s *Store) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if stored.Status.Terminal() {
		return domain.ErrRunFinalized
	}
	cp := copyRun(run)
	cp.Steps = nil
	s.runs[run.ID] = cp
	return nil
}

// AppendStep implements store.RunRepository.
func (s *Store) AppendStep(ctx context.Context, step *domain.StepLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[step.RunID]
	if !ok {
		return domain.ErrRunNotFound
	}
	if stored.Status.Terminal() {
		return domain.ErrRunFinalized
	}
	s.nextStep++
	step.ID = s.nextStep
	s.steps[step.RunID] = append(s.steps[step.RunID], *step)
	return nil
}

// GetRun implements store.RunRepository.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return s.withSteps(run), nil
}

// LatestRun implements store.RunRepository.
func (s *Store) LatestRun(ctx context.Context, ownerID string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *domain.PipelineRun
	for _, run := range s.runs {
		if run.OwnerID != ownerID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) ||
			(run.StartedAt.Equal(latest.StartedAt) && run.ID > latest.ID) {
			latest = run
		}
	}
	if latest == nil {
		return nil, domain.ErrRunNotFound
	}
	return s.withSteps(latest), nil
}

func (s *Store) withSteps(run *domain.PipelineRun) *domain.PipelineRun {
	cp := copyRun(run)
	cp.Steps = append([]domain.StepLog(nil), s.steps[run.ID]...)
	return cp
}

func copyRun(run *domain.PipelineRun) *domain.PipelineRun {
	cp := *run
	cp.Stages = append([]domain.Stage(nil), run.Stages...)
	return &cp
}

// ledger holds the rows that take part in transactions. Its methods assume
// the caller holds Store.mu.
type ledger struct {
	accounts     map[string]domain.Account
	transactions map[string]domain.Transaction
	fingerprints map[string]string // owner|fingerprint -> transaction id
	stats        map[string]domain.UserStats
	order        []string // transaction ids in insertion order
}

var _ store.Repository = (*ledger)(nil)

func newLedger() *ledger {
	return &ledger{
		accounts:     make(map[string]domain.Account),
		transactions: make(map[string]domain.Transaction),
		fingerprints: make(map[string]string),
		stats:        make(map[string]domain.UserStats),
	}
}

func (l *ledger) clone() *ledger {
	cp := newLedger()
	for k, v := range l.accounts {
		cp.accounts[k] = v
	}
	for k, v := range l.transactions {
		cp.transactions[k] = v
	}
	for k, v := range l.fingerprints {
		cp.fingerprints[k] = v
	}
	for k, v := range l.stats {
		cp.stats[k] = v
	}
	cp.order = append([]string(nil), l.order...)
	return cp
}

func (l *ledger) CreateAccount(ctx context.Context, acct domain.Account) error {
	if _, ok := l.accounts[acct.ID]; ok {
		return store.ErrAccountExists
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	l.accounts[acct.ID] = acct
	return nil
}

func (l *ledger) EnsureAccount(ctx context.Context, acct domain.Account) (domain.Account, error) {
	if existing, ok := l.accounts[acct.ID]; ok {
		return existing, nil
	}
	if err := l.CreateAccount(ctx, acct); err != nil {
		return domain.Account{}, err
	}
	return l.accounts[acct.ID], nil
}

func (l *ledger) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	var out []domain.Account
	for _, a := range l.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *ledger) GetAccounts(ctx context.Context, ids []string) ([]domain.Account, error) {
	var out []domain.Account
	for _, id := range ids {
		if a, ok := l.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *ledger) SaveBalances(ctx context.Context, accounts []domain.Account) error {
	for _, a := range accounts {
		stored, ok := l.accounts[a.ID]
		if !ok {
			return store.ErrNotFound
		}
		stored.Balance = a.Balance
		stored.RecomputedAt = a.RecomputedAt
		l.accounts[a.ID] = stored
	}
	return nil
}

func (l *ledger) InsertTransactions(ctx context.Context, rows []domain.Transaction) (int, error) {
	inserted := 0
	now := time.Now().UTC()
	for _, row := range rows {
		key := row.OwnerID + "|" + row.Fingerprint
		if _, dup := l.fingerprints[key]; dup {
			continue
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		row.UpdatedAt = now
		l.transactions[row.ID] = row
		l.fingerprints[key] = row.ID
		l.order = append(l.order, row.ID)
		inserted++
	}
	return inserted, nil
}

func (l *ledger) ForeignFingerprints(ctx context.Context, ownerID string, fingerprints []string) ([]string, error) {
	want := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		want[fp] = true
	}
	var out []string
	for _, id := range l.order {
		t := l.transactions[id]
		if t.OwnerID != ownerID && want[t.Fingerprint] {
			out = append(out, t.Fingerprint)
			delete(want, t.Fingerprint)
		}
	}
	return out, nil
}

func (l *ledger) ListTransactions(ctx context.Context, ownerID string, f store.TransactionFilter) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, id := range l.order {
		t := l.transactions[id]
		if t.OwnerID != ownerID {
			continue
		}
		if f.Processed != nil && t.Processed != *f.Processed {
			continue
		}
		if f.From != nil && (t.Date == nil || t.Date.Before(*f.From)) {
			continue
		}
		if f.To != nil && (t.Date == nil || t.Date.After(*f.To)) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (l *ledger) SaveTransformed(ctx context.Context, rows []domain.Transaction) error {
	now := time.Now().UTC()
	for _, row := range rows {
		stored, ok := l.transactions[row.ID]
		if !ok {
			return store.ErrNotFound
		}
		stored.Amount = row.Amount
		stored.Date = row.Date
		stored.Merchant = row.Merchant
		stored.Category = row.Category
		stored.Type = row.Type
		stored.Processed = row.Processed
		stored.RejectReason = row.RejectReason
		stored.ProcessedAt = row.ProcessedAt
		stored.UpdatedAt = now
		l.transactions[row.ID] = stored
	}
	return nil
}

func (l *ledger) CountTransactions(ctx context.Context, ownerID string) (store.Counts, error) {
	var c store.Counts
	for _, t := range l.transactions {
		if t.OwnerID != ownerID {
			continue
		}
		c.Total++
		if t.Processed {
			c.Processed++
		}
	}
	c.Unprocessed = c.Total - c.Processed
	return c, nil
}

func (l *ledger) OwnersWithBacklog(ctx context.Context, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, id := range l.order {
		t := l.transactions[id]
		if t.Processed || t.RejectReason != "" || seen[t.OwnerID] {
			continue
		}
		seen[t.OwnerID] = true
		out = append(out, t.OwnerID)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *ledger) CountBacklog(ctx context.Context) (int64, error) {
	var n int64
	for _, t := range l.transactions {
		if !t.Processed && t.RejectReason == "" {
			n++
		}
	}
	return n, nil
}

func (l *ledger) GetStats(ctx context.Context, ownerID string) (domain.UserStats, error) {
	s, ok := l.stats[ownerID]
	if !ok {
		return domain.UserStats{}, store.ErrNotFound
	}
	return s, nil
}

func (l *ledger) SaveStats(ctx context.Context, stats domain.UserStats) error {
	l.stats[stats.OwnerID] = stats
	return nil
}
