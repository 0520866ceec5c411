// Package load recomputes derived account balances and the per-owner stats
// snapshot from the ledger. Recompute is pure: callers read the rows, call it
// and write the result back in one transaction.
package load

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// DefaultLargeAmount is the magnitude above which a row without a merchant
// is flagged.
var DefaultLargeAmount = decimal.NewFromInt(100000)

// Options tunes validation warnings.
type Options struct {
	Now             time.Time
	RunID           string
	LargeAmount     decimal.Decimal
	KnownCategories map[string]bool
}

// Drift records an account whose stored balance differed from the ledger.
type Drift struct {
	AccountID  string          `json:"account_id"`
	Stored     decimal.Decimal `json:"stored"`
	Recomputed decimal.Decimal `json:"recomputed"`
}

// Result is the outcome of a recompute.
type Result struct {
	Accounts   []domain.Account
	Violations []domain.Rejection
	Warnings   []string
	Drift      []Drift
	Stats      domain.UserStats
}

// Recompute derives every balance of ownerID from scratch. accounts may
// include accounts of other owners that rows reference; those are reported and
// never updated. Only processed rows contribute.
func Recompute(ownerID string, accounts []domain.Account, rows []domain.Transaction, opts Options) Result {
	if opts.LargeAmount.IsZero() {
		opts.LargeAmount = DefaultLargeAmount
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	opts.Now = opts.Now.UTC()

	byID := make(map[string]domain.Account, len(accounts))
	sums := make(map[string]decimal.Decimal)
	for _, a := range accounts {
		byID[a.ID] = a
		if a.OwnerID == ownerID {
			sums[a.ID] = decimal.Zero
		}
	}

	var res Result
	stats := newStatsBuilder(ownerID)

	for _, row := range rows {
		if !row.Processed {
			continue
		}
		ref := rowRef(row)
		if !row.Amount.Valid {
			res.Violations = append(res.Violations, domain.ConsistencyError(ref, "processed row has no amount"))
			continue
		}
		amount := row.Amount.Decimal

		if v, ok := signViolation(row.Type, amount); ok {
			res.Violations = append(res.Violations, domain.ConsistencyError(ref, v))
		}
		res.Warnings = append(res.Warnings, rowWarnings(row, opts)...)
		stats.add(row.Type, row.Category, amount)

		acct, ok := byID[row.AccountID]
		switch {
		case row.AccountID == "" || !ok:
			res.Violations = append(res.Violations, domain.ConsistencyError(ref,
				fmt.Sprintf("referenced account not found: %q", row.AccountID)))
		case acct.OwnerID != ownerID:
			res.Violations = append(res.Violations, domain.ConsistencyError(ref,
				"account does not belong to transaction owner"))
		default:
			sums[acct.ID] = sums[acct.ID].Add(amount)
		}
	}

	ids := make([]string, 0, len(sums))
	for id := range sums {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		acct := byID[id]
		balance := sums[id]
		if !acct.Balance.Equal(balance) {
			res.Drift = append(res.Drift, Drift{AccountID: id, Stored: acct.Balance, Recomputed: balance})
		}
		now := opts.Now
		acct.Balance = balance
		acct.RecomputedAt = &now
		res.Accounts = append(res.Accounts, acct)
	}

	res.Stats = stats.build(opts.Now, opts.RunID)
	return res
}

// signViolation reports income rows with a negative amount and expense rows
// with a positive one.
func signViolation(t domain.TransactionType, amount decimal.Decimal) (string, bool) {
	switch {
	case t == domain.TypeIncome && amount.IsNegative():
		return "income with negative amount " + amount.String(), true
	case t == domain.TypeExpense && amount.IsPositive():
		return "expense with positive amount " + amount.String(), true
	}
	return "", false
}

func rowWarnings(row domain.Transaction, opts Options) []string {
	ref := rowRef(row)
	var out []string
	amount := row.Amount.Decimal
	if amount.IsZero() {
		out = append(out, ref+": amount is zero")
	}
	if row.Date != nil {
		d := row.Date.UTC()
		today := time.Date(opts.Now.Year(), opts.Now.Month(), opts.Now.Day(), 0, 0, 0, 0, time.UTC)
		switch {
		case d.After(today):
			out = append(out, ref+": date is in the future")
		case d.Year() < 2000:
			out = append(out, ref+": date is before 2000")
		}
	}
	if opts.KnownCategories != nil && row.Category != "" && !opts.KnownCategories[row.Category] {
		out = append(out, ref+": unknown category "+row.Category)
	}
	if row.Merchant == "" && amount.Abs().GreaterThan(opts.LargeAmount) {
		out = append(out, ref+": large amount without merchant")
	}
	return out
}

func rowRef(row domain.Transaction) string {
	if row.SourceRef != "" {
		return row.SourceRef
	}
	return "transaction:" + row.ID
}

type statsBuilder struct {
	ownerID    string
	count      int
	income     decimal.Decimal
	expense    decimal.Decimal
	magnitude  decimal.Decimal
	byCategory map[string]decimal.Decimal
}

func newStatsBuilder(ownerID string) *statsBuilder {
	return &statsBuilder{ownerID: ownerID, byCategory: make(map[string]decimal.Decimal)}
}

func (b *statsBuilder) add(t domain.TransactionType, category string, amount decimal.Decimal) {
	b.count++
	b.magnitude = b.magnitude.Add(amount.Abs())
	if t == domain.TypeIncome {
		b.income = b.income.Add(amount.Abs())
		return
	}
	b.expense = b.expense.Add(amount.Abs())
	if category == "" {
		category = domain.CategoryUncategorized
	}
	b.byCategory[category] = b.byCategory[category].Add(amount.Abs())
}

func (b *statsBuilder) build(now time.Time, runID string) domain.UserStats {
	avg := decimal.Zero
	if b.count > 0 {
		avg = b.magnitude.DivRound(decimal.NewFromInt(int64(b.count)), 4)
	}
	return domain.UserStats{
		OwnerID:              b.ownerID,
		TotalTransactions:    b.count,
		TotalIncome:          b.income,
		TotalExpense:         b.expense,
		AvgTransactionAmount: avg,
		CategoryBreakdown:    b.byCategory,
		RefreshedAt:          now,
		SourceRunID:          runID,
	}
}
