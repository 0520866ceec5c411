package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dashboard is the analytics payload produced by the Aggregate stage.
// Every field is derived from processed transactions at GeneratedAt.
type Dashboard struct {
	OwnerID               string                 `json:"owner_id"`
	Period                Period                 `json:"period"`
	Summary               Summary                `json:"summary"`
	MonthlyTrend          []MonthTotal           `json:"monthly_trend"`
	SpendingByCategory    []CategoryTotal        `json:"spending_by_category"`
	TopMerchants          []MerchantTotal        `json:"top_merchants"`
	SavingsRate           SavingsRate            `json:"savings_rate"`
	IncomeBreakdown       IncomeBreakdown        `json:"income_breakdown"`
	BudgetRecommendations []BudgetRecommendation `json:"budget_recommendations"`
	Insights              []Insight              `json:"insights"`
	Lifetime              *LifetimeSummary       `json:"lifetime_summary,omitempty"`
	GeneratedAt           time.Time              `json:"generated_at"`
}

// Period is the inclusive date window of a dashboard, formatted YYYY-MM-DD.
type Period struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Months int    `json:"months"`
}

type Summary struct {
	Income           decimal.Decimal `json:"income"`
	Expense          decimal.Decimal `json:"expense"`
	Net              decimal.Decimal `json:"net"`
	TransactionCount int             `json:"transaction_count"`
}

// MonthTotal is one entry of the monthly trend. Expense is a magnitude.
type MonthTotal struct {
	Month   string          `json:"month"` // YYYY-MM
	Income  decimal.Decimal `json:"income"`
	Expense decimal.Decimal `json:"expense"`
	Net     decimal.Decimal `json:"net"`
}

type CategoryTotal struct {
	Category   string          `json:"category"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
	Percentage decimal.Decimal `json:"percentage"`
}

type MerchantTotal struct {
	Merchant string          `json:"merchant"`
	Total    decimal.Decimal `json:"total"`
	Count    int             `json:"count"`
}

// SavingsRate is (income - expense) / income; Rate is a fraction.
type SavingsRate struct {
	Rate    decimal.Decimal `json:"rate"`
	Percent decimal.Decimal `json:"percent"`
	Health  string          `json:"health"`
}

type IncomeBreakdown struct {
	Total          decimal.Decimal `json:"total"`
	ByCategory     []CategoryTotal `json:"by_category"`
	AverageMonthly decimal.Decimal `json:"average_monthly"`
}

// Budget basis values.
const (
	BudgetBasisDefault  = "default"
	BudgetBasisTrailing = "trailing_average"
)

type BudgetRecommendation struct {
	Category        string          `json:"category"`
	Recommended     decimal.Decimal `json:"recommended"`
	Basis           string          `json:"basis"`
	MonthsOfHistory int             `json:"months_of_history"`
	CurrentSpend    decimal.Decimal `json:"current_spend"`
	Status          string          `json:"status"`
}

type Insight struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LifetimeSummary is copied from the UserStats cache. Stale is set when the
// ledger has changed since the cache was refreshed.
type LifetimeSummary struct {
	TotalTransactions    int                        `json:"total_transactions"`
	TotalIncome          decimal.Decimal            `json:"total_income"`
	TotalExpense         decimal.Decimal            `json:"total_expense"`
	AvgTransactionAmount decimal.Decimal            `json:"avg_transaction_amount"`
	CategoryBreakdown    map[string]decimal.Decimal `json:"category_breakdown"`
	RefreshedAt          time.Time                  `json:"refreshed_at"`
	SourceRunID          string                     `json:"source_run_id"`
	Stale                bool                       `json:"stale"`
}
