// Package aggregate derives the dashboard analytics from processed
// transactions. Compute is pure and reads nothing but its arguments.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// Savings health labels.
const (
	HealthExcellent        = "excellent"
	HealthGood             = "good"
	HealthFair             = "fair"
	HealthNeedsImprovement = "needs_improvement"
)

// Budget status values.
const (
	BudgetOver    = "over"
	BudgetOnTrack = "on_track"
	BudgetUnder   = "under"
)

const (
	defaultMonths = 6
	defaultTopN   = 5
	budgetWindow  = 3
)

var (
	hundred    = decimal.NewFromInt(100)
	overRatio  = decimal.RequireFromString("1.1")
	underRatio = decimal.RequireFromString("0.5")
	upRatio    = decimal.RequireFromString("1.2")
	downRatio  = decimal.RequireFromString("0.8")
)

// Options configures a dashboard computation.
type Options struct {
	Now           time.Time
	Months        int
	TopN          int
	BudgetDefault decimal.Decimal
}

type entry struct {
	date     time.Time
	month    string
	amount   decimal.Decimal // magnitude
	income   bool
	category string
	merchant string
}

// Compute builds the dashboard for ownerID. Unprocessed rows and rows
// without an amount or date are ignored. stats may be nil.
func Compute(ownerID string, rows []domain.Transaction, stats *domain.UserStats, opts Options) domain.Dashboard {
	if opts.Months <= 0 {
		opts.Months = defaultMonths
	}
	if opts.TopN <= 0 {
		opts.TopN = defaultTopN
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	now := opts.Now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	currentMonth := monthStart(today)
	windowStart := currentMonth.AddDate(0, -(opts.Months - 1), 0)

	entries := collect(rows)
	var window []entry
	for _, e := range entries {
		if !e.date.Before(windowStart) && !e.date.After(today) {
			window = append(window, e)
		}
	}

	d := domain.Dashboard{
		OwnerID: ownerID,
		Period: domain.Period{
			From:   windowStart.Format(time.DateOnly),
			To:     today.Format(time.DateOnly),
			Months: opts.Months,
		},
		GeneratedAt: now,
	}

	d.Summary = summarize(window)
	d.MonthlyTrend = monthlyTrend(window, windowStart, opts.Months)
	d.SpendingByCategory = byCategory(window, false)
	d.TopMerchants = topMerchants(window, opts.TopN)
	d.SavingsRate = Savings(d.Summary.Income, d.Summary.Expense)
	d.IncomeBreakdown = domain.IncomeBreakdown{
		Total:          d.Summary.Income,
		ByCategory:     byCategory(window, true),
		AverageMonthly: d.Summary.Income.DivRound(decimal.NewFromInt(int64(opts.Months)), 2),
	}
	d.BudgetRecommendations = budgets(entries, today, opts.BudgetDefault)
	d.Insights = insights(d)
	d.Lifetime = lifetime(stats, rows)
	return d
}

func collect(rows []domain.Transaction) []entry {
	out := make([]entry, 0, len(rows))
	for _, r := range rows {
		if !r.Processed || !r.Amount.Valid || r.Date == nil {
			continue
		}
		date := r.Date.UTC()
		category := r.Category
		if category == "" {
			category = domain.CategoryUncategorized
		}
		out = append(out, entry{
			date:     time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
			month:    date.Format("2006-01"),
			amount:   r.Amount.Decimal.Abs(),
			income:   r.Type == domain.TypeIncome,
			category: category,
			merchant: r.Merchant,
		})
	}
	return out
}

func summarize(es []entry) domain.Summary {
	var s domain.Summary
	for _, e := range es {
		if e.income {
			s.Income = s.Income.Add(e.amount)
		} else {
			s.Expense = s.Expense.Add(e.amount)
		}
	}
	s.Net = s.Income.Sub(s.Expense)
	s.TransactionCount = len(es)
	return s
}

// monthlyTrend returns one entry per calendar month starting at from, in
// ascending order. Months without activity are zero.
func monthlyTrend(es []entry, from time.Time, months int) []domain.MonthTotal {
	idx := make(map[string]int, months)
	out := make([]domain.MonthTotal, months)
	for i := 0; i < months; i++ {
		key := from.AddDate(0, i, 0).Format("2006-01")
		idx[key] = i
		out[i] = domain.MonthTotal{Month: key}
	}
	for _, e := range es {
		i, ok := idx[e.month]
		if !ok {
			continue
		}
		if e.income {
			out[i].Income = out[i].Income.Add(e.amount)
		} else {
			out[i].Expense = out[i].Expense.Add(e.amount)
		}
	}
	for i := range out {
		out[i].Net = out[i].Income.Sub(out[i].Expense)
	}
	return out
}

func byCategory(es []entry, income bool) []domain.CategoryTotal {
	totals := make(map[string]*domain.CategoryTotal)
	grand := decimal.Zero
	for _, e := range es {
		if e.income != income {
			continue
		}
		ct, ok := totals[e.category]
		if !ok {
			ct = &domain.CategoryTotal{Category: e.category}
			totals[e.category] = ct
		}
		ct.Total = ct.Total.Add(e.amount)
		ct.Count++
		grand = grand.Add(e.amount)
	}

	out := make([]domain.CategoryTotal, 0, len(totals))
	for _, ct := range totals {
		if grand.IsPositive() {
			ct.Percentage = ct.Total.Mul(hundred).DivRound(grand, 2)
		}
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func topMerchants(es []entry, n int) []domain.MerchantTotal {
	totals := make(map[string]*domain.MerchantTotal)
	for _, e := range es {
		if e.income || e.merchant == "" {
			continue
		}
		mt, ok := totals[e.merchant]
		if !ok {
			mt = &domain.MerchantTotal{Merchant: e.merchant}
			totals[e.merchant] = mt
		}
		mt.Total = mt.Total.Add(e.amount)
		mt.Count++
	}

	out := make([]domain.MerchantTotal, 0, len(totals))
	for _, mt := range totals {
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Total.Cmp(out[j].Total); c != 0 {
			return c > 0
		}
		return out[i].Merchant < out[j].Merchant
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Savings computes the savings rate and its health label. The rate is 0 when
// there is no income.
func Savings(income, expense decimal.Decimal) domain.SavingsRate {
	rate := decimal.Zero
	if income.IsPositive() {
		rate = income.Sub(expense).DivRound(income, 4)
	}
	percent := rate.Mul(hundred).Round(2)
	return domain.SavingsRate{Rate: rate, Percent: percent, Health: health(percent)}
}

func health(percent decimal.Decimal) string {
	switch {
	case percent.GreaterThanOrEqual(decimal.NewFromInt(20)):
		return HealthExcellent
	case percent.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return HealthGood
	case percent.GreaterThanOrEqual(decimal.NewFromInt(5)):
		return HealthFair
	}
	return HealthNeedsImprovement
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func monthsBetween(from, to time.Time) int {
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// budgets recommends a monthly budget per expense category. A category whose
// first expense is less than one calendar month old gets def. Otherwise the
// recommendation is the average spend over the last min(3, history) complete
// months before the current one.
func budgets(es []entry, today time.Time, def decimal.Decimal) []domain.BudgetRecommendation {
	currentMonth := monthStart(today)
	oneMonthAgo := today.AddDate(0, -1, 0)

	first := make(map[string]time.Time)
	monthly := make(map[string]map[string]decimal.Decimal)
	for _, e := range es {
		if e.income || e.date.After(today) {
			continue
		}
		if f, ok := first[e.category]; !ok || e.date.Before(f) {
			first[e.category] = e.date
		}
		if monthly[e.category] == nil {
			monthly[e.category] = make(map[string]decimal.Decimal)
		}
		monthly[e.category][e.month] = monthly[e.category][e.month].Add(e.amount)
	}

	categories := make([]string, 0, len(first))
	for c := range first {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	out := make([]domain.BudgetRecommendation, 0, len(categories))
	for _, c := range categories {
		rec := domain.BudgetRecommendation{
			Category:     c,
			CurrentSpend: monthly[c][currentMonth.Format("2006-01")],
		}
		history := monthsBetween(monthStart(first[c]), currentMonth)
		if first[c].After(oneMonthAgo) || history < 1 {
			rec.Recommended = def
			rec.Basis = domain.BudgetBasisDefault
		} else {
			n := min(budgetWindow, history)
			sum := decimal.Zero
			for i := 1; i <= n; i++ {
				sum = sum.Add(monthly[c][currentMonth.AddDate(0, -i, 0).Format("2006-01")])
			}
			rec.Recommended = sum.DivRound(decimal.NewFromInt(int64(n)), 2)
			rec.Basis = domain.BudgetBasisTrailing
			rec.MonthsOfHistory = n
		}
		rec.Status = budgetStatus(rec.CurrentSpend, rec.Recommended)
		out = append(out, rec)
	}
	return out
}

func budgetStatus(spend, budget decimal.Decimal) string {
	if !budget.IsPositive() {
		if spend.IsPositive() {
			return BudgetOver
		}
		return BudgetOnTrack
	}
	switch {
	case spend.GreaterThan(budget.Mul(overRatio)):
		return BudgetOver
	case spend.LessThan(budget.Mul(underRatio)):
		return BudgetUnder
	}
	return BudgetOnTrack
}

func insights(d domain.Dashboard) []domain.Insight {
	var out []domain.Insight

	if n := len(d.MonthlyTrend); n >= 2 {
		cur, prev := d.MonthlyTrend[n-1].Expense, d.MonthlyTrend[n-2].Expense
		if prev.IsPositive() {
			change := cur.Sub(prev).Mul(hundred).DivRound(prev, 0).Abs()
			switch {
			case cur.GreaterThanOrEqual(prev.Mul(upRatio)):
				out = append(out, domain.Insight{Kind: "spending_up",
					Message: fmt.Sprintf("Spending is up %s%% compared to last month", change)})
			case cur.LessThanOrEqual(prev.Mul(downRatio)):
				out = append(out, domain.Insight{Kind: "spending_down",
					Message: fmt.Sprintf("Spending is down %s%% compared to last month", change)})
			}
		}
	}

	if d.Summary.Income.IsPositive() {
		pct := d.SavingsRate.Percent
		switch {
		case pct.LessThan(decimal.NewFromInt(10)):
			out = append(out, domain.Insight{Kind: "low_savings",
				Message: fmt.Sprintf("Savings rate is %s%%, aim for at least 10%%", pct.StringFixed(1))})
		case pct.GreaterThanOrEqual(decimal.NewFromInt(20)):
			out = append(out, domain.Insight{Kind: "high_savings",
				Message: fmt.Sprintf("Savings rate is %s%%", pct.StringFixed(1))})
		}
	}

	if len(d.SpendingByCategory) > 0 {
		top := d.SpendingByCategory[0]
		out = append(out, domain.Insight{Kind: "top_category",
			Message: fmt.Sprintf("Top spending category is %s at %s (%s%%)", top.Category, top.Total.StringFixed(2), top.Percentage)})
	}
	return out
}

func lifetime(stats *domain.UserStats, rows []domain.Transaction) *domain.LifetimeSummary {
	if stats == nil {
		return nil
	}
	l := &domain.LifetimeSummary{
		TotalTransactions:    stats.TotalTransactions,
		TotalIncome:          stats.TotalIncome,
		TotalExpense:         stats.TotalExpense,
		AvgTransactionAmount: stats.AvgTransactionAmount,
		CategoryBreakdown:    stats.CategoryBreakdown,
		RefreshedAt:          stats.RefreshedAt,
		SourceRunID:          stats.SourceRunID,
	}
	for _, r := range rows {
		if r.Processed && r.UpdatedAt.After(stats.RefreshedAt) {
			l.Stale = true
			break
		}
	}
	return l
}
