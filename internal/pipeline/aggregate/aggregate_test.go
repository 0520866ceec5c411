package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/domain"
)

var now = time.Date(2024, 4, 15, 9, 30, 0, 0, time.UTC)

func row(date string, amount string, typ domain.TransactionType, category, merchant string) domain.Transaction {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		panic(err)
	}
	return domain.Transaction{
		Amount:    decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Date:      &d,
		Type:      typ,
		Category:  category,
		Merchant:  merchant,
		Processed: true,
	}
}

func fixture() []domain.Transaction {
	return []domain.Transaction{
		row("2024-01-10", "-300", domain.TypeExpense, "food", "Makro"),
		row("2024-02-10", "-600", domain.TypeExpense, "food", "Makro"),
		row("2024-03-10", "-300", domain.TypeExpense, "food", "Korzinka"),
		row("2024-04-02", "-100", domain.TypeExpense, "food", "Korzinka"),
		row("2024-04-01", "-300", domain.TypeExpense, "health", "Apteka"),
		row("2024-03-05", "2000", domain.TypeIncome, "salary", "Acme"),
		row("2024-04-05", "2000", domain.TypeIncome, "salary", "Acme"),
		{Processed: false, RawAmount: "-999"},
	}
}

func TestCompute_Summary(t *testing.T) {
	d := Compute("owner", fixture(), nil, Options{Now: now, BudgetDefault: decimal.NewFromInt(500)})

	if d.Period.From != "2023-11-01" || d.Period.To != "2024-04-15" || d.Period.Months != 6 {
		t.Errorf("unexpected period %+v", d.Period)
	}
	if d.Summary.Income.String() != "4000" || d.Summary.Expense.String() != "1600" || d.Summary.Net.String() != "2400" {
		t.Errorf("unexpected summary %+v", d.Summary)
	}
	if d.Summary.TransactionCount != 7 {
		t.Errorf("count = %d, want 7", d.Summary.TransactionCount)
	}
	if d.SavingsRate.Rate.String() != "0.6" || d.SavingsRate.Health != HealthExcellent {
		t.Errorf("unexpected savings %+v", d.SavingsRate)
	}

	if len(d.SpendingByCategory) != 2 || d.SpendingByCategory[0].Category != "food" {
		t.Fatalf("unexpected categories %+v", d.SpendingByCategory)
	}
	if d.SpendingByCategory[0].Percentage.String() != "81.25" || d.SpendingByCategory[0].Count != 4 {
		t.Errorf("unexpected food total %+v", d.SpendingByCategory[0])
	}

	if len(d.TopMerchants) != 3 || d.TopMerchants[0].Merchant != "Makro" || d.TopMerchants[0].Total.String() != "900" {
		t.Errorf("unexpected merchants %+v", d.TopMerchants)
	}
	if d.IncomeBreakdown.Total.String() != "4000" || d.IncomeBreakdown.AverageMonthly.String() != "666.67" {
		t.Errorf("unexpected income breakdown %+v", d.IncomeBreakdown)
	}
	if d.Lifetime != nil {
		t.Error("expected no lifetime summary without stats")
	}
}

func TestCompute_MonthlyTrendOrdering(t *testing.T) {
	rows := fixture()
	rand.New(rand.NewSource(42)).Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })

	d := Compute("owner", rows, nil, Options{Now: now})

	want := []string{"2023-11", "2023-12", "2024-01", "2024-02", "2024-03", "2024-04"}
	if len(d.MonthlyTrend) != len(want) {
		t.Fatalf("expected %d months, got %d", len(want), len(d.MonthlyTrend))
	}
	for i, m := range want {
		if d.MonthlyTrend[i].Month != m {
			t.Errorf("month %d = %s, want %s", i, d.MonthlyTrend[i].Month, m)
		}
	}
	march := d.MonthlyTrend[4]
	if march.Income.String() != "2000" || march.Expense.String() != "300" || march.Net.String() != "1700" {
		t.Errorf("unexpected march %+v", march)
	}
	if !d.MonthlyTrend[0].Expense.IsZero() {
		t.Error("expected zero-filled months")
	}
}

func TestSavings_ZeroIncome(t *testing.T) {
	s := Savings(decimal.Zero, decimal.NewFromInt(100))
	if !s.Rate.IsZero() || !s.Percent.IsZero() {
		t.Errorf("expected rate 0, got %+v", s)
	}
	if s.Health != HealthNeedsImprovement {
		t.Errorf("health = %q", s.Health)
	}
}

func TestSavings_Health(t *testing.T) {
	tests := []struct {
		expense int64
		want    string
	}{
		{80, HealthExcellent},
		{90, HealthGood},
		{95, HealthFair},
		{96, HealthNeedsImprovement},
		{150, HealthNeedsImprovement},
	}
	for _, tt := range tests {
		if got := Savings(decimal.NewFromInt(100), decimal.NewFromInt(tt.expense)).Health; got != tt.want {
			t.Errorf("expense %d: health = %q, want %q", tt.expense, got, tt.want)
		}
	}
}

func TestCompute_Budgets(t *testing.T) {
	d := Compute("owner", fixture(), nil, Options{Now: now, BudgetDefault: decimal.NewFromInt(500)})

	if len(d.BudgetRecommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %+v", d.BudgetRecommendations)
	}
	food, health := d.BudgetRecommendations[0], d.BudgetRecommendations[1]

	if food.Basis != domain.BudgetBasisTrailing || food.MonthsOfHistory != 3 || food.Recommended.String() != "400" {
		t.Errorf("unexpected food budget %+v", food)
	}
	if food.CurrentSpend.String() != "100" || food.Status != BudgetUnder {
		t.Errorf("unexpected food status %+v", food)
	}

	if health.Basis != domain.BudgetBasisDefault || health.Recommended.String() != "500" {
		t.Errorf("expected default budget for a new category, got %+v", health)
	}
	if health.Status != BudgetOnTrack {
		t.Errorf("health status = %q", health.Status)
	}
}

func TestCompute_Insights(t *testing.T) {
	rows := []domain.Transaction{
		row("2024-03-10", "-100", domain.TypeExpense, "food", "Makro"),
		row("2024-04-10", "-150", domain.TypeExpense, "food", "Makro"),
		row("2024-04-01", "1000", domain.TypeIncome, "salary", "Acme"),
	}
	d := Compute("owner", rows, nil, Options{Now: now})

	kinds := map[string]bool{}
	for _, in := range d.Insights {
		kinds[in.Kind] = true
	}
	for _, want := range []string{"spending_up", "high_savings", "top_category"} {
		if !kinds[want] {
			t.Errorf("missing insight %q in %+v", want, d.Insights)
		}
	}
}

func TestCompute_LifetimeStale(t *testing.T) {
	refreshed := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	stats := &domain.UserStats{OwnerID: "owner", TotalTransactions: 3, RefreshedAt: refreshed}

	rows := fixture()
	fresh := Compute("owner", rows, stats, Options{Now: now})
	if fresh.Lifetime == nil || fresh.Lifetime.Stale {
		t.Fatalf("expected a fresh lifetime summary, got %+v", fresh.Lifetime)
	}

	rows[0].UpdatedAt = refreshed.Add(time.Hour)
	stale := Compute("owner", rows, stats, Options{Now: now})
	if !stale.Lifetime.Stale {
		t.Error("expected lifetime summary to be stale")
	}
}
