package transform

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
)

func fixedEngine() *Engine {
	return NewEngine(DefaultRules(), parse.LocaleDMY, func() time.Time {
		return time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestTransform_Categorization(t *testing.T) {
	tests := []struct {
		name         string
		row          domain.Transaction
		wantCategory string
		wantType     domain.TransactionType
		wantMerchant string
	}{
		{
			name:         "food by merchant alias",
			row:          domain.Transaction{RawAmount: "-45 000 сум", RawDate: "01.03.2024", RawMerchant: "KORZINKA #12", Description: "card purchase"},
			wantCategory: CategoryFood,
			wantType:     domain.TypeExpense,
			wantMerchant: "Korzinka",
		},
		{
			name:         "salary needs income",
			row:          domain.Transaction{RawAmount: "5000000", RawDate: "2024-03-05", Description: "Salary March", RawMerchant: "ACME"},
			wantCategory: CategorySalary,
			wantType:     domain.TypeIncome,
			wantMerchant: "Acme",
		},
		{
			name:         "hint beats keywords",
			row:          domain.Transaction{RawAmount: "-10", RawDate: "2024-03-05", Description: "Starbucks", CategoryHint: "Bills & Utilities"},
			wantCategory: CategoryUtilities,
			wantType:     domain.TypeExpense,
			wantMerchant: "Starbucks",
		},
		{
			name:         "unknown hint falls through to rules",
			row:          domain.Transaction{RawAmount: "-10", RawDate: "2024-03-05", Description: "Yandex Go ride", CategoryHint: "misc"},
			wantCategory: CategoryTransport,
			wantType:     domain.TypeExpense,
			wantMerchant: "Yandex Go",
		},
		{
			name:         "fallback",
			row:          domain.Transaction{RawAmount: "-10", RawDate: "2024-03-05", Description: "Something odd"},
			wantCategory: domain.CategoryUncategorized,
			wantType:     domain.TypeExpense,
			wantMerchant: "Something Odd",
		},
	}

	e := fixedEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Transform(context.Background(), []domain.Transaction{tt.row})
			if len(res.Processed) != 1 {
				t.Fatalf("expected 1 processed row, got rejections %v", res.Rejections)
			}
			got := res.Processed[0]
			if got.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Merchant != tt.wantMerchant {
				t.Errorf("merchant = %q, want %q", got.Merchant, tt.wantMerchant)
			}
			if !got.Processed || got.ProcessedAt == nil || got.Date == nil || !got.Amount.Valid {
				t.Errorf("row not fully processed: %+v", got)
			}
		})
	}
}

func TestTransform_RejectionLeavesRowUnprocessed(t *testing.T) {
	e := fixedEngine()
	rows := []domain.Transaction{
		{ID: "a", SourceRef: "csv:line:2", RawAmount: "abc", RawDate: "2024-03-01", Description: "x"},
		{ID: "b", RawAmount: "1", RawDate: "not a date", Description: "x"},
		{ID: "c", RawAmount: "1", RawDate: "2024-03-01", Description: "!!!"},
		{ID: "d", RawAmount: "1", RawDate: "2024-03-01", Description: "ok", RejectReason: "old"},
	}
	res := e.Transform(context.Background(), rows)

	if len(res.Processed) != 1 || len(res.Rejected) != 3 || len(res.Rejections) != 3 {
		t.Fatalf("got %d processed, %d rejected, %d rejections",
			len(res.Processed), len(res.Rejected), len(res.Rejections))
	}
	wantReasons := []string{"unparseable amount: abc", "unparseable date: not a date", "unparseable merchant"}
	for i, want := range wantReasons {
		if res.Rejected[i].Processed {
			t.Errorf("rejected row %d marked processed", i)
		}
		if res.Rejected[i].RejectReason != want {
			t.Errorf("reason %d = %q, want %q", i, res.Rejected[i].RejectReason, want)
		}
		if res.Rejections[i].Kind != domain.KindTransformRejection {
			t.Errorf("rejection %d kind = %q", i, res.Rejections[i].Kind)
		}
	}
	if res.Rejections[0].Ref != "csv:line:2" || res.Rejections[1].Ref != "transaction:b" {
		t.Errorf("unexpected refs: %q, %q", res.Rejections[0].Ref, res.Rejections[1].Ref)
	}
	if res.Processed[0].RejectReason != "" {
		t.Error("expected reject reason to be cleared on success")
	}
}

func TestTransform_TypeHintNeverFlipsSign(t *testing.T) {
	e := fixedEngine()
	res := e.Transform(context.Background(), []domain.Transaction{
		{RawAmount: "25", RawDate: "2024-03-01", Description: "refund", TypeHint: "debit"},
	})
	if len(res.Processed) != 1 {
		t.Fatal("expected the row to process")
	}
	got := res.Processed[0]
	if got.Type != domain.TypeExpense {
		t.Errorf("type = %q, want expense", got.Type)
	}
	if !got.Amount.Decimal.Equal(decimal.NewFromInt(25)) {
		t.Errorf("amount = %s, want 25", got.Amount.Decimal)
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		hint   string
		amount int64
		want   domain.TransactionType
	}{
		{"", 10, domain.TypeIncome},
		{"", -10, domain.TypeExpense},
		{"", 0, domain.TypeExpense},
		{"CREDIT", -10, domain.TypeIncome},
		{"out", 10, domain.TypeExpense},
		{"unknown", 10, domain.TypeIncome},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.hint, decimal.NewFromInt(tt.amount)); got != tt.want {
			t.Errorf("TypeOf(%q, %d) = %q, want %q", tt.hint, tt.amount, got, tt.want)
		}
	}
}

func TestTransform_Deterministic(t *testing.T) {
	e := fixedEngine()
	rows := []domain.Transaction{
		{RawAmount: "-12.50", RawDate: "2024-03-01", Description: "Netflix"},
		{RawAmount: "-3", RawDate: "2024-03-02", Description: "atm fee"},
	}
	a := e.Transform(context.Background(), rows)
	b := e.Transform(context.Background(), rows)
	if !reflect.DeepEqual(a, b) {
		t.Error("expected identical results for identical input")
	}
	if rows[0].Processed {
		t.Error("input rows must not be mutated")
	}
}

func TestRuleset_ZeroValueAndCopy(t *testing.T) {
	var rs Ruleset
	if cat, rule := rs.Categorize(Candidate{}); cat != domain.CategoryUncategorized || rule != "fallback" {
		t.Errorf("zero ruleset = %q/%q", cat, rule)
	}

	rules := []Rule{{Name: "all", Category: "x", Match: func(Candidate) bool { return true }}}
	rs = NewRuleset(rules...)
	rules[0].Category = "mutated"
	if cat, _ := rs.Categorize(Candidate{}); cat != "x" {
		t.Errorf("ruleset changed after construction: %q", cat)
	}
}

func TestCategoryFromHint(t *testing.T) {
	if tag, ok := CategoryFromHint("food"); !ok || tag != CategoryFood {
		t.Errorf("known tag: %q %v", tag, ok)
	}
	if tag, ok := CategoryFromHint("bank & financial services"); !ok || tag != CategoryFinancial {
		t.Errorf("alias: %q %v", tag, ok)
	}
	if _, ok := CategoryFromHint(domain.CategoryUncategorized); ok {
		t.Error("uncategorized must not count as a hint")
	}
}

func TestTransform_StampsProcessedAtFromClock(t *testing.T) {
	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewEngine(DefaultRules(), parse.LocaleDMY, func() time.Time { return at })

	res := e.Transform(context.Background(), []domain.Transaction{
		{ID: "1", RawAmount: "-100", RawDate: "2024-03-01", Description: "Coffee"},
	})
	if len(res.Processed) != 1 {
		t.Fatalf("processed = %+v, rejections = %+v", res.Processed, res.Rejections)
	}
	if got := res.Processed[0].ProcessedAt; got == nil || !got.Equal(at) {
		t.Errorf("processed_at = %v, want %v", got, at)
	}
}
