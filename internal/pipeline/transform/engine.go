// Package transform parses stored raw fields into normalized amounts, dates,
// merchants, types and categories.
package transform

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
)

// Result is the outcome of transforming one batch. Processed rows are ready
// to persist as processed; Rejected rows stay unprocessed with RejectReason set.
type Result struct {
	Processed  []domain.Transaction
	Rejected   []domain.Transaction
	Rejections []domain.Rejection
}

// Engine applies parsing and categorization. It is safe for concurrent use.
type Engine struct {
	rules  Ruleset
	locale parse.Locale
	now    func() time.Time
}

// NewEngine creates an Engine with the given rules and date locale. now
// stamps ProcessedAt; nil means time.Now.
func NewEngine(rules Ruleset, locale parse.Locale, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{rules: rules, locale: locale, now: now}
}

// Transform normalizes every row independently. Input rows are not modified.
func (e *Engine) Transform(ctx context.Context, rows []domain.Transaction) Result {
	var res Result
	now := e.now().UTC()
	for _, row := range rows {
		out, reason := e.transformOne(row, now)
		if reason != "" {
			out.Processed = false
			out.RejectReason = reason
			res.Rejected = append(res.Rejected, out)
			res.Rejections = append(res.Rejections, domain.TransformRejection(ref(row), reason))
			continue
		}
		res.Processed = append(res.Processed, out)
	}
	return res
}

func (e *Engine) transformOne(row domain.Transaction, now time.Time) (domain.Transaction, string) {
	amount, err := parse.Amount(row.RawAmount)
	if err != nil {
		return row, "unparseable amount: " + strings.TrimSpace(row.RawAmount)
	}
	date, err := parse.Date(row.RawDate, e.locale)
	if err != nil {
		return row, "unparseable date: " + strings.TrimSpace(row.RawDate)
	}

	merchant := parse.Merchant(row.RawMerchant)
	if merchant == "" {
		merchant = parse.Merchant(row.Description)
	}
	if merchant == "" {
		return row, "unparseable merchant"
	}

	txType := TypeOf(row.TypeHint, amount)
	category, _ := e.rules.Categorize(Candidate{
		Type:         txType,
		Merchant:     merchant,
		Text:         parse.Fold(row.Description + " " + merchant),
		CategoryHint: parse.Fold(row.CategoryHint),
	})

	t := date.In(time.UTC)
	row.Amount = decimal.NewNullDecimal(amount)
	row.Date = &t
	row.Merchant = merchant
	row.Type = txType
	row.Category = category
	row.Processed = true
	row.RejectReason = ""
	row.ProcessedAt = &now
	return row, ""
}

// TypeOf resolves the transaction type. A recognized hint wins over the sign
// of the amount; a zero amount without a hint is an expense.
func TypeOf(hint string, amount decimal.Decimal) domain.TransactionType {
	switch parse.Fold(hint) {
	case "income", "credit", "in", "cr":
		return domain.TypeIncome
	case "expense", "debit", "out", "dr":
		return domain.TypeExpense
	}
	if amount.IsPositive() {
		return domain.TypeIncome
	}
	return domain.TypeExpense
}

func ref(row domain.Transaction) string {
	if row.SourceRef != "" {
		return row.SourceRef
	}
	return "transaction:" + row.ID
}
