// Package ingest maps source payloads into RawTransactions and computes
// their dedup fingerprints. It performs no I/O.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
)

// Field aliases, tried in order. Keys are matched exactly first and then
// case-insensitively.
var (
	dateKeys        = []string{"date", "Date", "transaction_date", "created_at", "timestamp", "time", "Дата"}
	amountKeys      = []string{"amount", "Amount", "sum", "value", "Сумма"}
	merchantKeys    = []string{"merchant", "Merchant", "payee", "recipient", "counterparty", "Получатель"}
	descriptionKeys = []string{"description", "Description", "note", "memo", "details", "Описание"}
	categoryKeys    = []string{"category", "Category", "Категория"}
	typeKeys        = []string{"type", "direction", "transaction_type"}
	accountKeys     = []string{"account_id", "account"}
	externalIDKeys  = []string{"transaction_id", "payment_id", "external_id", "id"}
)

// Batch is the result of normalizing one batch of payloads.
type Batch struct {
	Records    []domain.RawTransaction
	Rejections []domain.Rejection
}

// Normalizer converts source payloads to RawTransactions.
type Normalizer struct {
	locale parse.Locale
}

// NewNormalizer creates a Normalizer. The locale is only used for the
// best-effort date parse that feeds the fingerprint.
func NewNormalizer(locale parse.Locale) *Normalizer {
	return &Normalizer{locale: locale}
}

// Normalize maps every payload independently. A bad payload becomes a
// rejection and never stops the batch.
func (n *Normalizer) Normalize(ownerID string, channel domain.Channel, payloads []domain.SourcePayload) Batch {
	var b Batch
	for _, p := range payloads {
		var (
			raw domain.RawTransaction
			err error
		)
		switch v := p.(type) {
		case domain.CSVRow:
			raw, err = normalizeCSVRow(v)
		case domain.APIRecord:
			raw, err = normalizeAPIRecord(v)
		case domain.WebhookEvent:
			raw, err = normalizeWebhookEvent(v)
		default:
			err = fmt.Errorf("unsupported payload %T", p)
		}
		if err != nil {
			b.Rejections = append(b.Rejections, domain.IngestRejection(p.Ref(), err.Error()))
			continue
		}

		raw.OwnerID = ownerID
		raw.Channel = channel
		raw.SourceRef = p.Ref()
		raw.Fingerprint = n.Fingerprint(raw)
		b.Records = append(b.Records, raw)
	}
	return b
}

func normalizeCSVRow(row domain.CSVRow) (domain.RawTransaction, error) {
	get := func(keys []string) string { return lookupString(row.Columns, keys) }
	return build(get)
}

func normalizeAPIRecord(rec domain.APIRecord) (domain.RawTransaction, error) {
	get := func(keys []string) string { return lookupAny(rec.Fields, keys) }
	return build(get)
}

func normalizeWebhookEvent(ev domain.WebhookEvent) (domain.RawTransaction, error) {
	get := func(keys []string) string { return lookupAny(ev.Fields, keys) }
	raw, err := build(get)
	if err != nil {
		return raw, err
	}
	if raw.ExternalID == "" {
		raw.ExternalID = ev.EventID
	}
	return raw, nil
}

func build(get func([]string) string) (domain.RawTransaction, error) {
	raw := domain.RawTransaction{
		Description:  get(descriptionKeys),
		AmountText:   get(amountKeys),
		DateText:     get(dateKeys),
		MerchantText: get(merchantKeys),
		CategoryHint: get(categoryKeys),
		TypeHint:     get(typeKeys),
		AccountRef:   get(accountKeys),
		ExternalID:   get(externalIDKeys),
	}

	switch {
	case raw.AmountText == "":
		return raw, fmt.Errorf("missing required field: amount")
	case raw.DateText == "":
		return raw, fmt.Errorf("missing required field: date")
	case raw.Description == "" && raw.MerchantText == "":
		return raw, fmt.Errorf("missing required field: description")
	}
	return raw, nil
}

// Fingerprint hashes owner, best-effort amount, best-effort date and the
// folded description. The same logical event yields the same fingerprint
// whichever channel delivered it.
func (n *Normalizer) Fingerprint(raw domain.RawTransaction) string {
	amount := strings.TrimSpace(raw.AmountText)
	if d, err := parse.Amount(raw.AmountText); err == nil {
		amount = d.String()
	}

	date := strings.TrimSpace(raw.DateText)
	if d, err := parse.Date(raw.DateText, n.locale); err == nil {
		date = d.String()
	}

	desc := raw.Description
	if strings.TrimSpace(desc) == "" {
		desc = raw.MerchantText
	}

	sum := sha256.Sum256([]byte(strings.Join([]string{
		raw.OwnerID, amount, date, parse.Fold(desc),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func lookupString(m map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	for _, k := range keys {
		for mk, v := range m {
			if strings.EqualFold(mk, k) && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func lookupAny(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	for _, k := range keys {
		for mk, v := range m {
			if strings.EqualFold(mk, k) {
				if s := stringify(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// stringify renders a decoded JSON scalar as source text. Objects and arrays
// are not scalar values and yield "".
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
