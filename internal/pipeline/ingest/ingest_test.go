package ingest

import (
	"strings"
	"testing"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
	"golang.org/x/text/encoding/charmap"
)

func TestDecodeCSV(t *testing.T) {
	input := "date;amount;description;merchant\n" +
		"2024-03-01;-12,50;Coffee;Starbucks\n" +
		";;;\n" +
		"2024-03-02;-5\n" +
		"02.03.2024;1 000;Salary;ACME\n"

	got, err := DecodeCSV(strings.NewReader(input), CSVOptions{})
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(got.Payloads) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(got.Payloads))
	}
	if len(got.Rejections) != 1 {
		t.Fatalf("expected 1 rejection, got %d: %v", len(got.Rejections), got.Rejections)
	}
	if got.Rejections[0].Kind != domain.KindIngestRejection {
		t.Errorf("unexpected rejection kind %q", got.Rejections[0].Kind)
	}
	if got.Rejections[0].Ref != "csv:line:4" {
		t.Errorf("unexpected rejection ref %q", got.Rejections[0].Ref)
	}

	row := got.Payloads[0].(domain.CSVRow)
	if row.Columns["amount"] != "-12,50" || row.Columns["merchant"] != "Starbucks" {
		t.Errorf("unexpected columns: %v", row.Columns)
	}
}

func TestDecodeCSV_Windows1251Fallback(t *testing.T) {
	utf := "Дата,Сумма,Описание\n01.03.2024,-100,Кофе\n"
	legacy, err := charmap.Windows1251.NewEncoder().String(utf)
	if err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	got, err := DecodeCSV(strings.NewReader(legacy), CSVOptions{LegacyFallback: true})
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(got.Payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d (rejections %v)", len(got.Payloads), got.Rejections)
	}
	row := got.Payloads[0].(domain.CSVRow)
	if row.Columns["Описание"] != "Кофе" {
		t.Errorf("expected decoded description, got %v", row.Columns)
	}

	got, err = DecodeCSV(strings.NewReader(legacy), CSVOptions{LegacyFallback: false})
	if err != nil {
		t.Fatalf("DecodeCSV failed: %v", err)
	}
	if len(got.Payloads) != 0 || len(got.Rejections) != 1 {
		t.Fatalf("expected the row to be rejected without fallback, got %d payloads %d rejections",
			len(got.Payloads), len(got.Rejections))
	}
	if got.Rejections[0].Reason != "unreadable encoding" {
		t.Errorf("unexpected reason %q", got.Rejections[0].Reason)
	}
}

func TestDecodeAPIBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		payloads int
		rejected int
		wantErr  bool
	}{
		{"bare list", `[{"amount": 1, "date": "2024-03-01", "description": "x"}]`, 1, 0, false},
		{"data wrapper", `{"data": [{"amount": 1}, {"amount": 2}]}`, 2, 0, false},
		{"transactions wrapper", `{"transactions": [{"amount": 1}, 5]}`, 1, 1, false},
		{"result wrapper", `{"result": {"transactions": [{"amount": 1}]}}`, 1, 0, false},
		{"no list", `{"foo": 1}`, 0, 0, true},
		{"invalid json", `{`, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAPIBody([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeAPIBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got.Payloads) != tt.payloads || len(got.Rejections) != tt.rejected {
				t.Errorf("got %d payloads %d rejections, want %d and %d",
					len(got.Payloads), len(got.Rejections), tt.payloads, tt.rejected)
			}
		})
	}
}

func TestDecodeWebhook(t *testing.T) {
	body := `{"events": [
		{"id": "evt_1", "data": {"amount": "-3.20", "date": "2024-03-01", "merchant": "Uber"}},
		"bogus"
	]}`
	got, err := DecodeWebhook([]byte(body))
	if err != nil {
		t.Fatalf("DecodeWebhook failed: %v", err)
	}
	if len(got.Payloads) != 1 || len(got.Rejections) != 1 {
		t.Fatalf("got %d payloads, %d rejections", len(got.Payloads), len(got.Rejections))
	}
	ev := got.Payloads[0].(domain.WebhookEvent)
	if ev.EventID != "evt_1" || ev.Fields["merchant"] != "Uber" {
		t.Errorf("unexpected event %+v", ev)
	}

	single, err := DecodeWebhook([]byte(`{"id": 7, "amount": 10, "date": "2024-03-01", "note": "refund"}`))
	if err != nil {
		t.Fatalf("DecodeWebhook failed: %v", err)
	}
	if len(single.Payloads) != 1 || single.Payloads[0].Ref() != "webhook:7" {
		t.Errorf("unexpected single event decode: %+v", single.Payloads)
	}
}

func TestNormalize_RejectsMissingFields(t *testing.T) {
	n := NewNormalizer(parse.LocaleDMY)
	payloads := []domain.SourcePayload{
		domain.APIRecord{Index: 0, Fields: map[string]any{"amount": "1", "date": "2024-03-01", "description": "ok"}},
		domain.APIRecord{Index: 1, Fields: map[string]any{"date": "2024-03-01", "description": "no amount"}},
		domain.APIRecord{Index: 2, Fields: map[string]any{"amount": "1", "description": "no date"}},
		domain.APIRecord{Index: 3, Fields: map[string]any{"amount": "1", "date": "2024-03-01", "note": "   "}},
	}

	b := n.Normalize("owner-1", domain.ChannelAPI, payloads)
	if len(b.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(b.Records))
	}
	wantReasons := []string{
		"missing required field: amount",
		"missing required field: date",
		"missing required field: description",
	}
	if len(b.Rejections) != len(wantReasons) {
		t.Fatalf("expected %d rejections, got %v", len(wantReasons), b.Rejections)
	}
	for i, want := range wantReasons {
		if b.Rejections[i].Reason != want {
			t.Errorf("rejection %d reason = %q, want %q", i, b.Rejections[i].Reason, want)
		}
	}

	rec := b.Records[0]
	if rec.OwnerID != "owner-1" || rec.Channel != domain.ChannelAPI || rec.SourceRef != "api:index:0" {
		t.Errorf("unexpected record metadata: %+v", rec)
	}
}

func TestNormalize_AliasesAndNumbers(t *testing.T) {
	n := NewNormalizer(parse.LocaleDMY)
	b := n.Normalize("o", domain.ChannelAPI, []domain.SourcePayload{
		domain.APIRecord{Fields: map[string]any{
			"Amount":         "-15000",
			"created_at":     "2024-03-01",
			"Получатель":     "Korzinka",
			"transaction_id": "tx-9",
			"DIRECTION":      "debit",
		}},
	})
	if len(b.Records) != 1 {
		t.Fatalf("expected a record, got rejections %v", b.Rejections)
	}
	r := b.Records[0]
	if r.AmountText != "-15000" || r.DateText != "2024-03-01" || r.MerchantText != "Korzinka" {
		t.Errorf("unexpected aliases: %+v", r)
	}
	if r.ExternalID != "tx-9" || r.TypeHint != "debit" {
		t.Errorf("unexpected optional fields: %+v", r)
	}
}

func TestFingerprint_StableAcrossChannels(t *testing.T) {
	n := NewNormalizer(parse.LocaleDMY)

	csvBatch := n.Normalize("1", domain.ChannelCSV, []domain.SourcePayload{
		domain.CSVRow{Line: 2, Columns: map[string]string{"amount": "-12,50", "date": "01.03.2024", "description": " COFFEE "}},
	})
	apiBatch := n.Normalize("1", domain.ChannelAPI, []domain.SourcePayload{
		domain.APIRecord{Fields: map[string]any{"amount": "-12.50", "date": "2024-03-01", "description": "Coffee"}},
	})
	otherOwner := n.Normalize("2", domain.ChannelAPI, []domain.SourcePayload{
		domain.APIRecord{Fields: map[string]any{"amount": "-12.50", "date": "2024-03-01", "description": "Coffee"}},
	})

	if len(csvBatch.Records) != 1 || len(apiBatch.Records) != 1 || len(otherOwner.Records) != 1 {
		t.Fatal("expected one record per batch")
	}
	if csvBatch.Records[0].Fingerprint != apiBatch.Records[0].Fingerprint {
		t.Error("expected the same event to share a fingerprint across channels")
	}
	if apiBatch.Records[0].Fingerprint == otherOwner.Records[0].Fingerprint {
		t.Error("expected fingerprints to differ across owners")
	}
	if len(apiBatch.Records[0].Fingerprint) != 64 {
		t.Errorf("expected a hex sha256, got %q", apiBatch.Records[0].Fingerprint)
	}
}

func TestFingerprint_IgnoresAccountRef(t *testing.T) {
	n := NewNormalizer(parse.LocaleDMY)
	raw := domain.RawTransaction{OwnerID: "1", AmountText: "-12.50", DateText: "2024-03-01", Description: "Coffee"}
	withAccount := raw
	withAccount.AccountRef = "card-4417"
	if n.Fingerprint(raw) != n.Fingerprint(withAccount) {
		t.Error("expected the account ref to stay out of the fingerprint")
	}
}

func TestFingerprint_UnparseableFallsBackToText(t *testing.T) {
	n := NewNormalizer(parse.LocaleDMY)
	a := n.Fingerprint(domain.RawTransaction{OwnerID: "1", AmountText: "lots", DateText: "someday", Description: "x"})
	b := n.Fingerprint(domain.RawTransaction{OwnerID: "1", AmountText: " lots ", DateText: "someday", Description: "X"})
	if a != b {
		t.Error("expected trimmed raw text to be hashed when parsing fails")
	}
}
