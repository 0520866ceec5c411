package parse

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

func TestAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"12.50", "12.5", false},
		{"-12.50", "-12.5", false},
		{"+7", "7", false},
		{"$1,234.56", "1234.56", false},
		{"1.234,56", "1234.56", false},
		{"1 500 000 so'm", "1500000", false},
		{"1 234,5 сум", "1234.5", false},
		{"UZS 250000", "250000", false},
		{"1,234", "1234", false},
		{"12,5", "12.5", false},
		{"1.234.567", "1234567", false},
		{"1.500", "1.5", false},
		{"1.500,00", "1500", false},
		{"1 500", "1500", false},
		{"(12.50)", "-12.5", false},
		{"12.50-", "-12.5", false},
		{"€ -3,99", "-3.99", false},
		{"", "", true},
		{"abc", "", true},
		{"12.3.4,5,6", "", true},
		{"$", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Amount(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Amount(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.String() != tt.want {
				t.Errorf("Amount(%q) = %s, want %s", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestAmount_EmptyIsErrEmpty(t *testing.T) {
	if _, err := Amount("   "); !errors.Is(err, ErrEmpty) {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if _, err := Amount("n/a"); !errors.Is(err, ErrUnparseable) {
		t.Errorf("expected ErrUnparseable, got %v", err)
	}
}

func TestDate(t *testing.T) {
	d := func(y int, m time.Month, day int) civil.Date { return civil.Date{Year: y, Month: m, Day: day} }

	tests := []struct {
		name    string
		input   string
		locale  Locale
		want    civil.Date
		wantErr bool
	}{
		{"iso", "2024-03-01", LocaleDMY, d(2024, 3, 1), false},
		{"rfc3339", "2024-03-01T23:10:00+05:00", LocaleDMY, d(2024, 3, 1), false},
		{"iso datetime", "2024-03-01 10:15:00", LocaleDMY, d(2024, 3, 1), false},
		{"slashed mdy", "03/04/2024", LocaleMDY, d(2024, 3, 4), false},
		{"slashed dmy", "03/04/2024", LocaleDMY, d(2024, 4, 3), false},
		{"slashed dmy forced by day", "25/04/2024", LocaleMDY, d(2024, 4, 25), false},
		{"slashed mdy forced by day", "04/25/2024", LocaleDMY, d(2024, 4, 25), false},
		{"dashed dmy", "01-03-2024", LocaleDMY, d(2024, 3, 1), false},
		{"dotted always dmy", "01.03.2024", LocaleMDY, d(2024, 3, 1), false},
		{"two digit year", "01.03.24", LocaleDMY, d(2024, 3, 1), false},
		{"year first slashed", "2024/03/01", LocaleDMY, d(2024, 3, 1), false},
		{"month name", "1 Mar 2024", LocaleDMY, d(2024, 3, 1), false},
		{"long month name", "1 March 2024", LocaleDMY, d(2024, 3, 1), false},
		{"us month name", "Mar 1, 2024", LocaleDMY, d(2024, 3, 1), false},
		{"unix seconds", "1709251200", LocaleDMY, d(2024, 3, 1), false},
		{"unix millis", "1709251200000", LocaleDMY, d(2024, 3, 1), false},
		{"embedded", "posted on 2024-03-01 by bank", LocaleDMY, d(2024, 3, 1), false},
		{"invalid day", "31/02/2024", LocaleDMY, civil.Date{}, true},
		{"mixed separators", "01/03-2024", LocaleDMY, civil.Date{}, true},
		{"garbage", "yesterday", LocaleDMY, civil.Date{}, true},
		{"empty", "", LocaleDMY, civil.Date{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Date(tt.input, tt.locale)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Date(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Date(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLocale(t *testing.T) {
	if l, err := ParseLocale(""); err != nil || l != LocaleDMY {
		t.Errorf("ParseLocale(\"\") = %q, %v", l, err)
	}
	if l, err := ParseLocale("mdy"); err != nil || l != LocaleMDY {
		t.Errorf("ParseLocale(\"mdy\") = %q, %v", l, err)
	}
	if _, err := ParseLocale("YMD"); err == nil {
		t.Error("expected error for unknown locale")
	}
}

func TestMerchant(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"MAKRO #123 Tashkent", "Makro"},
		{"  korzinka.uz  ", "Korzinka"},
		{"YANDEX GO*TRIP", "Yandex Go"},
		{"Yandex.Eda", "Yandex Eda"},
		{"McDonald's 0042", "McDonald's"},
		{"central cafe LLC", "Central"},
		{"joe's   coffee", "Joe S Coffee"},
		{"POS 12345678", "Pos"},
		{"!!!", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Merchant(tt.input); got != tt.want {
				t.Errorf("Merchant(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFold(t *testing.T) {
	if got := Fold("  Coffee   SHOP "); got != "coffee shop" {
		t.Errorf("Fold() = %q", got)
	}
}
