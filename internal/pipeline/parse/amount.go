// Package parse turns loosely formatted source text into amounts, calendar
// dates and canonical merchant names.
package parse

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmpty is returned when there is nothing to parse.
	ErrEmpty = errors.New("empty value")
	// ErrUnparseable is returned when the text matches no supported format.
	ErrUnparseable = errors.New("unparseable value")
)

// currencyTokens are removed before numeric parsing. Longer tokens first so
// that "so'm" goes before the apostrophe is treated as a separator.
var currencyTokens = []string{
	"so'm", "soʻm", "сўм", "сум", "руб", "sum",
	"uzs", "usd", "eur", "gbp", "rub",
	"$", "€", "£", "₽",
}

// Amount parses a signed decimal amount. Supported forms include "12.50",
// "-1,234.56", "1.234,56", "$ 12", "1 500 000 so'm", "(12.50)" and "12.50-".
//
// A lone dot is always the decimal point, so "1.500" is 1.5. Dot grouping is
// only recognized next to a decimal comma ("1.500,00") or when repeated
// ("1.500.000"). A lone comma followed by three digits is grouping.
func Amount(text string) (decimal.Decimal, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return decimal.Zero, ErrEmpty
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}

	s = strings.ToLower(s)
	for _, tok := range currencyTokens {
		s = strings.ReplaceAll(s, tok, "")
	}

	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) || r == '\'' || r == '’' || r == '_' {
			continue
		}
		b.WriteRune(r)
	}
	s = b.String()

	if strings.HasSuffix(s, "-") {
		neg = !neg
		s = strings.TrimSuffix(s, "-")
	}
	switch {
	case strings.HasPrefix(s, "-"):
		neg = !neg
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}

	s = normalizeSeparators(s)
	if !isPlainNumber(s) {
		return decimal.Zero, fmt.Errorf("amount %q: %w", text, ErrUnparseable)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", text, ErrUnparseable)
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators resolves thousands and decimal separators so that the
// result uses at most one '.' as the decimal point.
func normalizeSeparators(s string) string {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			return strings.ReplaceAll(s, ",", "")
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case commas == 1:
		tail := s[strings.Index(s, ",")+1:]
		if len(tail) > 0 && len(tail) <= 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

func isPlainNumber(s string) bool {
	digits, dots := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
