package parse

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type merchantAlias struct {
	pattern *regexp.Regexp
	name    string
}

// merchantAliases is evaluated in order; the first match wins.
var merchantAliases = []merchantAlias{
	{regexp.MustCompile(`\bmakro\b`), "Makro"},
	{regexp.MustCompile(`\bkorzinka\b`), "Korzinka"},
	{regexp.MustCompile(`\bhavas\b`), "Havas"},
	{regexp.MustCompile(`\bcarrefour\b`), "Carrefour"},
	{regexp.MustCompile(`\bstarbucks\b`), "Starbucks"},
	{regexp.MustCompile(`\bevos\b`), "Evos"},
	{regexp.MustCompile(`\bkfc\b`), "KFC"},
	{regexp.MustCompile(`\bmc ?donald`), "McDonald's"},
	{regexp.MustCompile(`\byandex ?(eda|food)\b`), "Yandex Eda"},
	{regexp.MustCompile(`\byandex ?(go|taxi)\b`), "Yandex Go"},
	{regexp.MustCompile(`\buber\b`), "Uber"},
	{regexp.MustCompile(`\b(amazon|amzn)\b`), "Amazon"},
	{regexp.MustCompile(`\bnetflix\b`), "Netflix"},
	{regexp.MustCompile(`\bspotify\b`), "Spotify"},
	{regexp.MustCompile(`\buzum\b`), "Uzum"},
	{regexp.MustCompile(`\bpayme\b`), "Payme"},
}

var (
	punctuation    = regexp.MustCompile(`[^\p{L}\p{N}&\s]+`)
	terminalIDs    = regexp.MustCompile(`\b\d{4,}\b`)
	merchantSuffix = regexp.MustCompile(`\b(tashkent|toshkent|yunusobod|chilonzor|restaurant|cafe|llc|inc|ltd|ooo|mchj)\b`)
	spaces         = regexp.MustCompile(`\s+`)
)

// Merchant folds case, strips punctuation and terminal numbers, applies the
// alias table and title-cases whatever is left. It returns "" when nothing
// recognizable remains.
func Merchant(text string) string {
	s := cases.Fold().String(text)
	s = punctuation.ReplaceAllString(s, " ")
	s = terminalIDs.ReplaceAllString(s, " ")
	s = collapse(s)
	if s == "" {
		return ""
	}

	for _, a := range merchantAliases {
		if a.pattern.MatchString(s) {
			return a.name
		}
	}

	s = collapse(merchantSuffix.ReplaceAllString(s, " "))
	if s == "" {
		return ""
	}
	return cases.Title(language.Und).String(s)
}

// Fold returns the case-folded, whitespace-trimmed form of s used for
// keyword matching and fingerprints.
func Fold(s string) string {
	return collapse(cases.Fold().String(s))
}

func collapse(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
