package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Locale decides how ambiguous numeric dates such as 03/04/2024 are read.
type Locale string

const (
	LocaleDMY Locale = "DMY"
	LocaleMDY Locale = "MDY"
)

// ParseLocale validates a locale hint. An empty hint is DMY.
func ParseLocale(s string) (Locale, error) {
	switch Locale(strings.ToUpper(strings.TrimSpace(s))) {
	case "", LocaleDMY:
		return LocaleDMY, nil
	case LocaleMDY:
		return LocaleMDY, nil
	}
	return "", fmt.Errorf("unknown date locale %q (want DMY or MDY)", s)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var textLayouts = []string{
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
	"2 Jan 2006 15:04",
}

var (
	numericDate  = regexp.MustCompile(`^(\d{1,4})([/.\-])(\d{1,2})([/.\-])(\d{2,4})$`)
	embeddedDate = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}[./\-]\d{1,2}[./\-]\d{2,4}`)
)

// unixMillisThreshold separates unix seconds from unix milliseconds.
const unixMillisThreshold = 1e10

// Date parses a calendar date. It accepts ISO-8601 dates and timestamps,
// slashed, dashed and dotted numeric dates, English month names, unix
// seconds or milliseconds, and a date embedded in surrounding text.
func Date(text string, loc Locale) (civil.Date, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return civil.Date{}, ErrEmpty
	}

	if d, ok := unixDate(s); ok {
		return d, nil
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}

	if d, ok := parseNumeric(s, loc); ok {
		return d, nil
	}

	for _, layout := range textLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}

	if m := embeddedDate.FindString(s); m != "" && m != s {
		return Date(m, loc)
	}

	return civil.Date{}, fmt.Errorf("date %q: %w", text, ErrUnparseable)
}

func unixDate(s string) (civil.Date, bool) {
	if len(s) < 9 {
		return civil.Date{}, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return civil.Date{}, false
	}
	var t time.Time
	if n > unixMillisThreshold {
		t = time.UnixMilli(n).UTC()
	} else {
		t = time.Unix(n, 0).UTC()
	}
	return civil.DateOf(t), true
}

func parseNumeric(s string, loc Locale) (civil.Date, bool) {
	m := numericDate.FindStringSubmatch(s)
	if m == nil || m[2] != m[4] {
		return civil.Date{}, false
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[3])
	c, _ := strconv.Atoi(m[5])

	var d civil.Date
	switch {
	case len(m[1]) == 4:
		d = civil.Date{Year: a, Month: time.Month(b), Day: c}
	case len(m[5]) == 2 || len(m[5]) == 4:
		year := c
		if len(m[5]) == 2 {
			year += 2000
		}
		day, month := a, b
		if !dayFirst(a, b, m[2], loc) {
			day, month = b, a
		}
		d = civil.Date{Year: year, Month: time.Month(month), Day: day}
	default:
		return civil.Date{}, false
	}
	return d, d.IsValid()
}

// dayFirst decides between DD?MM and MM?DD. A component above 12 can only be
// a day; dotted dates are always day-first.
func dayFirst(a, b int, sep string, loc Locale) bool {
	switch {
	case sep == ".":
		return true
	case a > 12:
		return true
	case b > 12:
		return false
	}
	return loc != LocaleMDY
}
