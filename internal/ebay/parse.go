package ebay

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	moneyExpr    = regexp.MustCompile(`([0-9][0-9.,]*)`)
	durationExpr = regexp.MustCompile(`(\d+)\s*([dhms])`)
	itemIDExpr   = regexp.MustCompile(`/itm/(?:[^/?]+/)?(\d{6,})`)
	intExpr      = regexp.MustCompile(`[0-9][0-9,]*`)
	pctExpr      = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*%`)
)

var currencySymbols = []struct {
	marker string
	code   string
}{
	{"US $", "USD"},
	{"C $", "CAD"},
	{"AU $", "AUD"},
	{"GBP", "GBP"},
	{"EUR", "EUR"},
	{"£", "GBP"},
	{"€", "EUR"},
	{"$", "USD"},
}

// parseMoney reads "US $1,234.56" style strings. For ranges ("$10.00 to
// $20.00") the first amount wins.
func parseMoney(text string) (decimal.Decimal, string, error) {
	text = strings.TrimSpace(text)
	match := moneyExpr.FindString(text)
	if match == "" {
		return decimal.Decimal{}, "", fmt.Errorf("no amount in %q", text)
	}
	amount, err := decimal.NewFromString(normalizeNumber(match))
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("parse amount %q: %w", match, err)
	}
	return amount, currencyOf(text), nil
}

func currencyOf(text string) string {
	for _, c := range currencySymbols {
		if strings.Contains(text, c.marker) {
			return c.code
		}
	}
	return ""
}

// normalizeNumber strips thousands separators, accepting "1.234,56" as well
// as "1,234.56".
func normalizeNumber(s string) string {
	s = strings.TrimRight(s, ".,")
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	if lastComma > lastDot && len(s)-lastComma == 3 {
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	}
	return strings.ReplaceAll(s, ",", "")
}

// parseTimeLeft reads "1d 4h left", "12m 30s" and similar.
func parseTimeLeft(text string) (time.Duration, bool) {
	matches := durationExpr.FindAllStringSubmatch(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		switch m[2] {
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "h":
			total += time.Duration(n) * time.Hour
		case "m":
			total += time.Duration(n) * time.Minute
		case "s":
			total += time.Duration(n) * time.Second
		}
	}
	return total, true
}

// parseTimestamp accepts epoch milliseconds or RFC3339.
func parseTimestamp(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", text, err)
	}
	return t.UTC(), nil
}

func parseFirstInt(text string) (int, bool) {
	match := intExpr.FindString(text)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parsePercent(text string) (decimal.Decimal, bool) {
	m := pctExpr.FindStringSubmatch(text)
	if m == nil {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func itemIDFromURL(href string) string {
	m := itemIDExpr.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
