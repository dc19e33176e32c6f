package enrollment

import (
	"strings"
	"time"
)

// dateLayouts are tried in order; the first that parses wins. Day and month
// may come with or without a leading zero.
var dateLayouts = []string{
	"2006-1-2",
	"2-1-2006",
	"2006/1/2",
	"2/1/2006",
}

// parseDate reads a calendar date in one of the accepted layouts. Timestamps
// with a time part ("2024-10-31 00:00:00", RFC 3339) are cut to the date.
func parseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// optionalDate parses raw when present. An unparseable optional date is
// dropped rather than failing the row.
func optionalDate(raw string) *time.Time {
	t, ok := parseDate(raw)
	if !ok {
		return nil
	}
	return &t
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
