package ingest

import (
	"strings"
	"time"
)

// timeLayouts is tried in order. Exports in the wild mix ISO 8601 with
// and without zones, space-separated variants, slash dates and date-only
// cells; ambiguous slash dates are read month-first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"02-01-2006 15:04:05",
	"02-01-2006",
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006",
	"2 Jan 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// ParseAnyTime parses an arbitrary textual timestamp best-effort.
// Returns false rather than an error: a bad timestamp fails only the row
// it came from.
func ParseAnyTime(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DayBucket truncates a timestamp to its calendar day at midnight UTC.
// Bucketing uses the parsed date fields directly, matching how naive
// export timestamps are grouped.
func DayBucket(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

// SecondsBetween returns end-start in seconds, floored at zero. Either
// side failing to parse fails the computation.
func SecondsBetween(start, end string) (float64, bool) {
	t1, ok1 := ParseAnyTime(start)
	t2, ok2 := ParseAnyTime(end)
	if !ok1 || !ok2 {
		return 0, false
	}
	secs := t2.Sub(t1).Seconds()
	if secs < 0 {
		secs = 0
	}
	return secs, true
}
