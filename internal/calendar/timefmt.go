package calendar

import (
	"fmt"
	"strings"
	"time"
)

// DisplayLayout renders times like "Feb 18, 10:00 AM EST".
const DisplayLayout = "Jan 2, 3:04 PM MST"

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTime reads an ISO 8601 date-time. Values with an explicit
// offset keep it; values without one are interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q (want ISO 8601, e.g. 2025-02-18T10:00:00)", s)
}

// FormatTime renders t in loc using [DisplayLayout].
func FormatTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DisplayLayout)
}
