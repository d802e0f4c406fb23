// Package isotime renders the ISO-8601 UTC millisecond timestamps used
// across the coordinator's on-disk formats, plus the dash-folded form
// embedded in mailbox filenames.
package isotime

import (
	"strings"
	"time"
)

// Layout is ISO-8601 UTC with millisecond precision.
const Layout = "2006-01-02T15:04:05.000Z"

// Format renders t in UTC milliseconds.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Now renders the current time.
func Now() string {
	return Format(time.Now())
}

// Parse reads a timestamp produced by Format.
func Parse(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}

// ForFilename folds Format's output into the filename-safe variant:
// ':' and '.' become '-'.
func ForFilename(t time.Time) string {
	s := Format(t)
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, ".", "-")
}
