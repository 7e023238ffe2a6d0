package util

import (
	"fmt"
	"regexp"
	"time"
)

// CaptureTimeLayout is the timestamp embedded in capture file names.
const CaptureTimeLayout = "2006-01-02-15-04-05"

// captureTimePattern matches a CaptureTimeLayout timestamp, or at least its
// date part.
var captureTimePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}(-\d{2}-\d{2}-\d{2})?`)

// FormatCaptureTime formats t for use in a capture file name.
func FormatCaptureTime(t time.Time) string {
	return t.Format(CaptureTimeLayout)
}

// ParseCaptureTime extracts the local capture time from a file name. Names
// carrying only a YYYY-MM-DD date resolve to midnight.
func ParseCaptureTime(name string) (time.Time, bool) {
	match := captureTimePattern.FindString(name)
	if match == "" {
		return time.Time{}, false
	}
	layout := CaptureTimeLayout
	if len(match) == len(time.DateOnly) {
		layout = time.DateOnly
	}
	t, err := time.ParseInLocation(layout, match, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// humanTimeFormat is the layout for human-readable timestamps with timezone.
const humanTimeFormat = "2 Jan 2006 15:04 MST"

// HumanTime returns the current local time in a human-readable format.
func HumanTime() string {
	return time.Now().Format(humanTimeFormat)
}

// FormatHumanTime converts an RFC3339 build timestamp to local time. Unset
// and unparsable values are returned as they are.
func FormatHumanTime(rfc3339 string) string {
	if rfc3339 == "" {
		return "unknown"
	}
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return rfc3339
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatDuration formats d as "45s", "2m 34s" or "1h 23m".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
