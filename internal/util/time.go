package util

import (
	"fmt"
	"time"
)

// humanTimeFormat is the layout for human-readable timestamps with timezone.
const humanTimeFormat = "2 Jan 2006 15:04:05 MST"

// HumanTime returns the current local time in a human-readable format.
func HumanTime() string {
	return FormatHumanTime(time.Now())
}

// FormatHumanTime formats t in local time, or "unknown" for the zero time.
func FormatHumanTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Local().Format(humanTimeFormat)
}

// FormatDuration formats d as a compact human-readable string.
// Examples: "45s", "2m 34s", "1h 23m"
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	minutes, seconds := total/60, total%60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// SameDay reports whether a and b fall on the same calendar date in a's location.
func SameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
