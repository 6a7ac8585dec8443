package utils

import "time"

// FIXTimestamp renders a time in the FIX UTC timestamp layout with
// millisecond precision.
func FIXTimestamp(date time.Time) string {
	return date.UTC().Format("20060102-15:04:05.000")
}
