package utils

import (
	"fmt"
	"time"
)

// FromEpochMillis converts epoch milliseconds to UTC time. Zero yields the zero time.
func FromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FormatWindow renders a [from, to] epoch-millisecond window. It returns "" when both ends are unset.
func FormatWindow(from, to int64) string {
	if from == 0 && to == 0 {
		return ""
	}
	return fmt.Sprintf("%s to %s", formatBound(from), formatBound(to))
}

func formatBound(ms int64) string {
	if ms == 0 {
		return "now"
	}
	return FromEpochMillis(ms).Format(time.RFC3339)
}

// FormatExecutionTime renders a run duration the way paragraph outputs record it.
func FormatExecutionTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.3f ms", float64(d.Microseconds())/1000)
}
