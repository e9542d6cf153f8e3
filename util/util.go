// Package util holds the human-readable formatting helpers shared by
// the environment and package listings.
package util

import (
	"fmt"
	"time"
)

// FormatBytes formats a byte count as a compact human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := "KMGTPE"
	if exp >= len(units) {
		exp = len(units) - 1
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), units[exp])
}

// RelTime formats how long ago a timestamp was, coarsely: the largest
// relevant unit only. Zero or future timestamps yield "N/A".
func RelTime(now time.Time, t time.Time) string {
	if t.IsZero() || t.After(now) {
		return "N/A"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
