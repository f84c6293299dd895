package monitor

import (
	"fmt"
	"time"
)

// FormatRate formats a per-second rate as "X.X tx/s".
func FormatRate(rate float64) string {
	return fmt.Sprintf("%.1f tx/s", rate)
}

// FormatPercentage formats a ratio (0-1) as a percentage.
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatAgo formats how long ago t was, "never" for the zero time.
func FormatAgo(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return FormatDuration(int64(d.Seconds())) + " ago"
}

// FormatDuration formats seconds as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(seconds int64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
