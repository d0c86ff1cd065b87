package timeutil

import (
	"fmt"
	"time"
)

// FormatAge renders the elapsed time since t in the compact form used by dashboard tables (45s, 12m, 5h, 3d).
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "0s"
	}
	return FormatDuration(time.Since(t))
}

// FormatDuration renders d using its largest whole unit.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 365*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	return fmt.Sprintf("%dy", int(d.Hours()/(24*365)))
}
