package monitor

import (
	"fmt"
	"time"
)

// FormatElapsed formats a duration as "Xh Ym", "Xm Ys" or "X.Ys".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatSteps formats step progress as "X/Y steps".
func FormatSteps(done, total int) string {
	return fmt.Sprintf("%d/%d steps", done, total)
}

// FormatRatio returns done/total clamped to [0, 1].
func FormatRatio(done, total int) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 1
	}
	return float64(done) / float64(total)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}
