package presenter

import (
	"fmt"
	"math"
)

type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	DefaultThreshold     = 80.0
	TemperatureThreshold = 70.0

	warningRatio = 0.7
)

// Classify bands v against threshold: at or above it is critical, from 70% of it up is warning, anything
// else (including NaN) is normal.
func Classify(v, threshold float64) Severity {
	switch {
	case math.IsNaN(v) || math.IsNaN(threshold):
		return SeverityNormal
	case v >= threshold:
		return SeverityCritical
	case v >= threshold*warningRatio:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// ClampPercent bounds a percentage for display. NaN shows as 0.
func ClampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// FormatDuration renders milliseconds as "999ms", "59s" or "2m 5s". Negative input renders as "0ms".
func FormatDuration(ms int64) string {
	switch {
	case ms < 0:
		return "0ms"
	case ms < 1000:
		return fmt.Sprintf("%dms", ms)
	case ms < 60_000:
		return fmt.Sprintf("%ds", ms/1000)
	default:
		return fmt.Sprintf("%dm %ds", ms/60_000, (ms%60_000)/1000)
	}
}

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
)

// FormatBytes uses 1024-based bands with one decimal from KB upward. GB is the largest band.
func FormatBytes(n int64) string {
	switch {
	case n < 0:
		return "0 B"
	case n < kib:
		return fmt.Sprintf("%d B", n)
	case n < mib:
		return fmt.Sprintf("%.1f KB", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.1f MB", float64(n)/mib)
	default:
		return fmt.Sprintf("%.1f GB", float64(n)/gib)
	}
}

// FormatUptime renders host uptime as "3d 4h 12m", "4h 12m" or "12m".
func FormatUptime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	minutes := ms / 60_000
	days, hours, mins := minutes/(24*60), (minutes/60)%24, minutes%60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}
