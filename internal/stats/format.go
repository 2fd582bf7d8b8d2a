package stats

import (
	"fmt"
	"time"
)

const (
	// Binary unit multipliers (1024-based).
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

type unit struct {
	size   uint64
	suffix string
}

var (
	byteUnits  = []unit{{tib, "TiB"}, {gib, "GiB"}, {mib, "MiB"}, {kib, "KiB"}}
	rateUnits  = []unit{{gib, "GiB/s"}, {mib, "MiB/s"}, {kib, "KiB/s"}}
	speedUnits = []unit{{mib, "GB/s"}, {kib, "MB/s"}}
)

// scale picks the largest unit not exceeding v. ok is false when v is below
// every unit.
func scale(v float64, units []unit) (scaled float64, suffix string, ok bool) {
	for _, u := range units {
		if v >= float64(u.size) {
			return v / float64(u.size), u.suffix, true
		}
	}
	return v, "", false
}

// FormatBytes formats a byte count using binary units (KiB, MiB, GiB, TiB).
func FormatBytes(bytes uint64) string {
	if v, suffix, ok := scale(float64(bytes), byteUnits); ok {
		return fmt.Sprintf("%.1f %s", v, suffix)
	}
	return fmt.Sprintf("%d B", bytes)
}

// FormatRate formats a bytes-per-second rate using binary units.
func FormatRate(bytesPerSec float64) string {
	if v, suffix, ok := scale(bytesPerSec, rateUnits); ok {
		return fmt.Sprintf("%.1f %s", v, suffix)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

// FormatSpeed formats a speed in whole KB/s as returned by Monitor.Speed.
func FormatSpeed(kilobytesPerSec uint64) string {
	if v, suffix, ok := scale(float64(kilobytesPerSec), speedUnits); ok {
		return fmt.Sprintf("%.1f %s", v, suffix)
	}
	return fmt.Sprintf("%d KB/s", kilobytesPerSec)
}

// FormatDuration formats a duration as "1h 23m 45s", "23m 45s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
