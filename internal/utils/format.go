package utils

import (
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders n in IEC units ("2.5 MiB"); negative means unknown.
func FormatBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

// FormatSpeed renders a bytes/second rate.
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

// ParseSize parses human sizes such as "512KiB" or "10 MB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// FormatETA estimates the remaining time, or "" when it cannot be known.
func FormatETA(done, total int64, bps float64) string {
	if total <= 0 || bps <= 0 || done >= total {
		return ""
	}
	secs := float64(total-done) / bps
	return (time.Duration(secs) * time.Second).Round(time.Second).String()
}
