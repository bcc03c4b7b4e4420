package units

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// UnlockTime is the instant a deposit made at depositedAt becomes withdrawable.
func UnlockTime(depositedAt time.Time, lock time.Duration) time.Time {
	return depositedAt.Add(lock)
}

// IsUnlocked reports whether now is at or past the unlock time.
func IsUnlocked(depositedAt time.Time, lock time.Duration, now time.Time) bool {
	return !now.Before(UnlockTime(depositedAt, lock))
}

// TimeRemaining renders the time left until unlock as "2d 3h 4m", dropping
// leading zero components, or "Unlocked" once nothing remains.
func TimeRemaining(depositedAt time.Time, lock time.Duration, now time.Time) string {
	remaining := UnlockTime(depositedAt, lock).Sub(now)
	if remaining <= 0 {
		return "Unlocked"
	}
	days := remaining / day
	hours := (remaining % day) / time.Hour
	minutes := (remaining % time.Hour) / time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// FormatDuration renders a lock duration in coarse calendar units using
// 30-day months: 90 days is "3 months", 360 days is "1 year".
func FormatDuration(d time.Duration) string {
	days := int64(d / day)
	months := days / 30
	switch {
	case months >= 12:
		return plural(months/12, "year")
	case months >= 1:
		return plural(months, "month")
	default:
		return plural(days, "day")
	}
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// ShortAddress abbreviates a hex address for display: 0x1234...abcd.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
