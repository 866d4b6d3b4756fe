package model

import (
	"fmt"
	"time"
)

// StartOfDay returns 00:00:00 of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NextMidnight returns 00:00:00 of the day after t.
func NextMidnight(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay reports whether two times fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DayRange returns [00:00 of t's day, 00:00 of the next day).
func DayRange(t time.Time) (time.Time, time.Time) {
	start := StartOfDay(t)
	return start, start.AddDate(0, 0, 1)
}

// CurrentWeekRange returns Monday 00:00:00 and next Monday 00:00:00 for the
// calendar week containing now.
func CurrentWeekRange(now time.Time) (time.Time, time.Time) {
	weekday := now.Weekday()
	if weekday == time.Sunday {
		weekday = 7
	}
	daysFromMonday := int(weekday) - int(time.Monday)
	monday := time.Date(now.Year(), now.Month(), now.Day()-daysFromMonday, 0, 0, 0, 0, now.Location())
	return monday, monday.AddDate(0, 0, 7)
}

// FormatDuration renders a duration as "1h 40m", "45m" or "30s".
func FormatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
