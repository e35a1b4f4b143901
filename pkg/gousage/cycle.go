package gousage

import (
	"math"
	"time"
)

// CurrentCycle returns the monthly billing cycle containing now for a plan
// anchored at anchor. The anniversary day-of-month is preserved across months,
// clipping to the last day of short months.
//
// For example, a plan anchored on Jan 31 yields the cycles:
//   - Jan 31 - Feb 28 (or Feb 29 in leap years)
//   - Feb 28 - Mar 31
//   - Mar 31 - Apr 30
func CurrentCycle(anchor, now time.Time) (cycleStart, cycleEnd time.Time) {
	s := startOfDayUTC(anchor)
	n := now.UTC()
	if n.Before(s) {
		// Clock skew or a future anchor: clamp to the first cycle.
		return s, addMonthsWithDay(s, 1, s.Day())
	}

	day := s.Day()
	// Jump close to the answer instead of walking month by month from the anchor.
	months := (n.Year()-s.Year())*12 + int(n.Month()) - int(s.Month()) - 1
	if months < 0 {
		months = 0
	}
	for {
		cycleStart = addMonthsWithDay(s, months, day)
		cycleEnd = addMonthsWithDay(s, months+1, day)
		if cycleEnd.After(n) {
			return cycleStart, cycleEnd
		}
		months++
	}
}

// ResetWindowAt describes the reset window of a plan anchored at anchor whose
// counters were last reset at lastReset. A reset is due once the current
// cycle started after the last reset.
func ResetWindowAt(anchor, lastReset, now time.Time) ResetWindowState {
	start, end := CurrentCycle(anchor, now)

	state := ResetWindowState{
		ShouldReset:   ResetNo,
		LastResetDate: lastReset.UTC(),
		NextResetDate: end,
	}
	if lastReset.IsZero() || lastReset.Before(start) {
		state.ShouldReset = ResetYes
	}
	if lastReset.IsZero() {
		state.LastResetDate = start
	}
	state.DaysSinceLastReset = DaysBetween(state.LastResetDate, now)
	state.DaysUntilNextReset = int(math.Ceil(end.Sub(now.UTC()).Hours() / 24))
	if state.DaysUntilNextReset < 0 {
		state.DaysUntilNextReset = 0
	}
	return state
}

// DaysBetween returns the number of whole days from a to b, never negative
func DaysBetween(a, b time.Time) int {
	d := int(b.UTC().Sub(a.UTC()).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// addMonthsWithDay adds months while preserving the target day-of-month when possible.
// If the target day doesn't exist in the result month (e.g., Feb 31), it uses the last day of that month.
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

// startOfDayUTC returns the start of day (00:00:00) in UTC for the given time.
func startOfDayUTC(t time.Time) time.Time {
	tt := t.UTC()
	return time.Date(tt.Year(), tt.Month(), tt.Day(), 0, 0, 0, 0, time.UTC)
}
