package gousage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCurrentCycle(t *testing.T) {
	// Anniversary on the 10th
	anchor := date(2023, 1, 10)

	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"In first month", time.Date(2023, 1, 15, 12, 0, 0, 0, time.UTC), date(2023, 1, 10), date(2023, 2, 10)},
		{"Exactly on boundary", date(2023, 2, 10), date(2023, 2, 10), date(2023, 3, 10)},
		{"One second before boundary", time.Date(2023, 2, 9, 23, 59, 59, 0, time.UTC), date(2023, 1, 10), date(2023, 2, 10)},
		{"Crosses year boundary", date(2023, 12, 25), date(2023, 12, 10), date(2024, 1, 10)},
		{"Future anchor (skew)", date(2022, 12, 21), date(2023, 1, 10), date(2023, 2, 10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := CurrentCycle(anchor, tt.now)
			assert.Equal(t, tt.wantStart, gotStart)
			assert.Equal(t, tt.wantEnd, gotEnd)
		})
	}
}

// A plan anchored on the 31st must snap back to the 31st after a short
// month instead of drifting to the 28th.
func TestCurrentCycle_MonthEndAnchor(t *testing.T) {
	anchor := date(2023, 1, 31)

	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"February", date(2023, 2, 15), date(2023, 1, 31), date(2023, 2, 28)},
		{"March snaps back", date(2023, 3, 15), date(2023, 2, 28), date(2023, 3, 31)},
		{"April", date(2023, 4, 15), date(2023, 3, 31), date(2023, 4, 30)},
		{"No cumulative drift", date(2023, 6, 15), date(2023, 5, 31), date(2023, 6, 30)},
		{"Leap February", date(2024, 2, 15), date(2024, 1, 31), date(2024, 2, 29)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotStart, gotEnd := CurrentCycle(anchor, tt.now)
			assert.Equal(t, tt.wantStart, gotStart)
			assert.Equal(t, tt.wantEnd, gotEnd)
		})
	}
}

func TestCurrentCycle_LeapDayAnchor(t *testing.T) {
	anchor := date(2024, 2, 29)

	gotStart, gotEnd := CurrentCycle(anchor, date(2025, 2, 15))
	assert.Equal(t, date(2025, 1, 29), gotStart)
	assert.Equal(t, date(2025, 2, 28), gotEnd)

	gotStart, gotEnd = CurrentCycle(anchor, date(2028, 2, 15))
	assert.Equal(t, date(2028, 1, 29), gotStart)
	assert.Equal(t, date(2028, 2, 29), gotEnd)
}

func TestCurrentCycle_TimezoneIndependence(t *testing.T) {
	anchor := date(2023, 1, 15)
	nows := []time.Time{
		time.Date(2023, 2, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2023, 2, 15, 7, 0, 0, 0, time.FixedZone("EST", -5*3600)),
		time.Date(2023, 2, 15, 4, 0, 0, 0, time.FixedZone("PST", -8*3600)),
	}

	for _, now := range nows {
		gotStart, gotEnd := CurrentCycle(anchor, now)
		assert.Equal(t, date(2023, 2, 15), gotStart, now.String())
		assert.Equal(t, date(2023, 3, 15), gotEnd, now.String())
	}
}

func TestAddMonthsWithDay(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Time
		months int
		want   time.Time
	}{
		{"Jan 31 + 1 month = Feb 28", date(2023, 1, 31), 1, date(2023, 2, 28)},
		{"Jan 31 + 1 month (Leap) = Feb 29", date(2024, 1, 31), 1, date(2024, 2, 29)},
		{"Mar 31 + 1 month = Apr 30", date(2023, 3, 31), 1, date(2023, 4, 30)},
		{"Aug 31 + 6 months = Feb 28", date(2022, 8, 31), 6, date(2023, 2, 28)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, addMonthsWithDay(tt.base, tt.months, tt.base.Day()))
		})
	}
}

func TestResetWindowAt(t *testing.T) {
	anchor := date(2026, 1, 5)
	now := date(2026, 3, 10)

	t.Run("due after cycle rolled over", func(t *testing.T) {
		st := ResetWindowAt(anchor, date(2026, 2, 5), now)
		assert.True(t, st.Due())
		assert.Equal(t, date(2026, 2, 5), st.LastResetDate)
		assert.Equal(t, date(2026, 4, 5), st.NextResetDate)
		assert.Equal(t, 33, st.DaysSinceLastReset)
		assert.Equal(t, 26, st.DaysUntilNextReset)
	})

	t.Run("not due within the cycle", func(t *testing.T) {
		st := ResetWindowAt(anchor, date(2026, 3, 6), now)
		assert.False(t, st.Due())
		assert.Equal(t, ResetNo, st.ShouldReset)
		assert.Equal(t, 4, st.DaysSinceLastReset)
	})

	t.Run("never reset", func(t *testing.T) {
		st := ResetWindowAt(anchor, time.Time{}, now)
		assert.True(t, st.Due())
		assert.Equal(t, date(2026, 3, 5), st.LastResetDate)
	})
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 0, DaysBetween(date(2026, 3, 10), date(2026, 3, 1)))
	assert.Equal(t, 9, DaysBetween(date(2026, 3, 1), date(2026, 3, 10)))
	assert.Equal(t, 0, DaysBetween(date(2026, 3, 1), time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
}
