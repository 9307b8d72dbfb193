package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func et(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, Eastern())
}

func TestIsTradingHours(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"weekday before open", et(2024, time.March, 12, 9, 29), false},
		{"weekday at open", et(2024, time.March, 12, 9, 30), true},
		{"weekday midday", et(2024, time.March, 12, 11, 0), true},
		{"weekday at close", et(2024, time.March, 12, 16, 0), true},
		{"weekday after close", et(2024, time.March, 12, 16, 1), false},
		{"saturday midday", et(2024, time.March, 16, 11, 0), false},
		{"sunday midday", et(2024, time.March, 17, 11, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTradingHours(tt.t))
		})
	}
}

func TestIsTradingHoursConvertsFromUTC(t *testing.T) {
	// 15:00 UTC on a March weekday is 11:00 ET (EDT).
	utc := time.Date(2024, time.March, 12, 15, 0, 0, 0, time.UTC)
	assert.True(t, IsTradingHours(utc))

	// 15:00 UTC in January is 10:00 ET (EST).
	utc = time.Date(2024, time.January, 9, 15, 0, 0, 0, time.UTC)
	assert.True(t, IsTradingHours(utc))
}

func TestLastCompletedSessionEnd(t *testing.T) {
	t.Run("before 20:00 ET uses yesterday", func(t *testing.T) {
		now := et(2024, time.March, 15, 19, 59)
		got := LastCompletedSessionEnd(now)
		want := et(2024, time.March, 14, 20, 0).UTC()
		assert.Equal(t, want, got)
	})

	t.Run("at 20:00 ET uses today", func(t *testing.T) {
		now := et(2024, time.March, 15, 20, 0)
		got := LastCompletedSessionEnd(now)
		want := et(2024, time.March, 15, 20, 0).UTC()
		assert.Equal(t, want, got)
	})

	t.Run("after 20:00 ET uses today", func(t *testing.T) {
		now := et(2024, time.March, 15, 21, 30)
		got := LastCompletedSessionEnd(now)
		want := et(2024, time.March, 15, 20, 0).UTC()
		assert.Equal(t, want, got)
	})

	t.Run("accepts UTC input", func(t *testing.T) {
		// 01:30 UTC March 16 is 21:30 ET March 15.
		now := time.Date(2024, time.March, 16, 1, 30, 0, 0, time.UTC)
		got := LastCompletedSessionEnd(now)
		want := et(2024, time.March, 15, 20, 0).UTC()
		assert.Equal(t, want, got)
	})
}

func TestEasternDate(t *testing.T) {
	// 00:30 UTC is still the previous trading day in Eastern time.
	ts := time.Date(2024, time.March, 16, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, "20240315", EasternDate(ts))

	ts = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "20240315", EasternDate(ts))
}

func TestComposeEastern(t *testing.T) {
	date := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)

	// 09:30:00 ET == 13:30 UTC during EDT.
	got := ComposeEastern(date, 9*time.Hour+30*time.Minute)
	want := time.Date(2024, time.March, 15, 13, 30, 0, 0, time.UTC)
	assert.Equal(t, want, got)

	// Same offset in January lands on EST, one hour later in UTC.
	date = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	got = ComposeEastern(date, 9*time.Hour+30*time.Minute)
	want = time.Date(2024, time.January, 15, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, want, got)
}

func TestMidnightEastern(t *testing.T) {
	date := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	got := MidnightEastern(date)
	require.Equal(t, time.UTC, got.Location())
	assert.Equal(t, time.Date(2024, time.March, 15, 4, 0, 0, 0, time.UTC), got)
}

func TestFixedClock(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	var c Clock = FixedClock{T: now}
	assert.Equal(t, now, c.Now())
}
