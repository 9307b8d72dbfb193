package calendar

import (
	"time"
)

// Clock provides the current time. Components take a Clock so tests can pin "now".
type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

var eastern *time.Location

func init() {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("calendar: failed to load America/New_York: " + err.Error())
	}
	eastern = loc
}

// Eastern returns the exchange time zone.
func Eastern() *time.Location { return eastern }

const (
	tradingOpenHour    = 9
	tradingOpenMinute  = 30
	tradingCloseHour   = 16
	tradingCloseMinute = 0

	// Session end for gap-fill purposes. Extended-hours data settles by 20:00 ET.
	sessionEndHour   = 20
	sessionEndMinute = 0
)

// IsTradingHours reports whether t falls within regular trading hours:
// 09:30-16:00 Eastern, inclusive on both ends, weekdays only.
func IsTradingHours(t time.Time) bool {
	et := t.In(eastern)

	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	minutes := et.Hour()*60 + et.Minute()
	open := tradingOpenHour*60 + tradingOpenMinute
	close := tradingCloseHour*60 + tradingCloseMinute

	return minutes >= open && minutes <= close
}

// LastCompletedSessionEnd returns the UTC instant of the end of the last
// fully completed trading session relative to now. Before 20:00 ET the last
// completed session ended yesterday; at or after 20:00 ET it ended today.
func LastCompletedSessionEnd(now time.Time) time.Time {
	et := now.In(eastern)

	target := et
	if et.Hour() < sessionEndHour {
		target = et.AddDate(0, 0, -1)
	}

	sessionEnd := time.Date(target.Year(), target.Month(), target.Day(),
		sessionEndHour, sessionEndMinute, 0, 0, eastern)

	return sessionEnd.UTC()
}

// EasternDate formats t's date in Eastern time as YYYYMMDD. Measurement
// partitioning keys off the trading day, not the UTC day.
func EasternDate(t time.Time) string {
	return t.In(eastern).Format("20060102")
}

// ComposeEastern builds a time from a vendor date (days) plus an offset within
// the day, interpreted in Eastern time, and returns it in UTC.
func ComposeEastern(date time.Time, sinceMidnight time.Duration) time.Time {
	et := date.In(time.UTC)
	local := time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, eastern)
	return local.Add(sinceMidnight).UTC()
}

// MidnightEastern returns Eastern midnight of the given vendor date in UTC.
// Daily bars carry a date only.
func MidnightEastern(date time.Time) time.Time {
	return ComposeEastern(date, 0)
}
