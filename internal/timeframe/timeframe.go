// Package timeframe defines the bar timeframes the system ingests.
package timeframe

import (
	"fmt"
	"time"
)

// Unit is the interval unit of a timeframe.
type Unit string

const (
	UnitSeconds Unit = "s"
	UnitDays    Unit = "d"
)

// Timeframe is one bar series resolution.
type Timeframe struct {
	// Code is the short name used in measurement suffixes, e.g. "5m".
	Code string
	// Interval is the bar width in Unit units.
	Interval int
	Unit     Unit
	// MaxDays caps how far back this timeframe is ever backfilled.
	MaxDays int
}

// Intraday reports whether the timeframe is sub-daily.
func (tf Timeframe) Intraday() bool { return tf.Unit == UnitSeconds }

// Duration returns the bar width for intraday timeframes.
func (tf Timeframe) Duration() time.Duration {
	if tf.Unit == UnitDays {
		return time.Duration(tf.Interval) * 24 * time.Hour
	}
	return time.Duration(tf.Interval) * time.Second
}

// All is the canonical timeframe table, ordered finest first.
var All = []Timeframe{
	{Code: "1s", Interval: 1, Unit: UnitSeconds, MaxDays: 7},
	{Code: "5s", Interval: 5, Unit: UnitSeconds, MaxDays: 7},
	{Code: "10s", Interval: 10, Unit: UnitSeconds, MaxDays: 7},
	{Code: "15s", Interval: 15, Unit: UnitSeconds, MaxDays: 7},
	{Code: "30s", Interval: 30, Unit: UnitSeconds, MaxDays: 7},
	{Code: "45s", Interval: 45, Unit: UnitSeconds, MaxDays: 7},
	{Code: "1m", Interval: 60, Unit: UnitSeconds, MaxDays: 180},
	{Code: "5m", Interval: 300, Unit: UnitSeconds, MaxDays: 180},
	{Code: "10m", Interval: 600, Unit: UnitSeconds, MaxDays: 180},
	{Code: "15m", Interval: 900, Unit: UnitSeconds, MaxDays: 180},
	{Code: "30m", Interval: 1800, Unit: UnitSeconds, MaxDays: 180},
	{Code: "45m", Interval: 2700, Unit: UnitSeconds, MaxDays: 180},
	{Code: "1h", Interval: 3600, Unit: UnitSeconds, MaxDays: 180},
	{Code: "1d", Interval: 1, Unit: UnitDays, MaxDays: 720},
}

var byCode = func() map[string]Timeframe {
	m := make(map[string]Timeframe, len(All))
	for _, tf := range All {
		m[tf.Code] = tf
	}
	return m
}()

// Get looks a timeframe up by code.
func Get(code string) (Timeframe, error) {
	tf, ok := byCode[code]
	if !ok {
		return Timeframe{}, fmt.Errorf("unknown timeframe %q", code)
	}
	return tf, nil
}

// Codes returns all timeframe codes in canonical order.
func Codes() []string {
	out := make([]string, len(All))
	for i, tf := range All {
		out[i] = tf.Code
	}
	return out
}

// Select resolves a list of codes to timeframes, preserving canonical order
// and dropping unknown codes. An empty list selects everything.
func Select(codes []string) []Timeframe {
	if len(codes) == 0 {
		return All
	}
	want := make(map[string]bool, len(codes))
	for _, c := range codes {
		want[c] = true
	}
	var out []Timeframe
	for _, tf := range All {
		if want[tf.Code] {
			out = append(out, tf)
		}
	}
	return out
}

// Measurement returns the measurement name for one bar: the symbol, the
// Eastern-time trading date, and the timeframe code.
func Measurement(symbol, easternDate, code string) string {
	return fmt.Sprintf("ohlc_%s_%s_%s", symbol, easternDate, code)
}
