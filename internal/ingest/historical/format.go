package historical

import (
	"sort"
	"time"

	"dtningest/internal/calendar"
	"dtningest/internal/timeframe"
	"dtningest/internal/timeseries"
	"dtningest/internal/extvendor"
)

// barRow is one bar ready for the store, with its measurement resolved from
// the Eastern-time trading date of its timestamp.
type barRow struct {
	Time        time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      int64
	Measurement string
}

// volume applies the fallback chain: per-period volume, then session total,
// then zero.
func volume(prd, tot *int64) int64 {
	if prd != nil {
		return *prd
	}
	if tot != nil {
		return *tot
	}
	return 0
}

// intradayRows converts vendor interval bars. The vendor delivers a date and
// a microseconds-of-day offset; both are interpreted in Eastern time. Rows
// after the session cutoff are dropped.
func intradayRows(bars []vendor.IntradayBar, symbol, tfCode string, cutoff time.Time) []barRow {
	rows := make([]barRow, 0, len(bars))
	for _, b := range bars {
		ts := calendar.ComposeEastern(b.Date, time.Duration(b.TimeOfDay)*time.Microsecond)
		if ts.After(cutoff) {
			continue
		}
		rows = append(rows, barRow{
			Time:        ts,
			Open:        b.OpenP,
			High:        b.HighP,
			Low:         b.LowP,
			Close:       b.CloseP,
			Volume:      volume(b.PrdVlm, b.TotVlm),
			Measurement: timeframe.Measurement(symbol, calendar.EasternDate(ts), tfCode),
		})
	}
	return rows
}

// dailyRows converts vendor daily bars; the timestamp is Eastern midnight of
// the vendor date.
func dailyRows(bars []vendor.DailyBar, symbol, tfCode string, cutoff time.Time) []barRow {
	rows := make([]barRow, 0, len(bars))
	for _, b := range bars {
		ts := calendar.MidnightEastern(b.Date)
		if ts.After(cutoff) {
			continue
		}
		rows = append(rows, barRow{
			Time:        ts,
			Open:        b.OpenP,
			High:        b.HighP,
			Low:         b.LowP,
			Close:       b.CloseP,
			Volume:      volume(b.PrdVlm, b.TotVlm),
			Measurement: timeframe.Measurement(symbol, calendar.EasternDate(ts), tfCode),
		})
	}
	return rows
}

// groupByMeasurement splits rows into per-measurement record batches, each
// in ascending timestamp order.
func groupByMeasurement(rows []barRow) map[string][]timeseries.Record {
	groups := make(map[string][]timeseries.Record)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })

	for _, row := range rows {
		groups[row.Measurement] = append(groups[row.Measurement], timeseries.Record{
			Time: row.Time,
			Fields: map[string]interface{}{
				"open":   row.Open,
				"high":   row.High,
				"low":    row.Low,
				"close":  row.Close,
				"volume": row.Volume,
			},
		})
	}
	return groups
}
