package timeseries

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Row is one flattened query result record. Values carries the full record
// map, including tag columns and pivoted fields.
type Row struct {
	Time        time.Time
	Measurement string
	Field       string
	Value       interface{}
	Values      map[string]interface{}
}

// Tag returns a tag column value from the row, or "".
func (r Row) Tag(name string) string {
	if v, ok := r.Values[name].(string); ok {
		return v
	}
	return ""
}

// QueryRows runs a Flux query with retry and flattens the result.
func (c *Client) QueryRows(ctx context.Context, flux string) ([]Row, error) {
	result, err := c.Query(ctx, flux)
	if err != nil {
		return nil, err
	}

	var rows []Row
	for result.Next() {
		record := result.Record()
		rows = append(rows, Row{
			Time:        record.Time(),
			Measurement: record.Measurement(),
			Field:       record.Field(),
			Value:       record.Value(),
			Values:      record.Values(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestMatchingTime returns the greatest timestamp among points whose
// measurement matches pattern, restricted to the given symbol tag and the
// close field. The bool result is false when no matching point exists.
func (c *Client) LatestMatchingTime(ctx context.Context, bucket, symbol string, pattern *regexp.Regexp, lookbackDays int) (time.Time, bool, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dd)
  |> filter(fn: (r) => r._measurement =~ /%s/)
  |> filter(fn: (r) => r.symbol == %q)
  |> filter(fn: (r) => r._field == "close")
  |> last()
`, bucket, lookbackDays, pattern.String(), symbol)

	rows, err := c.QueryRows(ctx, flux)
	if err != nil {
		return time.Time{}, false, err
	}

	var latest time.Time
	found := false
	for _, row := range rows {
		if !pattern.MatchString(row.Measurement) {
			continue
		}
		if !found || row.Time.After(latest) {
			latest = row.Time
			found = true
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	return latest.UTC(), true, nil
}

// MeasurementPattern builds the anchored measurement regex for one symbol
// and timeframe: ohlc_<symbol>_<YYYYMMDD>_<tf>.
func MeasurementPattern(symbol, timeframe string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`^ohlc_%s_\d{8}_%s$`,
		regexp.QuoteMeta(symbol), regexp.QuoteMeta(timeframe)))
}
