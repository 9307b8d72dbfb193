package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasurementPattern(t *testing.T) {
	p := MeasurementPattern("AAPL", "5m")

	assert.True(t, p.MatchString("ohlc_AAPL_20240315_5m"))
	assert.False(t, p.MatchString("ohlc_AAPL_20240315_5m_extra"))
	assert.False(t, p.MatchString("ohlc_AAPL_2024_5m"))
	assert.False(t, p.MatchString("ohlc_MSFT_20240315_5m"))
	// The 5s suffix must not match a 5m pattern, and vice versa.
	assert.False(t, p.MatchString("ohlc_AAPL_20240315_5s"))
}

func TestMeasurementPatternEscapesSymbol(t *testing.T) {
	// Futures and index tickers carry regex metacharacters.
	p := MeasurementPattern("@ES#", "1m")
	assert.True(t, p.MatchString("ohlc_@ES#_20240315_1m"))

	p = MeasurementPattern("BRK.B", "1d")
	assert.True(t, p.MatchString("ohlc_BRK.B_20240315_1d"))
	assert.False(t, p.MatchString("ohlc_BRKxB_20240315_1d"))
}

func TestRowTag(t *testing.T) {
	row := Row{Values: map[string]interface{}{"symbol": "AAPL", "n": 3}}
	assert.Equal(t, "AAPL", row.Tag("symbol"))
	assert.Equal(t, "", row.Tag("n"))
	assert.Equal(t, "", row.Tag("absent"))
}
