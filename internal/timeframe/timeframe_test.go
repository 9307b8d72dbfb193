package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	require.Len(t, All, 14)

	tf, err := Get("5m")
	require.NoError(t, err)
	assert.Equal(t, 300, tf.Interval)
	assert.Equal(t, UnitSeconds, tf.Unit)
	assert.Equal(t, 180, tf.MaxDays)
	assert.True(t, tf.Intraday())
	assert.Equal(t, 5*time.Minute, tf.Duration())

	tf, err = Get("1d")
	require.NoError(t, err)
	assert.Equal(t, UnitDays, tf.Unit)
	assert.Equal(t, 720, tf.MaxDays)
	assert.False(t, tf.Intraday())

	_, err = Get("2h")
	assert.Error(t, err)
}

func TestSecondsTimeframesCapAtSevenDays(t *testing.T) {
	for _, code := range []string{"1s", "5s", "10s", "15s", "30s", "45s"} {
		tf, err := Get(code)
		require.NoError(t, err)
		assert.Equal(t, 7, tf.MaxDays, code)
	}
}

func TestSelect(t *testing.T) {
	assert.Equal(t, All, Select(nil))

	got := Select([]string{"1h", "5m", "bogus"})
	require.Len(t, got, 2)
	// Canonical order is preserved regardless of request order.
	assert.Equal(t, "5m", got[0].Code)
	assert.Equal(t, "1h", got[1].Code)
}

func TestMeasurement(t *testing.T) {
	assert.Equal(t, "ohlc_AAPL_20240315_5m", Measurement("AAPL", "20240315", "5m"))
}
