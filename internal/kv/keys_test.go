package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "intraday_ticks:MSFT", TickBufferKey("MSFT"))
	assert.Equal(t, "live_ticks:MSFT", LiveTickChannel("MSFT"))
	assert.Equal(t, "symbol:MSFT", SymbolCacheKey("MSFT"))
	assert.Equal(t, "schedule:MSFT_historical", ScheduleKey("MSFT", "historical"))
	assert.Equal(t, "schedule:*_live", ScheduleScanPattern("live"))
}
