package kv

import "fmt"

// Well-known keys and channels shared by the ingestion services and the
// admin surface.
const (
	// KeySymbols holds the desired symbol set as a JSON array of
	// {symbol, exchange} objects.
	KeySymbols = "dtn:ingestion:symbols"

	// KeySystemConfig holds the system-wide ingestion configuration.
	KeySystemConfig = "dtn:system:config"

	// ChannelSymbolUpdates receives "symbols_updated" whenever the desired
	// set or any per-symbol schedule changes.
	ChannelSymbolUpdates = "dtn:ingestion:symbol_updates"

	// ChannelConfigUpdates receives "config_updated" on system-config change.
	ChannelConfigUpdates = "dtn:system:config_updates"

	// PayloadSymbolsUpdated and PayloadConfigUpdated are the notification
	// payloads published on the channels above.
	PayloadSymbolsUpdated = "symbols_updated"
	PayloadConfigUpdated  = "config_updated"

	// TickBufferTTLSeconds bounds the recent-tick buffers to 24 hours.
	TickBufferTTLSeconds = 86400

	// SymbolCacheTTLSeconds bounds cached symbol records to 24 hours.
	SymbolCacheTTLSeconds = 86400
)

// TickBufferKey returns the recent-tick buffer key for a symbol.
func TickBufferKey(symbol string) string {
	return fmt.Sprintf("intraday_ticks:%s", symbol)
}

// LiveTickChannel returns the live broadcast channel for a symbol.
func LiveTickChannel(symbol string) string {
	return fmt.Sprintf("live_ticks:%s", symbol)
}

// SymbolCacheKey returns the cache key for a symbol record.
func SymbolCacheKey(symbol string) string {
	return fmt.Sprintf("symbol:%s", symbol)
}

// ScheduleKey returns the schedule record key for a symbol and kind.
func ScheduleKey(symbol, kind string) string {
	return fmt.Sprintf("schedule:%s_%s", symbol, kind)
}

// ScheduleScanPattern matches all schedule records of a kind.
func ScheduleScanPattern(kind string) string {
	return fmt.Sprintf("schedule:*_%s", kind)
}
