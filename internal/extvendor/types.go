// Package vendor defines the record types and client contracts for the
// upstream market-data feed. The ingestion engine consumes these interfaces;
// transport lives in subpackages.
package vendor

import (
	"context"
	"time"
)

// IntradayBar is one interval bar as delivered by the vendor's history
// endpoint. Date carries the day; TimeOfDay is the offset within that day
// in microseconds, interpreted in Eastern time.
type IntradayBar struct {
	Date      time.Time `json:"date"`
	TimeOfDay int64     `json:"time_us"`

	OpenP  float64 `json:"open_p"`
	HighP  float64 `json:"high_p"`
	LowP   float64 `json:"low_p"`
	CloseP float64 `json:"close_p"`

	// PrdVlm is the per-period volume; TotVlm the cumulative session volume.
	// Either column may be absent depending on the instrument.
	PrdVlm *int64 `json:"prd_vlm,omitempty"`
	TotVlm *int64 `json:"tot_vlm,omitempty"`
}

// DailyBar is one daily bar; the vendor supplies a date only.
type DailyBar struct {
	Date time.Time `json:"date"`

	OpenP  float64 `json:"open_p"`
	HighP  float64 `json:"high_p"`
	LowP   float64 `json:"low_p"`
	CloseP float64 `json:"close_p"`

	PrdVlm *int64 `json:"prd_vlm,omitempty"`
	TotVlm *int64 `json:"tot_vlm,omitempty"`
}

// TickRecord is one historical tick. Last is the trade price, LastSize the
// trade size.
type TickRecord struct {
	Date      time.Time `json:"date"`
	TimeOfDay int64     `json:"time_us"`
	Last      float64   `json:"last"`
	LastSize  int64     `json:"last_sz"`
}

// QuoteKind distinguishes live quote message classes.
type QuoteKind int

const (
	// KindTrade is a trade update carrying price and size.
	KindTrade QuoteKind = iota
	// KindSummary is a snapshot carrying the most recent trade price only.
	KindSummary
)

// QuoteUpdate is one decoded live quote message.
type QuoteUpdate struct {
	Kind                QuoteKind
	Symbol              string
	MostRecentTrade     float64
	MostRecentTradeSize int64
}

// HistClient is the vendor's historical-data endpoint.
type HistClient interface {
	// RequestBarsInPeriod fetches interval bars for [start, end]. The
	// interval length is expressed in intervalUnit ("s" for seconds).
	// Returns ErrNoData-coded errors when the vendor has nothing.
	RequestBarsInPeriod(ctx context.Context, ticker string, intervalLen int, intervalUnit string, start, end time.Time, ascend bool) ([]IntradayBar, error)

	// RequestDailyData fetches the trailing numDays daily bars.
	RequestDailyData(ctx context.Context, ticker string, numDays int, ascend bool) ([]DailyBar, error)

	// RequestTicksInPeriod fetches raw ticks for [start, end].
	RequestTicksInPeriod(ctx context.Context, ticker string, start, end time.Time, ascend bool) ([]TickRecord, error)
}

// QuoteClient is the vendor's streaming quote endpoint. The client owns its
// own I/O goroutine and delivers decoded messages on Messages; consumers
// must drain the channel promptly.
type QuoteClient interface {
	// TradesWatch subscribes the symbol to trade and summary updates.
	TradesWatch(ctx context.Context, symbol string) error

	// Unwatch removes the subscription.
	Unwatch(ctx context.Context, symbol string) error

	// Messages is the bounded channel of decoded quote updates.
	Messages() <-chan QuoteUpdate

	Close() error
}
