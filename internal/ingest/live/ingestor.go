// Package live implements the streaming tick ingestor: subscription
// management, backfill-on-subscribe and per-tick fan-out.
package live

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/kv"
	"dtningest/internal/monitor"
	"dtningest/internal/extvendor"
)

// KV is the slice of the key/value store the ingestor needs.
type KV interface {
	Delete(ctx context.Context, keys ...string) error
	RPushExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error
	RPushAllExpire(ctx context.Context, key string, values [][]byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Tick is the published tick payload. Timestamp is UTC epoch seconds with
// fractional precision.
type Tick struct {
	Price     float64 `json:"price"`
	Volume    int64   `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// Ingestor maintains the watched set on the vendor quote connection and fans
// every valid message out to the broadcast channel and the recent-tick
// buffer.
type Ingestor struct {
	quote   vendor.QuoteClient
	hist    vendor.HistClient
	kvs     KV
	clock   calendar.Clock
	log     *logrus.Entry
	metrics *monitor.Metrics

	// watched is mutated by Subscribe/Unsubscribe only; one lock serializes
	// all access.
	mu      sync.Mutex
	watched map[string]struct{}
}

// New builds a live ingestor.
func New(quote vendor.QuoteClient, hist vendor.HistClient, kvs KV, clock calendar.Clock, log *logrus.Entry, metrics *monitor.Metrics) *Ingestor {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &Ingestor{
		quote:   quote,
		hist:    hist,
		kvs:     kvs,
		clock:   clock,
		log:     log,
		metrics: metrics,
		watched: make(map[string]struct{}),
	}
}

// Subscribe starts live ingestion for a symbol. The intraday buffer is
// backfilled before the vendor watch begins, so no live message can land in
// the buffer ahead of the backfill. Idempotent for already-watched symbols.
func (ing *Ingestor) Subscribe(ctx context.Context, symbol string, backfillMinutes int) error {
	ing.mu.Lock()
	if _, ok := ing.watched[symbol]; ok {
		ing.mu.Unlock()
		return nil
	}
	ing.mu.Unlock()

	if err := ing.backfill(ctx, symbol, backfillMinutes); err != nil {
		ing.log.WithError(err).WithField("symbol", symbol).Error("tick backfill failed")
	}

	if err := ing.quote.TradesWatch(ctx, symbol); err != nil {
		return err
	}

	ing.mu.Lock()
	ing.watched[symbol] = struct{}{}
	n := len(ing.watched)
	ing.mu.Unlock()

	if ing.metrics != nil {
		ing.metrics.WatchedSymbols.Set(float64(n))
	}
	ing.log.WithFields(logrus.Fields{"symbol": symbol, "backfill_minutes": backfillMinutes}).Info("started watching")
	return nil
}

// Unsubscribe stops live ingestion for a symbol. A no-op for unwatched
// symbols.
func (ing *Ingestor) Unsubscribe(ctx context.Context, symbol string) error {
	ing.mu.Lock()
	if _, ok := ing.watched[symbol]; !ok {
		ing.mu.Unlock()
		return nil
	}
	delete(ing.watched, symbol)
	n := len(ing.watched)
	ing.mu.Unlock()

	if ing.metrics != nil {
		ing.metrics.WatchedSymbols.Set(float64(n))
	}
	if err := ing.quote.Unwatch(ctx, symbol); err != nil {
		return err
	}
	ing.log.WithField("symbol", symbol).Info("stopped watching")
	return nil
}

// UnsubscribeAll removes every subscription; used on shutdown.
func (ing *Ingestor) UnsubscribeAll(ctx context.Context) {
	for _, symbol := range ing.Watched() {
		if err := ing.Unsubscribe(ctx, symbol); err != nil {
			ing.log.WithError(err).WithField("symbol", symbol).Warn("unsubscribe failed during shutdown")
		}
	}
}

// Watched returns the currently watched symbols, sorted.
func (ing *Ingestor) Watched() []string {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	out := make([]string, 0, len(ing.watched))
	for s := range ing.watched {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// isWatched reports whether messages for the symbol should be processed.
func (ing *Ingestor) isWatched(symbol string) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	_, ok := ing.watched[symbol]
	return ok
}

// backfill replaces the symbol's recent-tick buffer with the trailing
// backfillMinutes of vendor ticks.
func (ing *Ingestor) backfill(ctx context.Context, symbol string, backfillMinutes int) error {
	if backfillMinutes <= 0 {
		return nil
	}

	end := ing.clock.Now().In(calendar.Eastern())
	start := end.Add(-time.Duration(backfillMinutes) * time.Minute)

	ticks, err := ing.hist.RequestTicksInPeriod(ctx, symbol, start, end, true)
	if err != nil {
		if apperrors.IsNoData(err) {
			ing.log.WithField("symbol", symbol).Info("no tick data found to backfill")
			return nil
		}
		return err
	}
	if len(ticks) == 0 {
		ing.log.WithField("symbol", symbol).Info("no tick data found to backfill")
		return nil
	}

	key := kv.TickBufferKey(symbol)
	if err := ing.kvs.Delete(ctx, key); err != nil {
		return err
	}

	values := make([][]byte, 0, len(ticks))
	for _, t := range ticks {
		ts := calendar.ComposeEastern(t.Date, time.Duration(t.TimeOfDay)*time.Microsecond)
		payload, err := json.Marshal(Tick{
			Price:     t.Last,
			Volume:    t.LastSize,
			Timestamp: epochSeconds(ts),
		})
		if err != nil {
			continue
		}
		values = append(values, payload)
	}

	if err := ing.kvs.RPushAllExpire(ctx, key, values, kv.TickBufferTTLSeconds*time.Second); err != nil {
		return err
	}

	ing.log.WithFields(logrus.Fields{"symbol": symbol, "ticks": len(values)}).Info("backfilled intraday ticks")
	return nil
}

// Run consumes the vendor message channel with a pool of workers until the
// context ends or the channel closes. The vendor reader stays free of
// fan-out work.
func (ing *Ingestor) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case msg, ok := <-ing.quote.Messages():
					if !ok {
						return
					}
					ing.handle(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
}

// handle classifies one quote message and fans it out.
func (ing *Ingestor) handle(ctx context.Context, msg vendor.QuoteUpdate) {
	if !ing.isWatched(msg.Symbol) {
		return
	}

	switch msg.Kind {
	case vendor.KindSummary:
		if msg.MostRecentTrade > 0 {
			ing.publishTick(ctx, msg.Symbol, msg.MostRecentTrade, 0)
		}
	case vendor.KindTrade:
		if msg.MostRecentTrade > 0 && msg.MostRecentTradeSize > 0 {
			ing.publishTick(ctx, msg.Symbol, msg.MostRecentTrade, msg.MostRecentTradeSize)
		} else if ing.metrics != nil {
			ing.metrics.TicksDropped.WithLabelValues(msg.Symbol).Inc()
		}
	}
}

// publishTick broadcasts one tick and appends it to the recent-tick buffer,
// resetting the buffer TTL. No de-duplication is attempted.
func (ing *Ingestor) publishTick(ctx context.Context, symbol string, price float64, vol int64) {
	payload, err := json.Marshal(Tick{
		Price:     price,
		Volume:    vol,
		Timestamp: epochSeconds(ing.clock.Now().UTC()),
	})
	if err != nil {
		return
	}

	if err := ing.kvs.Publish(ctx, kv.LiveTickChannel(symbol), payload); err != nil {
		ing.log.WithError(err).WithField("symbol", symbol).Warn("tick publish failed")
	}
	if err := ing.kvs.RPushExpire(ctx, kv.TickBufferKey(symbol), payload, kv.TickBufferTTLSeconds*time.Second); err != nil {
		ing.log.WithError(err).WithField("symbol", symbol).Warn("tick buffer append failed")
	}
	if ing.metrics != nil {
		ing.metrics.TicksPublished.WithLabelValues(symbol).Inc()
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
