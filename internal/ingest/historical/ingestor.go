// Package historical implements the gap-filling OHLC batch ingestor.
package historical

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/kv"
	"dtningest/internal/monitor"
	"dtningest/internal/registry"
	"dtningest/internal/timeframe"
	"dtningest/internal/timeseries"
	"dtningest/internal/extvendor"
)

// TimeSeries is the slice of the store adapter the ingestor needs. Bar
// writes ride the batched non-blocking path; Flush bounds each unit of work
// and surfaces its delivery errors.
type TimeSeries interface {
	WriteBatch(ctx context.Context, bucket, measurement string, tags map[string]string, records []timeseries.Record) error
	Flush(ctx context.Context, bucket string) error
	LatestMatchingTime(ctx context.Context, bucket, symbol string, pattern *regexp.Regexp, lookbackDays int) (time.Time, bool, error)
}

// Symbols is the slice of the symbol registry the ingestor needs.
type Symbols interface {
	ActiveSymbols(ctx context.Context) ([]registry.SymbolRef, error)
	Get(ctx context.Context, name string) (*registry.Symbol, error)
	SetLastIngestion(ctx context.Context, s *registry.Symbol, t time.Time) error
}

// Schedules resolves per-symbol schedule records.
type Schedules interface {
	Get(ctx context.Context, symbol string, kind registry.ScheduleKind) (*registry.Schedule, error)
}

// ConfigSource reads raw system configuration.
type ConfigSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

const (
	timeframePause = 200 * time.Millisecond
	symbolPause    = 500 * time.Millisecond
)

// Ingestor fills OHLC gaps per symbol and timeframe up to the last completed
// trading session. The unit of failure isolation is one (symbol, timeframe):
// no unit's error aborts the surrounding loop.
type Ingestor struct {
	ts        TimeSeries
	hist      vendor.HistClient
	symbols   Symbols
	schedules Schedules
	cfgSource ConfigSource
	bucket    string
	clock     calendar.Clock
	log       *logrus.Entry
	metrics   *monitor.Metrics

	// Pacing between units; shortened in tests.
	TimeframePause time.Duration
	SymbolPause    time.Duration
}

// New builds a historical ingestor.
func New(ts TimeSeries, hist vendor.HistClient, symbols Symbols, schedules Schedules, cfgSource ConfigSource, dataBucket string, clock calendar.Clock, log *logrus.Entry, metrics *monitor.Metrics) *Ingestor {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &Ingestor{
		ts:             ts,
		hist:           hist,
		symbols:        symbols,
		schedules:      schedules,
		cfgSource:      cfgSource,
		bucket:         dataBucket,
		clock:          clock,
		log:            log,
		metrics:        metrics,
		TimeframePause: timeframePause,
		SymbolPause:    symbolPause,
	}
}

// RunOnce gap-fills every active symbol. During trading hours it aborts as a
// successful no-op.
func (ing *Ingestor) RunOnce(ctx context.Context) error {
	if calendar.IsTradingHours(ing.clock.Now()) {
		ing.log.Warn("aborting historical ingest: inside trading hours")
		return nil
	}

	refs, err := ing.symbols.ActiveSymbols(ctx)
	if err != nil {
		return err
	}
	return ing.RunForSymbols(ctx, refs)
}

// RunForSymbols gap-fills the given symbols. Safe to invoke concurrently
// only with disjoint symbol sets.
func (ing *Ingestor) RunForSymbols(ctx context.Context, refs []registry.SymbolRef) error {
	now := ing.clock.Now()
	if calendar.IsTradingHours(now) {
		ing.log.Warn("aborting historical ingest: inside trading hours")
		return nil
	}

	cutoff := calendar.LastCompletedSessionEnd(now)
	overrides := ing.depthOverrides(ctx)

	ing.log.WithFields(logrus.Fields{"symbols": len(refs), "cutoff": cutoff}).Info("starting historical ingest")

	for i, ref := range refs {
		if i > 0 {
			ing.pause(ctx, ing.SymbolPause)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := ing.runSymbol(ctx, ref, cutoff, overrides); err != nil {
			ing.log.WithError(err).WithField("symbol", ref.Symbol).Error("symbol ingest failed")
		}
	}

	ing.log.Info("historical ingest finished")
	return nil
}

// runSymbol processes all enabled timeframes for one symbol.
func (ing *Ingestor) runSymbol(ctx context.Context, ref registry.SymbolRef, cutoff time.Time, overrides map[string]int) error {
	sym, err := ing.symbols.Get(ctx, ref.Symbol)
	if err != nil {
		return err
	}

	frames := ing.enabledTimeframes(ctx, sym.Symbol)
	log := ing.log.WithField("symbol", sym.Symbol)

	for i, tf := range frames {
		if i > 0 {
			ing.pause(ctx, ing.TimeframePause)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := ing.runTimeframe(ctx, sym, tf, cutoff, overrides); err != nil {
			log.WithError(err).WithField("timeframe", tf.Code).Error("timeframe ingest failed")
		}
	}

	now := ing.clock.Now()
	if err := ing.symbols.SetLastIngestion(ctx, sym, now); err != nil {
		log.WithError(err).Warn("failed to stamp last ingestion")
	}
	if ing.metrics != nil {
		ing.metrics.LastIngestionAge.WithLabelValues(sym.Symbol).Set(0)
	}
	return nil
}

// runTimeframe gap-fills one (symbol, timeframe) unit.
func (ing *Ingestor) runTimeframe(ctx context.Context, sym *registry.Symbol, tf timeframe.Timeframe, cutoff time.Time, overrides map[string]int) error {
	log := ing.log.WithFields(logrus.Fields{"symbol": sym.Symbol, "timeframe": tf.Code})

	depth := effectiveDepth(sym.HistoricalDays, tf, overrides)

	pattern := timeseries.MeasurementPattern(sym.Symbol, tf.Code)
	latest, found, err := ing.ts.LatestMatchingTime(ctx, ing.bucket, sym.Symbol, pattern, tf.MaxDays)
	if err != nil {
		// A failed probe means "no latest timestamp found", never an abort.
		log.WithError(err).Debug("latest-timestamp probe failed; treating as no data")
		found = false
	}

	var rows []barRow
	if tf.Intraday() {
		start := latest
		if !found {
			start = cutoff.AddDate(0, 0, -depth)
		}
		if !start.Before(cutoff) {
			log.Debug("store is current; skipping")
			return nil
		}

		bars, err := ing.hist.RequestBarsInPeriod(ctx, sym.Symbol, tf.Interval, string(tf.Unit), start, cutoff, true)
		if err != nil {
			if apperrors.IsNoData(err) {
				log.Info("no new data available; store is up to date")
				return nil
			}
			if ing.metrics != nil {
				ing.metrics.VendorErrors.WithLabelValues("request_bars_in_period").Inc()
			}
			return err
		}
		rows = intradayRows(bars, sym.Symbol, tf.Code, cutoff)
	} else {
		days := depth
		if found {
			days = int(ing.clock.Now().UTC().Sub(latest).Hours()/24) + 1
		}
		if days <= 0 {
			log.Debug("store is current; skipping")
			return nil
		}

		bars, err := ing.hist.RequestDailyData(ctx, sym.Symbol, days, true)
		if err != nil {
			if apperrors.IsNoData(err) {
				log.Info("no new data available; store is up to date")
				return nil
			}
			if ing.metrics != nil {
				ing.metrics.VendorErrors.WithLabelValues("request_daily_data").Inc()
			}
			return err
		}
		rows = dailyRows(bars, sym.Symbol, tf.Code, cutoff)
	}

	if len(rows) == 0 {
		return nil
	}

	groups := groupByMeasurement(rows)
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	tags := map[string]string{"symbol": sym.Symbol, "exchange": string(sym.Exchange)}
	log.WithFields(logrus.Fields{"points": len(rows), "measurements": len(groups)}).Info("writing bars")

	start := time.Now()
	for _, name := range names {
		if err := ing.ts.WriteBatch(ctx, ing.bucket, name, tags, groups[name]); err != nil {
			return err
		}
	}
	// Flushing per unit keeps delivery failures attributable to this
	// (symbol, timeframe) while the writer still batches within it.
	if err := ing.ts.Flush(ctx, ing.bucket); err != nil {
		return err
	}
	if ing.metrics != nil {
		ing.metrics.ObserveWrite(time.Since(start))
		ing.metrics.BarsWritten.WithLabelValues(sym.Symbol, tf.Code).Add(float64(len(rows)))
	}
	return nil
}

// enabledTimeframes resolves the timeframe list from the symbol's historical
// schedule config; default is all.
func (ing *Ingestor) enabledTimeframes(ctx context.Context, symbol string) []timeframe.Timeframe {
	sched, err := ing.schedules.Get(ctx, symbol, registry.ScheduleHistorical)
	if err != nil {
		return timeframe.All
	}
	return timeframe.Select(sched.Intervals())
}

// depthOverrides reads per-timeframe depth overrides from the system config.
func (ing *Ingestor) depthOverrides(ctx context.Context) map[string]int {
	if ing.cfgSource == nil {
		return nil
	}
	data, err := ing.cfgSource.Get(ctx, kv.KeySystemConfig)
	if err != nil || data == nil {
		return nil
	}
	var cfg registry.SystemConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		ing.log.WithError(err).Warn("skipping malformed system config")
		return nil
	}
	return cfg.TimeframesToFetch
}

// effectiveDepth computes min(symbol depth, timeframe depth), where the
// timeframe depth is its maximum unless the system config narrows it.
func effectiveDepth(symbolDays int, tf timeframe.Timeframe, overrides map[string]int) int {
	tfDays := tf.MaxDays
	if override, ok := overrides[tf.Code]; ok && override > 0 && override < tfDays {
		tfDays = override
	}
	if symbolDays > 0 && symbolDays < tfDays {
		return symbolDays
	}
	return tfDays
}

// pause sleeps unless the context ends first.
func (ing *Ingestor) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
