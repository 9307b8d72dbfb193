package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/kv"
	"dtningest/internal/timeframe"
	"dtningest/internal/timeseries"
)

// TimeSeries is the slice of the time-series adapter the registry needs.
type TimeSeries interface {
	WriteRecords(ctx context.Context, bucket, measurement string, tags map[string]string, records []timeseries.Record) error
	QueryRows(ctx context.Context, flux string) ([]timeseries.Row, error)
}

// KV is the slice of the key/value store the registry needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// SymbolRegistry is a write-through layer over the symbol-management bucket
// with a Redis read cache.
type SymbolRegistry struct {
	ts     TimeSeries
	kvs    KV
	bucket string
	log    *logrus.Entry
	clock  calendar.Clock
}

// NewSymbolRegistry builds a symbol registry over the given stores.
func NewSymbolRegistry(ts TimeSeries, kvs KV, symbolBucket string, log *logrus.Entry, clock calendar.Clock) *SymbolRegistry {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &SymbolRegistry{ts: ts, kvs: kvs, bucket: symbolBucket, log: log, clock: clock}
}

func (r *SymbolRegistry) tags(s *Symbol) map[string]string {
	return map[string]string{
		"symbol":        s.Symbol,
		"exchange":      string(s.Exchange),
		"security_type": string(s.SecurityType),
	}
}

// Add creates a symbol record and caches it.
func (r *SymbolRegistry) Add(ctx context.Context, s Symbol) (*Symbol, error) {
	if err := s.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid symbol")
	}

	now := r.clock.Now().UTC()
	s.Active = true
	s.CreatedAt = now

	rec := timeseries.Record{
		Time: now,
		Fields: map[string]interface{}{
			"description":      s.Description,
			"active":           true,
			"historical_days":  int64(s.HistoricalDays),
			"backfill_minutes": int64(s.BackfillMinutes),
			"added_by":         s.AddedBy,
		},
	}
	if err := r.ts.WriteRecords(ctx, r.bucket, s.Measurement(), r.tags(&s), []timeseries.Record{rec}); err != nil {
		return nil, err
	}

	r.cache(ctx, &s)
	r.log.WithFields(logrus.Fields{"symbol": s.Symbol, "measurement": s.Measurement()}).Info("added symbol")
	return &s, nil
}

// BulkResult summarizes a bulk insert.
type BulkResult struct {
	Success []string
	Failed  map[string]string
	Total   int
}

// BulkAdd inserts many symbols, one store write per symbol. Invalid entries
// and failed writes are reported per symbol and do not block the rest.
func (r *SymbolRegistry) BulkAdd(ctx context.Context, symbols []Symbol) (*BulkResult, error) {
	result := &BulkResult{Failed: make(map[string]string), Total: len(symbols)}

	now := r.clock.Now().UTC()
	type pending struct {
		sym Symbol
		rec timeseries.Record
	}
	var batch []pending

	for _, s := range symbols {
		if err := s.Validate(); err != nil {
			result.Failed[s.Symbol] = err.Error()
			continue
		}
		s.Active = true
		s.CreatedAt = now
		batch = append(batch, pending{sym: s, rec: timeseries.Record{
			Time: now,
			Fields: map[string]interface{}{
				"description":      s.Description,
				"active":           true,
				"historical_days":  int64(s.HistoricalDays),
				"backfill_minutes": int64(s.BackfillMinutes),
				"added_by":         s.AddedBy,
			},
		}})
	}

	for _, p := range batch {
		if err := r.ts.WriteRecords(ctx, r.bucket, p.sym.Measurement(), r.tags(&p.sym), []timeseries.Record{p.rec}); err != nil {
			result.Failed[p.sym.Symbol] = err.Error()
			continue
		}
		result.Success = append(result.Success, p.sym.Symbol)
	}

	r.log.WithFields(logrus.Fields{"added": len(result.Success), "failed": len(result.Failed)}).Info("bulk symbol insert")
	return result, nil
}

// Get returns a symbol, consulting the cache first.
func (r *SymbolRegistry) Get(ctx context.Context, name string) (*Symbol, error) {
	if data, err := r.kvs.Get(ctx, kv.SymbolCacheKey(name)); err == nil && data != nil {
		var s Symbol
		if err := json.Unmarshal(data, &s); err == nil {
			return &s, nil
		}
	}

	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -30d)
  |> filter(fn: (r) => r._measurement =~ /^symbol_/)
  |> filter(fn: (r) => r.symbol == %q)
  |> last()
  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
`, r.bucket, name)

	rows, err := r.ts.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperrors.ErrNotFound
	}

	s := symbolFromRow(name, rows[len(rows)-1])
	r.cache(ctx, s)
	return s, nil
}

// Update applies a partial update and invalidates the cache.
type SymbolUpdate struct {
	Description     *string
	HistoricalDays  *int
	BackfillMinutes *int
	Active          *bool
}

// Update mutates a symbol record.
func (r *SymbolRegistry) Update(ctx context.Context, name string, upd SymbolUpdate) (*Symbol, error) {
	existing, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()
	fields := map[string]interface{}{
		"updated_at": now.Format(time.RFC3339),
	}
	if upd.Description != nil {
		fields["description"] = *upd.Description
	}
	if upd.HistoricalDays != nil {
		if *upd.HistoricalDays < 1 || *upd.HistoricalDays > 365 {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "historical_days out of range 1..365", nil)
		}
		fields["historical_days"] = int64(*upd.HistoricalDays)
	}
	if upd.BackfillMinutes != nil {
		if *upd.BackfillMinutes < 0 || *upd.BackfillMinutes > 1440 {
			return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "backfill_minutes out of range 0..1440", nil)
		}
		fields["backfill_minutes"] = int64(*upd.BackfillMinutes)
	}
	if upd.Active != nil {
		fields["active"] = *upd.Active
	}

	rec := timeseries.Record{Time: now, Fields: fields}
	if err := r.ts.WriteRecords(ctx, r.bucket, existing.Measurement(), r.tags(existing), []timeseries.Record{rec}); err != nil {
		return nil, err
	}

	if err := r.kvs.Delete(ctx, kv.SymbolCacheKey(name)); err != nil {
		r.log.WithError(err).Debug("symbol cache invalidation failed")
	}
	return r.Get(ctx, name)
}

// SoftDelete deactivates a symbol. Records are never physically removed.
func (r *SymbolRegistry) SoftDelete(ctx context.Context, name string) error {
	inactive := false
	_, err := r.Update(ctx, name, SymbolUpdate{Active: &inactive})
	if err != nil {
		return err
	}
	r.log.WithField("symbol", name).Info("deactivated symbol")
	return nil
}

// Search returns symbols matching the filter, latest value per symbol.
func (r *SymbolRegistry) Search(ctx context.Context, filter SymbolFilter) ([]Symbol, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `
from(bucket: %q)
  |> range(start: -30d)
  |> filter(fn: (r) => r._measurement =~ /^symbol_/)
`, r.bucket)

	if filter.Active != nil {
		fmt.Fprintf(&b, `  |> filter(fn: (r) => r._field == "active" and r._value == %t)`+"\n", *filter.Active)
	} else {
		b.WriteString(`  |> filter(fn: (r) => r._field == "active")` + "\n")
	}
	if len(filter.Exchanges) > 0 {
		parts := make([]string, len(filter.Exchanges))
		for i, e := range filter.Exchanges {
			parts[i] = string(e)
		}
		fmt.Fprintf(&b, `  |> filter(fn: (r) => r.exchange =~ /^(%s)$/)`+"\n", strings.Join(parts, "|"))
	}
	if len(filter.SecurityTypes) > 0 {
		parts := make([]string, len(filter.SecurityTypes))
		for i, k := range filter.SecurityTypes {
			parts[i] = string(k)
		}
		fmt.Fprintf(&b, `  |> filter(fn: (r) => r.security_type =~ /^(%s)$/)`+"\n", strings.Join(parts, "|"))
	}
	if filter.SearchText != "" {
		fmt.Fprintf(&b, `  |> filter(fn: (r) => r.symbol =~ /%s/)`+"\n", regexp.QuoteMeta(filter.SearchText))
	}
	b.WriteString("  |> last()\n")
	if filter.Limit > 0 {
		fmt.Fprintf(&b, "  |> limit(n: %d, offset: %d)\n", filter.Limit, filter.Offset)
	}

	rows, err := r.ts.QueryRows(ctx, b.String())
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Symbol
	for _, row := range rows {
		name := row.Tag("symbol")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		full, err := r.Get(ctx, name)
		if err != nil {
			r.log.WithError(err).WithField("symbol", name).Warn("could not load symbol details")
			continue
		}
		out = append(out, *full)
	}
	return out, nil
}

// ActiveSymbols returns the refs of all currently active symbols.
func (r *SymbolRegistry) ActiveSymbols(ctx context.Context) ([]SymbolRef, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -30d)
  |> filter(fn: (r) => r._measurement =~ /^symbol_/)
  |> filter(fn: (r) => r._field == "active")
  |> filter(fn: (r) => r._value == true)
  |> last()
`, r.bucket)

	rows, err := r.ts.QueryRows(ctx, flux)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var refs []SymbolRef
	for _, row := range rows {
		name := row.Tag("symbol")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		refs = append(refs, SymbolRef{Symbol: name, Exchange: row.Tag("exchange")})
	}
	return refs, nil
}

// SetLastIngestion stamps the symbol record after a completed historical
// ingest.
func (r *SymbolRegistry) SetLastIngestion(ctx context.Context, s *Symbol, t time.Time) error {
	rec := timeseries.Record{
		Time: t.UTC(),
		Fields: map[string]interface{}{
			"last_ingestion": t.UTC().Format(time.RFC3339),
		},
	}
	if err := r.ts.WriteRecords(ctx, r.bucket, s.Measurement(), r.tags(s), []timeseries.Record{rec}); err != nil {
		return err
	}
	return r.kvs.Delete(ctx, kv.SymbolCacheKey(s.Symbol))
}

// SymbolStats reports data availability for one symbol.
type SymbolStats struct {
	Symbol              string           `json:"symbol"`
	TotalDataPoints     int64            `json:"total_data_points"`
	AvailableTimeframes []string         `json:"available_timeframes"`
	PointsPerTimeframe  map[string]int64 `json:"points_per_timeframe"`
}

// Stats counts stored bars per timeframe for a symbol over the last 30 days.
func (r *SymbolRegistry) Stats(ctx context.Context, dataBucket, name string) (*SymbolStats, error) {
	stats := &SymbolStats{Symbol: name, PointsPerTimeframe: make(map[string]int64)}

	for _, tf := range timeframe.All {
		flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -30d)
  |> filter(fn: (r) => r._measurement =~ /^ohlc_%s_\d{8}_%s$/)
  |> filter(fn: (r) => r.symbol == %q)
  |> filter(fn: (r) => r._field == "close")
  |> count()
`, dataBucket, regexp.QuoteMeta(name), regexp.QuoteMeta(tf.Code), name)

		rows, err := r.ts.QueryRows(ctx, flux)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"symbol": name, "timeframe": tf.Code}).Warn("stats query failed")
			continue
		}
		var count int64
		for _, row := range rows {
			if v, ok := row.Value.(int64); ok {
				count += v
			}
		}
		if count > 0 {
			stats.AvailableTimeframes = append(stats.AvailableTimeframes, tf.Code)
			stats.PointsPerTimeframe[tf.Code] = count
			stats.TotalDataPoints += count
		}
	}
	return stats, nil
}

func (r *SymbolRegistry) cache(ctx context.Context, s *Symbol) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.kvs.SetEx(ctx, kv.SymbolCacheKey(s.Symbol), data, kv.SymbolCacheTTLSeconds*time.Second); err != nil {
		r.log.WithError(err).Debug("symbol cache write failed")
	}
}

// symbolFromRow reconstructs a Symbol from a pivoted query row.
func symbolFromRow(name string, row timeseries.Row) *Symbol {
	s := &Symbol{
		Symbol:          name,
		Exchange:        Exchange(row.Tag("exchange")),
		SecurityType:    SecurityKind(row.Tag("security_type")),
		Active:          asBool(row.Values["active"], true),
		Description:     asString(row.Values["description"]),
		HistoricalDays:  asInt(row.Values["historical_days"], 30),
		BackfillMinutes: asInt(row.Values["backfill_minutes"], 120),
		AddedBy:         asString(row.Values["added_by"]),
		CreatedAt:       row.Time,
	}
	if t, ok := asTime(row.Values["updated_at"]); ok {
		s.UpdatedAt = &t
	}
	if t, ok := asTime(row.Values["last_ingestion"]); ok {
		s.LastIngestion = &t
	}
	return s
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func asInt(v interface{}, def int) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func asTime(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
