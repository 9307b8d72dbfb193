package live

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/extvendor"
)

// --- fakes ---

// op records one KV or vendor interaction in order.
type op struct {
	kind  string // "delete", "rpush", "rpush_bulk", "publish", "watch", "unwatch"
	key   string
	value []byte
	ttl   time.Duration
	count int
}

type recorder struct {
	mu  sync.Mutex
	ops []op
}

func (r *recorder) add(o op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, o)
}

func (r *recorder) list() []op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]op(nil), r.ops...)
}

type fakeKV struct{ rec *recorder }

func (f *fakeKV) Delete(ctx context.Context, keys ...string) error {
	f.rec.add(op{kind: "delete", key: keys[0]})
	return nil
}

func (f *fakeKV) RPushExpire(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.rec.add(op{kind: "rpush", key: key, value: value, ttl: ttl})
	return nil
}

func (f *fakeKV) RPushAllExpire(ctx context.Context, key string, values [][]byte, ttl time.Duration) error {
	f.rec.add(op{kind: "rpush_bulk", key: key, ttl: ttl, count: len(values)})
	return nil
}

func (f *fakeKV) Publish(ctx context.Context, channel string, payload []byte) error {
	f.rec.add(op{kind: "publish", key: channel, value: payload})
	return nil
}

type fakeQuote struct {
	rec *recorder
	ch  chan vendor.QuoteUpdate
}

func newFakeQuote(rec *recorder) *fakeQuote {
	return &fakeQuote{rec: rec, ch: make(chan vendor.QuoteUpdate, 64)}
}

func (f *fakeQuote) TradesWatch(ctx context.Context, symbol string) error {
	f.rec.add(op{kind: "watch", key: symbol})
	return nil
}

func (f *fakeQuote) Unwatch(ctx context.Context, symbol string) error {
	f.rec.add(op{kind: "unwatch", key: symbol})
	return nil
}

func (f *fakeQuote) Messages() <-chan vendor.QuoteUpdate { return f.ch }
func (f *fakeQuote) Close() error                        { close(f.ch); return nil }

type fakeHist struct {
	ticks []vendor.TickRecord
	err   error
	calls int
}

func (f *fakeHist) RequestBarsInPeriod(ctx context.Context, ticker string, intervalLen int, unit string, start, end time.Time, ascend bool) ([]vendor.IntradayBar, error) {
	return nil, nil
}

func (f *fakeHist) RequestDailyData(ctx context.Context, ticker string, numDays int, ascend bool) ([]vendor.DailyBar, error) {
	return nil, nil
}

func (f *fakeHist) RequestTicksInPeriod(ctx context.Context, ticker string, start, end time.Time, ascend bool) ([]vendor.TickRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ticks, nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func fixedNow() time.Time {
	return time.Date(2024, time.March, 15, 14, 30, 0, 0, time.UTC)
}

func newTestIngestor(rec *recorder, hist *fakeHist) (*Ingestor, *fakeQuote) {
	quote := newFakeQuote(rec)
	ing := New(quote, hist, &fakeKV{rec: rec}, calendar.FixedClock{T: fixedNow()}, testLog(), nil)
	return ing, quote
}

// --- tests ---

// Backfill completes before the vendor watch begins: the buffer delete and
// bulk append precede trades_watch in the operation order.
func TestSubscribeBackfillsBeforeWatching(t *testing.T) {
	rec := &recorder{}
	hist := &fakeHist{ticks: []vendor.TickRecord{
		{Date: time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), TimeOfDay: (10 * 3600) * 1_000_000, Last: 410.1, LastSize: 5},
		{Date: time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), TimeOfDay: (10*3600 + 1) * 1_000_000, Last: 410.2, LastSize: 3},
	}}
	ing, _ := newTestIngestor(rec, hist)

	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 120))

	ops := rec.list()
	require.Len(t, ops, 3)
	assert.Equal(t, "delete", ops[0].kind)
	assert.Equal(t, "intraday_ticks:MSFT", ops[0].key)
	assert.Equal(t, "rpush_bulk", ops[1].kind)
	assert.Equal(t, 2, ops[1].count)
	assert.Equal(t, 86400*time.Second, ops[1].ttl)
	assert.Equal(t, "watch", ops[2].kind)
	assert.Equal(t, "MSFT", ops[2].key)

	assert.Equal(t, []string{"MSFT"}, ing.Watched())
}

// Subscribe is idempotent: a second call for a watched symbol does nothing.
func TestSubscribeIdempotent(t *testing.T) {
	rec := &recorder{}
	hist := &fakeHist{}
	ing, _ := newTestIngestor(rec, hist)

	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 0))
	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 0))

	watches := 0
	for _, o := range rec.list() {
		if o.kind == "watch" {
			watches++
		}
	}
	assert.Equal(t, 1, watches)
}

// A failed backfill does not block the subscription.
func TestSubscribeSurvivesBackfillFailure(t *testing.T) {
	rec := &recorder{}
	hist := &fakeHist{err: apperrors.New(apperrors.ErrCodeVendorConnection, "lookup down", nil)}
	ing, _ := newTestIngestor(rec, hist)

	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 60))
	assert.Equal(t, []string{"MSFT"}, ing.Watched())
}

// Unsubscribe of an unwatched symbol is a no-op.
func TestUnsubscribeUnwatchedIsNoop(t *testing.T) {
	rec := &recorder{}
	ing, _ := newTestIngestor(rec, &fakeHist{})

	require.NoError(t, ing.Unsubscribe(context.Background(), "GHOST"))
	assert.Empty(t, rec.list())
}

// Trade with zero volume is dropped; the same values as a summary publish
// with volume zero.
func TestTradeAndSummaryClassification(t *testing.T) {
	rec := &recorder{}
	ing, quote := newTestIngestor(rec, &fakeHist{})
	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { ing.Run(ctx, 1); close(done) }()

	quote.ch <- vendor.QuoteUpdate{Kind: vendor.KindTrade, Symbol: "MSFT", MostRecentTrade: 410.12, MostRecentTradeSize: 0}
	quote.ch <- vendor.QuoteUpdate{Kind: vendor.KindSummary, Symbol: "MSFT", MostRecentTrade: 410.12, MostRecentTradeSize: 0}

	require.Eventually(t, func() bool {
		for _, o := range rec.list() {
			if o.kind == "publish" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	var published []op
	for _, o := range rec.list() {
		if o.kind == "publish" {
			published = append(published, o)
		}
	}
	// Only the summary produced a tick.
	require.Len(t, published, 1)
	assert.Equal(t, "live_ticks:MSFT", published[0].key)

	var tick Tick
	require.NoError(t, json.Unmarshal(published[0].value, &tick))
	assert.Equal(t, 410.12, tick.Price)
	assert.Equal(t, int64(0), tick.Volume)
	assert.Equal(t, float64(fixedNow().UnixNano())/1e9, tick.Timestamp)
}

// Every published tick is also appended to the buffer with its TTL reset.
func TestFanOutPairsPublishWithBufferAppend(t *testing.T) {
	rec := &recorder{}
	ing, quote := newTestIngestor(rec, &fakeHist{})
	require.NoError(t, ing.Subscribe(context.Background(), "MSFT", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { ing.Run(ctx, 1); close(done) }()

	quote.ch <- vendor.QuoteUpdate{Kind: vendor.KindTrade, Symbol: "MSFT", MostRecentTrade: 411, MostRecentTradeSize: 7}

	require.Eventually(t, func() bool {
		for _, o := range rec.list() {
			if o.kind == "rpush" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	ops := rec.list()
	var publish, rpush *op
	for i := range ops {
		switch ops[i].kind {
		case "publish":
			publish = &ops[i]
		case "rpush":
			rpush = &ops[i]
		}
	}
	require.NotNil(t, publish)
	require.NotNil(t, rpush)
	assert.Equal(t, "intraday_ticks:MSFT", rpush.key)
	assert.Equal(t, 86400*time.Second, rpush.ttl)
	assert.Equal(t, publish.value, rpush.value)
}

// Messages for unwatched symbols are ignored.
func TestMessagesForUnwatchedSymbolsIgnored(t *testing.T) {
	rec := &recorder{}
	ing, quote := newTestIngestor(rec, &fakeHist{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { ing.Run(ctx, 2); close(done) }()

	quote.ch <- vendor.QuoteUpdate{Kind: vendor.KindTrade, Symbol: "GHOST", MostRecentTrade: 1, MostRecentTradeSize: 1}

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	for _, o := range rec.list() {
		assert.NotEqual(t, "publish", o.kind)
	}
}

// UnsubscribeAll drains the watched set on shutdown.
func TestUnsubscribeAll(t *testing.T) {
	rec := &recorder{}
	ing, _ := newTestIngestor(rec, &fakeHist{})
	require.NoError(t, ing.Subscribe(context.Background(), "A", 0))
	require.NoError(t, ing.Subscribe(context.Background(), "B", 0))

	ing.UnsubscribeAll(context.Background())
	assert.Empty(t, ing.Watched())
}

// Backfilled ticks carry UTC epoch timestamps converted from the vendor's
// Eastern date and microsecond offset.
func TestBackfillTickConversion(t *testing.T) {
	rec := &recorder{}
	var captured [][]byte
	kvs := &captureKV{fakeKV: fakeKV{rec: rec}, out: &captured}
	quote := newFakeQuote(rec)
	ing := New(quote, &fakeHist{ticks: []vendor.TickRecord{
		{Date: time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), TimeOfDay: (9*3600 + 30*60) * 1_000_000, Last: 100.5, LastSize: 10},
	}}, kvs, calendar.FixedClock{T: fixedNow()}, testLog(), nil)

	require.NoError(t, ing.Subscribe(context.Background(), "X", 30))
	require.Len(t, captured, 1)

	var tick Tick
	require.NoError(t, json.Unmarshal(captured[0], &tick))
	assert.Equal(t, 100.5, tick.Price)
	assert.Equal(t, int64(10), tick.Volume)

	// 09:30 ET on March 15 is 13:30 UTC.
	want := time.Date(2024, time.March, 15, 13, 30, 0, 0, time.UTC)
	assert.Equal(t, float64(want.Unix()), tick.Timestamp)
}

type captureKV struct {
	fakeKV
	out *[][]byte
}

func (c *captureKV) RPushAllExpire(ctx context.Context, key string, values [][]byte, ttl time.Duration) error {
	*c.out = append(*c.out, values...)
	return c.fakeKV.RPushAllExpire(ctx, key, values, ttl)
}
