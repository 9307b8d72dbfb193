package reconciler

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/registry"
)

// --- fakes ---

type subCall struct {
	symbol  string
	minutes int
}

type fakeSub struct {
	mu         sync.Mutex
	watched    map[string]struct{}
	subscribed []subCall
	removed    []string
}

func newFakeSub(watched ...string) *fakeSub {
	w := make(map[string]struct{})
	for _, s := range watched {
		w[s] = struct{}{}
	}
	return &fakeSub{watched: w}
}

func (f *fakeSub) Subscribe(ctx context.Context, symbol string, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, subCall{symbol, minutes})
	f.watched[symbol] = struct{}{}
	return nil
}

func (f *fakeSub) Unsubscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, symbol)
	delete(f.watched, symbol)
	return nil
}

func (f *fakeSub) Watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.watched))
	for s := range f.watched {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type fakeKV struct {
	data map[string][]byte
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, error) {
	return f.data[key], nil
}

type fakeSymbols struct {
	records map[string]*registry.Symbol
}

func (f *fakeSymbols) Get(ctx context.Context, name string) (*registry.Symbol, error) {
	s, ok := f.records[name]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return s, nil
}

type fakeSchedules struct {
	records map[string]*registry.Schedule
}

func (f *fakeSchedules) Get(ctx context.Context, symbol string, kind registry.ScheduleKind) (*registry.Schedule, error) {
	s, ok := f.records[symbol+"_"+string(kind)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return s, nil
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestReconciler(sub *fakeSub, kvData map[string][]byte, symbols map[string]*registry.Symbol, schedules map[string]*registry.Schedule, now time.Time) *Reconciler {
	return New(sub,
		&fakeKV{data: kvData},
		&fakeSymbols{records: symbols},
		&fakeSchedules{records: schedules},
		calendar.FixedClock{T: now},
		testLog(), 120, time.Minute)
}

// Friday 21:00 ET: outside trading hours.
func evening() time.Time {
	return time.Date(2024, time.March, 15, 21, 0, 0, 0, calendar.Eastern())
}

// Tuesday 11:00 ET: inside trading hours.
func midday() time.Time {
	return time.Date(2024, time.March, 12, 11, 0, 0, 0, calendar.Eastern())
}

// --- tests ---

// watched={A,B}, desired={B,C}: A is unsubscribed, C subscribed with the
// resolved backfill window, and the watched set converges to the desired.
func TestReconcileConverges(t *testing.T) {
	sub := newFakeSub("A", "B")
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"B","exchange":"NASDAQ"},{"symbol":"C","exchange":"NYSE"}]`),
	}
	symbols := map[string]*registry.Symbol{
		"C": {Symbol: "C", Exchange: registry.ExchangeNYSE, SecurityType: registry.KindStock, BackfillMinutes: 45},
	}

	rec := newTestReconciler(sub, kvData, symbols, nil, midday())
	rec.Reconcile(context.Background())

	assert.Equal(t, []subCall{{"C", 45}}, sub.subscribed)
	assert.Equal(t, []string{"A"}, sub.removed)
	assert.Equal(t, []string{"B", "C"}, sub.Watched())
}

// Symbols without a configured backfill window get the default.
func TestDefaultBackfillMinutes(t *testing.T) {
	sub := newFakeSub()
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"X","exchange":"NASDAQ"}]`),
	}

	rec := newTestReconciler(sub, kvData, nil, nil, midday())
	rec.Reconcile(context.Background())

	require.Len(t, sub.subscribed, 1)
	assert.Equal(t, subCall{"X", 120}, sub.subscribed[0])
}

// Duplicate desired-set entries collapse silently into one subscription.
func TestDesiredSetDeduplicates(t *testing.T) {
	sub := newFakeSub()
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"X","exchange":"NASDAQ"},{"symbol":"X","exchange":"NASDAQ"}]`),
	}

	rec := newTestReconciler(sub, kvData, nil, nil, midday())
	rec.Reconcile(context.Background())

	assert.Len(t, sub.subscribed, 1)
}

// An empty or missing desired set unsubscribes everything.
func TestEmptyDesiredSetDrainsWatched(t *testing.T) {
	sub := newFakeSub("A", "B")
	rec := newTestReconciler(sub, map[string][]byte{}, nil, nil, midday())
	rec.Reconcile(context.Background())

	assert.Empty(t, sub.Watched())
	assert.ElementsMatch(t, []string{"A", "B"}, sub.removed)
}

// A malformed desired set leaves the watched set untouched.
func TestMalformedDesiredSetIsSkipped(t *testing.T) {
	sub := newFakeSub("A")
	kvData := map[string][]byte{"dtn:ingestion:symbols": []byte(`{not json`)}

	rec := newTestReconciler(sub, kvData, nil, nil, midday())
	rec.Reconcile(context.Background())

	assert.Equal(t, []string{"A"}, sub.Watched())
	assert.Empty(t, sub.removed)
}

// Auto-stop removes a watched symbol outside trading hours when its live
// schedule asks for it; symbols without the flag stay.
func TestAutoStopOutsideTradingHours(t *testing.T) {
	sub := newFakeSub()
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"X","exchange":"NASDAQ"},{"symbol":"Y","exchange":"NASDAQ"}]`),
	}
	schedules := map[string]*registry.Schedule{
		"X_live": {
			ID: "X_live", Symbol: "X", ScheduleType: registry.ScheduleLive, Enabled: true,
			Config: map[string]interface{}{"auto_stop": true},
		},
	}

	rec := newTestReconciler(sub, kvData, nil, schedules, evening())
	rec.Reconcile(context.Background())

	assert.Equal(t, []string{"Y"}, sub.Watched())
	assert.Equal(t, []string{"X"}, sub.removed)
}

// Auto-stop never fires during trading hours.
func TestAutoStopInactiveDuringTradingHours(t *testing.T) {
	sub := newFakeSub()
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"X","exchange":"NASDAQ"}]`),
	}
	schedules := map[string]*registry.Schedule{
		"X_live": {
			ID: "X_live", Symbol: "X", ScheduleType: registry.ScheduleLive, Enabled: true,
			Config: map[string]interface{}{"auto_stop": true},
		},
	}

	rec := newTestReconciler(sub, kvData, nil, schedules, midday())
	rec.Reconcile(context.Background())

	assert.Equal(t, []string{"X"}, sub.Watched())
	assert.Empty(t, sub.removed)
}

// A pub/sub notification triggers a reconcile pass.
func TestRunReactsToNotifications(t *testing.T) {
	sub := newFakeSub()
	kvData := map[string][]byte{
		"dtn:ingestion:symbols": []byte(`[{"symbol":"X","exchange":"NASDAQ"}]`),
	}

	rec := newTestReconciler(sub, kvData, nil, nil, midday())

	ctx, cancel := context.WithCancel(context.Background())
	notifications := make(chan *redis.Message, 1)
	done := make(chan struct{})
	go func() { rec.Run(ctx, notifications); close(done) }()

	require.Eventually(t, func() bool {
		return len(sub.Watched()) == 1
	}, time.Second, 5*time.Millisecond)

	// Drop X behind the reconciler's back; only a notification-driven pass
	// can restore it before the one-minute periodic tick.
	require.NoError(t, sub.Unsubscribe(context.Background(), "X"))
	notifications <- &redis.Message{Channel: "dtn:ingestion:symbol_updates", Payload: "symbols_updated"}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.subscribed) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"X"}, sub.Watched())
	cancel()
	<-done
}
