// Package reconciler drives the live subscription set toward the desired
// symbol set stored in the KV.
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	"dtningest/internal/kv"
	"dtningest/internal/registry"
)

// Subscriber is the live ingestor surface the reconciler drives.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string, backfillMinutes int) error
	Unsubscribe(ctx context.Context, symbol string) error
	Watched() []string
}

// KV reads the desired symbol set.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Symbols resolves per-symbol configuration.
type Symbols interface {
	Get(ctx context.Context, name string) (*registry.Symbol, error)
}

// Schedules resolves per-symbol live schedules.
type Schedules interface {
	Get(ctx context.Context, symbol string, kind registry.ScheduleKind) (*registry.Schedule, error)
}

// DefaultBackfillMinutes applies when a symbol carries no backfill setting.
const DefaultBackfillMinutes = 120

// Reconciler converges watched onto desired on boot, on pub/sub
// notification, and on a periodic tick.
type Reconciler struct {
	live      Subscriber
	kvs       KV
	symbols   Symbols
	schedules Schedules
	clock     calendar.Clock
	log       *logrus.Entry

	defaultBackfill int
	interval        time.Duration
}

// New builds a reconciler.
func New(live Subscriber, kvs KV, symbols Symbols, schedules Schedules, clock calendar.Clock, log *logrus.Entry, defaultBackfill int, interval time.Duration) *Reconciler {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	if defaultBackfill <= 0 {
		defaultBackfill = DefaultBackfillMinutes
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		live:            live,
		kvs:             kvs,
		symbols:         symbols,
		schedules:       schedules,
		clock:           clock,
		log:             log,
		defaultBackfill: defaultBackfill,
		interval:        interval,
	}
}

// Run reconciles at boot, then on every notification and periodic tick,
// until the context ends.
func (r *Reconciler) Run(ctx context.Context, notifications <-chan *redis.Message) {
	r.Reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-notifications:
			if !ok {
				return
			}
			r.log.WithField("payload", msg.Payload).Info("symbol set change notification")
			r.Reconcile(ctx)
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one convergence pass: subscribe the missing symbols,
// unsubscribe the extra ones, then apply the auto-stop check.
func (r *Reconciler) Reconcile(ctx context.Context) {
	desired, err := r.desiredSet(ctx)
	if err != nil {
		r.log.WithError(err).Error("could not read desired symbol set")
		return
	}

	watched := make(map[string]struct{})
	for _, s := range r.live.Watched() {
		watched[s] = struct{}{}
	}

	for symbol := range desired {
		if _, ok := watched[symbol]; ok {
			continue
		}
		if err := r.live.Subscribe(ctx, symbol, r.backfillMinutes(ctx, symbol)); err != nil {
			r.log.WithError(err).WithField("symbol", symbol).Error("subscribe failed")
		}
	}

	for symbol := range watched {
		if _, ok := desired[symbol]; ok {
			continue
		}
		if err := r.live.Unsubscribe(ctx, symbol); err != nil {
			r.log.WithError(err).WithField("symbol", symbol).Error("unsubscribe failed")
		}
	}

	r.applyAutoStop(ctx)
}

// desiredSet reads and de-duplicates the desired symbol set. Duplicate
// (ticker, exchange) entries collapse silently.
func (r *Reconciler) desiredSet(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})

	data, err := r.kvs.Get(ctx, kv.KeySymbols)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return out, nil
	}

	var refs []registry.SymbolRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if ref.Symbol == "" {
			continue
		}
		out[ref.Symbol] = struct{}{}
	}
	return out, nil
}

// backfillMinutes resolves the intraday backfill window for a symbol.
func (r *Reconciler) backfillMinutes(ctx context.Context, symbol string) int {
	sym, err := r.symbols.Get(ctx, symbol)
	if err != nil || sym.BackfillMinutes <= 0 {
		return r.defaultBackfill
	}
	return sym.BackfillMinutes
}

// applyAutoStop unsubscribes watched symbols whose live schedule requests
// auto-stop once outside trading hours.
func (r *Reconciler) applyAutoStop(ctx context.Context) {
	if calendar.IsTradingHours(r.clock.Now()) {
		return
	}

	for _, symbol := range r.live.Watched() {
		sched, err := r.schedules.Get(ctx, symbol, registry.ScheduleLive)
		if err != nil {
			continue
		}
		if !sched.AutoStop() {
			continue
		}
		if err := r.live.Unsubscribe(ctx, symbol); err != nil {
			r.log.WithError(err).WithField("symbol", symbol).Error("auto-stop unsubscribe failed")
			continue
		}
		r.log.WithField("symbol", symbol).Info("auto-stopped after market close")
	}
}
