package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	apperrors "dtningest/internal/errors"
	"dtningest/internal/kv"
)

// cronParser validates the 5-field (minute, hour, dom, month, dow)
// expressions schedules use.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron parses a 5-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return apperrors.WithDetails(apperrors.ErrCodeMalformedConfig, "invalid cron expression", expr, err)
	}
	return nil
}

// ScheduleRegistry manages per-symbol schedule records in the KV store.
type ScheduleRegistry struct {
	kvs   KV
	log   *logrus.Entry
	clock calendar.Clock
}

// NewScheduleRegistry builds a schedule registry.
func NewScheduleRegistry(kvs KV, log *logrus.Entry, clock calendar.Clock) *ScheduleRegistry {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	return &ScheduleRegistry{kvs: kvs, log: log, clock: clock}
}

// Create creates or replaces the schedule for (symbol, kind). The id is
// always "<symbol>_<kind>"; at most one schedule exists per pair.
func (r *ScheduleRegistry) Create(ctx context.Context, symbol string, kind ScheduleKind, cronExpr string, enabled bool, config map[string]interface{}) (*Schedule, error) {
	if symbol == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "symbol is required", nil)
	}
	if _, err := ParseScheduleKind(string(kind)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid schedule kind")
	}
	if err := ValidateCron(cronExpr); err != nil {
		return nil, err
	}
	if config == nil {
		config = make(map[string]interface{})
	}

	now := r.clock.Now().UTC()
	sched := &Schedule{
		ID:             fmt.Sprintf("%s_%s", symbol, kind),
		Symbol:         symbol,
		ScheduleType:   kind,
		CronExpression: cronExpr,
		Enabled:        enabled,
		Config:         config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if existing, err := r.Get(ctx, symbol, kind); err == nil {
		sched.CreatedAt = existing.CreatedAt
		sched.LastRun = existing.LastRun
	}

	if err := r.put(ctx, sched); err != nil {
		return nil, err
	}
	r.notify(ctx)
	return sched, nil
}

// Get returns the schedule for (symbol, kind).
func (r *ScheduleRegistry) Get(ctx context.Context, symbol string, kind ScheduleKind) (*Schedule, error) {
	data, err := r.kvs.Get(ctx, kv.ScheduleKey(symbol, string(kind)))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, apperrors.ErrNotFound
	}

	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMalformedConfig, "undecodable schedule record")
	}
	return &sched, nil
}

// List returns all schedules of a kind, ordered by symbol.
func (r *ScheduleRegistry) List(ctx context.Context, kind ScheduleKind) ([]*Schedule, error) {
	keys, err := r.kvs.Scan(ctx, kv.ScheduleScanPattern(string(kind)))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var out []*Schedule
	for _, key := range keys {
		data, err := r.kvs.Get(ctx, key)
		if err != nil || data == nil {
			continue
		}
		var sched Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			// A bad record must not block its neighbors.
			r.log.WithField("key", key).Warn("skipping undecodable schedule record")
			continue
		}
		out = append(out, &sched)
	}
	return out, nil
}

// Toggle flips the enabled flag.
func (r *ScheduleRegistry) Toggle(ctx context.Context, symbol string, kind ScheduleKind, enabled bool) (*Schedule, error) {
	sched, err := r.Get(ctx, symbol, kind)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled
	sched.UpdatedAt = r.clock.Now().UTC()
	if err := r.put(ctx, sched); err != nil {
		return nil, err
	}
	r.notify(ctx)
	return sched, nil
}

// Delete removes the schedule record.
func (r *ScheduleRegistry) Delete(ctx context.Context, symbol string, kind ScheduleKind) error {
	if err := r.kvs.Delete(ctx, kv.ScheduleKey(symbol, string(kind))); err != nil {
		return err
	}
	r.notify(ctx)
	return nil
}

// MarkRun stamps last_run after a job execution.
func (r *ScheduleRegistry) MarkRun(ctx context.Context, symbol string, kind ScheduleKind, ranAt, next time.Time) error {
	sched, err := r.Get(ctx, symbol, kind)
	if err != nil {
		return err
	}
	t := ranAt.UTC()
	sched.LastRun = &t
	if !next.IsZero() {
		n := next.UTC()
		sched.NextRun = &n
	}
	return r.put(ctx, sched)
}

func (r *ScheduleRegistry) put(ctx context.Context, sched *Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode schedule")
	}
	return r.kvs.Set(ctx, kv.ScheduleKey(sched.Symbol, string(sched.ScheduleType)), data)
}

func (r *ScheduleRegistry) notify(ctx context.Context) {
	if err := r.kvs.Publish(ctx, kv.ChannelSymbolUpdates, []byte(kv.PayloadSymbolsUpdated)); err != nil {
		r.log.WithError(err).Warn("schedule change notification failed")
	}
}
