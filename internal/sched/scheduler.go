// Package sched triggers historical ingestion jobs on Eastern-time cron
// schedules.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	"dtningest/internal/kv"
	"dtningest/internal/registry"
)

// Runner is the historical ingestor surface the scheduler invokes.
type Runner interface {
	RunOnce(ctx context.Context) error
	RunForSymbols(ctx context.Context, refs []registry.SymbolRef) error
}

// Schedules lists and stamps per-symbol schedule records.
type Schedules interface {
	List(ctx context.Context, kind registry.ScheduleKind) ([]*registry.Schedule, error)
	MarkRun(ctx context.Context, symbol string, kind registry.ScheduleKind, ranAt, next time.Time) error
}

// KV reads the system configuration.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Scheduler owns the cron runtime for the historical process: one job per
// enabled per-symbol schedule plus a global daily job over the full active
// set.
type Scheduler struct {
	cron      *cron.Cron
	runner    Runner
	schedules Schedules
	kvs       KV
	clock     calendar.Clock
	log       *logrus.Entry

	defaultHour   int
	defaultMinute int

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	globalID  cron.EntryID
	hasGlobal bool
}

// New builds a scheduler. Cron expressions are 5-field and evaluated in
// Eastern time.
func New(runner Runner, schedules Schedules, kvs KV, clock calendar.Clock, log *logrus.Entry, defaultHour, defaultMinute int) *Scheduler {
	if clock == nil {
		clock = calendar.SystemClock{}
	}
	c := cron.New(
		cron.WithLocation(calendar.Eastern()),
		cron.WithChain(cron.Recover(cronLogger{log})),
	)
	return &Scheduler{
		cron:          c,
		runner:        runner,
		schedules:     schedules,
		kvs:           kvs,
		clock:         clock,
		log:           log,
		defaultHour:   defaultHour,
		defaultMinute: defaultMinute,
		entries:       make(map[string]cron.EntryID),
	}
}

// Start registers all jobs and starts the cron runtime.
func (s *Scheduler) Start(ctx context.Context) {
	s.ReloadSchedules(ctx)
	s.ReloadGlobal(ctx)
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts the cron runtime, draining running jobs.
func (s *Scheduler) Stop() context.Context {
	s.log.Info("scheduler stopping")
	return s.cron.Stop()
}

// ReloadSchedules re-scans the per-symbol historical schedules, adding,
// updating and removing jobs to match.
func (s *Scheduler) ReloadSchedules(ctx context.Context) {
	records, err := s.schedules.List(ctx, registry.ScheduleHistorical)
	if err != nil {
		s.log.WithError(err).Error("could not list historical schedules")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool)
	for _, sched := range records {
		if !sched.Enabled {
			continue
		}
		keep[sched.ID] = true

		if id, ok := s.entries[sched.ID]; ok {
			s.cron.Remove(id)
		}

		if err := s.register(ctx, sched); err != nil {
			// A malformed cron skips this record; its neighbors proceed.
			s.log.WithError(err).WithFields(logrus.Fields{
				"schedule": sched.ID,
				"cron":     sched.CronExpression,
			}).Warn("skipping schedule with invalid cron expression")
			delete(s.entries, sched.ID)
			delete(keep, sched.ID)
		}
	}

	for schedID, entryID := range s.entries {
		if !keep[schedID] {
			s.cron.Remove(entryID)
			delete(s.entries, schedID)
			s.log.WithField("schedule", schedID).Info("removed schedule job")
		}
	}
}

// register adds one per-symbol job. Caller holds s.mu.
func (s *Scheduler) register(ctx context.Context, sched *registry.Schedule) error {
	symbol := sched.Symbol
	schedID := sched.ID
	jobID := fmt.Sprintf("ingestion_%s", schedID)

	var entryID cron.EntryID
	id, err := s.cron.AddFunc(sched.CronExpression, func() {
		s.runJob(jobID, func(jctx context.Context) error {
			return s.runner.RunForSymbols(jctx, []registry.SymbolRef{{Symbol: symbol}})
		})
		s.stampRun(symbol, entryID)
	})
	if err != nil {
		return err
	}
	entryID = id
	s.entries[schedID] = id
	s.log.WithFields(logrus.Fields{"job": jobID, "cron": sched.CronExpression}).Info("registered schedule job")
	return nil
}

// ReloadGlobal (re)schedules the global daily job from the system config,
// falling back to the configured default fire time.
func (s *Scheduler) ReloadGlobal(ctx context.Context) {
	hour, minute := s.defaultHour, s.defaultMinute

	if data, err := s.kvs.Get(ctx, kv.KeySystemConfig); err == nil && data != nil {
		var cfg registry.SystemConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			s.log.WithError(err).Warn("skipping malformed system config")
		} else if cfg.ScheduleHour >= 0 && cfg.ScheduleHour <= 23 && cfg.ScheduleMinute >= 0 && cfg.ScheduleMinute <= 59 {
			hour, minute = cfg.ScheduleHour, cfg.ScheduleMinute
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasGlobal {
		s.cron.Remove(s.globalID)
	}

	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	id, err := s.cron.AddFunc(expr, func() {
		s.runJob("ingestion_global", func(jctx context.Context) error {
			return s.runner.RunOnce(jctx)
		})
	})
	if err != nil {
		s.log.WithError(err).Error("could not schedule global ingestion job")
		s.hasGlobal = false
		return
	}
	s.globalID = id
	s.hasGlobal = true
	s.log.WithField("cron", expr).Info("scheduled global ingestion job")
}

// HandleNotifications reacts to pub/sub messages until the context ends:
// config updates reschedule the global job, symbol updates re-scan the
// per-symbol schedules.
func (s *Scheduler) HandleNotifications(ctx context.Context, notifications <-chan *redis.Message) {
	for {
		select {
		case msg, ok := <-notifications:
			if !ok {
				return
			}
			switch msg.Channel {
			case kv.ChannelConfigUpdates:
				s.log.Info("system config changed, rescheduling global job")
				s.ReloadGlobal(ctx)
			case kv.ChannelSymbolUpdates:
				s.log.Info("symbol schedules changed, rescanning")
				s.ReloadSchedules(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runJob executes one job. A failure never cancels the job's next firing.
func (s *Scheduler) runJob(jobID string, fn func(context.Context) error) {
	log := s.log.WithField("job", jobID)
	log.Info("job firing")

	if err := fn(context.Background()); err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.Info("job finished")
}

// stampRun records last_run/next_run on the schedule record.
func (s *Scheduler) stampRun(symbol string, entryID cron.EntryID) {
	next := s.cron.Entry(entryID).Next
	if err := s.schedules.MarkRun(context.Background(), symbol, registry.ScheduleHistorical, s.clock.Now(), next); err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Debug("could not stamp schedule run")
	}
}

// cronLogger adapts logrus to the cron logger interface used by the panic
// recovery chain.
type cronLogger struct {
	log *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithField("cron", keysAndValues).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithField("cron", keysAndValues).Error(msg)
}
