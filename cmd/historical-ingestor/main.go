// The historical-ingestor process hosts the gap-filling OHLC ingestor and
// its cron scheduler.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"dtningest/internal/calendar"
	"dtningest/internal/config"
	"dtningest/internal/ingest/historical"
	"dtningest/internal/kv"
	"dtningest/internal/logger"
	"dtningest/internal/monitor"
	"dtningest/internal/registry"
	"dtningest/internal/sched"
	"dtningest/internal/timeseries"
	"dtningest/internal/extvendor/dtnws"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	log := logger.New(cfg.Logging)
	mainLog := logger.Component(log, "historical-ingestor")
	if err != nil {
		mainLog.WithError(err).Warn("config file not loaded, using defaults with env overrides")
	}
	mainLog.Info("historical ingestion service starting")

	metrics := monitor.New()
	if cfg.Metrics.Enabled {
		monitor.Serve(cfg.Metrics.Addr, cfg.Metrics.Path, logger.Component(log, "metrics"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ts := timeseries.NewClient(timeseries.Config{
		URL:     cfg.Influx.URL,
		Token:   cfg.Influx.Token,
		Org:     cfg.Influx.Org,
		Timeout: cfg.Influx.Timeout,
	}, logger.Component(log, "timeseries"))
	defer ts.Close()

	kvs := connectKV(ctx, cfg, logger.Component(log, "kv"))
	if kvs == nil {
		return
	}
	defer kvs.Close()

	clock := calendar.SystemClock{}
	symbols := registry.NewSymbolRegistry(ts, kvs, cfg.Influx.SymbolBucket, logger.Component(log, "symbols"), clock)
	schedules := registry.NewScheduleRegistry(kvs, logger.Component(log, "schedules"), clock)

	runner := &jobRunner{
		cfg:       cfg,
		ts:        ts,
		kvs:       kvs,
		symbols:   symbols,
		schedules: schedules,
		clock:     clock,
		log:       logger.Component(log, "historical"),
		metrics:   metrics,
	}

	scheduler := sched.New(runner, schedules, kvs, clock, logger.Component(log, "scheduler"),
		cfg.Ingestion.ScheduleHour, cfg.Ingestion.ScheduleMinute)

	pubsub, notifications := kvs.Subscribe(ctx, kv.ChannelSymbolUpdates, kv.ChannelConfigUpdates)
	defer pubsub.Close()
	go scheduler.HandleNotifications(ctx, notifications)

	// Initial full pass before handing control to the cron runtime.
	if err := runner.RunOnce(ctx); err != nil {
		mainLog.WithError(err).Error("initial ingest failed")
	}

	scheduler.Start(ctx)

	<-ctx.Done()
	mainLog.Info("shutting down")

	drained := scheduler.Stop()
	select {
	case <-drained.Done():
	case <-time.After(2 * time.Minute):
		mainLog.Warn("timed out draining running jobs")
	}
	mainLog.Info("shutdown complete")
}

// connectKV retries until the KV store is reachable or shutdown is
// requested. A dead KV at startup is never fatal to the process.
func connectKV(ctx context.Context, cfg *config.Config, log *logrus.Entry) *kv.Store {
	for {
		store, err := kv.NewStore(ctx, kv.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err == nil {
			return store
		}
		log.WithError(err).Error("could not connect to Redis, retrying")

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}

// jobRunner builds a vendor connection per batch job, runs the ingestor and
// tears the connection down again.
type jobRunner struct {
	cfg       *config.Config
	ts        *timeseries.Client
	kvs       *kv.Store
	symbols   *registry.SymbolRegistry
	schedules *registry.ScheduleRegistry
	clock     calendar.Clock
	log       *logrus.Entry
	metrics   *monitor.Metrics
}

func (r *jobRunner) RunOnce(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, ing *historical.Ingestor) error {
		return ing.RunOnce(ctx)
	})
}

func (r *jobRunner) RunForSymbols(ctx context.Context, refs []registry.SymbolRef) error {
	return r.run(ctx, func(ctx context.Context, ing *historical.Ingestor) error {
		return ing.RunForSymbols(ctx, refs)
	})
}

func (r *jobRunner) run(ctx context.Context, fn func(context.Context, *historical.Ingestor) error) error {
	hist, err := dtnws.NewHistClient(ctx, dtnws.Config{
		HistURL:     r.cfg.Vendor.HistURL,
		RequestRate: r.cfg.Vendor.RequestRate,
		DialTimeout: r.cfg.Vendor.DialTimeout,
	}, logger.Component(r.log.Logger, "vendor-hist"))
	if err != nil {
		return err
	}
	defer hist.Close()

	ing := historical.New(r.ts, hist, r.symbols, r.schedules, r.kvs,
		r.cfg.Influx.Bucket, r.clock, r.log, r.metrics)
	return fn(ctx, ing)
}
