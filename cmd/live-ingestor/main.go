// The live-ingestor process hosts the streaming tick ingestor and the
// symbol-set reconciler.
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
	"dtningest/internal/ingest/live"
	"dtningest/internal/ingest/reconciler"
	"dtningest/internal/kv"
	"dtningest/internal/logger"
	"dtningest/internal/monitor"
	"dtningest/internal/registry"
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
	mainLog := logger.Component(log, "live-ingestor")
	if err != nil {
		mainLog.WithError(err).Warn("config file not loaded, using defaults with env overrides")
	}
	mainLog.Info("live tick ingestion service starting")

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

	vendorCfg := dtnws.Config{
		HistURL:     cfg.Vendor.HistURL,
		QuoteURL:    cfg.Vendor.QuoteURL,
		RequestRate: cfg.Vendor.RequestRate,
		DialTimeout: cfg.Vendor.DialTimeout,
	}

	hist, err := dtnws.NewHistClient(ctx, vendorCfg, logger.Component(log, "vendor-hist"))
	if err != nil {
		mainLog.WithError(err).Error("could not connect to vendor lookup endpoint")
		return
	}
	defer hist.Close()

	quote, err := dtnws.NewQuoteClient(ctx, vendorCfg, logger.Component(log, "vendor-quote"))
	if err != nil {
		mainLog.WithError(err).Error("could not connect to vendor quote endpoint")
		return
	}
	defer quote.Close()

	clock := calendar.SystemClock{}
	symbols := registry.NewSymbolRegistry(ts, kvs, cfg.Influx.SymbolBucket, logger.Component(log, "symbols"), clock)
	schedules := registry.NewScheduleRegistry(kvs, logger.Component(log, "schedules"), clock)

	ingestor := live.New(quote, hist, kvs, clock, logger.Component(log, "live"), metrics)
	go ingestor.Run(ctx, cfg.Ingestion.LiveWorkers)

	rec := reconciler.New(ingestor, kvs, symbols, schedules, clock, logger.Component(log, "reconciler"),
		cfg.Ingestion.DefaultBackfillMinutes, cfg.Ingestion.ReconcileInterval)

	pubsub, notifications := kvs.Subscribe(ctx, kv.ChannelSymbolUpdates)
	defer pubsub.Close()

	rec.Run(ctx, notifications)

	mainLog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ingestor.UnsubscribeAll(shutdownCtx)
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
