package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics collects ingestion-path metrics.
type Metrics struct {
	BarsWritten    *prometheus.CounterVec
	TicksPublished *prometheus.CounterVec
	TicksDropped   *prometheus.CounterVec
	VendorErrors   *prometheus.CounterVec
	StoreRetries   prometheus.Counter

	WatchedSymbols   prometheus.Gauge
	LastIngestionAge *prometheus.GaugeVec

	WriteLatency prometheus.Histogram
	QueryLatency prometheus.Histogram
}

// New registers the ingestion metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		BarsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_bars_written_total",
			Help: "OHLC bars written to the time-series store",
		}, []string{"symbol", "timeframe"}),
		TicksPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_ticks_published_total",
			Help: "Live ticks fanned out to the broadcast channel and buffer",
		}, []string{"symbol"}),
		TicksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_ticks_dropped_total",
			Help: "Live messages dropped by validity checks",
		}, []string{"symbol"}),
		VendorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dtn_vendor_errors_total",
			Help: "Vendor request failures by operation",
		}, []string{"op"}),
		StoreRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dtn_store_retries_total",
			Help: "Time-series store retry attempts",
		}),
		WatchedSymbols: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dtn_watched_symbols",
			Help: "Symbols currently subscribed on the quote connection",
		}),
		LastIngestionAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dtn_last_ingestion_age_seconds",
			Help: "Seconds since the last successful historical ingest per symbol",
		}, []string{"symbol"}),
		WriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtn_store_write_seconds",
			Help:    "Time-series store write latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		QueryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dtn_store_query_seconds",
			Help:    "Time-series store query latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// ObserveWrite records a store write duration.
func (m *Metrics) ObserveWrite(d time.Duration) { m.WriteLatency.Observe(d.Seconds()) }

// ObserveQuery records a store query duration.
func (m *Metrics) ObserveQuery(d time.Duration) { m.QueryLatency.Observe(d.Seconds()) }

// Serve exposes the metrics endpoint. Runs until the process exits.
func Serve(addr, path string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("metrics endpoint failed")
		}
	}()
	log.WithField("addr", addr).Info("metrics endpoint listening")
}
