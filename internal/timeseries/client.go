package timeseries

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	apperrors "dtningest/internal/errors"
)

const (
	maxRetries          = 3
	retryBaseDelay      = 5 * time.Second
	healthCheckInterval = 60 * time.Second

	batchSize         = 5000
	flushIntervalMs   = 10_000
	flushJitterMaxMs  = 2_000
	writeRetryDelayMs = 5_000
	maxRetryDelayMs   = 30_000
	retryExponentBase = 2
)

// Config holds InfluxDB connection configuration.
type Config struct {
	URL   string
	Token string
	Org   string

	Timeout time.Duration
}

// Record is one point-in-time row destined for a measurement. Tags are
// supplied per write call; fields carry the numeric and text payload.
type Record struct {
	Time   time.Time
	Fields map[string]interface{}
}

// Client wraps the InfluxDB client with a health cache, reconnect-on-fail
// and retry with exponential backoff. One instance is shared per process.
type Client struct {
	cfg Config
	log *logrus.Entry

	mu        sync.Mutex
	client    influxdb2.Client
	writers   map[string]api.WriteAPI // batched writers by bucket
	asyncErrs map[string]error        // last delivery error per bucket
	lastPing  time.Time
	healthy   bool
}

// NewClient builds the shared client handle. The connection is verified
// lazily; a dead store at startup is logged and retried, not fatal.
func NewClient(cfg Config, log *logrus.Entry) *Client {
	c := &Client{
		cfg:       cfg,
		log:       log,
		writers:   make(map[string]api.WriteAPI),
		asyncErrs: make(map[string]error),
	}
	c.rebuild()
	return c
}

// rebuild replaces the underlying client. Callers hold c.mu or are in the
// constructor.
func (c *Client) rebuild() {
	if c.client != nil {
		c.client.Close()
	}

	// The client library has no jitter knob, so the 0-2 s jitter is folded
	// into the flush interval at connection build time.
	flushInterval := uint(flushIntervalMs + rand.Int63n(flushJitterMaxMs))

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize).
		SetFlushInterval(flushInterval).
		SetRetryInterval(writeRetryDelayMs).
		SetMaxRetries(maxRetries).
		SetMaxRetryInterval(maxRetryDelayMs).
		SetExponentialBase(retryExponentBase).
		SetPrecision(time.Nanosecond)
	if c.cfg.Timeout > 0 {
		opts = opts.SetHTTPRequestTimeout(uint(c.cfg.Timeout / time.Second))
	}

	c.client = influxdb2.NewClientWithOptions(c.cfg.URL, c.cfg.Token, opts)
	c.writers = make(map[string]api.WriteAPI)
	c.asyncErrs = make(map[string]error)
	c.healthy = false
	c.lastPing = time.Time{}
}

// Ping checks store health. Successful pings are cached for 60 seconds.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingLocked(ctx)
}

func (c *Client) pingLocked(ctx context.Context) error {
	if c.healthy && time.Since(c.lastPing) < healthCheckInterval {
		return nil
	}

	ok, err := c.client.Ping(ctx)
	c.lastPing = time.Now()
	c.healthy = err == nil && ok
	if !c.healthy {
		return apperrors.Wrap(err, apperrors.ErrCodeStoreConnection, "InfluxDB ping failed")
	}
	return nil
}

// ensureConnection reconnects when the health check fails.
func (c *Client) ensureConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pingLocked(ctx); err != nil {
		c.log.Warn("InfluxDB connection unhealthy, reconnecting")
		c.rebuild()
		return c.pingLocked(ctx)
	}
	return nil
}

// invalidate drops the cached health state after a connection-class failure.
func (c *Client) invalidate() {
	c.mu.Lock()
	c.healthy = false
	c.lastPing = time.Time{}
	c.mu.Unlock()
}

// isConnectionError reports whether err is a connection-class or server-5xx
// error worth a reconnect and retry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	return false
}

// retry runs op up to maxRetries times with exponential backoff (5 s base,
// doubling), reconnecting between attempts on connection-class errors.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := c.ensureConnection(ctx); err != nil {
			lastErr = err
		} else if lastErr = op(); lastErr == nil {
			return nil
		}

		if !isConnectionError(lastErr) && !apperrors.HasCode(lastErr, apperrors.ErrCodeStoreConnection) {
			return lastErr
		}
		c.invalidate()

		if attempt < maxRetries-1 {
			delay := retryBaseDelay * time.Duration(1<<attempt)
			c.log.WithError(lastErr).Warnf("%s attempt %d failed, retrying in %s", what, attempt+1, delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return apperrors.Wrap(lastErr, apperrors.ErrCodeStoreConnection, what+" exhausted retries")
}

// WriteRecords writes records into a measurement with the given tags,
// synchronously, at nanosecond precision, with retry.
func (c *Client) WriteRecords(ctx context.Context, bucket, measurement string, tags map[string]string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		points = append(points, influxdb2.NewPoint(measurement, tags, r.Fields, r.Time))
	}

	return c.retry(ctx, "write", func() error {
		c.mu.Lock()
		writeAPI := c.client.WriteAPIBlocking(c.cfg.Org, bucket)
		c.mu.Unlock()
		return writeAPI.WritePoint(ctx, points...)
	})
}

// WriteBatch enqueues records on the batched, non-blocking write path
// (batch 5000, flush 10 s + jitter). The client retries delivery
// internally; failures surface on the next Flush for the bucket.
func (c *Client) WriteBatch(ctx context.Context, bucket, measurement string, tags map[string]string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}

	w := c.writer(bucket)
	for _, r := range records {
		w.WritePoint(influxdb2.NewPoint(measurement, tags, r.Fields, r.Time))
	}
	return nil
}

// Flush forces the bucket's batched writer to deliver and reports any
// delivery error accumulated since the last Flush.
func (c *Client) Flush(ctx context.Context, bucket string) error {
	c.mu.Lock()
	w, ok := c.writers[bucket]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	w.Flush()

	c.mu.Lock()
	err := c.asyncErrs[bucket]
	delete(c.asyncErrs, bucket)
	c.mu.Unlock()

	if err != nil {
		if isConnectionError(err) {
			c.invalidate()
		}
		return apperrors.Wrap(err, apperrors.ErrCodeStoreWrite, "batched write delivery failed")
	}
	return nil
}

// writer returns the bucket's batched writer, creating it and its error
// watcher on first use.
func (c *Client) writer(bucket string) api.WriteAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.writers[bucket]
	if !ok {
		w = c.client.WriteAPI(c.cfg.Org, bucket)
		c.writers[bucket] = w
		go c.watchErrors(bucket, w.Errors())
	}
	return w
}

// watchErrors records the latest delivery error per bucket. The channel
// closes when the underlying client is rebuilt or closed.
func (c *Client) watchErrors(bucket string, errs <-chan error) {
	for err := range errs {
		c.log.WithError(err).WithField("bucket", bucket).Warn("batched write failed")
		c.mu.Lock()
		c.asyncErrs[bucket] = err
		c.mu.Unlock()
	}
}

// Query runs a Flux query with retry and returns the raw result iterator.
func (c *Client) Query(ctx context.Context, flux string) (*api.QueryTableResult, error) {
	var result *api.QueryTableResult
	err := c.retry(ctx, "query", func() error {
		c.mu.Lock()
		queryAPI := c.client.QueryAPI(c.cfg.Org)
		c.mu.Unlock()

		res, err := queryAPI.Query(ctx, flux)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close flushes batched writers and shuts the client down. Runs on every
// exit path.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writers {
		w.Flush()
	}
	if c.client != nil {
		c.client.Close()
	}
}
