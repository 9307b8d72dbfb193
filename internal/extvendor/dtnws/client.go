// Package dtnws speaks the vendor gateway's JSON-over-WebSocket protocol.
// It implements vendor.HistClient against the lookup endpoint and
// vendor.QuoteClient against the streaming endpoint.
package dtnws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	apperrors "dtningest/internal/errors"
	"dtningest/internal/extvendor"
)

const (
	handshakeTimeout = 45 * time.Second
	requestTimeout   = 2 * time.Minute
	reconnectDelay   = 5 * time.Second
	messageBuffer    = 4096
)

// Config holds vendor gateway connection configuration.
type Config struct {
	HistURL  string
	QuoteURL string

	// RequestRate paces lookup requests, requests per second.
	RequestRate float64
	DialTimeout time.Duration
}

// request frames one lookup call.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response frames one lookup reply. NoData marks the vendor's empty result,
// which is not an error.
type response struct {
	ID     uint64          `json:"id"`
	Error  string          `json:"error,omitempty"`
	NoData bool            `json:"no_data,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// HistClient is the lookup-endpoint client. Calls are correlated by request
// id over a single connection.
type HistClient struct {
	cfg     Config
	log     *logrus.Entry
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	nextID  uint64
	closed  bool
}

// NewHistClient dials the lookup endpoint.
func NewHistClient(ctx context.Context, cfg Config, log *logrus.Entry) (*HistClient, error) {
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = 5
	}
	c := &HistClient{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestRate), 1),
		pending: make(map[uint64]chan response),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HistClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.HistURL, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeVendorConnection, "failed to connect to vendor lookup endpoint")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *HistClient) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.failPending(err)
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// failPending unblocks every in-flight call after a connection loss and
// redials unless the client is closed.
func (c *HistClient) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{Error: err.Error()}
	}

	if closed {
		return
	}
	c.log.WithError(err).Warn("vendor lookup connection lost, reconnecting")
	time.Sleep(reconnectDelay)
	if dialErr := c.dial(context.Background()); dialErr != nil {
		c.log.WithError(dialErr).Error("vendor lookup reconnect failed")
	}
}

// call sends one request and waits for its correlated response.
func (c *HistClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode vendor request")
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeVendorConnection, "vendor lookup connection not established", nil)
	}
	c.pending[id] = ch
	err = c.conn.WriteJSON(request{ID: id, Method: method, Params: raw})
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrCodeVendorConnection, "vendor request write failed")
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.NoData {
			return apperrors.ErrNoData
		}
		if resp.Error != "" {
			return apperrors.New(apperrors.ErrCodeVendorConnection, fmt.Sprintf("vendor %s failed", method), fmt.Errorf("%s", resp.Error))
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeSchemaMismatch, "vendor response decode failed")
			}
		}
		return nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeTimeout, fmt.Sprintf("vendor %s timed out", method), nil)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// RequestBarsInPeriod implements vendor.HistClient.
func (c *HistClient) RequestBarsInPeriod(ctx context.Context, ticker string, intervalLen int, intervalUnit string, start, end time.Time, ascend bool) ([]vendor.IntradayBar, error) {
	params := map[string]interface{}{
		"ticker":        ticker,
		"interval_len":  intervalLen,
		"interval_type": intervalUnit,
		"bgn_prd":       start.Format(time.RFC3339),
		"end_prd":       end.Format(time.RFC3339),
		"ascend":        ascend,
	}
	var bars []vendor.IntradayBar
	if err := c.call(ctx, "request_bars_in_period", params, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// RequestDailyData implements vendor.HistClient.
func (c *HistClient) RequestDailyData(ctx context.Context, ticker string, numDays int, ascend bool) ([]vendor.DailyBar, error) {
	params := map[string]interface{}{
		"ticker":   ticker,
		"num_days": numDays,
		"ascend":   ascend,
	}
	var bars []vendor.DailyBar
	if err := c.call(ctx, "request_daily_data", params, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// RequestTicksInPeriod implements vendor.HistClient.
func (c *HistClient) RequestTicksInPeriod(ctx context.Context, ticker string, start, end time.Time, ascend bool) ([]vendor.TickRecord, error) {
	params := map[string]interface{}{
		"ticker":  ticker,
		"bgn_prd": start.Format(time.RFC3339),
		"end_prd": end.Format(time.RFC3339),
		"ascend":  ascend,
	}
	var ticks []vendor.TickRecord
	if err := c.call(ctx, "request_ticks_in_period", params, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}

// Close shuts the connection down.
func (c *HistClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
