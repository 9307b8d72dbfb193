package dtnws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	apperrors "dtningest/internal/errors"
	"dtningest/internal/extvendor"
)

// quoteFrame is the wire form of one streaming message.
type quoteFrame struct {
	Type                string  `json:"type"` // "trade" or "summary"
	Symbol              string  `json:"symbol"`
	MostRecentTrade     float64 `json:"most_recent_trade"`
	MostRecentTradeSize int64   `json:"most_recent_trade_size"`
}

// QuoteClient is the streaming-endpoint client. One reader goroutine decodes
// frames onto a bounded channel; workers downstream fan messages out. A full
// channel blocks the reader, pushing back on the vendor; no message is
// dropped.
type QuoteClient struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	watched map[string]struct{}
	closed  bool

	messages chan vendor.QuoteUpdate
}

// NewQuoteClient dials the streaming endpoint.
func NewQuoteClient(ctx context.Context, cfg Config, log *logrus.Entry) (*QuoteClient, error) {
	c := &QuoteClient{
		cfg:      cfg,
		log:      log,
		watched:  make(map[string]struct{}),
		messages: make(chan vendor.QuoteUpdate, messageBuffer),
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *QuoteClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.QuoteURL, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeVendorConnection, "failed to connect to vendor quote endpoint")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *QuoteClient) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var frame quoteFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.WithError(err).Debug("dropping undecodable quote frame")
			continue
		}

		update := vendor.QuoteUpdate{
			Symbol:              frame.Symbol,
			MostRecentTrade:     frame.MostRecentTrade,
			MostRecentTradeSize: frame.MostRecentTradeSize,
		}
		switch frame.Type {
		case "trade":
			update.Kind = vendor.KindTrade
		case "summary":
			update.Kind = vendor.KindSummary
		default:
			continue
		}

		c.messages <- update
	}
}

// handleDisconnect redials and re-watches the current set.
func (c *QuoteClient) handleDisconnect(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		close(c.messages)
		return
	}

	c.log.WithError(err).Warn("vendor quote connection lost, reconnecting")
	for {
		time.Sleep(reconnectDelay)
		if dialErr := c.dial(context.Background()); dialErr == nil {
			break
		} else {
			c.log.WithError(dialErr).Error("vendor quote reconnect failed")
		}
	}

	c.mu.Lock()
	symbols := make([]string, 0, len(c.watched))
	for s := range c.watched {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	for _, s := range symbols {
		if err := c.send("trades_watch", s); err != nil {
			c.log.WithError(err).WithField("symbol", s).Error("re-watch failed after reconnect")
		}
	}
}

func (c *QuoteClient) send(method, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return apperrors.New(apperrors.ErrCodeVendorConnection, "vendor quote connection not established", nil)
	}
	msg := map[string]string{"method": method, "symbol": symbol}
	if err := c.conn.WriteJSON(msg); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeVendorConnection, method+" write failed")
	}
	return nil
}

// TradesWatch implements vendor.QuoteClient.
func (c *QuoteClient) TradesWatch(ctx context.Context, symbol string) error {
	if err := c.send("trades_watch", symbol); err != nil {
		return err
	}
	c.mu.Lock()
	c.watched[symbol] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unwatch implements vendor.QuoteClient.
func (c *QuoteClient) Unwatch(ctx context.Context, symbol string) error {
	if err := c.send("unwatch", symbol); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.watched, symbol)
	c.mu.Unlock()
	return nil
}

// Messages implements vendor.QuoteClient.
func (c *QuoteClient) Messages() <-chan vendor.QuoteUpdate {
	return c.messages
}

// Close shuts the connection down. The messages channel closes once the
// reader exits.
func (c *QuoteClient) Close() error {
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
