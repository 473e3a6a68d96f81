package emitter

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pricestream/internal/metrics"
)

// Client is the outbound socket to the downstream confirmation consumer.
// Emission is best-effort: while disconnected, envelopes are dropped with a
// counter bump and a single warning per reconnect cycle.
type Client struct {
	endpoint string
	logger   *zap.Logger
	metrics  *metrics.Registry

	mu     sync.Mutex
	conn   *websocket.Conn
	warned bool
}

// NewClient builds the emitter. An empty consumer URL disables it.
func NewClient(consumerURL, consumerPath string, reg *metrics.Registry, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := ""
	if consumerURL != "" {
		endpoint = strings.TrimSuffix(consumerURL, "/") + consumerPath
	}
	return &Client{endpoint: endpoint, logger: logger, metrics: reg}
}

// Enabled reports whether a consumer endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

// Run maintains the connection with backoff until ctx is done.
func (c *Client) Run(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	if _, err := url.Parse(c.endpoint); err != nil {
		c.logger.Error("invalid consumer endpoint", zap.String("url", c.endpoint), zap.Error(err))
		return
	}

	backoff := time.Second
	const backoffMax = 15 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			c.logger.Debug("consumer dial failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, backoffMax)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.warned = false
		c.mu.Unlock()
		c.logger.Info("consumer connected", zap.String("endpoint", c.endpoint))
		backoff = time.Second

		// Drain inbound frames; the consumer protocol is write-only from
		// this side, but reads surface the close error.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.logger.Warn("consumer connection lost")
	}
}

// Emit sends one envelope. The payload already carries its event name.
func (c *Client) Emit(event string, payload interface{}) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.metrics.Inc(metrics.CounterEmitDrops)
		c.mu.Lock()
		if !c.warned {
			c.warned = true
			c.mu.Unlock()
			c.logger.Warn("consumer disconnected, dropping envelopes", zap.String("event", event))
			return
		}
		c.mu.Unlock()
		return
	}

	if err := conn.WriteJSON(payload); err != nil {
		c.metrics.Inc(metrics.CounterEmitDrops)
		c.logger.Debug("envelope write failed", zap.String("event", event), zap.Error(err))
	}
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
