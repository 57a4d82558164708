// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"fmt"
	"fxcore/internal/core"
	"fxcore/pkg/retry"
	"fxcore/pkg/telemetry"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

const (
	defaultInitialReconnect = 1 * time.Second
	defaultMaxReconnect     = 30 * time.Second
	defaultIdleTimeout      = 30 * time.Second
	defaultFailureThreshold = 10
)

// Client is a resilient WebSocket client. It never sends pings: the feeds it
// talks to push continuously, so staleness is detected with an idle read
// deadline instead. A silent connection is treated as dead and redialed.
type Client struct {
	url     string
	handler MessageHandler

	backoff          *retry.Backoff
	idleTimeout      time.Duration
	failureThreshold int

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()                        // Callback when connected (useful for subscriptions)
	onDegraded  func(consecutiveFailures int) // Callback when reconnects keep failing

	// Logger
	logger core.ILogger

	// OTel
	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:              url,
		handler:          handler,
		backoff:          retry.NewBackoff(defaultInitialReconnect, defaultMaxReconnect),
		idleTimeout:      defaultIdleTimeout,
		failureThreshold: defaultFailureThreshold,
		ctx:              ctx,
		cancel:           cancel,
		tracer:           tracer,
		msgCounter:       msgCounter,
		connCounter:      connCounter,
		logger:           logger,
	}
}

// SetIdleTimeout overrides how long the connection may stay silent before
// it is considered dead.
func (c *Client) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleTimeout = d
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnDegraded sets the callback invoked when the client has failed to
// connect failureThreshold times in a row.
func (c *Client) SetOnDegraded(cb func(consecutiveFailures int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDegraded = cb
}

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send sends a message over the WebSocket
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop
func (c *Client) Stop() {
	c.cancel()

	// Wait for all goroutines to exit (with timeout)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines exited cleanly
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
		}
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	consecutiveFailures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				consecutiveFailures++
				if c.logger != nil {
					c.logger.Error("WebSocket connect failed", "url", c.url, "error", err, "consecutive_failures", consecutiveFailures)
				}
				if consecutiveFailures >= c.failureThreshold {
					c.mu.Lock()
					onDegraded := c.onDegraded
					c.mu.Unlock()
					if onDegraded != nil {
						onDegraded(consecutiveFailures)
					}
				}
				if err := c.backoff.Wait(c.ctx); err != nil {
					return
				}
				continue
			}

			consecutiveFailures = 0
			c.backoff.Reset()
			telemetry.GetGlobalMetrics().SetFeedConnected(c.url, true)

			c.mu.Lock()
			onConnected := c.onConnected
			c.mu.Unlock()

			if onConnected != nil {
				onConnected()
			}

			c.readLoop()
			telemetry.GetGlobalMetrics().SetFeedConnected(c.url, false)

			// If readLoop returns, connection was lost
			if err := c.backoff.Wait(c.ctx); err != nil {
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			idle := c.idleTimeout
			c.mu.Unlock()

			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				// Deadline expiry lands here too: a silent feed forces a redial
				return
			}
			conn.SetReadDeadline(time.Now().Add(idle))

			c.msgCounter.Add(c.ctx, 1)

			if c.handler != nil {
				c.handler(message)
			}
		}
	}
}
