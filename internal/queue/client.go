// Package queue wraps the AMQP broker: a managed connection with
// auto-reconnect, durable queue declares with dead-letter routing,
// persistent publishing, and retrying consumers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxcore/internal/core"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/retry"
)

const (
	defaultInitialReconnect = 1 * time.Second
	defaultMaxReconnect     = 30 * time.Second
	publishRetryWindow      = 5 * time.Second
)

// Client owns one broker connection and a shared publisher channel.
// Consumers open their own channels; everything redials through the watch
// loop when the connection drops.
type Client struct {
	url    string
	logger core.ILogger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:      url,
		logger:   logger.WithField("component", "amqp_client"),
		declared: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the broker and starts the reconnect watcher. The first
// dial is synchronous so bootstrap fails fast on a bad URL.
func (c *Client) Connect() error {
	if err := c.dial(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.watch()
	return nil
}

// Close tears the connection down and stops the watcher.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Healthy adapts the client to the health manager.
func (c *Client) Healthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return apperrors.ErrBrokerUnavailable
	}
	return nil
}

func (c *Client) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp publisher channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pub = pub
	// Queues must be re-declared against the fresh connection.
	c.declared = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}

// watch redials with exponential backoff whenever the connection closes.
func (c *Client) watch() {
	defer c.wg.Done()
	backoff := retry.NewBackoff(defaultInitialReconnect, defaultMaxReconnect)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.ctx.Done():
			return
		case amqpErr := <-closed:
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("Broker connection lost", "error", amqpErr)
		}

		for {
			if err := c.dial(); err == nil {
				backoff.Reset()
				c.logger.Info("Broker reconnected")
				break
			} else {
				wait := backoff.Next()
				c.logger.Error("Broker redial failed", "error", err, "retry_in", wait.String())
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
		}
	}
}

// channel opens a fresh channel for a consumer.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil, apperrors.ErrBrokerUnavailable
	}
	return conn.Channel()
}

// DeclareQueue declares a durable queue. When dlq is non-empty the queue
// dead-letters through the default exchange into it, and the DLQ itself is
// declared durable as well.
func (c *Client) DeclareQueue(name, dlq string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pub == nil {
		return apperrors.ErrBrokerUnavailable
	}
	if _, ok := c.declared[name]; ok {
		return nil
	}

	if dlq != "" {
		if _, err := c.pub.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", dlq, err)
		}
		c.declared[dlq] = struct{}{}
	}
	if _, err := c.pub.QueueDeclare(name, true, false, false, false, declareArgs(dlq)); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	c.declared[name] = struct{}{}
	return nil
}

// declareArgs builds the dead-letter routing table for a queue.
func declareArgs(dlq string) amqp.Table {
	if dlq == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
}

// Publish sends a persistent message to a queue via the default exchange.
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	return c.PublishWithHeaders(ctx, queue, body, nil)
}

// PublishWithHeaders is Publish with per-message headers (retry counters,
// dead-letter reasons).
func (c *Client) PublishWithHeaders(ctx context.Context, queue string, body []byte, headers map[string]any) error {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil || pub.IsClosed() {
		return apperrors.ErrBrokerUnavailable
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishRetryWindow)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if len(headers) > 0 {
		msg.Headers = amqp.Table(headers)
	}
	if err := pub.PublishWithContext(pubCtx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}
