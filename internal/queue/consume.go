package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"fxcore/pkg/retry"
)

const (
	retryCountHeader = "x-retry-count"
	deadReasonHeader = "x-dlq-reason"
)

// HandlerFunc processes one delivery. Returning nil acks. Returning a
// Dead(...) error dead-letters with the given reason and acks the
// original. Any other error republishes with a bumped retry counter until
// MaxRetries, then dead-letters with reason max_retries.
type HandlerFunc func(ctx context.Context, body []byte, headers map[string]any) error

// ConsumeOptions configure one queue consumer.
type ConsumeOptions struct {
	Queue      string
	DLQ        string
	Prefetch   int
	MaxRetries int
}

type deadLetter struct{ reason string }

func (d *deadLetter) Error() string { return "dead-letter: " + d.reason }

// Dead marks a delivery as unprocessable; it goes straight to the DLQ with
// the reason recorded in the headers.
func Dead(reason string) error { return &deadLetter{reason: reason} }

// DeadReason reports whether err carries a Dead(...) marker and returns its
// reason.
func DeadReason(err error) (string, bool) {
	var dead *deadLetter
	if errors.As(err, &dead) {
		return dead.reason, true
	}
	return "", false
}

// Consume runs handler for every delivery on the queue until ctx is
// cancelled, re-subscribing with backoff whenever the channel dies.
func (c *Client) Consume(ctx context.Context, opts ConsumeOptions, handler HandlerFunc) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		backoff := retry.NewBackoff(defaultInitialReconnect, defaultMaxReconnect)
		for {
			if ctx.Err() != nil || c.ctx.Err() != nil {
				return
			}
			err := c.consumeOnce(ctx, opts, handler)
			if ctx.Err() != nil || c.ctx.Err() != nil {
				return
			}
			wait := backoff.Next()
			c.logger.Warn("Consumer stopped; resubscribing",
				"queue", opts.Queue, "error", err, "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (c *Client) consumeOnce(ctx context.Context, opts ConsumeOptions, handler HandlerFunc) error {
	if err := c.DeclareQueue(opts.Queue, opts.DLQ); err != nil {
		return err
	}
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("qos on %s: %w", opts.Queue, err)
		}
	}
	deliveries, err := ch.Consume(opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", opts.Queue, err)
	}
	c.logger.Info("Consumer started", "queue", opts.Queue, "prefetch", opts.Prefetch)

	// Close the channel when the context ends so the range below unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-stop:
		}
	}()

	for d := range deliveries {
		c.handleDelivery(ctx, opts, handler, d)
	}
	return errors.New("delivery channel closed")
}

func (c *Client) handleDelivery(ctx context.Context, opts ConsumeOptions, handler HandlerFunc, d amqp.Delivery) {
	err := handler(ctx, d.Body, map[string]any(d.Headers))
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("Ack failed", "queue", opts.Queue, "error", ackErr)
		}
		return
	}

	if reason, ok := DeadReason(err); ok {
		c.deadLetter(ctx, opts, d, reason)
		return
	}

	attempts := headerInt(d.Headers, retryCountHeader)
	if attempts+1 >= opts.MaxRetries && opts.MaxRetries > 0 {
		c.logger.Error("Delivery exhausted retries",
			"queue", opts.Queue, "attempts", attempts+1, "error", err)
		c.deadLetter(ctx, opts, d, "max_retries")
		return
	}

	headers := map[string]any{retryCountHeader: attempts + 1}
	for k, v := range d.Headers {
		if k != retryCountHeader {
			headers[k] = v
		}
	}
	if pubErr := c.PublishWithHeaders(ctx, opts.Queue, d.Body, headers); pubErr != nil {
		// Let the broker redeliver instead of losing the message.
		c.logger.Error("Retry republish failed; nacking for redelivery",
			"queue", opts.Queue, "error", pubErr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Nack failed", "queue", opts.Queue, "error", nackErr)
		}
		return
	}
	c.logger.Warn("Delivery requeued for retry",
		"queue", opts.Queue, "attempt", attempts+1, "error", err)
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Ack failed", "queue", opts.Queue, "error", ackErr)
	}
}

// deadLetter publishes the body to the DLQ with the reason header and acks
// the original. Without a configured DLQ the message is dropped with a log.
func (c *Client) deadLetter(ctx context.Context, opts ConsumeOptions, d amqp.Delivery, reason string) {
	if opts.DLQ == "" {
		c.logger.Error("Dropping delivery without DLQ", "queue", opts.Queue, "reason", reason)
	} else {
		headers := map[string]any{deadReasonHeader: reason}
		if err := c.PublishWithHeaders(ctx, opts.DLQ, d.Body, headers); err != nil {
			c.logger.Error("Dead-letter publish failed; nacking to broker DLX",
				"queue", opts.Queue, "reason", reason, "error", err)
			if nackErr := d.Nack(false, false); nackErr != nil {
				c.logger.Error("Nack failed", "queue", opts.Queue, "error", nackErr)
			}
			return
		}
		c.logger.Warn("Delivery dead-lettered", "queue", opts.Queue, "dlq", opts.DLQ, "reason", reason)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		c.logger.Error("Ack failed", "queue", opts.Queue, "error", ackErr)
	}
}

// headerInt reads an integer header regardless of the numeric type the
// broker round-tripped it as.
func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
