// Package dispatch consumes canonical execution reports off the
// confirmation queue and routes each to the worker queue selected by the
// engine status of the canonical order crossed with the provider ord_status.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/internal/queue"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/telemetry"
)

const (
	// ackDocTTL outlives the longest synchronous ack wait (close: 8 s) with
	// slack for clock skew and redeliveries.
	ackDocTTL = 2 * time.Minute

	defaultPrefetch   = 100
	defaultMaxRetries = 3
)

// target names a worker queue independent of its configured AMQP name.
type target string

const (
	targetOpen       target = "open"
	targetClose      target = "close"
	targetCancel     target = "cancel"
	targetPending    target = "pending"
	targetReject     target = "reject"
	targetStopLoss   target = "stoploss"
	targetTakeProfit target = "takeprofit"
)

// broker is the slice of the AMQP client the dispatcher drives.
type broker interface {
	DeclareQueue(name, dlq string) error
	Consume(ctx context.Context, opts queue.ConsumeOptions, handler queue.HandlerFunc)
}

// Dispatcher fans execution reports out to the per-status worker queues and
// persists the short-lived ack documents the synchronous cancel/close waits
// poll.
type Dispatcher struct {
	mq      config.RabbitMQConfig
	workers config.WorkersConfig

	orders    core.IOrderStore
	acks      core.IAckStore
	publisher core.IQueuePublisher
	logger    core.ILogger

	dispatched metric.Int64Counter
}

func NewDispatcher(
	mq config.RabbitMQConfig,
	workers config.WorkersConfig,
	orders core.IOrderStore,
	acks core.IAckStore,
	publisher core.IQueuePublisher,
	logger core.ILogger,
) *Dispatcher {
	meter := telemetry.GetMeter("dispatch")
	dispatched, _ := meter.Int64Counter(telemetry.MetricReportsDispatchedTotal,
		metric.WithDescription("Execution reports routed to worker queues"))

	return &Dispatcher{
		mq:         mq,
		workers:    workers,
		orders:     orders,
		acks:       acks,
		publisher:  publisher,
		logger:     logger.WithField("component", "dispatcher"),
		dispatched: dispatched,
	}
}

// Start declares the worker queues and subscribes to the confirmation
// queue. Worker queues dead-letter to the confirmation DLQ; their consumers
// must declare them with the same arguments or the broker rejects the
// redeclaration.
func (d *Dispatcher) Start(ctx context.Context, b broker) error {
	for _, t := range []target{
		targetOpen, targetClose, targetCancel, targetPending,
		targetReject, targetStopLoss, targetTakeProfit,
	} {
		name := d.queueFor(t)
		if name == "" {
			return fmt.Errorf("worker queue %s not configured", t)
		}
		if err := b.DeclareQueue(name, d.mq.ConfirmationDLQ); err != nil {
			return fmt.Errorf("declare worker queue %s: %w", name, err)
		}
	}

	b.Consume(ctx, queue.ConsumeOptions{
		Queue:      d.mq.ConfirmationQueue,
		DLQ:        d.mq.ConfirmationDLQ,
		Prefetch:   d.prefetch(),
		MaxRetries: d.maxRetries(),
	}, d.HandleReport)

	d.logger.Info("Dispatcher subscribed",
		"queue", d.mq.ConfirmationQueue, "prefetch", d.prefetch())
	return nil
}

// HandleReport processes one confirmation-queue delivery. Non-report bodies
// are acked and dropped; reports whose canonical order is gone dead-letter
// with missing_order_data; routable reports are enriched with the order
// context and published to their worker queue.
func (d *Dispatcher) HandleReport(ctx context.Context, body []byte, _ map[string]any) error {
	var report model.ExecutionReport
	if err := json.Unmarshal(body, &report); err != nil || report.Type != model.ReportType {
		d.logger.Debug("Ignoring non-report message", "error", err)
		return nil
	}

	rawID := report.LifecycleID()
	orderID, err := d.orders.ResolveLifecycle(ctx, rawID)
	if err != nil {
		return fmt.Errorf("resolve lifecycle %s: %w", rawID, err)
	}

	o, err := d.orders.GetCanonical(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			d.logger.Warn("Report without canonical order",
				"lifecycle_id", rawID, "order_id", orderID, "ord_status", report.OrdStatus)
			return queue.Dead("missing_order_data")
		}
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	// The ack doc goes in before routing so a synchronous cancel/close wait
	// wakes even if the worker publish below fails and retries.
	if err := d.acks.WriteAck(ctx, rawID, &report, ackDocTTL); err != nil {
		d.logger.Warn("Ack doc write failed", "lifecycle_id", rawID, "error", err)
	}

	t, pendingExecuted, ok := routeReport(o.Status, report.OrdStatus)
	if !ok {
		d.logger.Warn("Unroutable report",
			"order_id", orderID, "status", o.Status, "ord_status", report.OrdStatus)
		return queue.Dead("unmapped_routing_state")
	}

	msg := model.ComposeWorkerMessage(&report, o)
	msg.PendingExecuted = pendingExecuted
	if t == targetClose {
		msg.CloseMessage = o.CloseMessage
		msg.TriggerLifecycleID = o.TriggerLifecycleID
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode worker message for %s: %w", orderID, err)
	}
	if err := d.publisher.Publish(ctx, d.queueFor(t), payload); err != nil {
		return fmt.Errorf("publish to %s worker for %s: %w", t, orderID, err)
	}

	d.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("target", string(t))))
	d.logger.Debug("Report dispatched",
		"order_id", orderID, "lifecycle_id", rawID, "target", string(t),
		"ord_status", report.OrdStatus)
	return nil
}

// routeReport implements the status x ord_status routing table. The second
// return marks fills that arrive while the engine still holds a
// pending-side status.
func routeReport(status model.EngineStatus, ord model.OrdStatus) (target, bool, bool) {
	switch status {
	case model.StatusOpen:
		switch ord {
		case model.OrdExecuted:
			return targetOpen, false, true
		case model.OrdRejected:
			return targetReject, false, true
		}
	case model.StatusPending, model.StatusPendingQueued, model.StatusModify:
		switch ord {
		case model.OrdExecuted:
			return targetOpen, true, true
		case model.OrdPending, model.OrdModify:
			return targetPending, false, true
		case model.OrdRejected:
			return targetReject, false, true
		}
	case model.StatusPendingCancel:
		switch {
		case ord.IsCancelled(), ord == model.OrdPending, ord == model.OrdModify:
			return targetCancel, false, true
		case ord == model.OrdExecuted:
			// The fill raced the cancel; honor the fill.
			return targetOpen, true, true
		}
	case model.StatusClosed:
		switch ord {
		case model.OrdExecuted:
			return targetClose, false, true
		case model.OrdRejected:
			return targetReject, false, true
		}
	case model.StatusStopLoss:
		switch ord {
		case model.OrdPending:
			return targetStopLoss, false, true
		case model.OrdExecuted:
			return targetClose, false, true
		}
	case model.StatusTakeProfit:
		switch ord {
		case model.OrdPending:
			return targetTakeProfit, false, true
		case model.OrdExecuted:
			return targetClose, false, true
		}
	case model.StatusStopLossCancel, model.StatusTakeProfitCancel:
		switch {
		case ord == model.OrdExecuted:
			return targetClose, false, true
		case ord.IsCancelled():
			return targetCancel, false, true
		}
	}
	return "", false, false
}

func (d *Dispatcher) queueFor(t target) string {
	q := d.mq.Workers
	switch t {
	case targetOpen:
		return q.Open
	case targetClose:
		return q.Close
	case targetCancel:
		return q.Cancel
	case targetPending:
		return q.Pending
	case targetReject:
		return q.Reject
	case targetStopLoss:
		return q.StopLoss
	case targetTakeProfit:
		return q.TakeProfit
	}
	return ""
}

func (d *Dispatcher) prefetch() int {
	if d.workers.PrefetchDispatcher > 0 {
		return d.workers.PrefetchDispatcher
	}
	return defaultPrefetch
}

func (d *Dispatcher) maxRetries() int {
	if d.workers.MaxRetries > 0 {
		return d.workers.MaxRetries
	}
	return defaultMaxRetries
}
