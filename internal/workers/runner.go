// Package workers runs the per-status queue consumers that settle provider
// acks through the execution engine finalizers.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/internal/queue"
	"fxcore/pkg/telemetry"
)

const (
	defaultIdemTTL    = 7 * 24 * time.Hour
	defaultMaxRetries = 3
)

// finalizer is the slice of the execution engine the workers drive.
type finalizer interface {
	FinalizeOpen(ctx context.Context, msg *model.WorkerMessage) error
	FinalizeProviderClose(ctx context.Context, msg *model.WorkerMessage) error
	ApplyPendingAck(ctx context.Context, msg *model.WorkerMessage) error
	ApplyTriggerAck(ctx context.Context, msg *model.WorkerMessage, kind model.TriggerKind) error
	ApplyProviderCancel(ctx context.Context, msg *model.WorkerMessage) error
	ApplyProviderRejection(ctx context.Context, msg *model.WorkerMessage) error
}

// broker is the slice of the AMQP client the runner subscribes through.
type broker interface {
	Consume(ctx context.Context, opts queue.ConsumeOptions, handler queue.HandlerFunc)
}

// Runner owns the seven provider-ack consumers. Each handler deduplicates
// on the provider idempotency token before touching the engine and frees
// the token again when the engine fails, so redeliveries retry instead of
// short-circuiting as duplicates.
type Runner struct {
	mq      config.RabbitMQConfig
	workers config.WorkersConfig

	engine finalizer
	idem   core.IIdemStore
	logger core.ILogger

	processed metric.Int64Counter
}

func NewRunner(
	mq config.RabbitMQConfig,
	workers config.WorkersConfig,
	engine finalizer,
	idem core.IIdemStore,
	logger core.ILogger,
) *Runner {
	meter := telemetry.GetMeter("workers")
	processed, _ := meter.Int64Counter(telemetry.MetricWorkerProcessedTotal,
		metric.WithDescription("Worker messages processed"))

	return &Runner{
		mq:        mq,
		workers:   workers,
		engine:    engine,
		idem:      idem,
		logger:    logger.WithField("component", "workers"),
		processed: processed,
	}
}

// Start subscribes every worker. Worker queues dead-letter to the
// confirmation DLQ, matching the dispatcher's declaration.
func (r *Runner) Start(ctx context.Context, b broker) error {
	q := r.mq.Workers
	subs := []struct {
		name     string
		queue    string
		prefetch int
		apply    func(context.Context, *model.WorkerMessage) error
	}{
		{"open", q.Open, orDefault(r.workers.PrefetchOpen, 64), r.engine.FinalizeOpen},
		{"close", q.Close, orDefault(r.workers.PrefetchClose, 64), r.engine.FinalizeProviderClose},
		{"cancel", q.Cancel, orDefault(r.workers.PrefetchCancel, 256), r.engine.ApplyProviderCancel},
		{"pending", q.Pending, orDefault(r.workers.PrefetchPending, 64), r.engine.ApplyPendingAck},
		{"reject", q.Reject, orDefault(r.workers.PrefetchReject, 1), r.engine.ApplyProviderRejection},
		{"stoploss", q.StopLoss, orDefault(r.workers.PrefetchTrigger, 128), r.stopLoss},
		{"takeprofit", q.TakeProfit, orDefault(r.workers.PrefetchTrigger, 128), r.takeProfit},
	}

	for _, s := range subs {
		if s.queue == "" {
			return fmt.Errorf("%s worker queue not configured", s.name)
		}
		b.Consume(ctx, queue.ConsumeOptions{
			Queue:      s.queue,
			DLQ:        r.mq.ConfirmationDLQ,
			Prefetch:   s.prefetch,
			MaxRetries: orDefault(r.workers.MaxRetries, defaultMaxRetries),
		}, r.handler(s.name, s.apply))
	}

	r.logger.Info("Provider workers subscribed", "count", len(subs))
	return nil
}

func (r *Runner) stopLoss(ctx context.Context, msg *model.WorkerMessage) error {
	return r.engine.ApplyTriggerAck(ctx, msg, model.TriggerStopLoss)
}

func (r *Runner) takeProfit(ctx context.Context, msg *model.WorkerMessage) error {
	return r.engine.ApplyTriggerAck(ctx, msg, model.TriggerTakeProfit)
}

func (r *Runner) handler(worker string, apply func(context.Context, *model.WorkerMessage) error) queue.HandlerFunc {
	return func(ctx context.Context, body []byte, _ map[string]any) error {
		var msg model.WorkerMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			r.logger.Error("Unparseable worker message", "worker", worker, "error", err)
			return queue.Dead("unparseable_worker_message")
		}

		token := msg.Report.IdempotencyToken()
		first, err := r.idem.DedupProviderEvent(ctx, token, r.idemTTL())
		if err != nil {
			return fmt.Errorf("dedup %s: %w", token, err)
		}
		if !first {
			r.logger.Info("Duplicate provider event dropped",
				"worker", worker, "order_id", msg.OrderID, "token", token)
			r.count(ctx, worker, "duplicate")
			return nil
		}

		if err := apply(ctx, &msg); err != nil {
			if relErr := r.idem.ReleaseProviderEvent(ctx, token); relErr != nil {
				r.logger.Warn("Idempotency release failed", "token", token, "error", relErr)
			}
			r.count(ctx, worker, "failed")
			return fmt.Errorf("%s worker on %s: %w", worker, msg.OrderID, err)
		}

		r.count(ctx, worker, "applied")
		return nil
	}
}

func (r *Runner) count(ctx context.Context, worker, outcome string) {
	r.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("outcome", outcome),
	))
}

func (r *Runner) idemTTL() time.Duration {
	if r.workers.ProviderIdemTTLSec > 0 {
		return time.Duration(r.workers.ProviderIdemTTLSec) * time.Second
	}
	return defaultIdemTTL
}

func orDefault(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
