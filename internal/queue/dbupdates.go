package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/pkg/telemetry"
)

// DBUpdatePublisher emits SQL intents onto the order DB update queue. The
// external persister is the only component that writes the database.
type DBUpdatePublisher struct {
	pub    core.IQueuePublisher
	queue  string
	logger core.ILogger

	published metric.Int64Counter
}

func NewDBUpdatePublisher(pub core.IQueuePublisher, queueName string, logger core.ILogger) *DBUpdatePublisher {
	meter := telemetry.GetMeter("queue")
	published, _ := meter.Int64Counter(telemetry.MetricDBUpdatesTotal,
		metric.WithDescription("SQL intents published for the persister"))

	return &DBUpdatePublisher{
		pub:       pub,
		queue:     queueName,
		logger:    logger.WithField("component", "db_updates"),
		published: published,
	}
}

func (p *DBUpdatePublisher) PublishDBUpdate(ctx context.Context, u model.DBUpdate) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode %s update: %w", u.Type, err)
	}
	if err := p.pub.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("publish %s update for %s: %w", u.Type, u.OrderID, err)
	}
	p.published.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(u.Type))))
	return nil
}
