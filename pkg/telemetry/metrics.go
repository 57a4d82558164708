package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksDecodedTotal      = "fxcore_ticks_decoded_total"
	MetricQuotesWrittenTotal     = "fxcore_quotes_written_total"
	MetricOrdersPlacedTotal      = "fxcore_orders_placed_total"
	MetricOrdersRejectedTotal    = "fxcore_orders_rejected_total"
	MetricOrdersClosedTotal      = "fxcore_orders_closed_total"
	MetricTriggersFiredTotal     = "fxcore_triggers_fired_total"
	MetricPendingTriggeredTotal  = "fxcore_pending_triggered_total"
	MetricReportsDispatchedTotal = "fxcore_reports_dispatched_total"
	MetricWorkerProcessedTotal   = "fxcore_worker_processed_total"
	MetricLiquidationsTotal      = "fxcore_liquidations_total"
	MetricDBUpdatesTotal         = "fxcore_db_updates_total"
	MetricPortfolioRecompute     = "fxcore_portfolio_recompute_ms"
	MetricOrderPlacement         = "fxcore_order_placement_ms"
	MetricProviderAckWait        = "fxcore_provider_ack_wait_ms"
	MetricFeedConnected          = "fxcore_feed_connected"
	MetricProviderConnected      = "fxcore_provider_connected"
	MetricDirtyUsers             = "fxcore_dirty_users"
	MetricQueueDepth             = "fxcore_queue_depth"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksDecodedTotal      metric.Int64Counter
	QuotesWrittenTotal     metric.Int64Counter
	OrdersPlacedTotal      metric.Int64Counter
	OrdersRejectedTotal    metric.Int64Counter
	OrdersClosedTotal      metric.Int64Counter
	TriggersFiredTotal     metric.Int64Counter
	PendingTriggeredTotal  metric.Int64Counter
	ReportsDispatchedTotal metric.Int64Counter
	WorkerProcessedTotal   metric.Int64Counter
	LiquidationsTotal      metric.Int64Counter
	DBUpdatesTotal         metric.Int64Counter
	PortfolioRecompute     metric.Float64Histogram
	OrderPlacement         metric.Float64Histogram
	ProviderAckWait        metric.Float64Histogram
	FeedConnected          metric.Int64ObservableGauge
	ProviderConnected      metric.Int64ObservableGauge
	DirtyUsers             metric.Int64ObservableGauge
	QueueDepth             metric.Int64ObservableGauge

	// State for observable gauges
	mu                   sync.RWMutex
	feedConnectedMap     map[string]int64
	providerConnectedMap map[string]int64
	dirtyUsersMap        map[string]int64
	queueDepthMap        map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			feedConnectedMap:     make(map[string]int64),
			providerConnectedMap: make(map[string]int64),
			dirtyUsersMap:        make(map[string]int64),
			queueDepthMap:        make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksDecodedTotal, err = meter.Int64Counter(MetricTicksDecodedTotal, metric.WithDescription("Market updates decoded from the price feed"))
	if err != nil {
		return err
	}

	m.QuotesWrittenTotal, err = meter.Int64Counter(MetricQuotesWrittenTotal, metric.WithDescription("Quote writes applied to the store"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Orders accepted for placement"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Orders rejected during validation or margin checks"))
	if err != nil {
		return err
	}

	m.OrdersClosedTotal, err = meter.Int64Counter(MetricOrdersClosedTotal, metric.WithDescription("Positions closed"))
	if err != nil {
		return err
	}

	m.TriggersFiredTotal, err = meter.Int64Counter(MetricTriggersFiredTotal, metric.WithDescription("Stop-loss and take-profit triggers fired"))
	if err != nil {
		return err
	}

	m.PendingTriggeredTotal, err = meter.Int64Counter(MetricPendingTriggeredTotal, metric.WithDescription("Pending orders activated by price"))
	if err != nil {
		return err
	}

	m.ReportsDispatchedTotal, err = meter.Int64Counter(MetricReportsDispatchedTotal, metric.WithDescription("Execution reports routed to worker queues"))
	if err != nil {
		return err
	}

	m.WorkerProcessedTotal, err = meter.Int64Counter(MetricWorkerProcessedTotal, metric.WithDescription("Worker messages processed"))
	if err != nil {
		return err
	}

	m.LiquidationsTotal, err = meter.Int64Counter(MetricLiquidationsTotal, metric.WithDescription("Positions force-closed by the auto-cutoff engine"))
	if err != nil {
		return err
	}

	m.DBUpdatesTotal, err = meter.Int64Counter(MetricDBUpdatesTotal, metric.WithDescription("Database update intents published"))
	if err != nil {
		return err
	}

	m.PortfolioRecompute, err = meter.Float64Histogram(MetricPortfolioRecompute, metric.WithDescription("Time to recompute one user portfolio"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrderPlacement, err = meter.Float64Histogram(MetricOrderPlacement, metric.WithDescription("Time from order request to placement result"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ProviderAckWait, err = meter.Float64Histogram(MetricProviderAckWait, metric.WithDescription("Time spent waiting for provider acknowledgements"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.FeedConnected, err = meter.Int64ObservableGauge(MetricFeedConnected, metric.WithDescription("Price feed connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for src, val := range m.feedConnectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("source", src)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ProviderConnected, err = meter.Int64ObservableGauge(MetricProviderConnected, metric.WithDescription("Provider socket connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, val := range m.providerConnectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("provider", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DirtyUsers, err = meter.Int64ObservableGauge(MetricDirtyUsers, metric.WithDescription("Users awaiting a portfolio recompute"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ut, val := range m.dirtyUsersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("user_type", ut)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth, metric.WithDescription("Approximate depth of internal work queues"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for q, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("queue", q)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetFeedConnected(source string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedConnectedMap[source] = val
}

func (m *MetricsHolder) SetProviderConnected(name string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerConnectedMap[name] = val
}

func (m *MetricsHolder) SetDirtyUsers(userType string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirtyUsersMap[userType] = count
}

func (m *MetricsHolder) SetQueueDepth(queue string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[queue] = depth
}

func (m *MetricsHolder) GetFeedConnected() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.feedConnectedMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetProviderConnected() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.providerConnectedMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetDirtyUsers() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.dirtyUsersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetQueueDepth() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.queueDepthMap {
		res[k] = v
	}
	return res
}
