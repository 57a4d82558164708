package pending

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/telemetry"
)

const defaultProviderTickMs = 500

// ProviderMonitor re-checks margin on provider-parked pendings. The
// provider fires those orders itself, so the only defense against an
// account that can no longer afford the fill is to withdraw the order
// before it triggers.
type ProviderMonitor struct {
	cfg config.PendingConfig

	orders  core.IOrderStore
	quotes  core.IQuoteStore
	index   core.IPendingIndex
	actions core.IPendingActions
	logger  core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	withdrawn metric.Int64Counter
}

func NewProviderMonitor(
	cfg config.PendingConfig,
	orders core.IOrderStore,
	quotes core.IQuoteStore,
	index core.IPendingIndex,
	actions core.IPendingActions,
	logger core.ILogger,
) *ProviderMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("pending")
	withdrawn, _ := meter.Int64Counter(telemetry.MetricPendingTriggeredTotal,
		metric.WithDescription("Pending orders activated by price"))

	return &ProviderMonitor{
		cfg:       cfg,
		orders:    orders,
		quotes:    quotes,
		index:     index,
		actions:   actions,
		logger:    logger.WithField("component", "provider_pending_monitor"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		withdrawn: withdrawn,
	}
}

func (m *ProviderMonitor) Start() {
	go m.loop()
	m.logger.Info("Provider pending monitor started", "tick_ms", m.tick().Milliseconds())
}

func (m *ProviderMonitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *ProviderMonitor) tick() time.Duration {
	if m.cfg.ProviderPendingTickMs <= 0 {
		return defaultProviderTickMs * time.Millisecond
	}
	return time.Duration(m.cfg.ProviderPendingTickMs) * time.Millisecond
}

func (m *ProviderMonitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.tick())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.ctx)
		}
	}
}

func (m *ProviderMonitor) sweep(ctx context.Context) {
	ids, err := m.index.ListProviderPending(ctx)
	if err != nil {
		m.logger.Warn("Provider pending enumeration failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	for _, orderID := range ids {
		m.check(ctx, orderID)
	}
}

func (m *ProviderMonitor) check(ctx context.Context, orderID string) {
	o, err := m.orders.GetCanonical(ctx, orderID)
	if err != nil || o == nil {
		// The order settled or was cancelled; stop tracking it.
		if err := m.index.UnregisterProviderPending(ctx, orderID); err != nil {
			m.logger.Warn("Provider pending deregistration failed", "order_id", orderID, "error", err)
		}
		return
	}

	q, err := m.quotes.Get(ctx, o.Symbol)
	if err != nil || !q.Ask.Valid {
		return
	}
	execPrice := q.Ask.Decimal.Add(o.HalfSpread)

	err = m.actions.PendingMarginCheck(ctx, o, execPrice)
	if err == nil {
		return
	}
	if apperrors.AsRejection(err) == nil {
		m.logger.Warn("Provider pending margin check failed", "order_id", orderID, "error", err)
		return
	}

	werr := m.actions.CancelParkedPending(ctx, o.User(), orderID)
	switch {
	case werr == nil:
		m.withdrawn.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "withdrawn")))
		m.logger.Info("Provider pending withdrawn on margin",
			"order_id", orderID, "user", o.User().Tag(), "exec_price", execPrice.String())
	case errors.Is(werr, apperrors.ErrCloseInProgress):
		// Cancel already requested on an earlier sweep.
	default:
		m.logger.Error("Provider pending withdrawal failed", "order_id", orderID, "error", werr)
	}
}
