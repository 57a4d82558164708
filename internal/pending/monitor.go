// Package pending watches parked stop/limit orders. The local monitor
// compares ask-scored indexes against the feed and turns fired orders into
// synthetic fills for the open worker; the provider monitor re-checks
// margin on provider-parked pendings and withdraws the ones the account
// can no longer afford.
package pending

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/telemetry"
)

const (
	defaultTickMs  = 150
	defaultBatch   = 100
	pendingLockTTL = 5 * time.Second
)

// Monitor is the local fire loop. Every fire re-validates margin at
// exec = ask + half_spread before the order is allowed to open.
type Monitor struct {
	cfg       config.PendingConfig
	openQueue string

	orders  core.IOrderStore
	quotes  core.IQuoteStore
	index   core.IPendingIndex
	locks   core.ILockStore
	actions core.IPendingActions
	queue   core.IQueuePublisher
	db      core.IDBUpdatePublisher
	logger  core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	triggered metric.Int64Counter
}

func NewMonitor(
	cfg config.PendingConfig,
	openQueue string,
	orders core.IOrderStore,
	quotes core.IQuoteStore,
	index core.IPendingIndex,
	locks core.ILockStore,
	actions core.IPendingActions,
	queue core.IQueuePublisher,
	db core.IDBUpdatePublisher,
	logger core.ILogger,
) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("pending")
	triggered, _ := meter.Int64Counter(telemetry.MetricPendingTriggeredTotal,
		metric.WithDescription("Pending orders activated by price"))

	return &Monitor{
		cfg:       cfg,
		openQueue: openQueue,
		orders:    orders,
		quotes:    quotes,
		index:     index,
		locks:     locks,
		actions:   actions,
		queue:     queue,
		db:        db,
		logger:    logger.WithField("component", "pending_monitor"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		triggered: triggered,
	}
}

func (m *Monitor) Start() {
	go m.scanLoop()
	m.logger.Info("Pending monitor started",
		"tick_ms", m.tick().Milliseconds(), "open_queue", m.openQueue)
}

func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) tick() time.Duration {
	if m.cfg.TickMs <= 0 {
		return defaultTickMs * time.Millisecond
	}
	return time.Duration(m.cfg.TickMs) * time.Millisecond
}

func (m *Monitor) batch() int64 {
	if m.cfg.Batch <= 0 {
		return defaultBatch
	}
	return int64(m.cfg.Batch)
}

func (m *Monitor) scanLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.tick())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce(m.ctx)
		}
	}
}

var pendingSides = []model.Side{
	model.SideBuyStop, model.SideSellStop, model.SideBuyLimit, model.SideSellLimit,
}

func (m *Monitor) scanOnce(ctx context.Context) {
	symbols, err := m.index.ActiveSymbols(ctx)
	if err != nil {
		m.logger.Warn("Pending symbol enumeration failed", "error", err)
		return
	}
	if len(symbols) == 0 {
		return
	}

	books, err := m.quotes.MGet(ctx, symbols)
	if err != nil {
		m.logger.Warn("Quote read failed during pending scan", "error", err)
		return
	}

	for _, symbol := range symbols {
		q, ok := books[symbol]
		if !ok || !q.Ask.Valid {
			continue
		}
		ask := q.Ask.Decimal
		for _, side := range pendingSides {
			min, max := model.PendingRange(side, ask)
			ids, err := m.index.Range(ctx, symbol, side, min, max, m.batch())
			if err != nil {
				m.logger.Warn("Pending range query failed",
					"symbol", symbol, "order_type", string(side), "error", err)
				continue
			}
			for _, id := range ids {
				m.fire(ctx, id, ask)
			}
		}
	}
}

// fire turns one parked order into a synthetic fill. The per-order lock
// guards the critical section across replicas; after it is taken the
// monitoring doc is re-read so a concurrent fire or cancel wins cleanly.
func (m *Monitor) fire(ctx context.Context, orderID string, ask decimal.Decimal) {
	ok, err := m.locks.AcquirePendingLock(ctx, orderID, pendingLockTTL)
	if err != nil {
		m.logger.Warn("Pending lock acquire failed", "order_id", orderID, "error", err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := m.locks.ReleasePendingLock(ctx, orderID); err != nil {
			m.logger.Warn("Pending lock release failed", "order_id", orderID, "error", err)
		}
	}()

	po, err := m.index.Get(ctx, orderID)
	if err != nil || po == nil {
		// Raced with a fire or a cancel; the zset entry follows the doc.
		if err := m.index.Remove(ctx, orderID); err != nil {
			m.logger.Warn("Orphaned pending entry removal failed", "order_id", orderID, "error", err)
		}
		return
	}
	user := po.User()

	o, err := m.orders.GetHolding(ctx, user, orderID)
	if err != nil || o == nil {
		m.logger.Warn("Parked pending lost its holding", "order_id", orderID, "user", user.Tag())
		if err := m.index.Remove(ctx, orderID); err != nil {
			m.logger.Warn("Orphaned pending entry removal failed", "order_id", orderID, "error", err)
		}
		return
	}

	// Same exec formula for all four types.
	execPrice := ask.Add(o.HalfSpread)

	if err := m.actions.PendingMarginCheck(ctx, o, execPrice); err != nil {
		if apperrors.AsRejection(err) != nil {
			if rerr := m.actions.RejectParkedPending(ctx, user, orderID, err); rerr != nil {
				m.logger.Error("Parked pending rejection failed", "order_id", orderID, "error", rerr)
			}
			m.triggered.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
			return
		}
		m.logger.Warn("Pending margin re-check failed", "order_id", orderID, "error", err)
		return
	}

	if err := m.dispatchFill(ctx, o, execPrice); err != nil {
		m.logger.Error("Pending fire dispatch failed", "order_id", orderID, "error", err)
		return
	}

	// Out of monitoring; the holding stays for the open worker.
	if err := m.index.Remove(ctx, orderID); err != nil {
		m.logger.Warn("Fired pending deindex failed", "order_id", orderID, "error", err)
	}

	m.db.PublishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderPendingTriggered, orderID, map[string]string{
		"user":       user.Tag(),
		"exec_price": execPrice.String(),
		"order_type": string(o.Side),
	}))
	m.triggered.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "fired")))
	m.logger.Info("Pending order fired",
		"order_id", orderID, "user", user.Tag(), "symbol", o.Symbol,
		"order_type", string(o.Side), "exec_price", execPrice.String())
}

// dispatchFill hands the order to the open worker as if the provider had
// just executed it at execPrice. pending_local tells the worker the
// half-spread is already folded in.
func (m *Monitor) dispatchFill(ctx context.Context, o *model.Order, execPrice decimal.Decimal) error {
	now := time.Now().UnixMilli()
	r := model.ExecutionReport{
		Type:      model.ReportType,
		OrderID:   o.OrderID,
		ExecID:    "local_" + o.OrderID,
		OrdStatus: model.OrdExecuted,
		AvgPx:     execPrice,
		CumQty:    o.OrderQuantity,
		Ts:        now,
	}
	msg := model.ComposeWorkerMessage(&r, o)
	msg.PendingLocal = true
	msg.PendingExecuted = true

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.queue.Publish(ctx, m.openQueue, body)
}
