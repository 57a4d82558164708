// Package trigger scans the scored SL/TP indexes against live quotes and
// dispatches closes for everything that fired. Scores already carry the
// half-spread fold, so the scan compares raw feed prices directly and a
// single bounded range query per (symbol, side, kind) yields exactly the
// fireable set.
package trigger

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/pkg/concurrency"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/telemetry"
)

const (
	defaultTickMs       = 150
	defaultBatch        = 100
	defaultSentinelSec  = 15
	dispatchTimeout     = 30 * time.Second
	syntheticStopLoss   = "trigger_stoploss_"
	syntheticTakeProfit = "trigger_takeprofit_"
	scanWorkers         = 8
)

// Monitor owns the scan loop. Single-fire across replicas is guaranteed by
// the close-processing sentinel, not by the loop itself.
type Monitor struct {
	cfg    config.TriggerConfig
	orders core.IOrderStore
	quotes core.IQuoteStore
	index  core.ITriggerIndex
	locks  core.ILockStore
	closer core.ICloseDispatcher
	logger core.ILogger

	pool *concurrency.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	fired metric.Int64Counter
}

type candidate struct {
	orderID string
	symbol  string
	side    model.Side
	kind    model.TriggerKind
}

func NewMonitor(
	cfg config.TriggerConfig,
	orders core.IOrderStore,
	quotes core.IQuoteStore,
	index core.ITriggerIndex,
	locks core.ILockStore,
	closer core.ICloseDispatcher,
	logger core.ILogger,
) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "trigger_scan",
		MaxWorkers:  scanWorkers,
		MaxCapacity: scanWorkers * 4,
	}, logger)

	meter := telemetry.GetMeter("trigger")
	fired, _ := meter.Int64Counter(telemetry.MetricTriggersFiredTotal,
		metric.WithDescription("Stop-loss and take-profit triggers fired"))

	return &Monitor{
		cfg:    cfg,
		orders: orders,
		quotes: quotes,
		index:  index,
		locks:  locks,
		closer: closer,
		logger: logger.WithField("component", "trigger_monitor"),
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		fired:  fired,
	}
}

func (m *Monitor) Start() {
	go m.scanLoop()
	m.logger.Info("Trigger monitor started",
		"tick_ms", m.tick().Milliseconds(), "batch", m.batch())
}

func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
	m.pool.Stop()
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

func (m *Monitor) sentinelTTL() time.Duration {
	if m.cfg.CloseProcessingTTLSec <= 0 {
		return defaultSentinelSec * time.Second
	}
	return time.Duration(m.cfg.CloseProcessingTTLSec) * time.Second
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

// scanOnce sweeps every active symbol and returns when the whole sweep has
// been dispatched. Symbols fan out over the pool; candidates within one
// symbol fire sequentially.
func (m *Monitor) scanOnce(ctx context.Context) {
	symbols, err := m.index.ActiveSymbols(ctx)
	if err != nil {
		m.logger.Warn("Active symbol enumeration failed", "error", err)
		return
	}
	if len(symbols) == 0 {
		return
	}

	books, err := m.quotes.MGet(ctx, symbols)
	if err != nil {
		m.logger.Warn("Quote read failed during scan", "error", err)
		return
	}

	group := m.pool.Group()
	for _, symbol := range symbols {
		q, ok := books[symbol]
		if !ok {
			continue
		}
		symbol, q := symbol, q
		group.Submit(func() {
			for _, cand := range m.collect(ctx, symbol, q) {
				m.fire(ctx, cand)
			}
		})
	}
	group.Wait()
}

// collect runs the four bounded range queries for one symbol and returns
// the fireable set, preferring stoploss when both legs of the same order
// fire on the same tick.
func (m *Monitor) collect(ctx context.Context, symbol string, q model.Quote) []candidate {
	var out []candidate
	seen := make(map[string]struct{})

	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		if side.IsBuy() && !q.Bid.Valid {
			continue
		}
		if !side.IsBuy() && !q.Ask.Valid {
			continue
		}
		bid, ask := q.Bid.Decimal, q.Ask.Decimal
		for _, kind := range []model.TriggerKind{model.TriggerStopLoss, model.TriggerTakeProfit} {
			min, max := model.TriggerRange(side, kind, bid, ask)
			ids, err := m.index.Range(ctx, symbol, side, kind, min, max, m.batch())
			if err != nil {
				m.logger.Warn("Trigger range query failed",
					"symbol", symbol, "side", string(side), "kind", string(kind), "error", err)
				continue
			}
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, candidate{orderID: id, symbol: symbol, side: side, kind: kind})
			}
		}
	}
	return out
}

// fire dispatches one close. The sentinel is taken before anything else;
// whoever holds it owns the close for its TTL.
func (m *Monitor) fire(ctx context.Context, cand candidate) {
	ok, err := m.locks.AcquireCloseProcessing(ctx, cand.orderID, m.sentinelTTL())
	if err != nil {
		m.logger.Warn("Close sentinel acquire failed", "order_id", cand.orderID, "error", err)
		return
	}
	if !ok {
		return
	}

	canon, err := m.orders.GetCanonical(ctx, cand.orderID)
	if err != nil || canon == nil {
		// Entry outlived its order; drop it so the scan stops matching.
		m.dropEntry(ctx, cand)
		m.releaseSentinel(ctx, cand.orderID)
		return
	}

	reason := model.CloseMessageStopLoss
	trigID := canon.StopLossID
	synthetic := syntheticStopLoss
	if cand.kind == model.TriggerTakeProfit {
		reason = model.CloseMessageTakeProfit
		trigID = canon.TakeProfitID
		synthetic = syntheticTakeProfit
	}
	if trigID == "" {
		trigID = synthetic + cand.orderID
	}

	dctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	err = m.closer.CloseOrder(dctx, model.CloseRequest{
		OrderID:            cand.orderID,
		User:               canon.User(),
		CloseMessage:       reason,
		TriggerLifecycleID: trigID,
	})
	switch {
	case err == nil:
		m.fired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(cand.kind))))
		m.logger.Info("Trigger fired",
			"order_id", cand.orderID, "symbol", cand.symbol,
			"kind", string(cand.kind), "trigger_lifecycle_id", trigID)
	case errors.Is(err, apperrors.ErrCloseInProgress):
		// Another path is already closing it; the sentinel suppresses
		// re-fires until it expires.
		m.logger.Debug("Trigger close already in flight", "order_id", cand.orderID)
	case errors.Is(err, apperrors.ErrOrderNotFound), errors.Is(err, apperrors.ErrOrderNotOpen):
		m.dropEntry(ctx, cand)
		m.releaseSentinel(ctx, cand.orderID)
	default:
		m.logger.Warn("Trigger close dispatch failed",
			"order_id", cand.orderID, "kind", string(cand.kind), "error", err)
		m.releaseSentinel(ctx, cand.orderID)
	}
}

func (m *Monitor) dropEntry(ctx context.Context, cand candidate) {
	if err := m.index.Remove(ctx, cand.symbol, cand.side, cand.kind, cand.orderID); err != nil {
		m.logger.Warn("Stale trigger entry removal failed",
			"order_id", cand.orderID, "symbol", cand.symbol, "error", err)
		return
	}
	m.logger.Info("Stale trigger entry removed",
		"order_id", cand.orderID, "symbol", cand.symbol, "kind", string(cand.kind))
}

func (m *Monitor) releaseSentinel(ctx context.Context, orderID string) {
	if err := m.locks.ReleaseCloseProcessing(ctx, orderID); err != nil {
		m.logger.Warn("Close sentinel release failed", "order_id", orderID, "error", err)
	}
}
