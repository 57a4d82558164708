// Package portfolio recomputes per-user derived state (PnL, equity, free
// margin, margin level) whenever a symbol the user holds moves. Work is
// throttled: dirty users accumulate between ticks and each tick drains as
// many as the pool accepts; the rest stay dirty for the next one.
package portfolio

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/margin"
	"fxcore/internal/model"
	"fxcore/pkg/concurrency"
	"fxcore/pkg/telemetry"
)

const (
	defaultThrottleMs    = 200
	defaultMaxConcurrent = 50
)

// Calculator consumes dirty-symbol notifications and maintains the
// user_portfolio hashes.
type Calculator struct {
	cfg        config.PortfolioConfig
	orders     core.IOrderStore
	configs    core.IConfigStore
	quotes     core.IQuoteStore
	portfolios core.IPortfolioStore
	engine     *margin.Engine
	bus        core.IMarketBus
	logger     core.ILogger

	pool *concurrency.WorkerPool

	mu    sync.Mutex
	dirty map[model.UserKey]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	recomputeMs metric.Int64Histogram
	dirtyGauge  metric.Int64UpDownCounter
}

func NewCalculator(
	cfg config.PortfolioConfig,
	orders core.IOrderStore,
	configs core.IConfigStore,
	quotes core.IQuoteStore,
	portfolios core.IPortfolioStore,
	engine *margin.Engine,
	bus core.IMarketBus,
	logger core.ILogger,
) *Calculator {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = defaultMaxConcurrent
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "portfolio",
		MaxWorkers:  workers,
		MaxCapacity: workers,
		NonBlocking: true,
	}, logger)

	meter := telemetry.GetMeter("portfolio")
	recompute, _ := meter.Int64Histogram(telemetry.MetricPortfolioRecompute,
		metric.WithDescription("Per-user portfolio recompute latency"))
	dirtyGauge, _ := meter.Int64UpDownCounter(telemetry.MetricDirtyUsers,
		metric.WithDescription("Users waiting for a portfolio recompute"))

	return &Calculator{
		cfg:         cfg,
		orders:      orders,
		configs:     configs,
		quotes:      quotes,
		portfolios:  portfolios,
		engine:      engine,
		bus:         bus,
		logger:      logger.WithField("component", "portfolio_calculator"),
		pool:        pool,
		dirty:       make(map[model.UserKey]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		recomputeMs: recompute,
		dirtyGauge:  dirtyGauge,
	}
}

// Start subscribes to dirty-symbol notifications and begins the drain loop.
func (c *Calculator) Start() error {
	symbols, err := c.bus.SubscribeSymbols(c.ctx)
	if err != nil {
		return err
	}

	c.wg.Add(2)
	go c.intakeLoop(symbols)
	go c.drainLoop()
	c.logger.Info("Portfolio calculator started",
		"throttle_ms", c.throttle().Milliseconds(), "max_concurrent", c.cfg.MaxConcurrent)
	return nil
}

func (c *Calculator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()
}

func (c *Calculator) throttle() time.Duration {
	if c.cfg.ThrottleMs <= 0 {
		return defaultThrottleMs * time.Millisecond
	}
	return time.Duration(c.cfg.ThrottleMs) * time.Millisecond
}

func (c *Calculator) intakeLoop(symbols <-chan []string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case batch, ok := <-symbols:
			if !ok {
				return
			}
			c.markHolders(batch)
		}
	}
}

// markHolders resolves every holder of the moved symbols and marks them
// dirty. Resolution failures are logged and skipped; the next tick of the
// same symbol retries naturally.
func (c *Calculator) markHolders(symbols []string) {
	for _, symbol := range symbols {
		for _, ut := range model.AllUserTypes {
			holders, err := c.orders.SymbolHolders(c.ctx, symbol, ut)
			if err != nil {
				c.logger.Warn("Symbol holder lookup failed",
					"symbol", symbol, "user_type", ut, "error", err)
				continue
			}
			if len(holders) > 0 {
				c.MarkDirty(holders...)
			}
		}
	}
}

// MarkDirty queues users for the next drain tick. Exposed so the execution
// engine can force a recompute right after placements and closes.
func (c *Calculator) MarkDirty(users ...model.UserKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range users {
		if _, ok := c.dirty[u]; !ok {
			c.dirty[u] = struct{}{}
			c.dirtyGauge.Add(c.ctx, 1)
		}
	}
}

func (c *Calculator) drainLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.throttle())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce()
		}
	}
}

// drainOnce submits every dirty user to the pool. Users the pool has no
// room for go straight back into the dirty set.
func (c *Calculator) drainOnce() {
	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.dirty
	c.dirty = make(map[model.UserKey]struct{}, len(pending))
	c.mu.Unlock()

	for user := range pending {
		u := user
		err := c.pool.Submit(func() {
			started := time.Now()
			c.computeUser(c.ctx, u)
			c.recomputeMs.Record(c.ctx, time.Since(started).Milliseconds())
			c.dirtyGauge.Add(c.ctx, -1)
		})
		if err != nil {
			// Pool is at capacity; carry the user over to the next tick.
			c.mu.Lock()
			c.dirty[u] = struct{}{}
			c.mu.Unlock()
		}
	}
}
