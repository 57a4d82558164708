// Package marketdata ingests the upstream tick stream: framed binary
// websocket messages carrying compressed MarketUpdate payloads, per-symbol
// dedup, batched quote writes, dirty-symbol publishes.
package marketdata

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/alert"
	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/telemetry"
	"fxcore/pkg/websocket"
)

const (
	defaultDedupEpsilon = 1e-5
	defaultKeepAliveMs  = 5000
	defaultFlushMs      = 20
)

// sentBook is the last pair emitted for one symbol, kept for dedup and the
// keep-alive refresh.
type sentBook struct {
	buy  float64
	sell float64
	atMs int64
}

// Listener owns the feed connection and turns frames into quote-store writes.
type Listener struct {
	cfg     config.FeedConfig
	quotes  core.IQuoteStore
	bus     core.IMarketBus
	logger  core.ILogger
	alerter core.IAlerter

	client *websocket.Client

	mu       sync.Mutex
	lastSent map[string]sentBook
	batch    map[string]model.QuoteUpdate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ticksDecoded  metric.Int64Counter
	quotesWritten metric.Int64Counter
}

func NewListener(cfg config.FeedConfig, quotes core.IQuoteStore, bus core.IMarketBus, logger core.ILogger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("marketdata")
	ticks, _ := meter.Int64Counter(telemetry.MetricTicksDecodedTotal,
		metric.WithDescription("Market updates decoded from the price feed"))
	written, _ := meter.Int64Counter(telemetry.MetricQuotesWrittenTotal,
		metric.WithDescription("Quote writes applied to the store"))

	return &Listener{
		cfg:           cfg,
		quotes:        quotes,
		bus:           bus,
		logger:        logger.WithField("component", "market_listener"),
		lastSent:      make(map[string]sentBook),
		batch:         make(map[string]model.QuoteUpdate),
		ctx:           ctx,
		cancel:        cancel,
		ticksDecoded:  ticks,
		quotesWritten: written,
	}
}

// SetAlerter wires the escalation raised when reconnects keep failing.
func (l *Listener) SetAlerter(a core.IAlerter) { l.alerter = a }

// Start dials the feed and begins the flush loop. Reconnection is owned by
// the websocket client.
func (l *Listener) Start() {
	client := websocket.NewClient(l.cfg.URL, l.handleFrame, l.logger)
	if l.cfg.IdleTimeoutSec > 0 {
		client.SetIdleTimeout(time.Duration(l.cfg.IdleTimeoutSec) * time.Second)
	}
	client.SetOnDegraded(func(failures int) {
		l.logger.Error("Feed connection degraded", "url", l.cfg.URL, "consecutive_failures", failures)
		if l.alerter != nil {
			l.alerter.Alert(l.ctx, alert.SeverityError, "Price feed degraded",
				"the upstream feed keeps refusing reconnects", map[string]string{
					"url":                  l.cfg.URL,
					"consecutive_failures": strconv.Itoa(failures),
				})
		}
	})
	l.client = client
	client.Start()

	l.wg.Add(1)
	go l.flushLoop()
}

func (l *Listener) Stop() {
	if l.client != nil {
		l.client.Stop()
	}
	l.cancel()
	l.wg.Wait()
}

// Healthy reports feed liveness for the health manager.
func (l *Listener) Healthy() error {
	if l.client == nil || !l.client.Connected() {
		return apperrors.ErrFeedUnavailable
	}
	return nil
}

// handleFrame decodes one frame and stages changed symbols into the batch.
func (l *Listener) handleFrame(frame []byte) {
	update, err := DecodeFrame(frame)
	if err != nil {
		l.logger.Warn("Dropping undecodable frame", "error", err)
		return
	}
	if len(update.Prices) == 0 {
		return
	}
	l.ticksDecoded.Add(l.ctx, int64(len(update.Prices)))

	eps := l.cfg.DedupEpsilon
	if eps <= 0 {
		eps = defaultDedupEpsilon
	}
	keepAliveMs := int64(l.cfg.KeepAliveSec) * 1000
	if keepAliveMs <= 0 {
		keepAliveMs = defaultKeepAliveMs
	}
	now := time.Now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	for symbol, p := range update.Prices {
		if p.Buy <= 0 && p.Sell <= 0 {
			continue
		}
		last, seen := l.lastSent[symbol]
		changed := !seen ||
			(p.Buy > 0 && math.Abs(p.Buy-last.buy) > eps) ||
			(p.Sell > 0 && math.Abs(p.Sell-last.sell) > eps)
		if !changed && now-last.atMs < keepAliveMs {
			continue
		}

		// Merge into any update already staged this window so a bid-only
		// tick does not erase a buffered ask.
		u, ok := l.batch[symbol]
		if !ok {
			u = model.QuoteUpdate{Symbol: symbol}
		}
		if p.Buy > 0 {
			u.Ask = decimal.NullDecimal{Decimal: decimal.NewFromFloat(p.Buy), Valid: true}
			last.buy = p.Buy
		}
		if p.Sell > 0 {
			u.Bid = decimal.NullDecimal{Decimal: decimal.NewFromFloat(p.Sell), Valid: true}
			last.sell = p.Sell
		}
		u.TsMs = now
		last.atMs = now
		l.batch[symbol] = u
		l.lastSent[symbol] = last
	}
}

func (l *Listener) flushLoop() {
	defer l.wg.Done()
	interval := time.Duration(l.cfg.BatchFlushMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultFlushMs * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// flush writes the staged window in one pipelined batch, then publishes the
// touched symbols.
func (l *Listener) flush() {
	l.mu.Lock()
	if len(l.batch) == 0 {
		l.mu.Unlock()
		return
	}
	pending := l.batch
	l.batch = make(map[string]model.QuoteUpdate, len(pending))
	l.mu.Unlock()

	updates := make([]model.QuoteUpdate, 0, len(pending))
	symbols := make([]string, 0, len(pending))
	for sym, u := range pending {
		updates = append(updates, u)
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	if err := l.quotes.PutBatch(l.ctx, updates); err != nil {
		l.logger.Error("Quote batch write failed", "symbols", len(updates), "error", err)
		return
	}
	l.quotesWritten.Add(l.ctx, int64(len(updates)))

	if err := l.bus.PublishSymbols(l.ctx, symbols); err != nil {
		l.logger.Error("Dirty symbol publish failed", "error", err)
	}
}
