// Package autocutoff guards account margin. The watcher follows the
// portfolio update stream and, per user, either clears stale sentinels,
// sends a one-shot margin alert, or force-closes losing positions until
// the margin level recovers.
package autocutoff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/model"
	"fxcore/pkg/concurrency"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/retry"
	"fxcore/pkg/telemetry"
)

const (
	defaultAlertTTL   = 3 * time.Hour
	defaultSettleWait = 300 * time.Millisecond

	// Followers of a breached strategy provider are liquidated through a
	// small pool so a large book drains in parallel without stampeding
	// the provider link.
	cascadeWorkers  = 4
	cascadeCapacity = 64
)

// marginLevelTarget is where a liquidation stops closing: equity covers
// used margin again at 100%.
var marginLevelTarget = decimal.NewFromInt(100)

// fxConverter is the slice of the margin engine the loss ranking needs.
type fxConverter interface {
	ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

// Watcher runs the per-user cutoff state machine. All steps are
// idempotent and sentinel-guarded, so overlapping portfolio events for
// the same user are harmless.
type Watcher struct {
	cfg   config.AutoCutoffConfig
	email config.EmailConfig

	bus        core.IMarketBus
	portfolios core.IPortfolioStore
	configs    core.IConfigStore
	orders     core.IOrderStore
	quotes     core.IQuoteStore
	fx         fxConverter
	locks      core.ILockStore
	closer     core.ICloseDispatcher
	sender     core.IEmailSender
	audit      core.ILiquidationAudit
	logger     core.ILogger

	cascadePool *concurrency.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	liquidations metric.Int64Counter
}

func NewWatcher(
	cfg config.AutoCutoffConfig,
	email config.EmailConfig,
	bus core.IMarketBus,
	portfolios core.IPortfolioStore,
	configs core.IConfigStore,
	orders core.IOrderStore,
	quotes core.IQuoteStore,
	fx fxConverter,
	locks core.ILockStore,
	closer core.ICloseDispatcher,
	sender core.IEmailSender,
	audit core.ILiquidationAudit,
	logger core.ILogger,
) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("autocutoff")
	liquidations, _ := meter.Int64Counter(telemetry.MetricLiquidationsTotal,
		metric.WithDescription("Positions force-closed by the auto-cutoff engine"))

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "liquidation_cascade",
		MaxWorkers:  cascadeWorkers,
		MaxCapacity: cascadeCapacity,
	}, logger)

	return &Watcher{
		cfg:          cfg,
		email:        email,
		bus:          bus,
		portfolios:   portfolios,
		configs:      configs,
		orders:       orders,
		quotes:       quotes,
		fx:           fx,
		locks:        locks,
		closer:       closer,
		sender:       sender,
		audit:        audit,
		logger:       logger.WithField("component", "autocutoff"),
		cascadePool:  pool,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		liquidations: liquidations,
	}
}

func (w *Watcher) Start() error {
	events, err := w.bus.SubscribePortfolio(w.ctx)
	if err != nil {
		return fmt.Errorf("subscribe portfolio updates: %w", err)
	}
	go w.run(events)
	w.logger.Info("Auto-cutoff watcher started",
		"alert_ttl", w.alertTTL().String(), "settle_wait", w.settleWait().String())
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
	w.cascadePool.Stop()
}

func (w *Watcher) run(events <-chan model.UserKey) {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case user, ok := <-events:
			if !ok {
				return
			}
			w.Evaluate(w.ctx, user)
		}
	}
}

// Evaluate classifies one account against its cutoff levels and acts on
// the zone it lands in.
func (w *Watcher) Evaluate(ctx context.Context, user model.UserKey) {
	pm, err := w.portfolios.GetPortfolioMap(ctx, user)
	if err != nil {
		w.logger.Warn("Portfolio read failed", "user", user.Tag(), "error", err)
		return
	}
	p := model.PortfolioFromMap(pm)
	if p.UsedMarginAll.IsZero() {
		// Nothing at risk.
		return
	}

	cfg, err := w.configs.GetUserConfig(ctx, user)
	if err != nil {
		w.logger.Warn("User config read failed", "user", user.Tag(), "error", err)
		return
	}

	level := p.MarginLevel
	switch {
	case level.GreaterThan(cfg.AutoCutoffLevel):
		// Safe. Clear a liquidation sentinel a crashed run may have left
		// behind so the next breach can start fresh.
		if err := w.locks.ClearLiquidationSentinel(ctx, user); err != nil {
			w.logger.Warn("Liquidation sentinel clear failed", "user", user.Tag(), "error", err)
		}
	case level.GreaterThan(cfg.AutoLiquidationLevel):
		w.alert(ctx, user, level, cfg.AutoCutoffLevel)
	case level.LessThan(cfg.AutoLiquidationLevel):
		w.liquidateUser(ctx, user, level, "")
	}
}

// alert sends the one-shot margin warning. The sentinel is taken before
// the send and dropped again if the send fails, so exactly one email goes
// out per sentinel TTL.
func (w *Watcher) alert(ctx context.Context, user model.UserKey, level, cutoff decimal.Decimal) {
	if !w.email.Enabled || len(w.email.To) == 0 {
		return
	}

	acquired, err := w.locks.AcquireAlertSentinel(ctx, user, w.alertTTL())
	if err != nil {
		w.logger.Warn("Alert sentinel acquire failed", "user", user.Tag(), "error", err)
		return
	}
	if !acquired {
		return
	}

	subject := fmt.Sprintf("Margin alert: %s at %s%%", user.Tag(), level.StringFixed(2))
	body := fmt.Sprintf(
		"Account %s margin level is %s%%, at or below the cutoff level of %s%%. "+
			"Positions will be liquidated if the level keeps falling.",
		user.Tag(), level.StringFixed(2), cutoff.StringFixed(2))

	err = retry.Do(ctx, retry.DefaultPolicy,
		func(error) bool { return true },
		func() error { return w.sender.Send(ctx, w.email.To, subject, body) },
	)
	if err != nil {
		w.logger.Error("Margin alert email failed", "user", user.Tag(), "error", err)
		if clearErr := w.locks.ClearAlertSentinel(ctx, user); clearErr != nil {
			w.logger.Warn("Alert sentinel clear failed", "user", user.Tag(), "error", clearErr)
		}
		return
	}
	w.logger.Info("Margin alert sent", "user", user.Tag(), "margin_level", level.String())
}

// liquidateUser runs one sentinel-guarded liquidation. cascadeFrom is the
// id of the strategy provider that dragged this account in, empty for a
// direct breach.
func (w *Watcher) liquidateUser(ctx context.Context, user model.UserKey, level decimal.Decimal, cascadeFrom string) {
	acquired, err := w.locks.AcquireLiquidationSentinel(ctx, user)
	if err != nil {
		w.logger.Warn("Liquidation sentinel acquire failed", "user", user.Tag(), "error", err)
		return
	}
	if !acquired {
		// Another run owns this account.
		return
	}
	defer func() {
		if err := w.locks.ClearLiquidationSentinel(ctx, user); err != nil {
			w.logger.Warn("Liquidation sentinel clear failed", "user", user.Tag(), "error", err)
		}
	}()

	w.logger.Warn("Liquidation started",
		"user", user.Tag(), "margin_level", level.String(), "cascade_from", cascadeFrom)

	closed := w.liquidate(ctx, user)

	rec := model.LiquidationRecord{
		User:         user,
		MarginLevel:  level,
		OrdersClosed: closed,
		CascadeFrom:  cascadeFrom,
		TsMs:         time.Now().UnixMilli(),
	}
	if err := w.audit.RecordLiquidation(ctx, rec); err != nil {
		w.logger.Error("Liquidation audit write failed", "user", user.Tag(), "error", err)
	}
	w.logger.Warn("Liquidation finished", "user", user.Tag(), "orders_closed", closed)

	// A strategy provider drags its copy followers down with it.
	if cascadeFrom == "" && user.Type == model.UserStrategyProvider {
		w.cascade(ctx, user)
	}
}

func (w *Watcher) cascade(ctx context.Context, provider model.UserKey) {
	followers, err := w.configs.Followers(ctx, provider.ID)
	if err != nil {
		w.logger.Error("Follower enumeration failed", "provider", provider.Tag(), "error", err)
		return
	}
	if len(followers) == 0 {
		return
	}

	group := w.cascadePool.Group()
	for _, follower := range followers {
		if follower == provider {
			continue
		}
		f := follower
		group.Submit(func() {
			w.liquidateUser(ctx, f, w.marginLevel(ctx, f), provider.ID)
		})
	}
	group.Wait()
}

// liquidate closes losing positions, worst USD loss first, until the
// margin level recovers past the target or the candidates run out.
func (w *Watcher) liquidate(ctx context.Context, user model.UserKey) int {
	open, err := w.orders.ListOpenOrders(ctx, user)
	if err != nil {
		w.logger.Error("Open order enumeration failed", "user", user.Tag(), "error", err)
		return 0
	}
	candidates := w.rank(ctx, open)

	closed := 0
	for _, c := range candidates {
		req := model.CloseRequest{
			OrderID:            c.order.OrderID,
			User:               user,
			CloseMessage:       model.CloseMessageAutocutoff,
			TriggerLifecycleID: "autocutoff_" + c.order.OrderID,
		}
		if err := w.closer.CloseOrder(ctx, req); err != nil {
			w.logger.Error("Liquidation close failed",
				"user", user.Tag(), "order_id", c.order.OrderID, "error", err)
			continue
		}
		closed++
		w.liquidations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("user_type", string(user.Type))))
		w.logger.Info("Liquidation close dispatched",
			"user", user.Tag(), "order_id", c.order.OrderID, "loss_usd", c.lossUSD.String())

		// Give the portfolio calculator a beat to absorb the close before
		// deciding whether the account has recovered.
		if !w.settle(ctx) {
			break
		}
		if w.marginLevel(ctx, user).GreaterThanOrEqual(marginLevelTarget) {
			break
		}
	}
	return closed
}

type candidate struct {
	order   *model.Order
	lossUSD decimal.Decimal
}

// rank orders the closable positions by USD loss, worst first. Positions
// whose quote or conversion is unavailable stay in the list with a zero
// loss instead of being skipped: a liquidation must be able to close
// everything it holds.
func (w *Watcher) rank(ctx context.Context, open []*model.Order) []candidate {
	candidates := make([]candidate, 0, len(open))
	for _, o := range open {
		if o.ExecStatus != model.ExecExecuted || o.Side.IsPending() {
			continue
		}
		candidates = append(candidates, candidate{order: o, lossUSD: w.lossUSD(ctx, o)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lossUSD.GreaterThan(candidates[j].lossUSD)
	})
	return candidates
}

// lossUSD prices one position's current loss. BUY positions lose when the
// bid drops under entry, SELL when the ask rises above it. A stale book
// is still usable for ranking.
func (w *Watcher) lossUSD(ctx context.Context, o *model.Order) decimal.Decimal {
	q, err := w.quotes.Get(ctx, o.Symbol)
	if err != nil && !errors.Is(err, apperrors.ErrStaleQuote) {
		w.logger.Warn("Quote unavailable for loss ranking",
			"symbol", o.Symbol, "order_id", o.OrderID, "error", err)
		return decimal.Zero
	}

	var perUnit decimal.Decimal
	switch {
	case o.Side.IsBuy() && q.Bid.Valid:
		perUnit = o.OrderPrice.Sub(q.Bid.Decimal)
	case !o.Side.IsBuy() && q.Ask.Valid:
		perUnit = q.Ask.Decimal.Sub(o.OrderPrice)
	default:
		return decimal.Zero
	}

	loss := perUnit.Mul(o.OrderQuantity).Mul(o.ContractSize)
	usd, err := w.fx.ConvertToUSD(ctx, loss, o.ProfitCurrency)
	if err != nil {
		w.logger.Warn("USD conversion failed for loss ranking",
			"order_id", o.OrderID, "currency", o.ProfitCurrency, "error", err)
		return loss
	}
	return usd
}

func (w *Watcher) marginLevel(ctx context.Context, user model.UserKey) decimal.Decimal {
	pm, err := w.portfolios.GetPortfolioMap(ctx, user)
	if err != nil {
		w.logger.Warn("Portfolio read failed", "user", user.Tag(), "error", err)
		return decimal.Zero
	}
	p := model.PortfolioFromMap(pm)
	if p.UsedMarginAll.IsZero() {
		return model.MarginLevelCap
	}
	return p.MarginLevel
}

// settle waits out the post-close recompute window. Returns false when
// the watcher is shutting down.
func (w *Watcher) settle(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.settleWait()):
		return true
	}
}

func (w *Watcher) alertTTL() time.Duration {
	if w.cfg.AlertSentinelTTLSec <= 0 {
		return defaultAlertTTL
	}
	return time.Duration(w.cfg.AlertSentinelTTLSec) * time.Second
}

func (w *Watcher) settleWait() time.Duration {
	if w.cfg.SettleWaitMs <= 0 {
		return defaultSettleWait
	}
	return time.Duration(w.cfg.SettleWaitMs) * time.Millisecond
}
