// Package execution implements the order lifecycle engine: instant
// placement, close, stop-loss/take-profit attach and cancel, and pending
// order management. Requests are routed to a local book or to the external
// liquidity provider based on the user's configuration; all margin math is
// delegated to the margin engine and every mutation of a user's exposure
// happens under that user's margin lock.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/margin"
	"fxcore/internal/model"
	"fxcore/pkg/concurrency"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/retry"
	"fxcore/pkg/telemetry"
)

const (
	defaultIdemProcessingSec = 60
	defaultIdemResultSec     = 300
	defaultCancelAckWaitSec  = 5
	defaultCloseAckWaitSec   = 8

	userMarginLockTTL = 5 * time.Second
)

var errUserMarginBusy = errors.New("user margin lock busy")

// DirtyMarker forces a portfolio recompute for users whose exposure just
// changed. The portfolio calculator satisfies it.
type DirtyMarker interface {
	MarkDirty(users ...model.UserKey)
}

// Deps bundles the engine's collaborators. Everything is an interface so
// tests can swap in fakes; the margin engine is concrete because its math
// is the contract. Dirty and SQLRead may be nil.
type Deps struct {
	Orders     core.IOrderStore
	Configs    core.IConfigStore
	Quotes     core.IQuoteStore
	Portfolios core.IPortfolioStore
	Locks      core.ILockStore
	Idem       core.IIdemStore
	Acks       core.IAckStore
	Triggers   core.ITriggerIndex
	Pending    core.IPendingIndex
	Margin     *margin.Engine
	Provider   core.IProviderLink
	DBUpdates  core.IDBUpdatePublisher
	SQLRead    core.ISQLReadService
	Dirty      DirtyMarker
}

// Engine is the order lifecycle engine.
type Engine struct {
	cfg    config.ExecutionConfig
	deps   Deps
	logger core.ILogger

	users *concurrency.KeyedMutex[model.UserKey]

	placed      metric.Int64Counter
	rejected    metric.Int64Counter
	closed      metric.Int64Counter
	placementMs metric.Int64Histogram
}

func NewEngine(cfg config.ExecutionConfig, deps Deps, logger core.ILogger) *Engine {
	meter := telemetry.GetMeter("execution")
	placed, _ := meter.Int64Counter(telemetry.MetricOrdersPlacedTotal,
		metric.WithDescription("Orders placed"))
	rejected, _ := meter.Int64Counter(telemetry.MetricOrdersRejectedTotal,
		metric.WithDescription("Order requests rejected"))
	closed, _ := meter.Int64Counter(telemetry.MetricOrdersClosedTotal,
		metric.WithDescription("Orders closed"))
	placementMs, _ := meter.Int64Histogram(telemetry.MetricOrderPlacement,
		metric.WithDescription("Instant placement latency"))

	return &Engine{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.WithField("component", "execution_engine"),
		users:       concurrency.NewKeyedMutex[model.UserKey](),
		placed:      placed,
		rejected:    rejected,
		closed:      closed,
		placementMs: placementMs,
	}
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(v) * time.Second
}

func (e *Engine) idemProcessingTTL() time.Duration {
	return secondsOr(e.cfg.IdemInProgressSec, defaultIdemProcessingSec)
}

func (e *Engine) idemResultTTL() time.Duration {
	return secondsOr(e.cfg.IdemResultSec, defaultIdemResultSec)
}

func (e *Engine) cancelAckWait() time.Duration {
	return secondsOr(e.cfg.CancelAckWaitSec, defaultCancelAckWaitSec)
}

func (e *Engine) closeAckWait() time.Duration {
	return secondsOr(e.cfg.CloseAckWaitSec, defaultCloseAckWaitSec)
}

// ExecuteInstantOrder validates, prices, margins, and places a market
// order. The returned Result is safe to serialize back to the client; for
// provider flow the caller must forward Result.Provider to the provider
// connection after responding.
func (e *Engine) ExecuteInstantOrder(ctx context.Context, req OrderRequest) Result {
	start := time.Now()

	if err := req.validateInstant(); err != nil {
		return e.reject(ctx, req.OrderID, err)
	}
	user := req.User()

	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return e.reject(ctx, req.OrderID, fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag()))
	}
	if !ucfg.Verified() {
		return e.reject(ctx, req.OrderID, apperrors.ErrUserNotVerified)
	}
	if !ucfg.Leverage.IsPositive() {
		return e.reject(ctx, req.OrderID, apperrors.ErrInvalidLeverage)
	}

	if req.IdempotencyKey != "" {
		proceed, prior, err := e.deps.Idem.BeginClientRequest(ctx, user, req.IdempotencyKey, e.idemProcessingTTL())
		if err != nil {
			return e.reject(ctx, req.OrderID, fmt.Errorf("idempotency check: %w", err))
		}
		if !proceed {
			if res, ok := decodeStoredResult(prior); ok {
				return res
			}
			return e.reject(ctx, req.OrderID, apperrors.ErrIdempotencyInProgress)
		}
	}

	res := e.place(ctx, req, ucfg)

	if req.IdempotencyKey != "" {
		e.storeResult(ctx, user, req.IdempotencyKey, res)
	}
	if res.Success {
		e.placed.Add(ctx, 1)
		e.placementMs.Record(ctx, time.Since(start).Milliseconds())
	}
	return res
}

func decodeStoredResult(prior []byte) (Result, bool) {
	if len(prior) == 0 {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(prior, &res); err != nil {
		return Result{}, false
	}
	res.Replayed = true
	return res, true
}

// storeResult persists the sanitized outcome for replay. Result marks the
// provider payload json:"-" so a replayed request can never re-send it.
func (e *Engine) storeResult(ctx context.Context, user model.UserKey, key string, res Result) {
	body, err := json.Marshal(res)
	if err != nil {
		e.logger.Error("Idempotency result marshal failed", "user", user.Tag(), "error", err)
		return
	}
	if err := e.deps.Idem.StoreClientResult(ctx, user, key, body, e.idemResultTTL()); err != nil {
		e.logger.Warn("Idempotency result store failed", "user", user.Tag(), "error", err)
	}
}

func (e *Engine) place(ctx context.Context, req OrderRequest, ucfg *model.UserConfig) Result {
	user := req.User()

	flow, err := e.routeFlow(req.UserType, ucfg)
	if err != nil {
		return e.reject(ctx, req.OrderID, err)
	}

	gcfg, err := e.groupConfig(ctx, ucfg.Group, req.Symbol)
	if err != nil {
		return e.reject(ctx, req.OrderID, err)
	}
	halfSpread := gcfg.HalfSpread()

	var rawPrice, execPrice decimal.Decimal
	switch flow {
	case FlowLocal:
		raw, err := e.marketRaw(ctx, req.Symbol, req.Side)
		if err != nil {
			return e.reject(ctx, req.OrderID, err)
		}
		rawPrice = raw
		if req.Side.IsBuy() {
			execPrice = raw.Add(halfSpread)
		} else {
			execPrice = raw.Sub(halfSpread)
		}
	case FlowProvider:
		// Requested price is only a margin preview; the provider fill
		// becomes authoritative via the open worker.
		rawPrice = req.OrderPrice
		execPrice = req.OrderPrice
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	o := &model.Order{
		OrderID:       orderID,
		UserID:        req.UserID,
		UserType:      req.UserType,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderQuantity: req.OrderQuantity,
		OrderPrice:    execPrice,
		RawPrice:      rawPrice,
		HalfSpread:    halfSpread,
		Status:        model.StatusOpen,
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	gcfg.Snapshot(o, ucfg.Group)
	o.Leverage = ucfg.Leverage
	o.ContractValue = gcfg.ContractSize.Mul(req.OrderQuantity).Mul(execPrice)
	o.CommissionEntry = o.CommissionAt(execPrice, true)

	singleM, err := e.deps.Margin.SingleOrderMarginUSD(ctx, o, execPrice)
	if err != nil {
		return e.reject(ctx, orderID, err)
	}
	if flow == FlowLocal {
		o.ExecStatus = model.ExecExecuted
		o.Margin = decimal.NullDecimal{Decimal: singleM, Valid: true}
	} else {
		o.ExecStatus = model.ExecQueued
		o.ReservedMargin = decimal.NullDecimal{Decimal: singleM, Valid: true}
	}

	free, err := e.freeMargin(ctx, user, ucfg)
	if err != nil {
		return e.reject(ctx, orderID, err)
	}
	if free.LessThan(singleM) {
		return e.reject(ctx, orderID, apperrors.NewMarginRejection(singleM, free))
	}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return e.reject(ctx, orderID, fmt.Errorf("user margin lock: %w", err))
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	open, err := e.deps.Orders.ListOpenOrders(ctx, user)
	if err != nil {
		return e.reject(ctx, orderID, fmt.Errorf("%w: list open orders: %s", apperrors.ErrOverallMargin, err))
	}
	totals, err := e.deps.Margin.UserTotalMargin(ctx, append(open, o))
	if err != nil {
		return e.reject(ctx, orderID, fmt.Errorf("%w: %s", apperrors.ErrOverallMargin, err))
	}

	if err := e.deps.Orders.PlaceOrderAtomic(ctx, o, totals); err != nil {
		return e.reject(ctx, orderID, err)
	}
	if err := e.deps.Orders.AddToOrderIndex(ctx, user, orderID); err != nil {
		e.rollbackPlacement(ctx, user, o, open)
		return e.reject(ctx, orderID, fmt.Errorf("index order: %w", err))
	}
	if err := e.deps.Orders.AddSymbolHolder(ctx, req.Symbol, user); err != nil {
		e.logger.Warn("Symbol holder registration failed",
			"symbol", req.Symbol, "user", user.Tag(), "error", err)
	}

	res := Result{
		Success:   true,
		OrderID:   orderID,
		Flow:      flow,
		ExecPrice: execPrice,
		Margin:    singleM,
	}

	switch flow {
	case FlowLocal:
		e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderOpenConfirmed, orderID, o.ToMap()))
	case FlowProvider:
		if err := e.deps.Orders.SaveCanonical(ctx, o); err != nil {
			e.rollbackPlacement(ctx, user, o, open)
			_ = e.deps.Orders.RemoveFromOrderIndex(ctx, user, orderID)
			return e.reject(ctx, orderID, fmt.Errorf("save canonical order: %w", err))
		}
		if err := e.deps.Orders.SetLifecycleLookup(ctx, orderID, orderID); err != nil {
			e.logger.Warn("Lifecycle lookup registration failed", "order_id", orderID, "error", err)
		}
		payload := model.ProviderOpenPayload(o, execPrice)
		res.Provider = &payload
	}

	e.markDirty(user)
	e.logger.Info("Order placed",
		"order_id", orderID, "user", user.Tag(), "symbol", req.Symbol,
		"side", string(req.Side), "flow", string(flow),
		"exec_price", execPrice.String(), "margin", singleM.String())
	return res
}

func (e *Engine) markDirty(user model.UserKey) {
	if e.deps.Dirty != nil {
		e.deps.Dirty.MarkDirty(user)
	}
}

// rollbackPlacement undoes a holding write whose follow-up step failed,
// restoring the margin totals of the prior order set.
func (e *Engine) rollbackPlacement(ctx context.Context, user model.UserKey, o *model.Order, prior []*model.Order) {
	if err := e.deps.Orders.DeleteHolding(ctx, user, o.OrderID); err != nil {
		e.logger.Error("Placement rollback could not delete holding",
			"order_id", o.OrderID, "user", user.Tag(), "error", err)
	}
	totals, err := e.deps.Margin.UserTotalMargin(ctx, prior)
	if err != nil {
		e.logger.Error("Placement rollback could not recompute margins",
			"user", user.Tag(), "error", err)
		return
	}
	if err := e.deps.Portfolios.UpdateMarginTotals(ctx, user, totals); err != nil {
		e.logger.Error("Placement rollback could not restore margin totals",
			"user", user.Tag(), "error", err)
	}
}

// routeFlow decides local vs provider execution. Demo accounts never reach
// the provider regardless of their group's sending_orders value.
func (e *Engine) routeFlow(userType model.UserType, ucfg *model.UserConfig) (Flow, error) {
	if ucfg.UsesProvider(userType) {
		return FlowProvider, nil
	}
	switch ucfg.SendingOrders {
	case "", model.SendingLocal, model.SendingProvider:
		return FlowLocal, nil
	}
	return "", fmt.Errorf("sending_orders %q: %w", ucfg.SendingOrders, apperrors.ErrUnsupportedFlow)
}

// groupConfig loads group pricing data, falling back to the SQL read
// service for fields Redis is missing.
func (e *Engine) groupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error) {
	gcfg, err := e.deps.Configs.GetGroupConfig(ctx, group, symbol)
	if err != nil || gcfg == nil {
		gcfg = &model.GroupConfig{}
	}
	if gcfg.Complete() {
		return gcfg, nil
	}
	if e.deps.SQLRead == nil || !e.deps.SQLRead.Enabled() {
		return nil, fmt.Errorf("group %s symbol %s: %w", group, symbol, apperrors.ErrMissingGroupData)
	}
	fetched, err := e.deps.SQLRead.FetchGroupConfig(ctx, group, symbol)
	if err != nil {
		return nil, fmt.Errorf("group %s symbol %s fallback: %w", group, symbol, apperrors.ErrMissingGroupData)
	}
	gcfg.Merge(fetched)
	if !gcfg.Complete() {
		return nil, fmt.Errorf("group %s symbol %s still incomplete: %w", group, symbol, apperrors.ErrMissingGroupData)
	}
	return gcfg, nil
}

// marketRaw returns the pre-spread market price for the order side, BUY
// from the ask and SELL from the bid. Stale quotes are unusable.
func (e *Engine) marketRaw(ctx context.Context, symbol string, side model.Side) (decimal.Decimal, error) {
	q, err := e.deps.Quotes.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market price for %s: %w", symbol, err)
	}
	if side.IsBuy() {
		if !q.Ask.Valid {
			return decimal.Zero, fmt.Errorf("no ask for %s: %w", symbol, apperrors.ErrNoQuote)
		}
		return q.Ask.Decimal, nil
	}
	if !q.Bid.Valid {
		return decimal.Zero, fmt.Errorf("no bid for %s: %w", symbol, apperrors.ErrNoQuote)
	}
	return q.Bid.Decimal, nil
}

// freeMargin computes balance minus used_margin_all, preferring the cached
// portfolio figure and recomputing from open orders when it is absent.
func (e *Engine) freeMargin(ctx context.Context, user model.UserKey, ucfg *model.UserConfig) (decimal.Decimal, error) {
	if m, err := e.deps.Portfolios.GetPortfolioMap(ctx, user); err == nil {
		if s, ok := m["used_margin_all"]; ok && s != "" {
			if used, perr := decimal.NewFromString(s); perr == nil {
				return ucfg.WalletBalance.Sub(used), nil
			}
		}
	}
	open, err := e.deps.Orders.ListOpenOrders(ctx, user)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: list open orders: %s", apperrors.ErrMarginCalculation, err)
	}
	totals, err := e.deps.Margin.UserTotalMargin(ctx, open)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrMarginCalculation, err)
	}
	return ucfg.WalletBalance.Sub(totals.All), nil
}

// lockUserMargin takes the cross-process margin lock with a short retry
// budget so two near-simultaneous requests serialize instead of failing.
func (e *Engine) lockUserMargin(ctx context.Context, user model.UserKey) error {
	policy := retry.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
	}
	return retry.Do(ctx, policy, func(err error) bool {
		return errors.Is(err, errUserMarginBusy)
	}, func() error {
		ok, err := e.deps.Locks.AcquireUserMargin(ctx, user, userMarginLockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return errUserMarginBusy
		}
		return nil
	})
}

func (e *Engine) publishDBUpdate(ctx context.Context, u model.DBUpdate) {
	if err := e.deps.DBUpdates.PublishDBUpdate(ctx, u); err != nil {
		e.logger.Error("DB update publish failed",
			"type", string(u.Type), "order_id", u.OrderID, "error", err)
	}
}

func (e *Engine) reject(ctx context.Context, orderID string, err error) Result {
	e.rejected.Add(ctx, 1)
	res := failure(orderID, err)
	e.logger.Warn("Order request rejected",
		"order_id", orderID, "reason", string(res.Reason), "error", err)
	return res
}

// lifecycleID mints a prefixed id for a provider lifecycle leg. The prefix
// is how downstream workers classify acks and rejections.
func lifecycleID(prefix string) string {
	return prefix + uuid.NewString()
}
