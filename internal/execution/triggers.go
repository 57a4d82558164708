package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// TriggerRequest attaches or detaches a protective exit on an open order.
// Price is ignored for cancels.
type TriggerRequest struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	UserType model.UserType  `json:"user_type"`
	Price    decimal.Decimal `json:"price,omitempty"`
}

func (r *TriggerRequest) User() model.UserKey {
	return model.UserKey{Type: r.UserType, ID: r.UserID}
}

func (r *TriggerRequest) validate(needPrice bool) error {
	if r.OrderID == "" || r.UserID == "" || r.UserType == "" {
		return fmt.Errorf("order_id, user_id and user_type are required: %w", apperrors.ErrMissingFields)
	}
	if needPrice && !r.Price.IsPositive() {
		return fmt.Errorf("trigger price must be positive: %w", apperrors.ErrInvalidNumericFields)
	}
	return nil
}

// SetStopLoss arms a stop-loss on an open position.
func (e *Engine) SetStopLoss(ctx context.Context, req TriggerRequest) error {
	return e.setTrigger(ctx, req, model.TriggerStopLoss)
}

// SetTakeProfit arms a take-profit on an open position.
func (e *Engine) SetTakeProfit(ctx context.Context, req TriggerRequest) error {
	return e.setTrigger(ctx, req, model.TriggerTakeProfit)
}

// CancelStopLoss disarms the stop-loss on an open position.
func (e *Engine) CancelStopLoss(ctx context.Context, req TriggerRequest) error {
	return e.cancelTrigger(ctx, req, model.TriggerStopLoss)
}

// CancelTakeProfit disarms the take-profit on an open position.
func (e *Engine) CancelTakeProfit(ctx context.Context, req TriggerRequest) error {
	return e.cancelTrigger(ctx, req, model.TriggerTakeProfit)
}

func (e *Engine) setTrigger(ctx context.Context, req TriggerRequest, kind model.TriggerKind) error {
	if err := req.validate(true); err != nil {
		return err
	}
	user := req.User()

	o, err := e.deps.Orders.GetHolding(ctx, user, req.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("order %s for %s: %w", req.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}
	if !o.IsOpenPosition() || o.ExecStatus == model.ExecQueued {
		return fmt.Errorf("order %s status %s: %w", o.OrderID, o.Status, apperrors.ErrOrderNotOpen)
	}

	q, err := e.deps.Quotes.Get(ctx, o.Symbol)
	if err != nil {
		return fmt.Errorf("market price for %s: %w", o.Symbol, err)
	}
	if !q.Bid.Valid || !q.Ask.Valid {
		return fmt.Errorf("incomplete quote for %s: %w", o.Symbol, apperrors.ErrNoQuote)
	}
	if !model.ValidTriggerPrice(o.Side, kind, req.Price, q.Bid.Decimal, q.Ask.Decimal) {
		return fmt.Errorf("%s at %s against bid %s / ask %s: %w",
			kind, req.Price.String(), q.Bid.Decimal.String(), q.Ask.Decimal.String(),
			apperrors.ErrInvalidTriggerPrice)
	}

	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag())
	}
	flow, err := e.routeFlow(user.Type, ucfg)
	if err != nil {
		return err
	}

	score := model.TriggerScore(o.Side, req.Price, o.HalfSpread)
	if flow == FlowProvider {
		return e.setTriggerViaProvider(ctx, o, kind, req.Price, score)
	}
	return e.setTriggerLocal(ctx, o, kind, req.Price, score)
}

// setTriggerLocal arms the exit immediately: scored index entry plus the
// canonical record the monitor resolves user context from.
func (e *Engine) setTriggerLocal(ctx context.Context, o *model.Order, kind model.TriggerKind, price, score decimal.Decimal) error {
	user := o.User()

	if err := e.deps.Triggers.Add(ctx, model.Trigger{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side.Base(),
		UserType: o.UserType,
		UserID:   o.UserID,
		Kind:     kind,
		Price:    price,
		Score:    score,
	}); err != nil {
		return fmt.Errorf("index %s for %s: %w", kind, o.OrderID, err)
	}

	now := time.Now().UnixMilli()
	var status model.EngineStatus
	var field string
	var update model.DBUpdateType
	if kind == model.TriggerStopLoss {
		o.StopLoss = decimal.NullDecimal{Decimal: price, Valid: true}
		status, field, update = model.StatusStopLoss, "stop_loss", model.DBOrderStopLossSet
	} else {
		o.TakeProfit = decimal.NullDecimal{Decimal: price, Valid: true}
		status, field, update = model.StatusTakeProfit, "take_profit", model.DBOrderTakeProfitSet
	}
	o.Status = status
	o.UpdatedAtMs = now

	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, map[string]string{
		field:        price.String(),
		"status":     string(status),
		"updated_at": strconv.FormatInt(now, 10),
	}); err != nil {
		return fmt.Errorf("persist %s on %s: %w", kind, o.OrderID, err)
	}
	if err := e.deps.Orders.SaveCanonical(ctx, o); err != nil {
		e.logger.Warn("Canonical trigger save failed", "order_id", o.OrderID, "error", err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(update, o.OrderID, map[string]string{
		field:  price.String(),
		"user": user.Tag(),
	}))
	e.logger.Info("Trigger armed",
		"order_id", o.OrderID, "kind", string(kind), "price", price.String(),
		"score", score.String())
	return nil
}

// setTriggerViaProvider stages the leg and sends the request; the stoploss
// or takeprofit worker finalizes Redis state on the provider PENDING ack.
func (e *Engine) setTriggerViaProvider(ctx context.Context, o *model.Order, kind model.TriggerKind, price, score decimal.Decimal) error {
	var prefix, idField, priceField string
	var status model.EngineStatus
	var update model.DBUpdateType
	if kind == model.TriggerStopLoss {
		prefix, idField, priceField = model.PrefixStopLoss, "stoploss_id", "stop_loss"
		status, update = model.StatusStopLoss, model.DBOrderStopLossSet
	} else {
		prefix, idField, priceField = model.PrefixTakeProfit, "takeprofit_id", "take_profit"
		status, update = model.StatusTakeProfit, model.DBOrderTakeProfitSet
	}

	legID := lifecycleID(prefix)
	if err := e.deps.Orders.SetLifecycleLookup(ctx, legID, o.OrderID); err != nil {
		e.logger.Warn("Lifecycle lookup registration failed", "order_id", o.OrderID, "error", err)
	}
	fields := map[string]string{
		idField:  legID,
		"status": string(status),
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		return fmt.Errorf("stage %s on %s: %w", kind, o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, o.User(), o.OrderID, fields); err != nil {
		e.logger.Warn("Holding trigger stage failed", "order_id", o.OrderID, "error", err)
	}

	if err := e.deps.Provider.SendOrder(ctx, model.ProviderTriggerPayload(o, status, legID, score)); err != nil {
		return fmt.Errorf("provider %s send for %s: %w", kind, o.OrderID, err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(update, o.OrderID, map[string]string{
		idField:    legID,
		priceField: price.String(),
	}))
	e.logger.Info("Trigger requested",
		"order_id", o.OrderID, "kind", string(kind), "leg_id", legID,
		"price", price.String(), "score", score.String())
	return nil
}

func (e *Engine) cancelTrigger(ctx context.Context, req TriggerRequest, kind model.TriggerKind) error {
	if err := req.validate(false); err != nil {
		return err
	}
	user := req.User()

	o, err := e.deps.Orders.GetHolding(ctx, user, req.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("order %s for %s: %w", req.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}

	armed := o.StopLoss.Valid || o.StopLossID != ""
	if kind == model.TriggerTakeProfit {
		armed = o.TakeProfit.Valid || o.TakeProfitID != ""
	}
	if !armed {
		return fmt.Errorf("order %s has no %s: %w", o.OrderID, kind, apperrors.ErrTriggerNotSet)
	}

	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag())
	}
	flow, err := e.routeFlow(user.Type, ucfg)
	if err != nil {
		return err
	}

	if flow == FlowProvider {
		_, _, err := e.stageTriggerCancel(ctx, o, kind)
		return err
	}
	return e.cancelTriggerLocal(ctx, o, kind)
}

// cancelTriggerLocal disarms immediately: index entry out, fields cleared,
// status restored to OPEN (or the other armed trigger's status).
func (e *Engine) cancelTriggerLocal(ctx context.Context, o *model.Order, kind model.TriggerKind) error {
	user := o.User()
	if err := e.deps.Triggers.Remove(ctx, o.Symbol, o.Side.Base(), kind, o.OrderID); err != nil {
		return fmt.Errorf("deindex %s for %s: %w", kind, o.OrderID, err)
	}

	now := time.Now().UnixMilli()
	status := model.StatusOpen
	var priceField string
	var update model.DBUpdateType
	if kind == model.TriggerStopLoss {
		o.StopLoss = decimal.NullDecimal{}
		priceField, update = "stop_loss", model.DBOrderStopLossCancel
		if o.TakeProfit.Valid {
			status = model.StatusTakeProfit
		}
	} else {
		o.TakeProfit = decimal.NullDecimal{}
		priceField, update = "take_profit", model.DBOrderTakeProfitCancel
		if o.StopLoss.Valid {
			status = model.StatusStopLoss
		}
	}
	o.Status = status
	o.UpdatedAtMs = now

	fields := map[string]string{
		priceField:   "",
		"status":     string(status),
		"updated_at": strconv.FormatInt(now, 10),
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, fields); err != nil {
		return fmt.Errorf("clear %s on %s: %w", kind, o.OrderID, err)
	}
	if err := e.deps.Orders.SaveCanonical(ctx, o); err != nil {
		e.logger.Warn("Canonical trigger clear failed", "order_id", o.OrderID, "error", err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(update, o.OrderID, map[string]string{"user": user.Tag()}))
	e.logger.Info("Trigger disarmed", "order_id", o.OrderID, "kind", string(kind))
	return nil
}

// stageTriggerCancel mints the cancel leg, stages it on the canonical
// record, and sends the provider cancel. Returns the cancel id and the
// trigger leg id so synchronous callers can wait on either.
func (e *Engine) stageTriggerCancel(ctx context.Context, o *model.Order, kind model.TriggerKind) (cancelID, legID string, err error) {
	var field, prefix string
	var status model.EngineStatus
	if kind == model.TriggerStopLoss {
		legID, field, prefix = o.StopLossID, "stoploss_cancel_id", model.PrefixStopLossCancel
		status = model.StatusStopLossCancel
	} else {
		legID, field, prefix = o.TakeProfitID, "takeprofit_cancel_id", model.PrefixTakeProfitCancel
		status = model.StatusTakeProfitCancel
	}

	cancelID = lifecycleID(prefix)
	if err := e.deps.Orders.SetLifecycleLookup(ctx, cancelID, o.OrderID); err != nil {
		e.logger.Warn("Lifecycle lookup registration failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, map[string]string{
		field:    cancelID,
		"status": string(status),
	}); err != nil {
		return "", "", fmt.Errorf("stage %s cancel on %s: %w", kind, o.OrderID, err)
	}

	payload := model.ProviderCancelPayload(o, cancelID)
	if kind == model.TriggerStopLoss {
		payload.StopLossID = legID
		o.StopLossCancelID = cancelID
	} else {
		payload.TakeProfitID = legID
		o.TakeProfitCancelID = cancelID
	}
	if err := e.deps.Provider.SendOrder(ctx, payload); err != nil {
		return "", "", fmt.Errorf("provider %s cancel send for %s: %w", kind, o.OrderID, err)
	}
	e.logger.Info("Trigger cancel requested",
		"order_id", o.OrderID, "kind", string(kind), "cancel_id", cancelID)
	return cancelID, legID, nil
}
