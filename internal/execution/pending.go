package execution

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

const pendingCancelSentTTL = 5 * time.Minute

// PendingChangeRequest modifies or cancels a parked pending order. Price is
// the new trigger price for modifies and ignored for cancels.
type PendingChangeRequest struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	UserType model.UserType  `json:"user_type"`
	Price    decimal.Decimal `json:"price,omitempty"`
}

func (r *PendingChangeRequest) User() model.UserKey {
	return model.UserKey{Type: r.UserType, ID: r.UserID}
}

func (r *PendingChangeRequest) validate(needPrice bool) error {
	if r.OrderID == "" || r.UserID == "" || r.UserType == "" {
		return fmt.Errorf("order_id, user_id and user_type are required: %w", apperrors.ErrMissingFields)
	}
	if needPrice && !r.Price.IsPositive() {
		return fmt.Errorf("trigger price must be positive: %w", apperrors.ErrInvalidNumericFields)
	}
	return nil
}

// PlacePendingOrder parks a stop/limit order until the pending monitor (or
// the provider) fires it. OrderPrice carries the trigger price. Idempotency
// follows the instant-placement contract.
func (e *Engine) PlacePendingOrder(ctx context.Context, req OrderRequest) Result {
	if err := req.validatePending(); err != nil {
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

	res := e.placePending(ctx, req, ucfg)

	if req.IdempotencyKey != "" {
		e.storeResult(ctx, user, req.IdempotencyKey, res)
	}
	if res.Success {
		e.placed.Add(ctx, 1)
	}
	return res
}

func (e *Engine) placePending(ctx context.Context, req OrderRequest, ucfg *model.UserConfig) Result {
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

	q, err := e.deps.Quotes.Get(ctx, req.Symbol)
	if err != nil {
		return e.reject(ctx, req.OrderID, fmt.Errorf("market price for %s: %w", req.Symbol, err))
	}
	if !q.Ask.Valid {
		return e.reject(ctx, req.OrderID, fmt.Errorf("no ask for %s: %w", req.Symbol, apperrors.ErrNoQuote))
	}
	ask := q.Ask.Decimal
	// A trigger that already fires is an instant order in disguise.
	if model.PendingFires(req.Side, req.OrderPrice, ask) {
		return e.reject(ctx, req.OrderID, fmt.Errorf("pending %s at %s against ask %s: %w",
			req.Side, req.OrderPrice.String(), ask.String(), apperrors.ErrInvalidTriggerPrice))
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	if prior, err := e.deps.Orders.GetHolding(ctx, user, orderID); err == nil && prior != nil {
		return e.reject(ctx, orderID, apperrors.ErrOrderExists)
	}

	now := time.Now().UnixMilli()
	o := &model.Order{
		OrderID:       orderID,
		UserID:        req.UserID,
		UserType:      req.UserType,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderQuantity: req.OrderQuantity,
		OrderPrice:    req.OrderPrice,
		RawPrice:      req.OrderPrice,
		HalfSpread:    halfSpread,
		Status:        model.StatusPending,
		ExecStatus:    model.ExecPending,
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	if flow == FlowProvider {
		o.Status = model.StatusPendingQueued
	}
	gcfg.Snapshot(o, ucfg.Group)
	o.Leverage = ucfg.Leverage
	o.ContractValue = gcfg.ContractSize.Mul(req.OrderQuantity).Mul(req.OrderPrice)

	// Margin preview at the would-be exec price. Pending orders charge no
	// margin while parked; the fire path re-validates.
	previewPrice := req.OrderPrice.Add(halfSpread)
	singleM, err := e.deps.Margin.SingleOrderMarginUSD(ctx, o, previewPrice)
	if err != nil {
		return e.reject(ctx, orderID, err)
	}
	free, err := e.freeMargin(ctx, user, ucfg)
	if err != nil {
		return e.reject(ctx, orderID, err)
	}
	if free.LessThan(singleM) {
		return e.reject(ctx, orderID, apperrors.NewMarginRejection(singleM, free))
	}

	if err := e.deps.Orders.SaveHolding(ctx, o); err != nil {
		return e.reject(ctx, orderID, fmt.Errorf("save pending holding: %w", err))
	}
	if err := e.deps.Orders.AddToOrderIndex(ctx, user, orderID); err != nil {
		_ = e.deps.Orders.DeleteHolding(ctx, user, orderID)
		return e.reject(ctx, orderID, fmt.Errorf("index pending order: %w", err))
	}

	res := Result{
		Success:   true,
		OrderID:   orderID,
		Flow:      flow,
		ExecPrice: req.OrderPrice,
		Margin:    singleM,
	}

	switch flow {
	case FlowLocal:
		if err := e.deps.Pending.Add(ctx, &model.PendingOrder{
			OrderID:       orderID,
			Symbol:        req.Symbol,
			OrderType:     req.Side,
			OrderQuantity: req.OrderQuantity,
			UserID:        req.UserID,
			UserType:      req.UserType,
			Group:         ucfg.Group,
			TriggerPrice:  req.OrderPrice,
		}); err != nil {
			_ = e.deps.Orders.DeleteHolding(ctx, user, orderID)
			_ = e.deps.Orders.RemoveFromOrderIndex(ctx, user, orderID)
			return e.reject(ctx, orderID, fmt.Errorf("index pending trigger: %w", err))
		}
		e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderPendingConfirmed, orderID, o.ToMap()))
	case FlowProvider:
		if err := e.deps.Orders.SaveCanonical(ctx, o); err != nil {
			_ = e.deps.Orders.DeleteHolding(ctx, user, orderID)
			_ = e.deps.Orders.RemoveFromOrderIndex(ctx, user, orderID)
			return e.reject(ctx, orderID, fmt.Errorf("save canonical pending: %w", err))
		}
		if err := e.deps.Orders.SetLifecycleLookup(ctx, orderID, orderID); err != nil {
			e.logger.Warn("Lifecycle lookup registration failed", "order_id", orderID, "error", err)
		}
		payload := model.ProviderPendingPayload(o)
		res.Provider = &payload
	}

	e.logger.Info("Pending order parked",
		"order_id", orderID, "user", user.Tag(), "symbol", req.Symbol,
		"order_type", string(req.Side), "trigger_price", req.OrderPrice.String(),
		"flow", string(flow))
	return res
}

// ModifyPendingOrder moves the trigger price of a parked pending order.
func (e *Engine) ModifyPendingOrder(ctx context.Context, req PendingChangeRequest) error {
	if err := req.validate(true); err != nil {
		return err
	}
	user := req.User()

	o, err := e.deps.Orders.GetHolding(ctx, user, req.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("order %s for %s: %w", req.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}
	if !o.Side.IsPending() {
		return fmt.Errorf("order %s is not a pending order: %w", o.OrderID, apperrors.ErrInvalidOrderType)
	}
	if o.Status != model.StatusPending {
		return fmt.Errorf("order %s status %s: %w", o.OrderID, o.Status, apperrors.ErrOrderNotOpen)
	}

	q, err := e.deps.Quotes.Get(ctx, o.Symbol)
	if err != nil {
		return fmt.Errorf("market price for %s: %w", o.Symbol, err)
	}
	if !q.Ask.Valid {
		return fmt.Errorf("no ask for %s: %w", o.Symbol, apperrors.ErrNoQuote)
	}
	if model.PendingFires(o.Side, req.Price, q.Ask.Decimal) {
		return fmt.Errorf("pending %s at %s against ask %s: %w",
			o.Side, req.Price.String(), q.Ask.Decimal.String(), apperrors.ErrInvalidTriggerPrice)
	}

	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag())
	}
	flow, err := e.routeFlow(user.Type, ucfg)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if flow == FlowProvider {
		modifyID := lifecycleID(model.PrefixModify)
		if err := e.deps.Orders.SetLifecycleLookup(ctx, modifyID, o.OrderID); err != nil {
			e.logger.Warn("Lifecycle lookup registration failed", "order_id", o.OrderID, "error", err)
		}
		if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, map[string]string{
			"modify_id":                 modifyID,
			"status":                    string(model.StatusModify),
			"pending_modify_price_user": req.Price.String(),
			"updated_at":                strconv.FormatInt(now, 10),
		}); err != nil {
			return fmt.Errorf("stage modify on %s: %w", o.OrderID, err)
		}
		if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, map[string]string{
			"modify_id": modifyID,
		}); err != nil {
			e.logger.Warn("Holding modify stage failed", "order_id", o.OrderID, "error", err)
		}
		if err := e.deps.Provider.SendOrder(ctx, model.ProviderModifyPayload(o, modifyID, req.Price)); err != nil {
			return fmt.Errorf("provider modify send for %s: %w", o.OrderID, err)
		}
		e.logger.Info("Pending modify requested",
			"order_id", o.OrderID, "modify_id", modifyID, "trigger_price", req.Price.String())
		return nil
	}

	if err := e.deps.Pending.UpdateTriggerPrice(ctx, o.OrderID, req.Price); err != nil {
		return fmt.Errorf("rescore pending %s: %w", o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, map[string]string{
		"order_price": req.Price.String(),
		"updated_at":  strconv.FormatInt(now, 10),
	}); err != nil {
		return fmt.Errorf("persist pending modify on %s: %w", o.OrderID, err)
	}
	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderPendingConfirmed, o.OrderID, map[string]string{
		"order_price": req.Price.String(),
		"user":        user.Tag(),
	}))
	e.logger.Info("Pending order modified",
		"order_id", o.OrderID, "trigger_price", req.Price.String())
	return nil
}

// CancelPendingOrder withdraws a parked pending order.
func (e *Engine) CancelPendingOrder(ctx context.Context, req PendingChangeRequest) error {
	if err := req.validate(false); err != nil {
		return err
	}
	user := req.User()

	o, err := e.deps.Orders.GetHolding(ctx, user, req.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("order %s for %s: %w", req.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}
	if !o.Side.IsPending() {
		return fmt.Errorf("order %s is not a pending order: %w", o.OrderID, apperrors.ErrInvalidOrderType)
	}
	switch o.Status {
	case model.StatusPending, model.StatusPendingQueued, model.StatusModify:
	default:
		return fmt.Errorf("order %s status %s: %w", o.OrderID, o.Status, apperrors.ErrOrderNotOpen)
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
		return e.cancelPendingViaProvider(ctx, o)
	}
	return e.RemovePendingOrder(ctx, o.User(), o.OrderID)
}

// CancelParkedPending withdraws a pending order on behalf of the provider
// pending monitor.
func (e *Engine) CancelParkedPending(ctx context.Context, user model.UserKey, orderID string) error {
	return e.CancelPendingOrder(ctx, PendingChangeRequest{
		OrderID:  orderID,
		UserID:   user.ID,
		UserType: user.Type,
	})
}

// cancelPendingViaProvider stages PENDING-CANCEL and sends the cancel; the
// cancel worker deletes state when the provider acknowledges.
func (e *Engine) cancelPendingViaProvider(ctx context.Context, o *model.Order) error {
	if ok, err := e.deps.Locks.MarkCancelSent(ctx, o.OrderID, pendingCancelSentTTL); err != nil {
		e.logger.Warn("Cancel-sent sentinel failed", "order_id", o.OrderID, "error", err)
	} else if !ok {
		return fmt.Errorf("order %s: %w", o.OrderID, apperrors.ErrCloseInProgress)
	}

	cancelID := lifecycleID(model.PrefixPendingCancel)
	if err := e.deps.Orders.SetLifecycleLookup(ctx, cancelID, o.OrderID); err != nil {
		e.logger.Warn("Lifecycle lookup registration failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, map[string]string{
		"cancel_id": cancelID,
		"status":    string(model.StatusPendingCancel),
	}); err != nil {
		return fmt.Errorf("stage pending cancel on %s: %w", o.OrderID, err)
	}
	if err := e.deps.Provider.SendOrder(ctx, model.ProviderCancelPayload(o, cancelID)); err != nil {
		return fmt.Errorf("provider pending cancel send for %s: %w", o.OrderID, err)
	}
	e.logger.Info("Pending cancel requested", "order_id", o.OrderID, "cancel_id", cancelID)
	return nil
}

// RemovePendingOrder deletes every artifact of a parked pending order and
// publishes ORDER_PENDING_CANCEL. Shared by the local cancel path and the
// cancel worker.
func (e *Engine) RemovePendingOrder(ctx context.Context, user model.UserKey, orderID string) error {
	if err := e.clearPendingState(ctx, user, orderID); err != nil {
		return err
	}
	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderPendingCancel, orderID, map[string]string{
		"user": user.Tag(),
	}))
	e.logger.Info("Pending order removed", "order_id", orderID, "user", user.Tag())
	return nil
}

// RejectParkedPending removes a parked pending whose margin re-check failed
// at fire time and publishes ORDER_REJECTED instead of a cancel. Used by
// the pending monitor.
func (e *Engine) RejectParkedPending(ctx context.Context, user model.UserKey, orderID string, cause error) error {
	if err := e.clearPendingState(ctx, user, orderID); err != nil {
		return err
	}
	payload := map[string]string{
		"category": string(RejectPendingPlacement),
		"reason":   string(apperrors.ReasonFor(cause)),
		"user":     user.Tag(),
	}
	if rej := apperrors.AsRejection(cause); rej != nil {
		payload["required_margin"] = rej.RequiredMargin.String()
		payload["available_margin"] = rej.AvailableMargin.String()
	}
	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderRejected, orderID, payload))
	e.rejected.Add(ctx, 1)
	e.logger.Info("Parked pending rejected at fire",
		"order_id", orderID, "user", user.Tag(), "cause", cause.Error())
	return nil
}

func (e *Engine) clearPendingState(ctx context.Context, user model.UserKey, orderID string) error {
	if err := e.deps.Pending.Remove(ctx, orderID); err != nil {
		return fmt.Errorf("deindex pending %s: %w", orderID, err)
	}
	if err := e.deps.Pending.UnregisterProviderPending(ctx, orderID); err != nil {
		e.logger.Warn("Provider pending deregistration failed", "order_id", orderID, "error", err)
	}
	if err := e.deps.Orders.DeleteHolding(ctx, user, orderID); err != nil {
		e.logger.Warn("Pending holding delete failed", "order_id", orderID, "error", err)
	}
	if err := e.deps.Orders.RemoveFromOrderIndex(ctx, user, orderID); err != nil {
		e.logger.Warn("Pending index removal failed", "order_id", orderID, "error", err)
	}
	if err := e.deps.Orders.DeleteCanonical(ctx, orderID); err != nil {
		e.logger.Warn("Pending canonical delete failed", "order_id", orderID, "error", err)
	}
	return nil
}

// PendingMarginCheck re-validates the user's free margin against the
// would-be exec price of a parked pending order. Returns a margin
// rejection error when the fire would overdraw the account.
func (e *Engine) PendingMarginCheck(ctx context.Context, o *model.Order, execPrice decimal.Decimal) error {
	user := o.User()
	required, err := e.deps.Margin.SingleOrderMarginUSD(ctx, o, execPrice)
	if err != nil {
		return fmt.Errorf("margin preview for %s: %w", o.OrderID, err)
	}
	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag())
	}
	free, err := e.freeMargin(ctx, user, ucfg)
	if err != nil {
		return err
	}
	if free.LessThan(required) {
		return apperrors.NewMarginRejection(required, free)
	}
	return nil
}
