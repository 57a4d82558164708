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

// The finalizers below are the Redis-mutating halves of the provider
// workers. Workers stay thin: consume, dedup, call the finalizer, retry a
// bounded number of times. User-margin locking happens in here, never in
// the worker, so the lock is taken exactly once per ack.

// FinalizeOpen lands a provider fill (or a locally fired pending) as an
// OPEN/EXECUTED position: persist the executed price, flip reserved margin
// to realized margin at that price, recompute the user's totals, and
// publish ORDER_OPEN_CONFIRMED.
//
// Report avgpx is in raw provider space and gets the half-spread applied
// (BUY up, SELL down) unless PendingLocal is set, in which case the pending
// monitor already produced the user-facing price.
func (e *Engine) FinalizeOpen(ctx context.Context, msg *model.WorkerMessage) error {
	user := msg.User()
	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("holding %s for %s: %w", msg.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}
	if o.Status == model.StatusOpen && o.ExecStatus == model.ExecExecuted {
		e.logger.Info("Open already finalized", "order_id", o.OrderID)
		return nil
	}

	avg := msg.Report.AvgPx
	if !avg.IsPositive() {
		return fmt.Errorf("open ack for %s carries no avgpx", msg.OrderID)
	}
	execPrice := avg
	if !msg.PendingLocal {
		if o.Side.IsBuy() {
			execPrice = avg.Add(o.HalfSpread)
		} else {
			execPrice = avg.Sub(o.HalfSpread)
		}
	}

	wasPending := o.Side.IsPending()
	now := time.Now().UnixMilli()
	o.Status = model.StatusOpen
	o.ExecStatus = model.ExecExecuted
	o.RawPrice = avg
	o.OrderPrice = execPrice
	o.ContractValue = o.ContractSize.Mul(o.OrderQuantity).Mul(execPrice)
	o.CommissionEntry = o.CommissionAt(execPrice, true)
	o.UpdatedAtMs = now

	singleM, err := e.deps.Margin.SingleOrderMarginUSD(ctx, o, execPrice)
	if err != nil {
		return fmt.Errorf("margin at executed price for %s: %w", o.OrderID, err)
	}
	o.Margin = decimal.NullDecimal{Decimal: singleM, Valid: true}
	o.ReservedMargin = decimal.NullDecimal{}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return fmt.Errorf("user margin lock: %w", err)
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	if err := e.deps.Orders.SaveHolding(ctx, o); err != nil {
		return fmt.Errorf("persist open on %s: %w", o.OrderID, err)
	}
	// SaveHolding merges; the spent reservation needs an explicit clear.
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, map[string]string{
		"reserved_margin": "",
	}); err != nil {
		e.logger.Warn("Reserved margin clear failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.SaveCanonical(ctx, o); err != nil {
		e.logger.Warn("Canonical open save failed", "order_id", o.OrderID, "error", err)
	} else if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, map[string]string{
		"reserved_margin": "",
	}); err != nil {
		e.logger.Warn("Canonical reservation clear failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.AddSymbolHolder(ctx, o.Symbol, user); err != nil {
		e.logger.Warn("Symbol holder registration failed",
			"symbol", o.Symbol, "user", user.Tag(), "error", err)
	}

	if wasPending {
		if err := e.deps.Pending.Remove(ctx, o.OrderID); err != nil {
			e.logger.Warn("Pending deindex failed", "order_id", o.OrderID, "error", err)
		}
		if err := e.deps.Pending.UnregisterProviderPending(ctx, o.OrderID); err != nil {
			e.logger.Warn("Provider pending deregistration failed", "order_id", o.OrderID, "error", err)
		}
	}

	open, err := e.deps.Orders.ListOpenOrders(ctx, user)
	if err != nil {
		e.logger.Warn("Open order list failed after fill", "user", user.Tag(), "error", err)
	} else if totals, err := e.deps.Margin.UserTotalMargin(ctx, open); err != nil {
		e.logger.Warn("Margin totals recompute failed", "user", user.Tag(), "error", err)
	} else if err := e.deps.Portfolios.UpdateMarginTotals(ctx, user, totals); err != nil {
		e.logger.Warn("Margin totals write failed", "user", user.Tag(), "error", err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderOpenConfirmed, o.OrderID, o.ToMap()))
	e.markDirty(user)

	e.logger.Info("Open confirmed",
		"order_id", o.OrderID, "user", user.Tag(), "exec_price", execPrice.String(),
		"margin", singleM.String(), "pending_fill", wasPending)
	return nil
}

// FinalizeProviderClose settles a provider close fill through the shared
// close finalizer. Context gaps on the holding are read through to the SQL
// service; the close reason falls back to the report's lifecycle id so a
// provider-fired SL/TP leg still records Stoploss/Takeprofit.
func (e *Engine) FinalizeProviderClose(ctx context.Context, msg *model.WorkerMessage) error {
	user := msg.User()
	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		e.logger.Warn("Close ack without holding, treating as settled",
			"order_id", msg.OrderID, "user", user.Tag())
		return nil
	}
	if err := e.enrichOrderContext(ctx, o); err != nil {
		return err
	}

	raw := msg.Report.AvgPx
	if !raw.IsPositive() {
		return fmt.Errorf("close ack for %s carries no avgpx", msg.OrderID)
	}

	closeMessage := msg.CloseMessage
	trigID := msg.TriggerLifecycleID
	if closeMessage == "" {
		rawID := msg.Report.LifecycleID()
		switch model.ClassifyLifecycle(rawID) {
		case model.LifecycleStopLoss:
			closeMessage = model.CloseMessageStopLoss
			if trigID == "" {
				trigID = rawID
			}
		case model.LifecycleTakeProfit:
			closeMessage = model.CloseMessageTakeProfit
			if trigID == "" {
				trigID = rawID
			}
		default:
			closeMessage = model.CloseMessageClosed
		}
	}
	return e.FinalizeClose(ctx, o, raw, closeMessage, trigID)
}

// enrichOrderContext backfills group-snapshot fields the holding record
// lost, reading through to the SQL service when one is configured.
func (e *Engine) enrichOrderContext(ctx context.Context, o *model.Order) error {
	if o.ContractSize.IsPositive() && o.ProfitCurrency != "" {
		return nil
	}
	if e.deps.SQLRead == nil || !e.deps.SQLRead.Enabled() {
		return nil
	}
	m, err := e.deps.SQLRead.FetchOrderContext(ctx, o.OrderID)
	if err != nil {
		return fmt.Errorf("order context fetch for %s: %w", o.OrderID, err)
	}
	o.FillContextFrom(m)
	e.logger.Info("Order context enriched from SQL", "order_id", o.OrderID)
	return nil
}

// ApplyPendingAck records the provider's acceptance of a pending placement
// or modify: status PENDING/PENDING, any staged modify price applied and
// cleared, and the order registered with the provider-pending margin
// monitor.
func (e *Engine) ApplyPendingAck(ctx context.Context, msg *model.WorkerMessage) error {
	user := msg.User()
	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		e.logger.Warn("Pending ack without holding", "order_id", msg.OrderID, "user", user.Tag())
		return nil
	}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return fmt.Errorf("user margin lock: %w", err)
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	now := time.Now().UnixMilli()
	o.Status = model.StatusPending
	o.ExecStatus = model.ExecPending
	o.UpdatedAtMs = now

	fields := map[string]string{
		"status":           string(model.StatusPending),
		"execution_status": string(model.ExecPending),
		"updated_at":       strconv.FormatInt(now, 10),
	}

	// A MODIFY ack carries no price of its own; the staged user price on
	// the canonical record is the one to land.
	staged := o.PendingModifyPriceUser
	if !staged.Valid {
		if canon, err := e.deps.Orders.GetCanonical(ctx, o.OrderID); err == nil && canon.PendingModifyPriceUser.Valid {
			staged = canon.PendingModifyPriceUser
		}
	}
	if staged.Valid {
		o.OrderPrice = staged.Decimal
		o.PendingModifyPriceUser = decimal.NullDecimal{}
		fields["order_price"] = staged.Decimal.String()
		fields["pending_modify_price_user"] = ""
		fields["modify_id"] = ""
	}

	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		return fmt.Errorf("canonical pending ack on %s: %w", o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, fields); err != nil {
		return fmt.Errorf("holding pending ack on %s: %w", o.OrderID, err)
	}
	if err := e.deps.Pending.RegisterProviderPending(ctx, o.OrderID); err != nil {
		return fmt.Errorf("register provider pending %s: %w", o.OrderID, err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderPendingConfirmed, o.OrderID, o.ToMap()))
	e.logger.Info("Pending confirmed by provider",
		"order_id", o.OrderID, "user", user.Tag(), "trigger_price", o.OrderPrice.String())
	return nil
}

// ApplyTriggerAck lands a provider SL/TP attach: the provider echoes the
// score-space price in avgpx, which converts back to the user price by
// unfolding the half-spread (BUY subtract, SELL add). The leg also enters
// the local trigger index so the monitor can fire it if the provider does
// not.
func (e *Engine) ApplyTriggerAck(ctx context.Context, msg *model.WorkerMessage, kind model.TriggerKind) error {
	user := msg.User()
	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		e.logger.Warn("Trigger ack without holding", "order_id", msg.OrderID, "user", user.Tag())
		return nil
	}

	raw := msg.Report.AvgPx
	if !raw.IsPositive() {
		return fmt.Errorf("trigger ack for %s carries no avgpx", msg.OrderID)
	}
	var userPrice decimal.Decimal
	if o.Side.IsBuy() {
		userPrice = raw.Sub(o.HalfSpread)
	} else {
		userPrice = raw.Add(o.HalfSpread)
	}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return fmt.Errorf("user margin lock: %w", err)
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	now := time.Now().UnixMilli()
	var field string
	var status model.EngineStatus
	var update model.DBUpdateType
	if kind == model.TriggerStopLoss {
		o.StopLoss = decimal.NullDecimal{Decimal: userPrice, Valid: true}
		field, status, update = "stop_loss", model.StatusStopLoss, model.DBOrderStopLossConfirmed
	} else {
		o.TakeProfit = decimal.NullDecimal{Decimal: userPrice, Valid: true}
		field, status, update = "take_profit", model.StatusTakeProfit, model.DBOrderTakeProfitConfirmed
	}
	o.Status = status
	o.UpdatedAtMs = now

	if err := e.deps.Triggers.Add(ctx, model.Trigger{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side.Base(),
		UserType: o.UserType,
		UserID:   o.UserID,
		Kind:     kind,
		Price:    userPrice,
		Score:    raw,
	}); err != nil {
		return fmt.Errorf("index %s for %s: %w", kind, o.OrderID, err)
	}

	fields := map[string]string{
		field:        userPrice.String(),
		"status":     string(status),
		"updated_at": strconv.FormatInt(now, 10),
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		return fmt.Errorf("canonical %s ack on %s: %w", kind, o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, fields); err != nil {
		return fmt.Errorf("holding %s ack on %s: %w", kind, o.OrderID, err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(update, o.OrderID, map[string]string{
		field:  userPrice.String(),
		"user": user.Tag(),
	}))
	e.logger.Info("Trigger confirmed by provider",
		"order_id", o.OrderID, "kind", string(kind), "price", userPrice.String(),
		"score", raw.String())
	return nil
}

// ApplyProviderCancel settles a provider CANCELLED ack. The lifecycle id
// prefix names the leg; ids the classifier cannot place fall back to the
// canonical engine status.
func (e *Engine) ApplyProviderCancel(ctx context.Context, msg *model.WorkerMessage) error {
	rawID := msg.Report.LifecycleID()
	kind := model.ClassifyLifecycle(rawID)
	if kind == model.LifecyclePlacement {
		if canon, err := e.deps.Orders.GetCanonical(ctx, msg.OrderID); err == nil {
			switch canon.Status {
			case model.StatusStopLossCancel:
				kind = model.LifecycleStopLossCancel
			case model.StatusTakeProfitCancel:
				kind = model.LifecycleTakeProfitCancel
			case model.StatusPendingCancel:
				kind = model.LifecyclePendingCancel
			}
		}
	}

	switch kind {
	case model.LifecycleStopLossCancel:
		return e.applyTriggerCancelAck(ctx, msg, model.TriggerStopLoss)
	case model.LifecycleTakeProfitCancel:
		return e.applyTriggerCancelAck(ctx, msg, model.TriggerTakeProfit)
	case model.LifecyclePendingCancel:
		user := msg.User()
		unlock := e.users.Lock(user)
		defer unlock()
		if err := e.lockUserMargin(ctx, user); err != nil {
			return fmt.Errorf("user margin lock: %w", err)
		}
		defer func() {
			if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
				e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
			}
		}()
		return e.RemovePendingOrder(ctx, user, msg.OrderID)
	default:
		e.logger.Warn("Unclassified provider cancel ignored",
			"lifecycle_id", rawID, "order_id", msg.OrderID)
		return nil
	}
}

// applyTriggerCancelAck clears one protective leg. The status is restored
// to OPEN (or the surviving leg's status) only while the order still sits
// in the matching *-CANCEL state; a close staged in the meantime keeps
// CLOSED.
func (e *Engine) applyTriggerCancelAck(ctx context.Context, msg *model.WorkerMessage, kind model.TriggerKind) error {
	user := msg.User()
	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		e.logger.Warn("Trigger cancel ack without holding", "order_id", msg.OrderID, "user", user.Tag())
		return nil
	}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return fmt.Errorf("user margin lock: %w", err)
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	if err := e.deps.Triggers.Remove(ctx, o.Symbol, o.Side.Base(), kind, o.OrderID); err != nil {
		e.logger.Warn("Trigger deindex failed",
			"order_id", o.OrderID, "kind", string(kind), "error", err)
	}

	canonStatus := o.Status
	if canon, err := e.deps.Orders.GetCanonical(ctx, o.OrderID); err == nil {
		canonStatus = canon.Status
	}

	now := time.Now().UnixMilli()
	var priceField, idField, cancelField string
	var cancelStatus model.EngineStatus
	var update model.DBUpdateType
	if kind == model.TriggerStopLoss {
		o.StopLoss = decimal.NullDecimal{}
		o.StopLossID = ""
		o.StopLossCancelID = ""
		priceField, idField, cancelField = "stop_loss", "stoploss_id", "stoploss_cancel_id"
		cancelStatus, update = model.StatusStopLossCancel, model.DBOrderStopLossCancel
	} else {
		o.TakeProfit = decimal.NullDecimal{}
		o.TakeProfitID = ""
		o.TakeProfitCancelID = ""
		priceField, idField, cancelField = "take_profit", "takeprofit_id", "takeprofit_cancel_id"
		cancelStatus, update = model.StatusTakeProfitCancel, model.DBOrderTakeProfitCancel
	}

	fields := map[string]string{
		priceField:   "",
		idField:      "",
		cancelField:  "",
		"updated_at": strconv.FormatInt(now, 10),
	}
	if canonStatus == cancelStatus {
		status := model.StatusOpen
		if kind == model.TriggerStopLoss && o.TakeProfit.Valid {
			status = model.StatusTakeProfit
		}
		if kind == model.TriggerTakeProfit && o.StopLoss.Valid {
			status = model.StatusStopLoss
		}
		o.Status = status
		fields["status"] = string(status)
	}
	o.UpdatedAtMs = now

	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		return fmt.Errorf("canonical %s cancel ack on %s: %w", kind, o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, fields); err != nil {
		return fmt.Errorf("holding %s cancel ack on %s: %w", kind, o.OrderID, err)
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(update, o.OrderID, map[string]string{"user": user.Tag()}))
	e.logger.Info("Trigger cancel confirmed by provider",
		"order_id", o.OrderID, "kind", string(kind))
	return nil
}

// RejectionCategory names the lifecycle leg a provider rejection voids.
type RejectionCategory string

const (
	RejectOrderPlacement   RejectionCategory = "ORDER_PLACEMENT"
	RejectPendingPlacement RejectionCategory = "PENDING_PLACEMENT"
	RejectOrderClose       RejectionCategory = "ORDER_CLOSE"
	RejectPendingModify    RejectionCategory = "PENDING_MODIFY"
	RejectPendingCancel    RejectionCategory = "PENDING_CANCEL"
	RejectStopLossSet      RejectionCategory = "STOPLOSS_SET"
	RejectTakeProfitSet    RejectionCategory = "TAKEPROFIT_SET"
	RejectStopLossCancel   RejectionCategory = "STOPLOSS_CANCEL"
	RejectTakeProfitCancel RejectionCategory = "TAKEPROFIT_CANCEL"
)

func classifyRejection(rawID string, side model.Side) RejectionCategory {
	switch model.ClassifyLifecycle(rawID) {
	case model.LifecycleModify:
		return RejectPendingModify
	case model.LifecycleClose:
		return RejectOrderClose
	case model.LifecyclePendingCancel:
		return RejectPendingCancel
	case model.LifecycleStopLoss:
		return RejectStopLossSet
	case model.LifecycleTakeProfit:
		return RejectTakeProfitSet
	case model.LifecycleStopLossCancel:
		return RejectStopLossCancel
	case model.LifecycleTakeProfitCancel:
		return RejectTakeProfitCancel
	default:
		if side.IsPending() {
			return RejectPendingPlacement
		}
		return RejectOrderPlacement
	}
}

// rejectionReason digs the human-readable reason out of the raw provider
// body. FIX carries it in tag 58.
func rejectionReason(raw map[string]any) string {
	for _, k := range []string{"text", "58", "reason", "message"} {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return "provider rejected"
}

// ApplyProviderRejection records a provider REJECTED ack. Every rejection
// publishes a structured record; only placement rejections mutate Redis
// state, voiding the reservation and recomputing totals. Rejections of
// close/modify/trigger legs leave the staged state for the operator, since
// the position itself is untouched.
func (e *Engine) ApplyProviderRejection(ctx context.Context, msg *model.WorkerMessage) error {
	rawID := msg.Report.LifecycleID()
	cat := classifyRejection(rawID, msg.OrderType)
	user := msg.User()
	reason := rejectionReason(msg.Report.Raw)

	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderRejectionRecord, msg.OrderID, map[string]string{
		"category":     string(cat),
		"lifecycle_id": rawID,
		"user":         user.Tag(),
		"reason":       reason,
	}))

	if cat != RejectOrderPlacement && cat != RejectPendingPlacement {
		e.logger.Warn("Provider rejected lifecycle leg",
			"order_id", msg.OrderID, "category", string(cat),
			"lifecycle_id", rawID, "reason", reason)
		return nil
	}

	o, err := e.deps.Orders.GetHolding(ctx, user, msg.OrderID)
	if err != nil || o == nil {
		e.logger.Warn("Placement rejection without holding", "order_id", msg.OrderID, "user", user.Tag())
		return nil
	}

	unlock := e.users.Lock(user)
	defer unlock()
	if err := e.lockUserMargin(ctx, user); err != nil {
		return fmt.Errorf("user margin lock: %w", err)
	}
	defer func() {
		if err := e.deps.Locks.ReleaseUserMargin(ctx, user); err != nil {
			e.logger.Warn("User margin unlock failed", "user", user.Tag(), "error", err)
		}
	}()

	now := time.Now().UnixMilli()
	fields := map[string]string{
		"status":           string(model.StatusRejected),
		"execution_status": string(model.ExecRejected),
		"reserved_margin":  "",
		"margin":           "",
		"updated_at":       strconv.FormatInt(now, 10),
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, fields); err != nil {
		return fmt.Errorf("mark rejected on %s: %w", o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		e.logger.Warn("Canonical rejection mark failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.RemoveFromOrderIndex(ctx, user, o.OrderID); err != nil {
		return fmt.Errorf("deindex rejected %s: %w", o.OrderID, err)
	}
	if o.Side.IsPending() {
		if err := e.deps.Pending.Remove(ctx, o.OrderID); err != nil {
			e.logger.Warn("Pending deindex failed", "order_id", o.OrderID, "error", err)
		}
		if err := e.deps.Pending.UnregisterProviderPending(ctx, o.OrderID); err != nil {
			e.logger.Warn("Provider pending deregistration failed", "order_id", o.OrderID, "error", err)
		}
	}

	open, err := e.deps.Orders.ListOpenOrders(ctx, user)
	if err != nil {
		e.logger.Warn("Open order list failed after rejection", "user", user.Tag(), "error", err)
	} else {
		if totals, err := e.deps.Margin.UserTotalMargin(ctx, open); err != nil {
			e.logger.Warn("Margin totals recompute failed", "user", user.Tag(), "error", err)
		} else if err := e.deps.Portfolios.UpdateMarginTotals(ctx, user, totals); err != nil {
			e.logger.Warn("Margin totals write failed", "user", user.Tag(), "error", err)
		}
		if !holdsSymbol(open, o.Symbol) {
			if err := e.deps.Orders.RemoveSymbolHolder(ctx, o.Symbol, user); err != nil {
				e.logger.Warn("Symbol holder removal failed",
					"symbol", o.Symbol, "user", user.Tag(), "error", err)
			}
		}
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderRejected, o.OrderID, map[string]string{
		"category": string(cat),
		"reason":   reason,
		"user":     user.Tag(),
	}))
	e.markDirty(user)
	e.rejected.Add(ctx, 1)

	e.logger.Info("Placement rejected by provider",
		"order_id", o.OrderID, "user", user.Tag(), "reason", reason)
	return nil
}
