package execution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

// CloseOrder closes an open position on behalf of any caller: client
// request, trigger monitor fire, or auto-cutoff liquidation. It satisfies
// core.ICloseDispatcher. The local path settles synchronously; the provider
// path stages the close and finalization arrives through the close worker.
func (e *Engine) CloseOrder(ctx context.Context, req model.CloseRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("order_id is required: %w", apperrors.ErrMissingFields)
	}
	if req.OrderStatus != "" && req.OrderStatus != string(model.StatusClosed) {
		return fmt.Errorf("order_status %q: %w", req.OrderStatus, apperrors.ErrInvalidCloseStatus)
	}

	user := req.User
	if user.ID == "" || user.Type == "" {
		c, err := e.deps.Orders.GetCanonical(ctx, req.OrderID)
		if err != nil || c == nil {
			return fmt.Errorf("order %s: %w", req.OrderID, apperrors.ErrOrderNotFound)
		}
		user = c.User()
	}

	o, err := e.deps.Orders.GetHolding(ctx, user, req.OrderID)
	if err != nil || o == nil {
		return fmt.Errorf("order %s for %s: %w", req.OrderID, user.Tag(), apperrors.ErrOrderNotFound)
	}
	if !o.IsOpenPosition() {
		return fmt.Errorf("order %s status %s: %w", o.OrderID, o.Status, apperrors.ErrOrderNotOpen)
	}
	if o.ExecStatus == model.ExecQueued {
		return fmt.Errorf("order %s awaiting placement ack: %w", o.OrderID, apperrors.ErrOrderNotOpen)
	}
	if o.CloseID != "" {
		return fmt.Errorf("order %s close %s in flight: %w", o.OrderID, o.CloseID, apperrors.ErrCloseInProgress)
	}

	ucfg, err := e.deps.Configs.GetUserConfig(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUserNotFound, user.Tag())
	}
	flow, err := e.routeFlow(user.Type, ucfg)
	if err != nil {
		return err
	}

	closeMessage := req.CloseMessage
	if closeMessage == "" {
		closeMessage = model.CloseMessageClosed
	}

	if flow == FlowProvider {
		return e.closeViaProvider(ctx, o, closeMessage, req.TriggerLifecycleID)
	}
	return e.closeLocal(ctx, o, closeMessage, req.TriggerLifecycleID)
}

func (e *Engine) closeLocal(ctx context.Context, o *model.Order, closeMessage, triggerLifecycleID string) error {
	raw, err := e.closeRaw(ctx, o.Symbol, o.Side)
	if err != nil {
		return err
	}
	return e.FinalizeClose(ctx, o, raw, closeMessage, triggerLifecycleID)
}

// closeRaw returns the market side a close fills at, the mirror of the open
// side: BUY positions close on the bid, SELL positions on the ask.
func (e *Engine) closeRaw(ctx context.Context, symbol string, side model.Side) (decimal.Decimal, error) {
	q, err := e.deps.Quotes.Get(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("close price for %s: %w", symbol, err)
	}
	if side.IsBuy() {
		if !q.Bid.Valid {
			return decimal.Zero, fmt.Errorf("no bid for %s: %w", symbol, apperrors.ErrNoQuote)
		}
		return q.Bid.Decimal, nil
	}
	if !q.Ask.Valid {
		return decimal.Zero, fmt.Errorf("no ask for %s: %w", symbol, apperrors.ErrNoQuote)
	}
	return q.Ask.Decimal, nil
}

// closeSpreadPrice moves the raw close price against the position, the
// mirror of the markup applied at open.
func closeSpreadPrice(side model.Side, raw, halfSpread decimal.Decimal) decimal.Decimal {
	if side.IsBuy() {
		return raw.Sub(halfSpread)
	}
	return raw.Add(halfSpread)
}

// nativeProfit computes PnL in the instrument's profit currency.
func nativeProfit(o *model.Order, closePrice decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(o.OrderPrice)
	if !o.Side.IsBuy() {
		diff = o.OrderPrice.Sub(closePrice)
	}
	return diff.Mul(o.OrderQuantity).Mul(o.ContractSize)
}

// FinalizeClose settles a position at rawClose: the bid/ask for local
// closes, the provider avgpx for worker finalizations. The half-spread is
// applied against the position, PnL is converted to USD, exit commission
// and swap are netted, and the order is removed with user margins
// recomputed. Serializes on the user margin lock internally; callers must
// not hold it.
func (e *Engine) FinalizeClose(ctx context.Context, o *model.Order, rawClose decimal.Decimal, closeMessage, triggerLifecycleID string) error {
	user := o.User()
	closePrice := closeSpreadPrice(o.Side, rawClose, o.HalfSpread)

	commissionExit := o.CommissionAt(closePrice, false)
	profitUSD, err := e.deps.Margin.ConvertToUSD(ctx, nativeProfit(o, closePrice), o.ProfitCurrency)
	if err != nil {
		return fmt.Errorf("close conversion for %s: %w", o.OrderID, err)
	}
	totalCommission := o.CommissionEntry.Add(commissionExit)
	netProfit := profitUSD.Sub(totalCommission).Add(o.Swap)

	o.Status = model.StatusClosed
	o.ExecStatus = model.ExecExecuted
	o.ClosePrice = decimal.NullDecimal{Decimal: closePrice, Valid: true}
	o.CommissionExit = commissionExit
	o.ProfitUSD = decimal.NullDecimal{Decimal: profitUSD, Valid: true}
	o.NetProfit = decimal.NullDecimal{Decimal: netProfit, Valid: true}
	o.CloseMessage = closeMessage
	if triggerLifecycleID != "" {
		o.TriggerLifecycleID = triggerLifecycleID
	}
	o.UpdatedAtMs = time.Now().UnixMilli()

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

	e.removeTriggerEntries(ctx, o)

	if err := e.deps.Orders.DeleteHolding(ctx, user, o.OrderID); err != nil {
		return fmt.Errorf("delete holding %s: %w", o.OrderID, err)
	}
	if err := e.deps.Orders.RemoveFromOrderIndex(ctx, user, o.OrderID); err != nil {
		e.logger.Warn("Order index removal failed", "order_id", o.OrderID, "error", err)
	}
	if err := e.deps.Orders.DeleteCanonical(ctx, o.OrderID); err != nil {
		e.logger.Warn("Canonical delete failed", "order_id", o.OrderID, "error", err)
	}

	remaining, err := e.deps.Orders.ListOpenOrders(ctx, user)
	if err != nil {
		e.logger.Error("Post-close margin recompute could not list orders",
			"user", user.Tag(), "error", err)
	} else {
		if !holdsSymbol(remaining, o.Symbol) {
			if err := e.deps.Orders.RemoveSymbolHolder(ctx, o.Symbol, user); err != nil {
				e.logger.Warn("Symbol holder removal failed",
					"symbol", o.Symbol, "user", user.Tag(), "error", err)
			}
		}
		totals, terr := e.deps.Margin.UserTotalMargin(ctx, remaining)
		if terr != nil {
			e.logger.Error("Post-close margin recompute failed", "user", user.Tag(), "error", terr)
		} else if werr := e.deps.Portfolios.UpdateMarginTotals(ctx, user, totals); werr != nil {
			e.logger.Error("Post-close margin write failed", "user", user.Tag(), "error", werr)
		}
	}

	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderCloseConfirmed, o.OrderID, o.ToMap()))
	e.markDirty(user)
	e.closed.Add(ctx, 1)
	e.logger.Info("Order closed",
		"order_id", o.OrderID, "user", user.Tag(), "symbol", o.Symbol,
		"close_price", closePrice.String(), "net_profit", netProfit.String(),
		"close_message", closeMessage)
	return nil
}

func holdsSymbol(orders []*model.Order, symbol string) bool {
	for _, o := range orders {
		if o.Symbol == symbol && o.IsOpenPosition() {
			return true
		}
	}
	return false
}

// removeTriggerEntries clears any scored SL/TP index entries for the order.
func (e *Engine) removeTriggerEntries(ctx context.Context, o *model.Order) {
	side := o.Side.Base()
	if o.StopLoss.Valid || o.StopLossID != "" {
		if err := e.deps.Triggers.Remove(ctx, o.Symbol, side, model.TriggerStopLoss, o.OrderID); err != nil {
			e.logger.Warn("Stop-loss index removal failed", "order_id", o.OrderID, "error", err)
		}
	}
	if o.TakeProfit.Valid || o.TakeProfitID != "" {
		if err := e.deps.Triggers.Remove(ctx, o.Symbol, side, model.TriggerTakeProfit, o.OrderID); err != nil {
			e.logger.Warn("Take-profit index removal failed", "order_id", o.OrderID, "error", err)
		}
	}
}

// closeViaProvider cancels any attached protective exits, then sends the
// close. The canonical status flips to CLOSED before the send so the
// dispatcher routes the fill to the close worker; the holding keeps
// charging margin until that worker finalizes.
func (e *Engine) closeViaProvider(ctx context.Context, o *model.Order, closeMessage, triggerLifecycleID string) error {
	user := o.User()

	cancels := 0
	if o.StopLossID != "" {
		if err := e.cancelTriggerLeg(ctx, o, model.TriggerStopLoss); err != nil {
			return err
		}
		cancels++
	}
	if o.TakeProfitID != "" {
		if err := e.cancelTriggerLeg(ctx, o, model.TriggerTakeProfit); err != nil {
			return err
		}
		cancels++
	}

	closeID := lifecycleID(model.PrefixClose)
	if err := e.deps.Orders.SetLifecycleLookup(ctx, closeID, o.OrderID); err != nil {
		e.logger.Warn("Lifecycle lookup registration failed", "order_id", o.OrderID, "error", err)
	}

	fields := map[string]string{
		"close_id":      closeID,
		"status":        string(model.StatusClosed),
		"close_message": closeMessage,
		"updated_at":    strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if triggerLifecycleID != "" {
		fields["trigger_lifecycle_id"] = triggerLifecycleID
	}
	if err := e.deps.Orders.UpdateCanonicalFields(ctx, o.OrderID, fields); err != nil {
		return fmt.Errorf("stage close on %s: %w", o.OrderID, err)
	}
	if err := e.deps.Orders.UpdateHoldingFields(ctx, user, o.OrderID, map[string]string{"close_id": closeID}); err != nil {
		e.logger.Warn("Holding close_id stage failed", "order_id", o.OrderID, "error", err)
	}

	if err := e.deps.Provider.SendOrder(ctx, model.ProviderClosePayload(o, closeID)); err != nil {
		return fmt.Errorf("provider close send for %s: %w", o.OrderID, err)
	}
	e.publishDBUpdate(ctx, model.NewDBUpdate(model.DBOrderCloseIDUpdate, o.OrderID, map[string]string{
		"close_id":      closeID,
		"close_message": closeMessage,
	}))
	e.logger.Info("Provider close sent",
		"order_id", o.OrderID, "close_id", closeID, "close_message", closeMessage)

	if cancels == 0 {
		// Nothing waited on a round-trip yet; finalization arrives through
		// the close worker.
		return nil
	}

	ack, err := e.deps.Acks.WaitAck(ctx, []string{closeID, o.OrderID}, e.closeAckWait())
	if err != nil {
		if errors.Is(err, apperrors.ErrAckTimeout) {
			return fmt.Errorf("order %s: %w", o.OrderID, apperrors.ErrCloseAckTimeout)
		}
		return fmt.Errorf("close ack wait for %s: %w", o.OrderID, err)
	}
	if ack.OrdStatus == model.OrdRejected {
		return fmt.Errorf("order %s: %w", o.OrderID, apperrors.ErrCloseRejected)
	}
	return nil
}

// cancelTriggerLeg stages and sends the provider cancel for an attached
// SL/TP leg, then blocks for the acknowledgement: a close must not race a
// protective exit still armed on the provider side.
func (e *Engine) cancelTriggerLeg(ctx context.Context, o *model.Order, kind model.TriggerKind) error {
	cancelID, legID, err := e.stageTriggerCancel(ctx, o, kind)
	if err != nil {
		return err
	}
	ack, err := e.deps.Acks.WaitAck(ctx, []string{cancelID, legID}, e.cancelAckWait())
	if err != nil {
		if errors.Is(err, apperrors.ErrAckTimeout) {
			return fmt.Errorf("%s cancel for %s: %w", kind, o.OrderID, apperrors.ErrCancelAckTimeout)
		}
		return fmt.Errorf("%s cancel ack wait for %s: %w", kind, o.OrderID, err)
	}
	if ack.OrdStatus == model.OrdRejected {
		return fmt.Errorf("%s cancel for %s: %w", kind, o.OrderID, apperrors.ErrCancelRejected)
	}
	return nil
}
