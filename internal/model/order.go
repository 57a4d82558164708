package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side covers both instant sides and the four pending variants.
type Side string

const (
	SideBuy       Side = "BUY"
	SideSell      Side = "SELL"
	SideBuyLimit  Side = "BUY_LIMIT"
	SideBuyStop   Side = "BUY_STOP"
	SideSellLimit Side = "SELL_LIMIT"
	SideSellStop  Side = "SELL_STOP"
)

func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideBuyLimit, SideBuyStop, SideSellLimit, SideSellStop:
		return true
	}
	return false
}

// IsPending reports whether the side is one of the four pending variants.
func (s Side) IsPending() bool {
	switch s {
	case SideBuyLimit, SideBuyStop, SideSellLimit, SideSellStop:
		return true
	}
	return false
}

// Base collapses pending variants onto the direction they open with.
func (s Side) Base() Side {
	switch s {
	case SideBuy, SideBuyLimit, SideBuyStop:
		return SideBuy
	default:
		return SideSell
	}
}

func (s Side) IsBuy() bool { return s.Base() == SideBuy }

// EngineStatus is the routing state stored on the canonical order record.
// Transitions follow the lifecycle state machine; the dispatcher keys its
// routing table on this value.
type EngineStatus string

const (
	StatusOpen             EngineStatus = "OPEN"
	StatusClosed           EngineStatus = "CLOSED"
	StatusPending          EngineStatus = "PENDING"
	StatusPendingQueued    EngineStatus = "PENDING-QUEUED"
	StatusPendingCancel    EngineStatus = "PENDING-CANCEL"
	StatusModify           EngineStatus = "MODIFY"
	StatusStopLoss         EngineStatus = "STOPLOSS"
	StatusTakeProfit       EngineStatus = "TAKEPROFIT"
	StatusStopLossCancel   EngineStatus = "STOPLOSS-CANCEL"
	StatusTakeProfitCancel EngineStatus = "TAKEPROFIT-CANCEL"
	StatusRejected         EngineStatus = "REJECTED"
)

// ExecStatus tracks acknowledgement progress independently of routing state.
// QUEUED orders count toward used_margin_all only.
type ExecStatus string

const (
	ExecQueued   ExecStatus = "QUEUED"
	ExecExecuted ExecStatus = "EXECUTED"
	ExecPending  ExecStatus = "PENDING"
	ExecRejected ExecStatus = "REJECTED"
)

// Order is the canonical record. Group pricing/commission fields are
// snapshotted at placement so later recomputation never depends on live
// group config.
type Order struct {
	OrderID  string
	UserID   string
	UserType UserType

	Symbol        string
	Side          Side
	OrderQuantity decimal.Decimal
	OrderPrice    decimal.Decimal

	Status     EngineStatus
	ExecStatus ExecStatus

	RawPrice      decimal.Decimal
	HalfSpread    decimal.Decimal
	ContractValue decimal.Decimal

	Margin          decimal.NullDecimal
	ReservedMargin  decimal.NullDecimal
	CommissionEntry decimal.Decimal
	CommissionExit  decimal.Decimal
	Swap            decimal.Decimal
	ProfitUSD       decimal.NullDecimal
	NetProfit       decimal.NullDecimal
	ClosePrice      decimal.NullDecimal

	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal

	CloseID            string
	CancelID           string
	ModifyID           string
	StopLossID         string
	TakeProfitID       string
	StopLossCancelID   string
	TakeProfitCancelID string

	// Staged close reason carried to the close worker via the canonical
	// record while a provider close is in flight. TriggerLifecycleID names
	// the SL/TP leg that initiated the close, when one did.
	CloseMessage       string
	TriggerLifecycleID string

	// Group snapshot.
	Group               string
	ContractSize        decimal.Decimal
	ProfitCurrency      string
	InstrumentType      InstrumentType
	Spread              decimal.Decimal
	SpreadPip           decimal.Decimal
	CommissionRate      decimal.Decimal
	CommissionType      int
	CommissionValueType int
	CryptoMarginFactor  decimal.NullDecimal
	GroupMarginRatio    decimal.NullDecimal

	// User snapshot.
	Leverage decimal.Decimal

	// Staged user price for an in-flight provider MODIFY.
	PendingModifyPriceUser decimal.NullDecimal

	CreatedAtMs int64
	UpdatedAtMs int64
}

// User returns the owning account bucket.
func (o *Order) User() UserKey { return UserKey{Type: o.UserType, ID: o.UserID} }

// LifecycleIDs returns every id this order has emitted for future provider
// events, order_id included. All of them resolve back to the canonical id.
func (o *Order) LifecycleIDs() []string {
	ids := make([]string, 0, 8)
	for _, id := range []string{
		o.OrderID, o.CloseID, o.CancelID, o.ModifyID,
		o.StopLossID, o.TakeProfitID, o.StopLossCancelID, o.TakeProfitCancelID,
	} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveMargin returns the margin the order currently charges: realized
// margin once EXECUTED, reserved margin while QUEUED.
func (o *Order) ActiveMargin() decimal.Decimal {
	if o.Margin.Valid {
		return o.Margin.Decimal
	}
	if o.ReservedMargin.Valid {
		return o.ReservedMargin.Decimal
	}
	return decimal.Zero
}

// IsOpenPosition reports whether the order holds (or reserves) market
// exposure, i.e. anything not pending, rejected, or closed.
func (o *Order) IsOpenPosition() bool {
	switch o.Status {
	case StatusClosed, StatusRejected, StatusPending, StatusPendingQueued,
		StatusPendingCancel, StatusModify:
		return false
	}
	return true
}

// Commission value types.
const (
	CommissionPercent     = 1
	CommissionFixedPerLot = 2
)

// Commission charge points.
const (
	CommissionOnEntry = 1
	CommissionOnExit  = 2
	CommissionOnBoth  = 3
)

// CommissionAt computes the commission owed at one end of the trade,
// at the given fill price. Percent rates apply to the filled notional,
// fixed rates apply per lot. A zero rate or an unset charge point owes
// nothing.
func (o *Order) CommissionAt(price decimal.Decimal, atEntry bool) decimal.Decimal {
	charged := o.CommissionType == CommissionOnBoth ||
		(atEntry && o.CommissionType == CommissionOnEntry) ||
		(!atEntry && o.CommissionType == CommissionOnExit)
	if !charged || !o.CommissionRate.IsPositive() {
		return decimal.Zero
	}
	if o.CommissionValueType == CommissionPercent {
		notional := o.ContractSize.Mul(o.OrderQuantity).Mul(price)
		return notional.Mul(o.CommissionRate).Div(decimal.NewFromInt(100))
	}
	return o.CommissionRate.Mul(o.OrderQuantity)
}

// ToMap renders the Redis hash form of the canonical record.
func (o *Order) ToMap() map[string]string {
	m := make(map[string]string, 40)
	m["order_id"] = o.OrderID
	m["user_id"] = o.UserID
	m["user_type"] = string(o.UserType)
	m["symbol"] = o.Symbol
	m["order_type"] = string(o.Side)
	putDec(m, "order_quantity", o.OrderQuantity)
	putDec(m, "order_price", o.OrderPrice)
	m["status"] = string(o.Status)
	m["execution_status"] = string(o.ExecStatus)
	putDec(m, "raw_price", o.RawPrice)
	putDec(m, "half_spread", o.HalfSpread)
	putDec(m, "contract_value", o.ContractValue)
	putNullDec(m, "margin", o.Margin)
	putNullDec(m, "reserved_margin", o.ReservedMargin)
	putDec(m, "commission_entry", o.CommissionEntry)
	putDec(m, "commission_exit", o.CommissionExit)
	putDec(m, "swap", o.Swap)
	putNullDec(m, "profit_usd", o.ProfitUSD)
	putNullDec(m, "net_profit", o.NetProfit)
	putNullDec(m, "close_price", o.ClosePrice)
	putNullDec(m, "stop_loss", o.StopLoss)
	putNullDec(m, "take_profit", o.TakeProfit)
	putStr(m, "close_id", o.CloseID)
	putStr(m, "cancel_id", o.CancelID)
	putStr(m, "modify_id", o.ModifyID)
	putStr(m, "stoploss_id", o.StopLossID)
	putStr(m, "takeprofit_id", o.TakeProfitID)
	putStr(m, "stoploss_cancel_id", o.StopLossCancelID)
	putStr(m, "takeprofit_cancel_id", o.TakeProfitCancelID)
	putStr(m, "close_message", o.CloseMessage)
	putStr(m, "trigger_lifecycle_id", o.TriggerLifecycleID)
	m["group"] = o.Group
	putDec(m, "contract_size", o.ContractSize)
	m["profit_currency"] = o.ProfitCurrency
	m["instrument_type"] = fmt.Sprintf("%d", o.InstrumentType)
	putDec(m, "spread", o.Spread)
	putDec(m, "spread_pip", o.SpreadPip)
	putDec(m, "commission_rate", o.CommissionRate)
	m["commission_type"] = fmt.Sprintf("%d", o.CommissionType)
	m["commission_value_type"] = fmt.Sprintf("%d", o.CommissionValueType)
	putNullDec(m, "crypto_margin_factor", o.CryptoMarginFactor)
	putNullDec(m, "group_margin", o.GroupMarginRatio)
	putDec(m, "leverage", o.Leverage)
	putNullDec(m, "pending_modify_price_user", o.PendingModifyPriceUser)
	m["created_at"] = fmt.Sprintf("%d", o.CreatedAtMs)
	m["updated_at"] = fmt.Sprintf("%d", o.UpdatedAtMs)
	return m
}

// FillContextFrom backfills missing group-snapshot fields from an external
// context document (the SQL read service). Fields already present on the
// order are never overwritten.
func (o *Order) FillContextFrom(m map[string]string) {
	if o.Group == "" {
		o.Group = m["group"]
	}
	if o.ProfitCurrency == "" {
		o.ProfitCurrency = m["profit_currency"]
	}
	if !o.ContractSize.IsPositive() {
		o.ContractSize = decFieldOr(m, "contract_size", o.ContractSize)
	}
	if o.HalfSpread.IsZero() {
		o.HalfSpread = decFieldOr(m, "half_spread", o.HalfSpread)
	}
	if o.Spread.IsZero() {
		o.Spread = decFieldOr(m, "spread", o.Spread)
	}
	if o.SpreadPip.IsZero() {
		o.SpreadPip = decFieldOr(m, "spread_pip", o.SpreadPip)
	}
	if !o.Leverage.IsPositive() {
		o.Leverage = decFieldOr(m, "leverage", o.Leverage)
	}
	if o.CommissionRate.IsZero() {
		o.CommissionRate = decFieldOr(m, "commission_rate", o.CommissionRate)
	}
	if o.CommissionType == 0 {
		o.CommissionType = intFieldOr(m, "commission_type", 0)
	}
	if o.CommissionValueType == 0 {
		o.CommissionValueType = intFieldOr(m, "commission_value_type", 0)
	}
	if o.Swap.IsZero() {
		o.Swap = decFieldOr(m, "swap", o.Swap)
	}
}

// OrderFromMap decodes the Redis hash form.
func OrderFromMap(m map[string]string) (*Order, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("empty order hash")
	}
	o := &Order{
		OrderID:  m["order_id"],
		UserID:   m["user_id"],
		UserType: UserType(m["user_type"]),
		Symbol:   m["symbol"],
		Side:     Side(m["order_type"]),

		Status:     EngineStatus(m["status"]),
		ExecStatus: ExecStatus(m["execution_status"]),

		CloseID:            m["close_id"],
		CancelID:           m["cancel_id"],
		ModifyID:           m["modify_id"],
		StopLossID:         m["stoploss_id"],
		TakeProfitID:       m["takeprofit_id"],
		StopLossCancelID:   m["stoploss_cancel_id"],
		TakeProfitCancelID: m["takeprofit_cancel_id"],
		CloseMessage:       m["close_message"],
		TriggerLifecycleID: m["trigger_lifecycle_id"],

		Group:               m["group"],
		ProfitCurrency:      m["profit_currency"],
		InstrumentType:      InstrumentType(intFieldOr(m, "instrument_type", 0)),
		CommissionType:      intFieldOr(m, "commission_type", 0),
		CommissionValueType: intFieldOr(m, "commission_value_type", 0),

		CreatedAtMs: int64FieldOr(m, "created_at", 0),
		UpdatedAtMs: int64FieldOr(m, "updated_at", 0),
	}
	if o.OrderID == "" {
		return nil, fmt.Errorf("order hash missing order_id")
	}
	var err error
	if o.OrderQuantity, err = decField(m, "order_quantity"); err != nil {
		return nil, err
	}
	if o.OrderPrice, err = decField(m, "order_price"); err != nil {
		return nil, err
	}
	o.RawPrice = decFieldOr(m, "raw_price", decimal.Zero)
	o.HalfSpread = decFieldOr(m, "half_spread", decimal.Zero)
	o.ContractValue = decFieldOr(m, "contract_value", decimal.Zero)
	o.Margin = nullDecField(m, "margin")
	o.ReservedMargin = nullDecField(m, "reserved_margin")
	o.CommissionEntry = decFieldOr(m, "commission_entry", decimal.Zero)
	o.CommissionExit = decFieldOr(m, "commission_exit", decimal.Zero)
	o.Swap = decFieldOr(m, "swap", decimal.Zero)
	o.ProfitUSD = nullDecField(m, "profit_usd")
	o.NetProfit = nullDecField(m, "net_profit")
	o.ClosePrice = nullDecField(m, "close_price")
	o.StopLoss = nullDecField(m, "stop_loss")
	o.TakeProfit = nullDecField(m, "take_profit")
	o.ContractSize = decFieldOr(m, "contract_size", decimal.Zero)
	o.Spread = decFieldOr(m, "spread", decimal.Zero)
	o.SpreadPip = decFieldOr(m, "spread_pip", decimal.Zero)
	o.CommissionRate = decFieldOr(m, "commission_rate", decimal.Zero)
	o.CryptoMarginFactor = nullDecField(m, "crypto_margin_factor")
	o.GroupMarginRatio = nullDecField(m, "group_margin")
	o.Leverage = decFieldOr(m, "leverage", decimal.Zero)
	o.PendingModifyPriceUser = nullDecField(m, "pending_modify_price_user")
	return o, nil
}

// MarginTotals carries the recomputed user aggregates written alongside a
// placement or removal.
type MarginTotals struct {
	Executed decimal.Decimal
	All      decimal.Decimal
}
