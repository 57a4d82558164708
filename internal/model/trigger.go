package model

import (
	"github.com/shopspring/decimal"
)

// TriggerKind distinguishes the two protective exits.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "stoploss"
	TriggerTakeProfit TriggerKind = "takeprofit"
)

// Trigger is one protective-exit registration scored into the per
// (symbol, side) sorted indexes.
type Trigger struct {
	OrderID  string
	Symbol   string
	Side     Side
	UserType UserType
	UserID   string
	Kind     TriggerKind
	Price    decimal.Decimal
	Score    decimal.Decimal
}

// TriggerScore converts a user trigger price into the index score. The
// half-spread is folded in so the scan compares raw feed prices directly:
// BUY exits fill at bid (score = price + hs), SELL exits fill at ask
// (score = price − hs).
func TriggerScore(side Side, price, halfSpread decimal.Decimal) decimal.Decimal {
	if side.IsBuy() {
		return price.Add(halfSpread)
	}
	return price.Sub(halfSpread)
}

// TriggerRange returns the inclusive sorted-set window that yields exactly
// the fireable entries at the given quote:
//
//	BUY  SL: fires when bid ≤ score → [bid, +inf)
//	BUY  TP: fires when bid ≥ score → (-inf, bid]
//	SELL SL: fires when ask ≥ score → (-inf, ask]
//	SELL TP: fires when ask ≤ score → [ask, +inf)
func TriggerRange(side Side, kind TriggerKind, bid, ask decimal.Decimal) (min, max string) {
	if side.IsBuy() {
		if kind == TriggerStopLoss {
			return bid.String(), "+inf"
		}
		return "-inf", bid.String()
	}
	if kind == TriggerStopLoss {
		return "-inf", ask.String()
	}
	return ask.String(), "+inf"
}

// ValidTriggerPrice checks the price sits on the protective side of the
// current market: SL below bid / TP above bid for BUY, SL above ask / TP
// below ask for SELL.
func ValidTriggerPrice(side Side, kind TriggerKind, price, bid, ask decimal.Decimal) bool {
	if side.IsBuy() {
		if kind == TriggerStopLoss {
			return price.LessThan(bid)
		}
		return price.GreaterThan(bid)
	}
	if kind == TriggerStopLoss {
		return price.GreaterThan(ask)
	}
	return price.LessThan(ask)
}

// PendingOrder is the monitoring record for a parked pending order.
type PendingOrder struct {
	OrderID       string
	Symbol        string
	OrderType     Side
	OrderQuantity decimal.Decimal
	UserID        string
	UserType      UserType
	Group         string
	TriggerPrice  decimal.Decimal
}

func (p *PendingOrder) User() UserKey { return UserKey{Type: p.UserType, ID: p.UserID} }

// ToMap renders the pending_orders:{order_id} hash.
func (p *PendingOrder) ToMap() map[string]string {
	m := make(map[string]string, 8)
	m["order_id"] = p.OrderID
	m["symbol"] = p.Symbol
	m["order_type"] = string(p.OrderType)
	putDec(m, "order_quantity", p.OrderQuantity)
	m["user_id"] = p.UserID
	m["user_type"] = string(p.UserType)
	m["group"] = p.Group
	putDec(m, "trigger_price", p.TriggerPrice)
	return m
}

// PendingFromMap decodes the pending_orders:{order_id} hash.
func PendingFromMap(m map[string]string) (*PendingOrder, error) {
	p := &PendingOrder{
		OrderID:   m["order_id"],
		Symbol:    m["symbol"],
		OrderType: Side(m["order_type"]),
		UserID:    m["user_id"],
		UserType:  UserType(m["user_type"]),
		Group:     m["group"],
	}
	var err error
	if p.OrderQuantity, err = decField(m, "order_quantity"); err != nil {
		return nil, err
	}
	if p.TriggerPrice, err = decField(m, "trigger_price"); err != nil {
		return nil, err
	}
	return p, nil
}

// PendingRange returns the sorted-set window of trigger prices that fire at
// the given ask. All four variants compare against the ask:
//
//	BUY_STOP / SELL_LIMIT fire when ask ≥ trigger → (-inf, ask]
//	BUY_LIMIT / SELL_STOP fire when ask ≤ trigger → [ask, +inf)
func PendingRange(orderType Side, ask decimal.Decimal) (min, max string) {
	switch orderType {
	case SideBuyStop, SideSellLimit:
		return "-inf", ask.String()
	default:
		return ask.String(), "+inf"
	}
}

// PendingFires reports the fire decision for a single trigger price.
func PendingFires(orderType Side, trigger, ask decimal.Decimal) bool {
	switch orderType {
	case SideBuyStop, SideSellLimit:
		return ask.GreaterThanOrEqual(trigger)
	case SideBuyLimit, SideSellStop:
		return ask.LessThanOrEqual(trigger)
	default:
		return false
	}
}
