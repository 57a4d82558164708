package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProviderOrder is the outbound socket payload. Prices travel as float64:
// the bridge on the far side speaks msgpack doubles.
type ProviderOrder struct {
	Type          string  `msgpack:"type" json:"type"`
	Ts            int64   `msgpack:"ts" json:"ts"`
	OrderID       string  `msgpack:"order_id,omitempty" json:"order_id,omitempty"`
	Symbol        string  `msgpack:"symbol,omitempty" json:"symbol,omitempty"`
	OrderType     string  `msgpack:"order_type,omitempty" json:"order_type,omitempty"`
	OrderPrice    float64 `msgpack:"order_price,omitempty" json:"order_price,omitempty"`
	OrderQuantity float64 `msgpack:"order_quantity,omitempty" json:"order_quantity,omitempty"`
	ContractValue float64 `msgpack:"contract_value,omitempty" json:"contract_value,omitempty"`
	Status        string  `msgpack:"status" json:"status"`

	// Lifecycle routing for cancels/closes/trigger requests.
	OriginalID   string  `msgpack:"original_id,omitempty" json:"original_id,omitempty"`
	CloseID      string  `msgpack:"close_id,omitempty" json:"close_id,omitempty"`
	CancelID     string  `msgpack:"cancel_id,omitempty" json:"cancel_id,omitempty"`
	ModifyID     string  `msgpack:"modify_id,omitempty" json:"modify_id,omitempty"`
	StopLossID   string  `msgpack:"stoploss_id,omitempty" json:"stoploss_id,omitempty"`
	TakeProfitID string  `msgpack:"takeprofit_id,omitempty" json:"takeprofit_id,omitempty"`
	TriggerPrice float64 `msgpack:"trigger_price,omitempty" json:"trigger_price,omitempty"`
}

// NewProviderOrder stamps the constant envelope fields.
func NewProviderOrder(status EngineStatus) ProviderOrder {
	return ProviderOrder{
		Type:   "order",
		Ts:     time.Now().UnixMilli(),
		Status: string(status),
	}
}

// ProviderOpenPayload builds the placement message handed to the connection
// after an instant provider order is accepted locally.
func ProviderOpenPayload(o *Order, execPrice decimal.Decimal) ProviderOrder {
	p := NewProviderOrder(StatusOpen)
	p.OrderID = o.OrderID
	p.Symbol = o.Symbol
	p.OrderType = string(o.Side)
	p.OrderPrice = execPrice.InexactFloat64()
	p.OrderQuantity = o.OrderQuantity.InexactFloat64()
	p.ContractValue = o.ContractValue.InexactFloat64()
	return p
}

// ProviderClosePayload builds the close request for an open provider
// position.
func ProviderClosePayload(o *Order, closeID string) ProviderOrder {
	p := NewProviderOrder(StatusClosed)
	p.OrderID = o.OrderID
	p.CloseID = closeID
	p.Symbol = o.Symbol
	p.OrderType = string(o.Side)
	p.OrderQuantity = o.OrderQuantity.InexactFloat64()
	return p
}

// ProviderCancelPayload builds the base cancel envelope for any lifecycle
// leg. Callers attach the id of the leg being cancelled (stoploss_id,
// takeprofit_id) when cancelling a trigger.
func ProviderCancelPayload(o *Order, cancelID string) ProviderOrder {
	p := ProviderOrder{
		Type:   "order",
		Ts:     time.Now().UnixMilli(),
		Status: string(OrdCancelled),
	}
	p.OriginalID = o.OrderID
	p.CancelID = cancelID
	p.OrderType = string(o.Side)
	return p
}

// ProviderTriggerPayload builds a stop-loss or take-profit set request.
// rawTrigger is the provider-facing score, not the user price.
func ProviderTriggerPayload(o *Order, status EngineStatus, legID string, rawTrigger decimal.Decimal) ProviderOrder {
	p := NewProviderOrder(status)
	p.OrderID = o.OrderID
	p.Symbol = o.Symbol
	p.OrderType = string(o.Side)
	p.TriggerPrice = rawTrigger.InexactFloat64()
	switch status {
	case StatusStopLoss:
		p.StopLossID = legID
	case StatusTakeProfit:
		p.TakeProfitID = legID
	}
	return p
}

// ProviderPendingPayload builds a pending (stop/limit) placement request.
func ProviderPendingPayload(o *Order) ProviderOrder {
	p := NewProviderOrder(StatusPending)
	p.OrderID = o.OrderID
	p.Symbol = o.Symbol
	p.OrderType = string(o.Side)
	p.OrderQuantity = o.OrderQuantity.InexactFloat64()
	p.TriggerPrice = o.OrderPrice.InexactFloat64()
	return p
}

// ProviderModifyPayload builds a trigger-price change for a provider-held
// pending order.
func ProviderModifyPayload(o *Order, modifyID string, trigger decimal.Decimal) ProviderOrder {
	p := NewProviderOrder(StatusModify)
	p.OrderID = o.OrderID
	p.ModifyID = modifyID
	p.OrderType = string(o.Side)
	p.TriggerPrice = trigger.InexactFloat64()
	return p
}
