package model

import "time"

// DBUpdateType enumerates the SQL intents the core is allowed to emit. The
// external persister is the only writer of the SQL database.
type DBUpdateType string

const (
	DBOrderOpenConfirmed       DBUpdateType = "ORDER_OPEN_CONFIRMED"
	DBOrderCloseConfirmed      DBUpdateType = "ORDER_CLOSE_CONFIRMED"
	DBOrderCloseIDUpdate       DBUpdateType = "ORDER_CLOSE_ID_UPDATE"
	DBOrderRejected            DBUpdateType = "ORDER_REJECTED"
	DBOrderRejectionRecord     DBUpdateType = "ORDER_REJECTION_RECORD"
	DBOrderPendingConfirmed    DBUpdateType = "ORDER_PENDING_CONFIRMED"
	DBOrderPendingTriggered    DBUpdateType = "ORDER_PENDING_TRIGGERED"
	DBOrderPendingCancel       DBUpdateType = "ORDER_PENDING_CANCEL"
	DBOrderStopLossSet         DBUpdateType = "ORDER_STOPLOSS_SET"
	DBOrderStopLossConfirmed   DBUpdateType = "ORDER_STOPLOSS_CONFIRMED"
	DBOrderStopLossCancel      DBUpdateType = "ORDER_STOPLOSS_CANCEL"
	DBOrderTakeProfitSet       DBUpdateType = "ORDER_TAKEPROFIT_SET"
	DBOrderTakeProfitConfirmed DBUpdateType = "ORDER_TAKEPROFIT_CONFIRMED"
	DBOrderTakeProfitCancel    DBUpdateType = "ORDER_TAKEPROFIT_CANCEL"
)

// DBUpdate is the envelope published on order_db_update_queue.
type DBUpdate struct {
	Type    DBUpdateType      `json:"type"`
	OrderID string            `json:"order_id"`
	TsMs    int64             `json:"ts_ms"`
	Payload map[string]string `json:"payload,omitempty"`
}

// NewDBUpdate stamps the envelope.
func NewDBUpdate(typ DBUpdateType, orderID string, payload map[string]string) DBUpdate {
	return DBUpdate{
		Type:    typ,
		OrderID: orderID,
		TsMs:    time.Now().UnixMilli(),
		Payload: payload,
	}
}

// Close-reason labels recorded on ORDER_CLOSE_CONFIRMED.
const (
	CloseMessageClosed     = "Closed"
	CloseMessageStopLoss   = "Stoploss"
	CloseMessageTakeProfit = "Takeprofit"
	CloseMessageAutocutoff = "Autocutoff"
)
