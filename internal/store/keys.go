package store

import "fxcore/internal/model"

// Key builders for the Redis namespace. User-owned keys are hash-tagged on
// {user_type:user_id} so user-scoped pipelines and scripts stay single-slot;
// order-owned keys are tagged on {order_id} for the same reason.

func marketKey(symbol string) string {
	return "market:{" + symbol + "}"
}

func userConfigKey(u model.UserKey) string {
	return "user:{" + u.Tag() + "}:config"
}

func portfolioKey(u model.UserKey) string {
	return "user_portfolio:{" + u.Tag() + "}"
}

func orderIndexKey(u model.UserKey) string {
	return "user_orders_index:{" + u.Tag() + "}"
}

func holdingKey(u model.UserKey, orderID string) string {
	return "user_holdings:{" + u.Tag() + "}:" + orderID
}

func orderDataKey(orderID string) string {
	return "order_data:{" + orderID + "}"
}

func lifecycleLookupKey(id string) string {
	return "global_order_lookup:{" + id + "}"
}

func symbolHoldersKey(symbol string, ut model.UserType) string {
	return "symbol_holders:{" + symbol + "}:{" + string(ut) + "}"
}

func groupKey(group, symbol string) string {
	return "groups:{" + group + "}:{" + symbol + "}"
}

func slIndexKey(symbol string, side model.Side) string {
	return "sl_index:{" + symbol + "}:{" + string(side) + "}"
}

func tpIndexKey(symbol string, side model.Side) string {
	return "tp_index:{" + symbol + "}:{" + string(side) + "}"
}

func triggerIndexKey(kind model.TriggerKind, symbol string, side model.Side) string {
	if kind == model.TriggerStopLoss {
		return slIndexKey(symbol, side)
	}
	return tpIndexKey(symbol, side)
}

func pendingIndexKey(symbol string, typ model.Side) string {
	return "pending_index:{" + symbol + "}:{" + string(typ) + "}"
}

func pendingOrderKey(orderID string) string {
	return "pending_orders:{" + orderID + "}"
}

const (
	triggerActiveSymbolsKey = "trigger_active_symbols"
	pendingActiveSymbolsKey = "pending_active_symbols"
	providerPendingKey      = "provider_pending_active"
)

func providerAckKey(id string) string {
	return "provider:ack:{" + id + "}"
}

func providerIdemKey(token string) string {
	return "provider_idem:{" + token + "}"
}

func alertSentinelKey(u model.UserKey) string {
	return "autocutoff:alert_sent:{" + u.Tag() + "}"
}

func liquidatingSentinelKey(u model.UserKey) string {
	return "autocutoff:liquidating:{" + u.Tag() + "}"
}

func userMarginLockKey(u model.UserKey) string {
	return "lock:user_margin:{" + u.Tag() + "}"
}

func pendingLockKey(orderID string) string {
	return "lock:pending:{" + orderID + "}"
}

func closeProcessingKey(orderID string) string {
	return "close_processing:{" + orderID + "}"
}

func cancelSentKey(orderID string) string {
	return "pending_cancel_sent:{" + orderID + "}"
}

func idempotencyKey(u model.UserKey, key string) string {
	return "idempotency:{" + u.Tag() + "}:{" + key + "}"
}

func followersKey(providerID string) string {
	return "copy_master_followers:{" + providerID + "}:active"
}
