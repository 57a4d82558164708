package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// WorkerMessage is the enriched payload the dispatcher publishes to the
// per-status worker queues: the provider report plus the user context read
// from the canonical order, so workers avoid a second lookup on the hot
// path.
type WorkerMessage struct {
	Report ExecutionReport `json:"report"`

	OrderID       string          `json:"order_id"`
	UserID        string          `json:"user_id"`
	UserType      UserType        `json:"user_type"`
	Group         string          `json:"group"`
	Leverage      decimal.Decimal `json:"leverage"`
	ContractSize  decimal.Decimal `json:"contract_size"`
	Profit        string          `json:"profit"`
	Spread        decimal.Decimal `json:"spread"`
	SpreadPip     decimal.Decimal `json:"spread_pip"`
	OrderType     Side            `json:"order_type"`
	OrderPrice    decimal.Decimal `json:"order_price"`
	OrderQuantity decimal.Decimal `json:"order_quantity"`

	// PendingExecuted marks fills that arrive while the engine still holds
	// a pending-side status; the open worker skips half-spread re-application
	// when PendingLocal is set by the pending monitor.
	PendingExecuted bool `json:"pending_executed,omitempty"`
	PendingLocal    bool `json:"pending_local,omitempty"`

	CloseMessage       string `json:"close_message,omitempty"`
	TriggerLifecycleID string `json:"trigger_lifecycle_id,omitempty"`
}

// User returns the owning account bucket.
func (m *WorkerMessage) User() UserKey { return UserKey{Type: m.UserType, ID: m.UserID} }

// ComposeWorkerMessage enriches a report with the canonical order context.
func ComposeWorkerMessage(r *ExecutionReport, o *Order) WorkerMessage {
	return WorkerMessage{
		Report:        *r,
		OrderID:       o.OrderID,
		UserID:        o.UserID,
		UserType:      o.UserType,
		Group:         o.Group,
		Leverage:      o.Leverage,
		ContractSize:  o.ContractSize,
		Profit:        o.ProfitCurrency,
		Spread:        o.Spread,
		SpreadPip:     o.SpreadPip,
		OrderType:     o.Side,
		OrderPrice:    o.OrderPrice,
		OrderQuantity: o.OrderQuantity,
	}
}

// CloseRequest drives the order closer from any of its callers: client
// close, trigger monitor, or auto-cutoff liquidation. OrderStatus, when
// set, must be CLOSED; it carries the client's declared intent.
type CloseRequest struct {
	OrderID            string
	User               UserKey
	OrderStatus        string
	CloseMessage       string
	TriggerLifecycleID string
}

// Lifecycle id prefixes. Every non-placement leg the engine mints carries
// one; the cancel and reject workers classify provider acks by them.
const (
	PrefixClose            = "CLS"
	PrefixModify           = "MOD"
	PrefixPendingCancel    = "PC"
	PrefixStopLoss         = "SL"
	PrefixTakeProfit       = "TP"
	PrefixStopLossCancel   = "SLC"
	PrefixTakeProfitCancel = "TPC"
)

// LifecycleKind names the leg a lifecycle id belongs to.
type LifecycleKind string

const (
	LifecyclePlacement        LifecycleKind = "placement"
	LifecycleClose            LifecycleKind = "close"
	LifecycleModify           LifecycleKind = "modify"
	LifecyclePendingCancel    LifecycleKind = "pending_cancel"
	LifecycleStopLoss         LifecycleKind = "stoploss"
	LifecycleTakeProfit       LifecycleKind = "takeprofit"
	LifecycleStopLossCancel   LifecycleKind = "stoploss_cancel"
	LifecycleTakeProfitCancel LifecycleKind = "takeprofit_cancel"
)

// ClassifyLifecycle maps an id onto its leg kind by prefix; longer prefixes
// win (SLC before SL). Plain UUID ids classify as placement legs. CNL is an
// older pending-cancel prefix that still appears in replayed streams.
func ClassifyLifecycle(id string) LifecycleKind {
	switch {
	case strings.HasPrefix(id, PrefixStopLossCancel):
		return LifecycleStopLossCancel
	case strings.HasPrefix(id, PrefixTakeProfitCancel):
		return LifecycleTakeProfitCancel
	case strings.HasPrefix(id, PrefixClose):
		return LifecycleClose
	case strings.HasPrefix(id, PrefixModify):
		return LifecycleModify
	case strings.HasPrefix(id, PrefixPendingCancel), strings.HasPrefix(id, "CNL"):
		return LifecyclePendingCancel
	case strings.HasPrefix(id, PrefixStopLoss):
		return LifecycleStopLoss
	case strings.HasPrefix(id, PrefixTakeProfit):
		return LifecycleTakeProfit
	default:
		return LifecyclePlacement
	}
}
