// Package core defines the interfaces wiring the order lifecycle engine
// together. Implementations live in internal/store (Redis), internal/queue
// (AMQP), internal/provider, and internal/mock (tests).
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/model"
)

// IQuoteStore is the per-symbol top-of-book store fed by the market
// listener. Reads apply the staleness policy; writes are partial merges.
type IQuoteStore interface {
	PutPartial(ctx context.Context, u model.QuoteUpdate) error
	PutBatch(ctx context.Context, updates []model.QuoteUpdate) error
	Get(ctx context.Context, symbol string) (model.Quote, error)
	MGet(ctx context.Context, symbols []string) (map[string]model.Quote, error)
	ScanAll(ctx context.Context) ([]string, error)
}

// IOrderStore owns the canonical order table, the per-user holdings view,
// the membership indexes, and the lifecycle-id lookup.
type IOrderStore interface {
	// PlaceOrderAtomic runs the single-shard placement script: assert the
	// user exists and the order does not, write the holdings hash, write
	// the recomputed margin totals. Falls back to the ordered non-atomic
	// sequence where scripting is unavailable.
	PlaceOrderAtomic(ctx context.Context, o *model.Order, totals model.MarginTotals) error

	SaveCanonical(ctx context.Context, o *model.Order) error
	GetCanonical(ctx context.Context, orderID string) (*model.Order, error)
	UpdateCanonicalFields(ctx context.Context, orderID string, fields map[string]string) error
	DeleteCanonical(ctx context.Context, orderID string) error

	SaveHolding(ctx context.Context, o *model.Order) error
	GetHolding(ctx context.Context, user model.UserKey, orderID string) (*model.Order, error)
	UpdateHoldingFields(ctx context.Context, user model.UserKey, orderID string, fields map[string]string) error
	DeleteHolding(ctx context.Context, user model.UserKey, orderID string) error
	ListOpenOrders(ctx context.Context, user model.UserKey) ([]*model.Order, error)

	AddToOrderIndex(ctx context.Context, user model.UserKey, orderID string) error
	RemoveFromOrderIndex(ctx context.Context, user model.UserKey, orderID string) error
	AddSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error
	RemoveSymbolHolder(ctx context.Context, symbol string, user model.UserKey) error
	SymbolHolders(ctx context.Context, symbol string, ut model.UserType) ([]model.UserKey, error)

	SetLifecycleLookup(ctx context.Context, lifecycleID, orderID string) error
	// ResolveLifecycle returns the canonical order id; ids without a lookup
	// resolve to themselves.
	ResolveLifecycle(ctx context.Context, id string) (string, error)
}

// IPortfolioStore reads and writes the derived per-user snapshot.
type IPortfolioStore interface {
	GetPortfolioMap(ctx context.Context, user model.UserKey) (map[string]string, error)
	WritePortfolio(ctx context.Context, user model.UserKey, p *model.Portfolio) error
	UpdateMarginTotals(ctx context.Context, user model.UserKey, totals model.MarginTotals) error
}

// IConfigStore reads the onboarding-provisioned records.
type IConfigStore interface {
	GetUserConfig(ctx context.Context, user model.UserKey) (*model.UserConfig, error)
	GetGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error)
	// Followers enumerates the active copy followers of a strategy provider.
	Followers(ctx context.Context, providerID string) ([]model.UserKey, error)
}

// ITriggerIndex maintains the scored SL/TP indexes scanned on every tick.
type ITriggerIndex interface {
	Add(ctx context.Context, t model.Trigger) error
	Remove(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, orderID string) error
	Range(ctx context.Context, symbol string, side model.Side, kind model.TriggerKind, min, max string, limit int64) ([]string, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// IPendingIndex maintains the parked pending orders and their scored index.
type IPendingIndex interface {
	Add(ctx context.Context, p *model.PendingOrder) error
	UpdateTriggerPrice(ctx context.Context, orderID string, price decimal.Decimal) error
	Remove(ctx context.Context, orderID string) error
	Get(ctx context.Context, orderID string) (*model.PendingOrder, error)
	Range(ctx context.Context, symbol string, typ model.Side, min, max string, limit int64) ([]string, error)
	ActiveSymbols(ctx context.Context) ([]string, error)

	RegisterProviderPending(ctx context.Context, orderID string) error
	UnregisterProviderPending(ctx context.Context, orderID string) error
	ListProviderPending(ctx context.Context) ([]string, error)
}

// ILockStore provides the cross-process locks and sentinels. All acquire
// methods are SET NX semantics: false means somebody else holds it.
type ILockStore interface {
	AcquireUserMargin(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error)
	ReleaseUserMargin(ctx context.Context, user model.UserKey) error

	AcquireCloseProcessing(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	ReleaseCloseProcessing(ctx context.Context, orderID string) error

	AcquirePendingLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	ReleasePendingLock(ctx context.Context, orderID string) error

	AcquireAlertSentinel(ctx context.Context, user model.UserKey, ttl time.Duration) (bool, error)
	ClearAlertSentinel(ctx context.Context, user model.UserKey) error
	AcquireLiquidationSentinel(ctx context.Context, user model.UserKey) (bool, error)
	ClearLiquidationSentinel(ctx context.Context, user model.UserKey) error

	MarkCancelSent(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
}

// IIdemStore covers both idempotency planes: client request replay and
// provider event redelivery.
type IIdemStore interface {
	// BeginClientRequest attempts the compare-and-set of the processing
	// placeholder. proceed=true means this caller owns the request. When a
	// prior result exists it is returned for replay.
	BeginClientRequest(ctx context.Context, user model.UserKey, key string, processingTTL time.Duration) (proceed bool, prior []byte, err error)
	StoreClientResult(ctx context.Context, user model.UserKey, key string, result []byte, ttl time.Duration) error

	// DedupProviderEvent returns true exactly once per token within ttl.
	DedupProviderEvent(ctx context.Context, token string, ttl time.Duration) (bool, error)
	// ReleaseProviderEvent frees a claimed token after a failed processing
	// cycle so the redelivery is not mistaken for a duplicate.
	ReleaseProviderEvent(ctx context.Context, token string) error
}

// IAckStore carries the short-lived provider ack documents bridging the
// dispatcher and the synchronous cancel/close waits.
type IAckStore interface {
	WriteAck(ctx context.Context, id string, r *model.ExecutionReport, ttl time.Duration) error
	// WaitAck polls for the first ack among ids. Returns ErrAckTimeout
	// sentinel wrapping from the caller on deadline.
	WaitAck(ctx context.Context, ids []string, timeout time.Duration) (*model.ExecutionReport, error)
}

// IMarketBus is the pub/sub fan-out plane between the listener, the
// portfolio calculator, and the auto-cutoff watcher.
type IMarketBus interface {
	PublishSymbols(ctx context.Context, symbols []string) error
	SubscribeSymbols(ctx context.Context) (<-chan []string, error)
	PublishPortfolio(ctx context.Context, user model.UserKey) error
	SubscribePortfolio(ctx context.Context) (<-chan model.UserKey, error)
}

// IQueuePublisher publishes persistent messages to durable AMQP queues.
type IQueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	PublishWithHeaders(ctx context.Context, queue string, body []byte, headers map[string]any) error
}

// IDBUpdatePublisher emits SQL intents; the external persister is the only
// database writer.
type IDBUpdatePublisher interface {
	PublishDBUpdate(ctx context.Context, u model.DBUpdate) error
}

// IProviderLink is the persistent provider socket as seen by the engine.
type IProviderLink interface {
	// SendOrder enqueues a payload, waiting up to the configured window for
	// the connection to become available.
	SendOrder(ctx context.Context, p model.ProviderOrder) error
	Connected() bool
}

// ICloseDispatcher lets the monitors and the watcher dispatch closes
// without importing the execution engine.
type ICloseDispatcher interface {
	CloseOrder(ctx context.Context, req model.CloseRequest) error
}

// IPendingActions is the slice of the execution engine the pending
// monitors call back into: margin re-checks at fire time and parked-order
// disposal.
type IPendingActions interface {
	PendingMarginCheck(ctx context.Context, o *model.Order, execPrice decimal.Decimal) error
	RejectParkedPending(ctx context.Context, user model.UserKey, orderID string, cause error) error
	CancelParkedPending(ctx context.Context, user model.UserKey, orderID string) error
}

// ISQLReadService is the read-only HTTP face of the SQL database, used as a
// fallback when Redis config records are incomplete.
type ISQLReadService interface {
	Enabled() bool
	FetchGroupConfig(ctx context.Context, group, symbol string) (*model.GroupConfig, error)
	FetchOrderContext(ctx context.Context, orderID string) (map[string]string, error)
}

// IEmailSender is the SMTP transport boundary, injected at the edge.
type IEmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// ILiquidationAudit persists a durable row for every auto-cutoff run.
type ILiquidationAudit interface {
	RecordLiquidation(ctx context.Context, rec model.LiquidationRecord) error
}

// IAlerter fans operational alerts out to the configured channels.
type IAlerter interface {
	Alert(ctx context.Context, severity, title, message string, fields map[string]string)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
