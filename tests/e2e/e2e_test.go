package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/dispatch"
	"fxcore/internal/execution"
	"fxcore/internal/margin"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	"fxcore/internal/queue"
	"fxcore/internal/workers"
	"fxcore/pkg/logging"
	"fxcore/pkg/telemetry"
)

func init() {
	// Setup telemetry for tests
	if _, err := telemetry.Setup("e2e"); err != nil {
		panic(err)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memBroker stands in for the AMQP client. Consumers are handler
// registrations; publishing delivers inline with the same ack, retry and
// dead-letter outcomes the real consumer applies, so a report published to
// the confirmation queue has fully settled by the time Publish returns.
type memBroker struct {
	mu        sync.Mutex
	subs      map[string]subscription
	delivered map[string]int
	dead      map[string][]deadDelivery
	orphans   map[string][][]byte
}

type subscription struct {
	opts    queue.ConsumeOptions
	handler queue.HandlerFunc
}

type deadDelivery struct {
	body   []byte
	reason string
}

func newMemBroker() *memBroker {
	return &memBroker{
		subs:      make(map[string]subscription),
		delivered: make(map[string]int),
		dead:      make(map[string][]deadDelivery),
		orphans:   make(map[string][][]byte),
	}
}

func (b *memBroker) DeclareQueue(name, dlq string) error { return nil }

func (b *memBroker) Consume(ctx context.Context, opts queue.ConsumeOptions, handler queue.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[opts.Queue] = subscription{opts: opts, handler: handler}
}

func (b *memBroker) Publish(ctx context.Context, queueName string, body []byte) error {
	return b.PublishWithHeaders(ctx, queueName, body, nil)
}

func (b *memBroker) PublishWithHeaders(ctx context.Context, queueName string, body []byte, headers map[string]any) error {
	b.mu.Lock()
	sub, ok := b.subs[queueName]
	if !ok {
		b.orphans[queueName] = append(b.orphans[queueName], append([]byte(nil), body...))
		b.mu.Unlock()
		return nil
	}
	b.delivered[queueName]++
	b.mu.Unlock()

	retries := sub.opts.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 1; ; attempt++ {
		err := sub.handler(ctx, body, headers)
		if err == nil {
			return nil
		}
		if reason, isDead := queue.DeadReason(err); isDead {
			b.recordDead(sub.opts.DLQ, body, reason)
			return nil
		}
		if attempt >= retries {
			b.recordDead(sub.opts.DLQ, body, "max_retries")
			return nil
		}
	}
}

func (b *memBroker) recordDead(dlq string, body []byte, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[dlq] = append(b.dead[dlq], deadDelivery{body: append([]byte(nil), body...), reason: reason})
}

// Delivered counts messages handed to the queue's consumer.
func (b *memBroker) Delivered(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered[queueName]
}

// DeadReasons lists the dead-letter reasons recorded on a DLQ, in order.
func (b *memBroker) DeadReasons(dlq string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	reasons := make([]string, 0, len(b.dead[dlq]))
	for _, d := range b.dead[dlq] {
		reasons = append(reasons, d.reason)
	}
	return reasons
}

// harness wires the order-lifecycle core the way the bootstrap does, with
// the state plane and both transports replaced by in-process fakes: the
// execution engine, the report dispatcher, and the seven provider workers
// all share one store and one broker.
type harness struct {
	cfg      *config.Config
	store    *mock.MockStore
	triggers *mock.MockTriggerIndex
	pending  *mock.MockPendingIndex
	link     *mock.MockProviderLink
	db       *mock.MockDBUpdates
	broker   *memBroker
	margin   *margin.Engine
	engine   *execution.Engine
	logger   core.ILogger
	ctx      context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := logging.NewNop()

	store := mock.NewMockStore()
	triggers := mock.NewMockTriggerIndex()
	pending := mock.NewMockPendingIndex()
	link := mock.NewMockProviderLink()
	db := mock.NewMockDBUpdates()
	sqlread := mock.NewMockSQLRead()
	sqlread.SetEnabled(false)
	broker := newMemBroker()

	marginEng := margin.NewEngine(store, logger)
	engine := execution.NewEngine(cfg.Execution, execution.Deps{
		Orders:     store,
		Configs:    store,
		Quotes:     store,
		Portfolios: store,
		Locks:      store,
		Idem:       store,
		Acks:       store,
		Triggers:   triggers,
		Pending:    pending,
		Margin:     marginEng,
		Provider:   link,
		DBUpdates:  db,
		SQLRead:    sqlread,
	}, logger)

	dispatcher := dispatch.NewDispatcher(cfg.RabbitMQ, cfg.Workers, store, store, broker, logger)
	runner := workers.NewRunner(cfg.RabbitMQ, cfg.Workers, engine, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, dispatcher.Start(ctx, broker))
	require.NoError(t, runner.Start(ctx, broker))

	return &harness{
		cfg:      cfg,
		store:    store,
		triggers: triggers,
		pending:  pending,
		link:     link,
		db:       db,
		broker:   broker,
		margin:   marginEng,
		engine:   engine,
		logger:   logger,
		ctx:      ctx,
	}
}

// seedUser provisions an account in the given group. sending selects the
// flow: "rock" settles locally, "barclays" routes through the provider.
func (h *harness) seedUser(user model.UserKey, group, balance, sending string) {
	h.store.SetUserConfig(user, &model.UserConfig{
		WalletBalance:        dec(balance),
		Leverage:             dec("100"),
		Group:                group,
		SendingOrders:        sending,
		Status:               "verified",
		AutoCutoffLevel:      dec("100"),
		AutoLiquidationLevel: dec("50"),
	})
}

// seedGroup provisions (group, symbol) pricing. spread is in pips of
// 0.00001, so spread 2 gives a half-spread of 0.00001 and spread 20 gives
// 0.00010.
func (h *harness) seedGroup(group, symbol, spread string) {
	h.store.SetGroupConfig(group, symbol, &model.GroupConfig{
		ContractSize:   dec("100000"),
		ProfitCurrency: "USD",
		Type:           model.InstrumentFX,
		Spread:         dec(spread),
		SpreadPip:      dec("0.00001"),
	})
}

// publishReport drops a provider execution report onto the confirmation
// queue. Delivery is inline: dispatcher routing and the worker finalizer
// have both run by the time this returns.
func (h *harness) publishReport(t *testing.T, r model.ExecutionReport) {
	t.Helper()
	r.Type = model.ReportType
	if r.Ts == 0 {
		r.Ts = time.Now().UnixMilli()
	}
	if r.CumQty.IsZero() {
		r.CumQty = dec("0.1")
	}
	body, err := json.Marshal(&r)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, h.cfg.RabbitMQ.ConfirmationQueue, body))
}

// holding reads the user-plane order record, failing the test when absent.
func (h *harness) holding(t *testing.T, user model.UserKey, orderID string) *model.Order {
	t.Helper()
	o, err := h.store.GetHolding(context.Background(), user, orderID)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

// dbTypes lists the SQL intents emitted so far, in order.
func (h *harness) dbTypes() []model.DBUpdateType {
	return h.db.Types()
}

func countType(types []model.DBUpdateType, want model.DBUpdateType) int {
	n := 0
	for _, typ := range types {
		if typ == want {
			n++
		}
	}
	return n
}
