package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	"fxcore/internal/queue"
	"fxcore/pkg/logging"
)

type fakeEngine struct {
	calls []string
	err   error
}

func (f *fakeEngine) record(call string) error {
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeEngine) FinalizeOpen(ctx context.Context, msg *model.WorkerMessage) error {
	return f.record("open:" + msg.OrderID)
}

func (f *fakeEngine) FinalizeProviderClose(ctx context.Context, msg *model.WorkerMessage) error {
	return f.record("close:" + msg.OrderID)
}

func (f *fakeEngine) ApplyPendingAck(ctx context.Context, msg *model.WorkerMessage) error {
	return f.record("pending:" + msg.OrderID)
}

func (f *fakeEngine) ApplyTriggerAck(ctx context.Context, msg *model.WorkerMessage, kind model.TriggerKind) error {
	return f.record("trigger:" + string(kind) + ":" + msg.OrderID)
}

func (f *fakeEngine) ApplyProviderCancel(ctx context.Context, msg *model.WorkerMessage) error {
	return f.record("cancel:" + msg.OrderID)
}

func (f *fakeEngine) ApplyProviderRejection(ctx context.Context, msg *model.WorkerMessage) error {
	return f.record("reject:" + msg.OrderID)
}

type fakeBroker struct {
	opts     []queue.ConsumeOptions
	handlers map[string]queue.HandlerFunc
}

func (b *fakeBroker) Consume(ctx context.Context, opts queue.ConsumeOptions, h queue.HandlerFunc) {
	if b.handlers == nil {
		b.handlers = make(map[string]queue.HandlerFunc)
	}
	b.opts = append(b.opts, opts)
	b.handlers[opts.Queue] = h
}

func testMQConfig() config.RabbitMQConfig {
	return config.RabbitMQConfig{
		ConfirmationDLQ: "confirmation_dlq",
		Workers: config.WorkerQueues{
			Open:       "order_worker_open_queue",
			Close:      "order_worker_close_queue",
			Cancel:     "order_worker_cancel_queue",
			Pending:    "order_worker_pending_queue",
			Reject:     "order_worker_reject_queue",
			StopLoss:   "order_worker_stoploss_queue",
			TakeProfit: "order_worker_takeprofit_queue",
		},
	}
}

type fixture struct {
	runner *Runner
	engine *fakeEngine
	broker *fakeBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := &fakeEngine{}
	r := NewRunner(testMQConfig(), config.WorkersConfig{}, eng, mock.NewMockStore(), logging.NewNop())
	fb := &fakeBroker{}
	require.NoError(t, r.Start(context.Background(), fb))
	return &fixture{runner: r, engine: eng, broker: fb}
}

func msgBody(t *testing.T, orderID, execID string, ord model.OrdStatus) []byte {
	t.Helper()
	body, err := json.Marshal(model.WorkerMessage{
		Report: model.ExecutionReport{
			Type:      model.ReportType,
			OrderID:   orderID,
			ExecID:    execID,
			OrdStatus: ord,
		},
		OrderID:  orderID,
		UserID:   "42",
		UserType: model.UserLive,
	})
	require.NoError(t, err)
	return body
}

func TestStartSubscribesEveryWorkerQueue(t *testing.T) {
	f := newFixture(t)

	require.Len(t, f.broker.opts, 7)
	seen := make(map[string]queue.ConsumeOptions)
	for _, o := range f.broker.opts {
		seen[o.Queue] = o
	}
	for _, name := range []string{
		"order_worker_open_queue", "order_worker_close_queue",
		"order_worker_cancel_queue", "order_worker_pending_queue",
		"order_worker_reject_queue", "order_worker_stoploss_queue",
		"order_worker_takeprofit_queue",
	} {
		o, ok := seen[name]
		require.True(t, ok, "missing consumer for %s", name)
		assert.Equal(t, "confirmation_dlq", o.DLQ, name)
		assert.Equal(t, defaultMaxRetries, o.MaxRetries, name)
		assert.Positive(t, o.Prefetch, name)
	}
	// The reject flow is serialized.
	assert.Equal(t, 1, seen["order_worker_reject_queue"].Prefetch)
}

func TestHandlersRouteToMatchingFinalizer(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		queue string
		ord   model.OrdStatus
		want  string
	}{
		{"order_worker_open_queue", model.OrdExecuted, "open:ord-1"},
		{"order_worker_close_queue", model.OrdExecuted, "close:ord-1"},
		{"order_worker_cancel_queue", model.OrdCancelled, "cancel:ord-1"},
		{"order_worker_pending_queue", model.OrdPending, "pending:ord-1"},
		{"order_worker_reject_queue", model.OrdRejected, "reject:ord-1"},
		{"order_worker_stoploss_queue", model.OrdPending, "trigger:" + string(model.TriggerStopLoss) + ":ord-1"},
		{"order_worker_takeprofit_queue", model.OrdPending, "trigger:" + string(model.TriggerTakeProfit) + ":ord-1"},
	}

	for i, tc := range cases {
		f := newFixture(t)
		h := f.broker.handlers[tc.queue]
		require.NotNil(t, h, tc.queue)

		execID := "x-" + tc.queue // distinct token per case
		require.NoError(t, h(ctx, msgBody(t, "ord-1", execID, tc.ord), nil), "case %d", i)
		require.Len(t, f.engine.calls, 1, tc.queue)
		assert.Equal(t, tc.want, f.engine.calls[0], tc.queue)
	}
}

func TestHandlerDropsDuplicateDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.broker.handlers["order_worker_open_queue"]
	body := msgBody(t, "ord-1", "x-1", model.OrdExecuted)

	require.NoError(t, h(ctx, body, nil))
	require.NoError(t, h(ctx, body, nil))

	assert.Len(t, f.engine.calls, 1, "duplicate must not reach the engine")
}

func TestHandlerReleasesTokenWhenEngineFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.broker.handlers["order_worker_close_queue"]
	body := msgBody(t, "ord-1", "x-9", model.OrdExecuted)

	f.engine.err = errors.New("redis timeout")
	err := h(ctx, body, nil)
	require.Error(t, err)
	_, dead := queue.DeadReason(err)
	assert.False(t, dead, "transient failures must requeue, not dead-letter")

	// The redelivery must be processed, not treated as a duplicate.
	f.engine.err = nil
	require.NoError(t, h(ctx, body, nil))
	assert.Len(t, f.engine.calls, 2)
}

func TestHandlerDeadLettersGarbage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.broker.handlers["order_worker_open_queue"]

	err := h(ctx, []byte(`{broken`), nil)

	reason, ok := queue.DeadReason(err)
	require.True(t, ok)
	assert.Equal(t, "unparseable_worker_message", reason)
	assert.Empty(t, f.engine.calls)
}

func TestStartRejectsMissingQueueNames(t *testing.T) {
	cfg := testMQConfig()
	cfg.Workers.StopLoss = ""
	r := NewRunner(cfg, config.WorkersConfig{}, &fakeEngine{}, mock.NewMockStore(), logging.NewNop())

	err := r.Start(context.Background(), &fakeBroker{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stoploss")
}
