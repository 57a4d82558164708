package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/execution"
	"fxcore/internal/model"
)

// Every confirmation-queue delivery either routes to exactly one worker
// queue or dead-letters with a reason code. Nothing is silently dropped on
// the floor except non-report chatter, which is acked away.
func TestReportRoutingClosure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "7"}

	h.seedUser(user, "Premium", "50000", model.SendingProvider)
	h.seedGroup("Premium", "EURUSD", "20")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10020"))

	res := h.engine.ExecuteInstantOrder(ctx, execution.OrderRequest{
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderPrice:    dec("1.10020"),
		OrderQuantity: dec("0.1"),
		OrderStatus:   "OPEN",
	})
	require.True(t, res.Success)

	// Routable: EXECUTED on an awaiting-ack order goes to the open worker.
	h.publishReport(t, model.ExecutionReport{
		OrderID:   res.OrderID,
		ExecID:    "E-1",
		OrdStatus: model.OrdExecuted,
		AvgPx:     dec("1.10010"),
	})
	assert.Equal(t, 1, h.broker.Delivered(h.cfg.RabbitMQ.Workers.Open))
	assert.Empty(t, h.broker.DeadReasons(h.cfg.RabbitMQ.ConfirmationDLQ))

	// The ack doc is readable before the worker ran; synchronous cancel and
	// close waits poll it.
	ack, err := h.store.WaitAck(ctx, []string{res.OrderID}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.OrdExecuted, ack.OrdStatus)

	// Report for an order nobody knows: dead-letters with a reason.
	h.publishReport(t, model.ExecutionReport{
		OrderID:   "no-such-order",
		ExecID:    "E-2",
		OrdStatus: model.OrdExecuted,
		AvgPx:     dec("1.10010"),
	})
	assert.Equal(t, []string{"missing_order_data"},
		h.broker.DeadReasons(h.cfg.RabbitMQ.ConfirmationDLQ))

	// PENDING on an already-executed instant order has no routing row.
	h.publishReport(t, model.ExecutionReport{
		OrderID:   res.OrderID,
		ExecID:    "E-3",
		OrdStatus: model.OrdPending,
		AvgPx:     dec("1.10010"),
	})
	assert.Equal(t, []string{"missing_order_data", "unmapped_routing_state"},
		h.broker.DeadReasons(h.cfg.RabbitMQ.ConfirmationDLQ))

	// Non-report chatter is acked and dropped, not dead-lettered.
	require.NoError(t, h.broker.Publish(ctx, h.cfg.RabbitMQ.ConfirmationQueue,
		[]byte(`{"type":"heartbeat","ts":1}`)))
	assert.Len(t, h.broker.DeadReasons(h.cfg.RabbitMQ.ConfirmationDLQ), 2)
	assert.Equal(t, 1, h.broker.Delivered(h.cfg.RabbitMQ.Workers.Open),
		"no extra worker deliveries")
}

// A provider rejection of the placement leg unwinds everything the
// placement created: the order leaves the user index, the symbol holder
// set, and the margin accounting.
func TestRejectionReleasesPlacement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "7"}

	h.seedUser(user, "Premium", "50000", model.SendingProvider)
	h.seedGroup("Premium", "EURUSD", "20")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10020"))

	res := h.engine.ExecuteInstantOrder(ctx, execution.OrderRequest{
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderPrice:    dec("1.10020"),
		OrderQuantity: dec("0.1"),
		OrderStatus:   "OPEN",
	})
	require.True(t, res.Success)

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	require.False(t, dec(pm["used_margin_all"]).IsZero(), "placement must reserve margin")

	h.publishReport(t, model.ExecutionReport{
		OrderID:   res.OrderID,
		ExecID:    "E-1",
		OrdStatus: model.OrdRejected,
	})
	assert.Equal(t, 1, h.broker.Delivered(h.cfg.RabbitMQ.Workers.Reject))

	open, err := h.store.ListOpenOrders(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, open, "rejected order must leave the user index")

	holders, err := h.store.SymbolHolders(ctx, "EURUSD", user.Type)
	require.NoError(t, err)
	assert.Empty(t, holders)

	pm, err = h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_all"]).IsZero(),
		"reserved margin not returned: %s", pm["used_margin_all"])

	assert.Equal(t, 1, countType(h.dbTypes(), model.DBOrderRejectionRecord))
}
