package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/execution"
	"fxcore/internal/model"
	"fxcore/internal/pending"
	"fxcore/internal/trigger"
)

// A local stop-loss armed at 1.09900 (score 1.09901 with half-spread
// 0.00001) fires when the bid gaps through it, closes at bid - half, and
// fires exactly once: the sentinel guards the in-flight close and the
// settle deindexes the entry.
func TestStopLossMonitorFiresOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}

	h.seedUser(user, "Standard", "10000", model.SendingLocal)
	h.seedGroup("Standard", "EURUSD", "2")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10002"))

	res := h.engine.ExecuteInstantOrder(ctx, execution.OrderRequest{
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderPrice:    dec("1.10002"),
		OrderQuantity: dec("0.1"),
		OrderStatus:   "OPEN",
	})
	require.True(t, res.Success, "placement failed: %s (%s)", res.Reason, res.Cause)

	require.NoError(t, h.engine.SetStopLoss(ctx, execution.TriggerRequest{
		OrderID:  res.OrderID,
		UserID:   user.ID,
		UserType: user.Type,
		Price:    dec("1.09900"),
	}))

	tcfg := h.cfg.Triggers
	tcfg.TickMs = 10
	mon := trigger.NewMonitor(tcfg, h.store, h.store, h.triggers, h.store, h.engine, h.logger)
	mon.Start()
	t.Cleanup(mon.Stop)

	// A tick above the stop keeps it armed.
	h.store.SetQuote("EURUSD", dec("1.09950"), dec("1.09952"))
	time.Sleep(50 * time.Millisecond)
	open, err := h.store.ListOpenOrders(ctx, user)
	require.NoError(t, err)
	require.Len(t, open, 1, "stop must not fire above the trigger")

	// Gap through the stop.
	h.store.SetQuote("EURUSD", dec("1.09850"), dec("1.09852"))
	require.Eventually(t, func() bool {
		open, err := h.store.ListOpenOrders(ctx, user)
		return err == nil && len(open) == 0
	}, 2*time.Second, 5*time.Millisecond, "stop-loss never fired")

	var closes []model.DBUpdate
	for _, u := range h.db.Updates() {
		if u.Type == model.DBOrderCloseConfirmed {
			closes = append(closes, u)
		}
	}
	require.Len(t, closes, 1)
	assert.Equal(t, model.CloseMessageStopLoss, closes[0].Payload["close_message"])
	assert.Equal(t, "trigger_stoploss_"+res.OrderID, closes[0].Payload["trigger_lifecycle_id"])
	assert.True(t, dec(closes[0].Payload["close_price"]).Equal(dec("1.09849")),
		"close price %s", closes[0].Payload["close_price"])
	assert.True(t, dec(closes[0].Payload["net_profit"]).Equal(dec("-15.40")),
		"net profit %s", closes[0].Payload["net_profit"])

	ids, err := h.triggers.Range(ctx, "EURUSD", model.SideBuy, model.TriggerStopLoss, "-inf", "+inf", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "fired entry must leave the index")

	// More ticks under the stop change nothing.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, countType(h.dbTypes(), model.DBOrderCloseConfirmed),
		"stop-loss fired more than once")

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_executed"]).IsZero())
}

// A parked BUY_LIMIT activates when the ask crosses its trigger price: the
// monitor re-checks margin, synthesizes a fill at ask + half-spread, and the
// open worker lands it as an executed position. One crossing, one fill.
func TestPendingMonitorActivatesParkedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}

	h.seedUser(user, "Standard", "10000", model.SendingLocal)
	h.seedGroup("Standard", "EURUSD", "2")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10002"))

	res := h.engine.PlacePendingOrder(ctx, execution.OrderRequest{
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuyLimit,
		OrderPrice:    dec("1.09500"),
		OrderQuantity: dec("0.1"),
	})
	require.True(t, res.Success, "pending placement failed: %s (%s)", res.Reason, res.Cause)
	assert.Equal(t, execution.FlowLocal, res.Flow)

	o := h.holding(t, user, res.OrderID)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.False(t, o.Margin.Valid, "parked pendings charge no margin")
	_, err := h.pending.Get(ctx, res.OrderID)
	require.NoError(t, err, "parked order must be under monitoring")
	assert.Equal(t, 1, countType(h.dbTypes(), model.DBOrderPendingConfirmed))

	pcfg := h.cfg.Pending
	pcfg.TickMs = 10
	mon := pending.NewMonitor(pcfg, h.cfg.RabbitMQ.Workers.Open,
		h.store, h.store, h.pending, h.store, h.engine, h.broker, h.db, h.logger)
	mon.Start()
	t.Cleanup(mon.Stop)

	// Ask still above the limit price: stays parked.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.broker.Delivered(h.cfg.RabbitMQ.Workers.Open))

	// Ask crosses; exec = 1.09490 + 0.00001.
	h.store.SetQuote("EURUSD", dec("1.09480"), dec("1.09490"))
	require.Eventually(t, func() bool {
		o, err := h.store.GetHolding(ctx, user, res.OrderID)
		return err == nil && o != nil && o.Status == model.StatusOpen
	}, 2*time.Second, 5*time.Millisecond, "pending never activated")

	o = h.holding(t, user, res.OrderID)
	assert.Equal(t, model.ExecExecuted, o.ExecStatus)
	assert.True(t, o.OrderPrice.Equal(dec("1.09491")), "exec price %s", o.OrderPrice)
	require.True(t, o.Margin.Valid)
	assert.True(t, o.Margin.Decimal.Equal(dec("109.491")), "margin %s", o.Margin.Decimal)

	_, err = h.pending.Get(ctx, res.OrderID)
	assert.Error(t, err, "fired order must leave monitoring")

	// Further ticks below the trigger must not re-fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.broker.Delivered(h.cfg.RabbitMQ.Workers.Open))
	assert.Equal(t, 1, countType(h.dbTypes(), model.DBOrderPendingTriggered))
	assert.Equal(t, 1, countType(h.dbTypes(), model.DBOrderOpenConfirmed))

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_executed"]).Equal(dec("109.491")),
		"margin after fill: %s", pm["used_margin_executed"])
}
