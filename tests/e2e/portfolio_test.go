package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/execution"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	"fxcore/internal/portfolio"
)

func startCalculator(t *testing.T, h *harness, bus *mock.MockBus) *portfolio.Calculator {
	t.Helper()
	pcfg := h.cfg.Portfolio
	pcfg.ThrottleMs = 10
	calc := portfolio.NewCalculator(pcfg, h.store, h.store, h.store, h.store, h.margin, bus, h.logger)
	require.NoError(t, calc.Start())
	t.Cleanup(calc.Stop)
	return calc
}

// A symbol tick marks every holder dirty and the next drain rebuilds their
// snapshots: open PnL marks to the exit side of the book, equity and free
// margin follow, and the refresh is announced on the portfolio channel.
func TestPortfolioRecomputeOnTick(t *testing.T) {
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
	require.True(t, res.Success)

	bus := mock.NewMockBus()
	startCalculator(t, h, bus)

	// Favorable move: exit at 1.10100 - 0.00001 against entry 1.10003.
	h.store.SetQuote("EURUSD", dec("1.10100"), dec("1.10120"))
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))

	require.Eventually(t, func() bool {
		pm, err := h.store.GetPortfolioMap(ctx, user)
		return err == nil && pm["calc_status"] == string(model.CalcOK) &&
			dec(pm["open_pnl"]).Equal(dec("9.60"))
	}, 2*time.Second, 5*time.Millisecond, "snapshot never refreshed")

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["balance"]).Equal(dec("10000")))
	assert.True(t, dec(pm["equity"]).Equal(dec("10009.60")), "equity %s", pm["equity"])
	assert.True(t, dec(pm["used_margin_executed"]).Equal(dec("110.003")))
	assert.True(t, dec(pm["free_margin"]).Equal(dec("9899.597")),
		"free margin %s", pm["free_margin"])
	level := dec(pm["margin_level"])
	assert.True(t, level.GreaterThan(dec("9099")) && level.LessThan(dec("9100")),
		"margin level %s", pm["margin_level"])
	assert.Empty(t, pm["degraded_fields"])
	assert.Contains(t, bus.PublishedUsers(), user)

	// A tick on a symbol nobody holds refreshes nobody.
	before := len(bus.PublishedUsers())
	require.NoError(t, bus.PublishSymbols(ctx, []string{"GBPUSD"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, len(bus.PublishedUsers()))
}

// While a provider placement is still queued the snapshot charges the
// reservation: used_margin_all carries it, used_margin_executed stays zero,
// and free margin is computed against the reserved total. The fill flips
// the reservation into executed margin.
func TestPortfolioChargesQueuedReservation(t *testing.T) {
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

	bus := mock.NewMockBus()
	startCalculator(t, h, bus)

	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))
	require.Eventually(t, func() bool {
		pm, err := h.store.GetPortfolioMap(ctx, user)
		return err == nil && pm["calc_status"] == string(model.CalcOK)
	}, 2*time.Second, 5*time.Millisecond, "queued snapshot never computed")

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_all"]).Equal(dec("110.02")),
		"reserved margin %s", pm["used_margin_all"])
	assert.True(t, dec(pm["used_margin_executed"]).IsZero())
	// Mark-to-market of the queued preview: exit 1.09990 vs entry 1.10020.
	assert.True(t, dec(pm["open_pnl"]).Equal(dec("-3.00")), "pnl %s", pm["open_pnl"])
	assert.True(t, dec(pm["equity"]).Equal(dec("49997.00")))
	assert.True(t, dec(pm["free_margin"]).Equal(dec("49886.98")),
		"free margin %s", pm["free_margin"])

	// Fill lands; margin flips executed and the snapshot follows.
	h.publishReport(t, model.ExecutionReport{
		OrderID:   res.OrderID,
		ExecID:    "E-1",
		OrdStatus: model.OrdExecuted,
		AvgPx:     dec("1.10010"),
	})
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))

	require.Eventually(t, func() bool {
		pm, err := h.store.GetPortfolioMap(ctx, user)
		return err == nil && dec(pm["used_margin_executed"]).Equal(dec("110.02"))
	}, 2*time.Second, 5*time.Millisecond, "fill never reflected in snapshot")

	pm, err = h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_all"]).Equal(dec("110.02")))
	assert.True(t, dec(pm["free_margin"]).Equal(dec("49886.98")))
}
