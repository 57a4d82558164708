package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/audit"
	"fxcore/internal/autocutoff"
	"fxcore/internal/execution"
	"fxcore/internal/mock"
	"fxcore/internal/model"
)

func openBuy(t *testing.T, h *harness, user model.UserKey, qty string) string {
	t.Helper()
	res := h.engine.ExecuteInstantOrder(context.Background(), execution.OrderRequest{
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderPrice:    dec("1.10002"),
		OrderQuantity: dec(qty),
		OrderStatus:   "OPEN",
	})
	require.True(t, res.Success, "placement failed: %s (%s)", res.Reason, res.Cause)
	return res.OrderID
}

func startWatcher(t *testing.T, h *harness, bus *mock.MockBus, email *mock.MockEmailSender, emailEnabled bool) *audit.SQLiteStore {
	t.Helper()
	auditStore, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "liquidations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	acfg := h.cfg.AutoCutoff
	acfg.SettleWaitMs = 10
	ecfg := h.cfg.Email
	if emailEnabled {
		ecfg.Enabled = true
		ecfg.To = []string{"risk@example.com"}
	}

	w := autocutoff.NewWatcher(acfg, ecfg, bus, h.store, h.store, h.store, h.store,
		h.margin, h.store, h.engine, email, auditStore, h.logger)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return auditStore
}

// Two BUY 0.1 positions on a 250 balance (used margin 220.006). The first
// drawdown lands the margin level in the alert band (68.18%): exactly one
// email, positions untouched. The second drawdown breaches the liquidation
// level (40.91%): the watcher force-closes everything, worst loss first,
// with the Autocutoff close reason, and writes one audit row.
func TestAutoCutoffAlertThenLiquidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "9"}

	h.seedUser(user, "Standard", "250", model.SendingLocal)
	h.seedGroup("Standard", "EURUSD", "2")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10002"))

	first := openBuy(t, h, user, "0.1")
	second := openBuy(t, h, user, "0.1")

	bus := mock.NewMockBus()
	email := mock.NewMockEmailSender()
	auditStore := startWatcher(t, h, bus, email, true)
	startCalculator(t, h, bus)

	// Equity 250 - 2*50 = 150 -> level 68.18%: alert band.
	h.store.SetQuote("EURUSD", dec("1.09504"), dec("1.09506"))
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))
	require.Eventually(t, func() bool {
		return len(email.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond, "margin alert never sent")
	assert.Equal(t, "Margin alert: live:9 at 68.18%", email.Sent()[0].Subject)

	open, err := h.store.ListOpenOrders(ctx, user)
	require.NoError(t, err)
	assert.Len(t, open, 2, "alert band must not close positions")

	// Another tick in the band: the sentinel holds the alert to one send.
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, email.Sent(), 1, "alert must be one-shot")

	// Equity 250 - 2*80 = 90 -> level 40.91%: liquidation.
	h.store.SetQuote("EURUSD", dec("1.09204"), dec("1.09206"))
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))
	require.Eventually(t, func() bool {
		open, err := h.store.ListOpenOrders(ctx, user)
		return err == nil && len(open) == 0
	}, 5*time.Second, 10*time.Millisecond, "liquidation never drained the book")

	wantTrigger := map[string]string{
		first:  "autocutoff_" + first,
		second: "autocutoff_" + second,
	}
	closes := 0
	for _, u := range h.db.Updates() {
		if u.Type != model.DBOrderCloseConfirmed {
			continue
		}
		closes++
		assert.Equal(t, model.CloseMessageAutocutoff, u.Payload["close_message"])
		assert.Equal(t, wantTrigger[u.OrderID], u.Payload["trigger_lifecycle_id"])
	}
	assert.Equal(t, 2, closes)

	var recs []model.LiquidationRecord
	require.Eventually(t, func() bool {
		recs, err = auditStore.Liquidations(ctx, user, 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond, "audit row never written")
	assert.Equal(t, 2, recs[0].OrdersClosed)
	assert.Empty(t, recs[0].CascadeFrom)
	assert.Equal(t, "40.91", recs[0].MarginLevel.StringFixed(2))

	pm, err := h.store.GetPortfolioMap(ctx, user)
	require.NoError(t, err)
	assert.True(t, dec(pm["used_margin_all"]).IsZero())
}

// A breached strategy provider drags its copy followers down: after the
// provider's own book is drained, every follower is liquidated regardless
// of its own margin level, and the follower's audit row names the provider.
func TestLiquidationCascadesToFollowers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	provider := model.UserKey{Type: model.UserStrategyProvider, ID: "sp1"}
	follower := model.UserKey{Type: model.UserCopyFollower, ID: "cf1"}

	h.seedUser(provider, "Standard", "250", model.SendingLocal)
	h.seedUser(follower, "Standard", "10000", model.SendingLocal)
	h.seedGroup("Standard", "EURUSD", "2")
	h.store.SetQuote("EURUSD", dec("1.10000"), dec("1.10002"))
	h.store.SetFollowers(provider.ID, []model.UserKey{follower})

	openBuy(t, h, provider, "0.1")
	openBuy(t, h, provider, "0.1")
	followerOrder := openBuy(t, h, follower, "0.1")

	bus := mock.NewMockBus()
	email := mock.NewMockEmailSender()
	auditStore := startWatcher(t, h, bus, email, false)
	startCalculator(t, h, bus)

	// Provider at 40.91%, follower at ~9000%: only the provider breaches.
	h.store.SetQuote("EURUSD", dec("1.09204"), dec("1.09206"))
	require.NoError(t, bus.PublishSymbols(ctx, []string{"EURUSD"}))

	require.Eventually(t, func() bool {
		open, err := h.store.ListOpenOrders(ctx, follower)
		return err == nil && len(open) == 0
	}, 5*time.Second, 10*time.Millisecond, "cascade never reached the follower")

	open, err := h.store.ListOpenOrders(ctx, provider)
	require.NoError(t, err)
	assert.Empty(t, open, "provider book must drain before the cascade")

	var provRecs, folRecs []model.LiquidationRecord
	require.Eventually(t, func() bool {
		provRecs, _ = auditStore.Liquidations(ctx, provider, 10)
		folRecs, _ = auditStore.Liquidations(ctx, follower, 10)
		return len(provRecs) == 1 && len(folRecs) == 1
	}, 2*time.Second, 10*time.Millisecond, "audit rows never written")

	assert.Equal(t, 2, provRecs[0].OrdersClosed)
	assert.Empty(t, provRecs[0].CascadeFrom)
	assert.Equal(t, 1, folRecs[0].OrdersClosed)
	assert.Equal(t, provider.ID, folRecs[0].CascadeFrom)

	for _, u := range h.db.Updates() {
		if u.Type == model.DBOrderCloseConfirmed && u.OrderID == followerOrder {
			assert.Equal(t, model.CloseMessageAutocutoff, u.Payload["close_message"])
		}
	}
	assert.Empty(t, email.Sent(), "no alert on a straight liquidation breach")
}
