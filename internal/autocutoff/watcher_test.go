package autocutoff

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	"fxcore/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeCloser struct {
	mu      sync.Mutex
	reqs    []model.CloseRequest
	fail    map[string]error
	onClose func(model.CloseRequest)
}

func (c *fakeCloser) CloseOrder(ctx context.Context, req model.CloseRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[req.OrderID]; err != nil {
		return err
	}
	c.reqs = append(c.reqs, req)
	if c.onClose != nil {
		c.onClose(req)
	}
	return nil
}

func (c *fakeCloser) Requests() []model.CloseRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.CloseRequest(nil), c.reqs...)
}

type fakeSender struct {
	mu       sync.Mutex
	attempts int
	sent     []string
	err      error
}

func (s *fakeSender) Send(ctx context.Context, to []string, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, subject)
	return nil
}

func (s *fakeSender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeAudit struct {
	mu   sync.Mutex
	recs []model.LiquidationRecord
}

func (a *fakeAudit) RecordLiquidation(ctx context.Context, rec model.LiquidationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *fakeAudit) Records() []model.LiquidationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.LiquidationRecord(nil), a.recs...)
}

type fxIdentity struct{}

func (fxIdentity) ConvertToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return amount, nil
}

type fixture struct {
	w      *Watcher
	store  *mock.MockStore
	closer *fakeCloser
	sender *fakeSender
	audit  *fakeAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureEmail(t, config.EmailConfig{
		Enabled: true,
		From:    "risk@fxcore.test",
		To:      []string{"desk@fxcore.test"},
	})
}

func newFixtureEmail(t *testing.T, email config.EmailConfig) *fixture {
	t.Helper()
	store := mock.NewMockStore()
	closer := &fakeCloser{fail: make(map[string]error)}
	sender := &fakeSender{}
	audit := &fakeAudit{}
	cfg := config.AutoCutoffConfig{AlertSentinelTTLSec: 3600, SettleWaitMs: 1}
	w := NewWatcher(cfg, email, mock.NewMockBus(),
		store, store, store, store, fxIdentity{}, store, closer, sender, audit,
		logging.NewNop())
	return &fixture{w: w, store: store, closer: closer, sender: sender, audit: audit}
}

func seedUser(t *testing.T, f *fixture, user model.UserKey, level string) {
	t.Helper()
	f.store.SetUserConfig(user, &model.UserConfig{
		WalletBalance:        dec("10000"),
		Leverage:             dec("100"),
		Group:                "Standard",
		SendingOrders:        model.SendingProvider,
		Status:               "verified",
		AutoCutoffLevel:      dec("50"),
		AutoLiquidationLevel: dec("10"),
	})
	setLevel(t, f, user, level, "1000")
}

func setLevel(t *testing.T, f *fixture, user model.UserKey, level, usedMargin string) {
	t.Helper()
	err := f.store.WritePortfolio(context.Background(), user, &model.Portfolio{
		Equity:        dec(level).Mul(dec(usedMargin)).Div(dec("100")),
		UsedMarginAll: dec(usedMargin),
		MarginLevel:   dec(level),
		CalcStatus:    model.CalcOK,
	})
	require.NoError(t, err)
}

func seedOrder(t *testing.T, f *fixture, user model.UserKey, id string, side model.Side, entry string, mutate ...func(*model.Order)) {
	t.Helper()
	o := &model.Order{
		OrderID:        id,
		UserID:         user.ID,
		UserType:       user.Type,
		Symbol:         "EURUSD",
		Side:           side,
		OrderQuantity:  dec("1"),
		OrderPrice:     dec(entry),
		Status:         model.StatusOpen,
		ExecStatus:     model.ExecExecuted,
		Group:          "Standard",
		Leverage:       dec("100"),
		ContractSize:   dec("10000"),
		ProfitCurrency: "USD",
		Spread:         dec("2"),
		SpreadPip:      dec("0.00001"),
	}
	for _, m := range mutate {
		m(o)
	}
	ctx := context.Background()
	require.NoError(t, f.store.SaveHolding(ctx, o))
	require.NoError(t, f.store.AddToOrderIndex(ctx, user, o.OrderID))
}

func TestEvaluateZeroUsedMarginIsSafe(t *testing.T) {
	f := newFixture(t)
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "5")
	setLevel(t, f, user, "5", "0")

	f.w.Evaluate(context.Background(), user)

	assert.Empty(t, f.closer.Requests())
	assert.Empty(t, f.sender.Sent())
	assert.Empty(t, f.audit.Records())
}

func TestEvaluateSafeZoneClearsStuckSentinel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "80")

	// A crashed run left the sentinel behind.
	got, err := f.store.AcquireLiquidationSentinel(ctx, user)
	require.NoError(t, err)
	require.True(t, got)

	f.w.Evaluate(ctx, user)

	got, err = f.store.AcquireLiquidationSentinel(ctx, user)
	require.NoError(t, err)
	assert.True(t, got, "safe zone must clear the liquidation sentinel")
	assert.Empty(t, f.closer.Requests())
	assert.Empty(t, f.sender.Sent())
}

func TestEvaluateAlertZoneSendsOneEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "30")

	f.w.Evaluate(ctx, user)
	f.w.Evaluate(ctx, user)

	sent := f.sender.Sent()
	require.Len(t, sent, 1, "sentinel must suppress the second alert")
	assert.Contains(t, sent[0], "live:42")
	assert.Empty(t, f.closer.Requests())
}

func TestEvaluateAlertEmailFailureAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "30")

	f.sender.SetErr(errors.New("smtp unreachable"))
	f.w.Evaluate(ctx, user)
	assert.Empty(t, f.sender.Sent())

	// The failed send must have released the sentinel.
	f.sender.SetErr(nil)
	f.w.Evaluate(ctx, user)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestEvaluateAlertDisabledKeepsSentinelFree(t *testing.T) {
	f := newFixtureEmail(t, config.EmailConfig{Enabled: false})
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "30")

	f.w.Evaluate(ctx, user)

	assert.Empty(t, f.sender.Sent())
	got, err := f.store.AcquireAlertSentinel(ctx, user, 0)
	require.NoError(t, err)
	assert.True(t, got, "disabled alerting must not burn the sentinel")
}

func TestEvaluateLiquidatesWorstLossFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "8")
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))

	// Losses at the current book: deep 150, mid 50, hedge -98 (in profit).
	seedOrder(t, f, user, "ord-mid", model.SideBuy, "1.1000")
	seedOrder(t, f, user, "ord-deep", model.SideBuy, "1.1100")
	seedOrder(t, f, user, "ord-hedge", model.SideSell, "1.1050")

	// Portfolio recovers after the second close.
	f.closer.onClose = func(model.CloseRequest) {
		if len(f.closer.reqs) == 2 {
			setLevel(t, f, user, "120", "400")
		}
	}

	f.w.Evaluate(ctx, user)

	reqs := f.closer.Requests()
	require.Len(t, reqs, 2, "must stop once the margin level recovers")
	assert.Equal(t, "ord-deep", reqs[0].OrderID)
	assert.Equal(t, "ord-mid", reqs[1].OrderID)
	for _, req := range reqs {
		assert.Equal(t, model.CloseMessageAutocutoff, req.CloseMessage)
		assert.Equal(t, "autocutoff_"+req.OrderID, req.TriggerLifecycleID)
		assert.Equal(t, user, req.User)
	}

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, user, recs[0].User)
	assert.Equal(t, 2, recs[0].OrdersClosed)
	assert.Empty(t, recs[0].CascadeFrom)
	assert.True(t, recs[0].MarginLevel.Equal(dec("8")), "got %s", recs[0].MarginLevel)

	got, err := f.store.AcquireLiquidationSentinel(ctx, user)
	require.NoError(t, err)
	assert.True(t, got, "sentinel must be released when the run finishes")
}

func TestEvaluateLiquidatesEverythingWhenLevelStaysLow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "8")
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))

	seedOrder(t, f, user, "ord-a", model.SideBuy, "1.1000")
	seedOrder(t, f, user, "ord-b", model.SideBuy, "1.1100")
	seedOrder(t, f, user, "ord-c", model.SideSell, "1.1050")

	f.w.Evaluate(ctx, user)

	require.Len(t, f.closer.Requests(), 3, "an unrecovered account closes out completely")
	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].OrdersClosed)
}

func TestEvaluateLiquidationSkipsParkedAndQueuedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "8")
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))

	seedOrder(t, f, user, "ord-open", model.SideBuy, "1.1000")
	seedOrder(t, f, user, "ord-parked", model.SideBuyStop, "1.1200", func(o *model.Order) {
		o.Status = model.StatusPending
		o.ExecStatus = model.ExecPending
	})
	seedOrder(t, f, user, "ord-queued", model.SideBuy, "1.1000", func(o *model.Order) {
		o.ExecStatus = model.ExecQueued
	})

	f.w.Evaluate(ctx, user)

	reqs := f.closer.Requests()
	require.Len(t, reqs, 1, "only executed positions are closable")
	assert.Equal(t, "ord-open", reqs[0].OrderID)
}

func TestEvaluateLiquidationSkipsWhenSentinelHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "8")
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))
	seedOrder(t, f, user, "ord-a", model.SideBuy, "1.1000")

	got, err := f.store.AcquireLiquidationSentinel(ctx, user)
	require.NoError(t, err)
	require.True(t, got)

	f.w.Evaluate(ctx, user)

	assert.Empty(t, f.closer.Requests())
	assert.Empty(t, f.audit.Records())
}

func TestEvaluateLiquidationCloseFailureMovesOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	seedUser(t, f, user, "8")
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))

	seedOrder(t, f, user, "ord-a", model.SideBuy, "1.1000")
	seedOrder(t, f, user, "ord-b", model.SideBuy, "1.1100")
	f.closer.fail["ord-b"] = errors.New("provider down")

	f.w.Evaluate(ctx, user)

	reqs := f.closer.Requests()
	require.Len(t, reqs, 1, "a failed close must not stall the run")
	assert.Equal(t, "ord-a", reqs[0].OrderID)
	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].OrdersClosed)
}

func TestEvaluateCascadesToFollowers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	provider := model.UserKey{Type: model.UserStrategyProvider, ID: "9"}
	follower := model.UserKey{Type: model.UserLive, ID: "7"}
	seedUser(t, f, provider, "5")
	seedUser(t, f, follower, "40")
	f.store.SetFollowers("9", []model.UserKey{follower})
	f.store.SetQuote("EURUSD", dec("1.0950"), dec("1.0952"))

	seedOrder(t, f, provider, "sp-ord", model.SideBuy, "1.1100")
	seedOrder(t, f, follower, "fl-ord", model.SideBuy, "1.1100")

	f.w.Evaluate(ctx, provider)

	reqs := f.closer.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "sp-ord", reqs[0].OrderID)
	assert.Equal(t, "fl-ord", reqs[1].OrderID)
	assert.Equal(t, follower, reqs[1].User)

	recs := f.audit.Records()
	require.Len(t, recs, 2)
	assert.Empty(t, recs[0].CascadeFrom)
	assert.Equal(t, "9", recs[1].CascadeFrom)
	assert.Equal(t, follower, recs[1].User)
	assert.True(t, recs[1].MarginLevel.Equal(dec("40")), "got %s", recs[1].MarginLevel)
}
