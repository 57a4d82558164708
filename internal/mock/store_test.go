package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fxcore/internal/core"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
)

func TestFakesSatisfyInterfaces(t *testing.T) {
	var _ core.IQuoteStore = (*MockStore)(nil)
	var _ core.IOrderStore = (*MockStore)(nil)
	var _ core.IPortfolioStore = (*MockStore)(nil)
	var _ core.IConfigStore = (*MockStore)(nil)
	var _ core.ILockStore = (*MockStore)(nil)
	var _ core.IIdemStore = (*MockStore)(nil)
	var _ core.IAckStore = (*MockStore)(nil)
	var _ core.ITriggerIndex = (*MockTriggerIndex)(nil)
	var _ core.IPendingIndex = (*MockPendingIndex)(nil)
	var _ core.IMarketBus = (*MockBus)(nil)
	var _ core.IQueuePublisher = (*MockQueuePublisher)(nil)
	var _ core.IDBUpdatePublisher = (*MockDBUpdates)(nil)
	var _ core.IProviderLink = (*MockProviderLink)(nil)
	var _ core.ICloseDispatcher = (*MockCloseDispatcher)(nil)
	var _ core.ISQLReadService = (*MockSQLRead)(nil)
	var _ core.IEmailSender = (*MockEmailSender)(nil)
	var _ core.IAlerter = (*MockAlerter)(nil)
}

func TestMockStore_PlacementSemantics(t *testing.T) {
	ctx := context.Background()
	st := NewMockStore()
	user := model.UserKey{Type: model.UserLive, ID: "42"}
	order := &model.Order{
		OrderID:       "OID-1",
		UserID:        user.ID,
		UserType:      user.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderQuantity: decimal.NewFromInt(1),
		OrderPrice:    decimal.RequireFromString("1.1001"),
	}
	totals := model.MarginTotals{
		Executed: decimal.NewFromInt(110),
		All:      decimal.NewFromInt(110),
	}

	if err := st.PlaceOrderAtomic(ctx, order, totals); !errors.Is(err, apperrors.ErrUserNotFound) {
		t.Fatalf("expected user_not_found, got %v", err)
	}

	st.SetUserConfig(user, &model.UserConfig{
		WalletBalance: decimal.NewFromInt(10000),
		Leverage:      decimal.NewFromInt(100),
		Group:         "standard",
		Status:        "verified",
	})
	if err := st.PlaceOrderAtomic(ctx, order, totals); err != nil {
		t.Fatalf("placement failed: %v", err)
	}
	if err := st.PlaceOrderAtomic(ctx, order, totals); !errors.Is(err, apperrors.ErrOrderExists) {
		t.Fatalf("expected order_exists, got %v", err)
	}

	pm, err := st.GetPortfolioMap(ctx, user)
	if err != nil {
		t.Fatalf("portfolio read failed: %v", err)
	}
	if pm["used_margin_executed"] != "110" || pm["used_margin_all"] != "110" {
		t.Fatalf("margin totals not written: %v", pm)
	}

	got, err := st.GetHolding(ctx, user, "OID-1")
	if err != nil {
		t.Fatalf("holding read failed: %v", err)
	}
	if got.Symbol != "EURUSD" || !got.OrderPrice.Equal(order.OrderPrice) {
		t.Fatalf("holding mismatch: %+v", got)
	}
}

func TestMockStore_IdempotencyContract(t *testing.T) {
	ctx := context.Background()
	st := NewMockStore()
	user := model.UserKey{Type: model.UserLive, ID: "7"}

	proceed, prior, err := st.BeginClientRequest(ctx, user, "req-1", time.Minute)
	if err != nil || !proceed || prior != nil {
		t.Fatalf("first begin: proceed=%v prior=%v err=%v", proceed, prior, err)
	}

	_, _, err = st.BeginClientRequest(ctx, user, "req-1", time.Minute)
	if !errors.Is(err, apperrors.ErrIdempotencyInProgress) {
		t.Fatalf("expected in-progress, got %v", err)
	}

	if err := st.StoreClientResult(ctx, user, "req-1", []byte(`{"ok":true}`), time.Minute); err != nil {
		t.Fatalf("store result: %v", err)
	}
	proceed, prior, err = st.BeginClientRequest(ctx, user, "req-1", time.Minute)
	if err != nil || proceed {
		t.Fatalf("replay begin: proceed=%v err=%v", proceed, err)
	}
	if string(prior) != `{"ok":true}` {
		t.Fatalf("expected stored result, got %q", prior)
	}
}

func TestMockStore_QuoteStaleness(t *testing.T) {
	ctx := context.Background()
	st := NewMockStore()
	st.SetQuote("EURUSD", decimal.RequireFromString("1.0999"), decimal.RequireFromString("1.1001"))

	if _, err := st.Get(ctx, "EURUSD"); err != nil {
		t.Fatalf("fresh quote read failed: %v", err)
	}

	st.AgeQuote("EURUSD", 6*time.Second)
	q, err := st.Get(ctx, "EURUSD")
	if !errors.Is(err, apperrors.ErrStaleQuote) {
		t.Fatalf("expected stale, got %v", err)
	}
	if !q.Bid.Valid {
		t.Fatal("stale read should still expose the last book")
	}

	if _, err := st.Get(ctx, "GBPUSD"); !errors.Is(err, apperrors.ErrNoQuote) {
		t.Fatalf("expected no quote, got %v", err)
	}
}

func TestMockStore_WaitAck(t *testing.T) {
	ctx := context.Background()
	st := NewMockStore()

	if _, err := st.WaitAck(ctx, []string{"X-1"}, 20*time.Millisecond); !errors.Is(err, apperrors.ErrAckTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	report := &model.ExecutionReport{Type: model.ReportType, OrderID: "X-1", OrdStatus: model.OrdExecuted}
	if err := st.WriteAck(ctx, "X-1", report, time.Minute); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := st.WaitAck(ctx, []string{"X-2", "X-1"}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("wait ack: %v", err)
	}
	if got.OrderID != "X-1" || got.OrdStatus != model.OrdExecuted {
		t.Fatalf("wrong ack: %+v", got)
	}
}

func TestZSetRangeBounds(t *testing.T) {
	z := zset{
		"low":  decimal.RequireFromString("1.10"),
		"mid":  decimal.RequireFromString("1.20"),
		"high": decimal.RequireFromString("1.30"),
	}

	got := z.rangeByScore("-inf", "1.20", 0)
	if len(got) != 2 || got[0] != "low" || got[1] != "mid" {
		t.Fatalf("upper-bounded range wrong: %v", got)
	}

	got = z.rangeByScore("1.20", "+inf", 0)
	if len(got) != 2 || got[0] != "mid" || got[1] != "high" {
		t.Fatalf("lower-bounded range wrong: %v", got)
	}

	got = z.rangeByScore("-inf", "+inf", 2)
	if len(got) != 2 || got[0] != "low" {
		t.Fatalf("limited range wrong: %v", got)
	}
}
