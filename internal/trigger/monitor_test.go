package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxcore/internal/config"
	"fxcore/internal/execution"
	"fxcore/internal/margin"
	"fxcore/internal/mock"
	"fxcore/internal/model"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/logging"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var liveUser = model.UserKey{Type: model.UserLive, ID: "42"}

type fixture struct {
	monitor *Monitor
	engine  *execution.Engine
	store   *mock.MockStore
	index   *mock.MockTriggerIndex
	db      *mock.MockDBUpdates
}

// newFixture wires the monitor to a real execution engine over mock
// storage so fires settle end to end.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := mock.NewMockStore()
	index := mock.NewMockTriggerIndex()
	pending := mock.NewMockPendingIndex()
	provider := mock.NewMockProviderLink()
	db := mock.NewMockDBUpdates()
	sqlread := mock.NewMockSQLRead()
	sqlread.SetEnabled(false)

	eng := execution.NewEngine(config.ExecutionConfig{CancelAckWaitSec: 1, CloseAckWaitSec: 1}, execution.Deps{
		Orders:     store,
		Configs:    store,
		Quotes:     store,
		Portfolios: store,
		Locks:      store,
		Idem:       store,
		Acks:       store,
		Triggers:   index,
		Pending:    pending,
		Margin:     margin.NewEngine(store, logging.NewNop()),
		Provider:   provider,
		DBUpdates:  db,
		SQLRead:    sqlread,
	}, logging.NewNop())

	mon := NewMonitor(config.TriggerConfig{TickMs: 150, Batch: 100, CloseProcessingTTLSec: 15},
		store, store, index, store, eng, logging.NewNop())
	t.Cleanup(func() { mon.pool.Stop() })

	store.SetUserConfig(liveUser, &model.UserConfig{
		WalletBalance: dec("10000"),
		Leverage:      dec("100"),
		Group:         "Standard",
		SendingOrders: model.SendingLocal,
		Status:        "verified",
	})
	store.SetGroupConfig("Standard", "EURUSD", &model.GroupConfig{
		ContractSize:   dec("100000"),
		ProfitCurrency: "USD",
		Type:           model.InstrumentFX,
		Spread:         dec("2"),
		SpreadPip:      dec("0.00001"),
	})
	store.SetQuote("EURUSD", dec("1.10000"), dec("1.10002"))

	return &fixture{monitor: mon, engine: eng, store: store, index: index, db: db}
}

// openWithStopLoss places a BUY and arms an SL at the given price.
func (f *fixture) openWithStopLoss(t *testing.T, slPrice string) string {
	t.Helper()
	ctx := context.Background()
	res := f.engine.ExecuteInstantOrder(ctx, execution.OrderRequest{
		UserID:        liveUser.ID,
		UserType:      liveUser.Type,
		Symbol:        "EURUSD",
		Side:          model.SideBuy,
		OrderPrice:    dec("1.10002"),
		OrderQuantity: dec("0.1"),
		OrderStatus:   "OPEN",
	})
	require.True(t, res.Success, "placement failed: %s", res.Reason)
	require.NoError(t, f.engine.SetStopLoss(ctx, execution.TriggerRequest{
		OrderID:  res.OrderID,
		UserID:   liveUser.ID,
		UserType: liveUser.Type,
		Price:    dec(slPrice),
	}))
	return res.OrderID
}

func lastUpdate(t *testing.T, db *mock.MockDBUpdates, typ model.DBUpdateType) model.DBUpdate {
	t.Helper()
	updates := db.Updates()
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Type == typ {
			return updates[i]
		}
	}
	t.Fatalf("no %s update published", typ)
	return model.DBUpdate{}
}

func TestStopLossFiresOnBidDrop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orderID := f.openWithStopLoss(t, "1.09500")

	// Above the trigger: nothing fires.
	f.monitor.scanOnce(ctx)
	_, err := f.store.GetHolding(ctx, liveUser, orderID)
	require.NoError(t, err)

	// Bid drops through the stop. Score is 1.09501, so 1.09500 fires.
	f.store.SetQuote("EURUSD", dec("1.09500"), dec("1.09502"))
	f.monitor.scanOnce(ctx)

	_, err = f.store.GetHolding(ctx, liveUser, orderID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound, "position settled")

	u := lastUpdate(t, f.db, model.DBOrderCloseConfirmed)
	assert.Equal(t, model.CloseMessageStopLoss, u.Payload["close_message"])
	assert.Equal(t, "trigger_stoploss_"+orderID, u.Payload["trigger_lifecycle_id"])
	// Close fills at bid minus the half-spread.
	assert.Equal(t, "1.09499", u.Payload["close_price"])

	// The fired entry is gone; a second sweep is a no-op.
	before := len(f.db.Updates())
	f.monitor.scanOnce(ctx)
	assert.Len(t, f.db.Updates(), before)
}

func TestTakeProfitFiresOnBidRise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orderID := f.openWithStopLoss(t, "1.09500")
	require.NoError(t, f.engine.SetTakeProfit(ctx, execution.TriggerRequest{
		OrderID:  orderID,
		UserID:   liveUser.ID,
		UserType: liveUser.Type,
		Price:    dec("1.10500"),
	}))

	f.store.SetQuote("EURUSD", dec("1.10501"), dec("1.10503"))
	f.monitor.scanOnce(ctx)

	u := lastUpdate(t, f.db, model.DBOrderCloseConfirmed)
	assert.Equal(t, model.CloseMessageTakeProfit, u.Payload["close_message"])
	assert.Equal(t, "trigger_takeprofit_"+orderID, u.Payload["trigger_lifecycle_id"])

	// Settling the close removed the armed stop-loss entry as well.
	ids, err := f.index.Range(ctx, "EURUSD", model.SideBuy, model.TriggerStopLoss, "-inf", "+inf", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSentinelSuppressesDoubleFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orderID := f.openWithStopLoss(t, "1.09500")
	f.store.SetQuote("EURUSD", dec("1.09500"), dec("1.09502"))

	// Another replica owns the close.
	ok, err := f.store.AcquireCloseProcessing(ctx, orderID, 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	f.monitor.scanOnce(ctx)
	_, err = f.store.GetHolding(ctx, liveUser, orderID)
	require.NoError(t, err, "sentinel holder owns the close; no dispatch here")

	// Once released, the next sweep settles it.
	require.NoError(t, f.store.ReleaseCloseProcessing(ctx, orderID))
	f.monitor.scanOnce(ctx)
	_, err = f.store.GetHolding(ctx, liveUser, orderID)
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestStaleEntryIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Index entry without a backing order.
	require.NoError(t, f.index.Add(ctx, model.Trigger{
		OrderID: "vanished",
		Symbol:  "EURUSD",
		Side:    model.SideBuy,
		Kind:    model.TriggerStopLoss,
		Price:   dec("1.20000"),
		Score:   dec("1.20001"),
	}))

	f.monitor.scanOnce(ctx)

	ids, err := f.index.Range(ctx, "EURUSD", model.SideBuy, model.TriggerStopLoss, "-inf", "+inf", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "orphaned entry cleaned up")
	assert.Empty(t, f.db.Types())

	// The sentinel was released, so a real order under the same id could
	// still fire later.
	ok, err := f.store.AcquireCloseProcessing(ctx, "vanished", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScanSkipsSymbolsWithoutQuotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.index.Add(ctx, model.Trigger{
		OrderID: "o1",
		Symbol:  "GBPUSD",
		Side:    model.SideBuy,
		Kind:    model.TriggerStopLoss,
		Price:   dec("1.25000"),
		Score:   dec("1.25001"),
	}))

	// No GBPUSD quote seeded: the sweep must not touch the entry.
	f.monitor.scanOnce(ctx)
	ids, err := f.index.Range(ctx, "GBPUSD", model.SideBuy, model.TriggerStopLoss, "-inf", "+inf", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, ids)
}
