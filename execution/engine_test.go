package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/tradeguard/types"
)

type harness struct {
	engine *Engine
	market *fakeMarket
	orders *fakeOrders
	store  *fakeStore
	risk   *fakeRisk
	events *eventLog
	clock  *clock
}

func newHarness(t *testing.T, mode ProtectionMode, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ProtectionMode = mode
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		market: newFakeMarket(),
		orders: newFakeOrders(),
		store:  newFakeStore(),
		risk:   &fakeRisk{},
		events: &eventLog{},
		clock:  newClock(),
	}
	var seq atomic.Int64
	e, err := NewEngine(cfg, h.market, h.orders, h.store, h.risk,
		WithNotifier(h.events),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("pos-%d", seq.Add(1)) }),
	)
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) open(t *testing.T, symbol string, side types.Side, entry, qty, stop, target string) *types.Position {
	t.Helper()
	intent := types.EntryIntent{
		Symbol:     symbol,
		Side:       side,
		Quantity:   d(qty),
		Price:      d(entry),
		StopLoss:   d(stop),
		TakeProfit: decimal.Zero,
		Confidence: 0.7,
	}
	if target != "" {
		intent.TakeProfit = d(target)
	}
	fill := &types.OrderResult{OrderID: "entry-" + symbol, FilledQty: d(qty), AvgPrice: d(entry)}
	pos, err := h.engine.CreatePosition(context.Background(), fill, intent)
	require.NoError(t, err)
	return pos
}

// ═══════════════════════════════════════════════════════════════════════════════
// CREATE
// ═══════════════════════════════════════════════════════════════════════════════

func TestCreatePosition_ConcurrentCapacity(t *testing.T) {
	h := newHarness(t, ProtectionLocal, func(c *Config) { c.MaxConcurrentPositions = 1 })

	var wg sync.WaitGroup
	var ok, limited atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.CreatePosition(context.Background(), nil, types.EntryIntent{
				Symbol:   fmt.Sprintf("SYM%dUSDT", i),
				Side:     types.SideLong,
				Quantity: d("1"),
				Price:    d("10"),
				StopLoss: d("9"),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrPositionLimit):
				limited.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 15, limited.Load())
	assert.Len(t, h.engine.Positions(), 1)
}

func TestCreatePosition_OnePerSymbol(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")

	assert.False(t, h.engine.CanOpenPosition("BTCUSDT"))
	assert.True(t, h.engine.CanOpenPosition("ETHUSDT"))

	_, err := h.engine.CreatePosition(context.Background(), nil, types.EntryIntent{
		Symbol: "BTCUSDT", Side: types.SideShort, Quantity: d("1"), Price: d("100"), StopLoss: d("102"),
	})
	assert.ErrorIs(t, err, ErrSymbolOpen)
}

func TestCreatePosition_FillOverridesIntent(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	intent := types.EntryIntent{Symbol: "ETHUSDT", Side: types.SideLong, Quantity: d("2"), Price: d("3000"), StopLoss: d("2940")}

	pos, err := h.engine.CreatePosition(context.Background(), &types.OrderResult{OrderID: "o1", FilledQty: d("1.5"), AvgPrice: d("3001.5")}, intent)
	require.NoError(t, err)
	assert.True(t, pos.EntryPrice.Equal(d("3001.5")))
	assert.True(t, pos.Quantity.Equal(d("1.5")))
	assert.Equal(t, "o1", pos.EntryOrderID)
	assert.Equal(t, types.StatusOpen, pos.Status)
	assert.True(t, pos.InitialStopLoss.Equal(d("2940")))

	stored := h.store.get(pos.ID)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusOpen, stored.Status)
	assert.Contains(t, h.events.kinds(), types.EventPositionOpened)
}

func TestCreatePosition_FillWithoutPriceUsesIntent(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	intent := types.EntryIntent{Symbol: "ETHUSDT", Side: types.SideLong, Quantity: d("2"), Price: d("3000"), StopLoss: d("2940")}

	pos, err := h.engine.CreatePosition(context.Background(), &types.OrderResult{OrderID: "o1"}, intent)
	require.NoError(t, err)
	assert.True(t, pos.EntryPrice.Equal(d("3000")))
	assert.True(t, pos.Quantity.Equal(d("2")))
}

func TestCreatePosition_StoreFailureReleasesSlot(t *testing.T) {
	h := newHarness(t, ProtectionLocal, func(c *Config) { c.MaxConcurrentPositions = 1 })
	h.store.saveErr = errBoom

	_, err := h.engine.CreatePosition(context.Background(), nil, types.EntryIntent{
		Symbol: "BTCUSDT", Side: types.SideLong, Quantity: d("1"), Price: d("100"), StopLoss: d("98"),
	})
	require.ErrorIs(t, err, errBoom)
	assert.Empty(t, h.engine.Positions())
	assert.True(t, h.engine.CanOpenPosition("BTCUSDT"))
}

func TestCreatePosition_ExchangeModePlacesProtection(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")

	assert.Equal(t, "oco-"+pos.ID, pos.OCOGroupID)
	assert.Equal(t, "oco-"+pos.ID, h.store.get(pos.ID).OCOGroupID)

	placed, _, _ := h.orders.counts()
	assert.Equal(t, 1, placed)
}

func TestCreatePosition_ProtectionFailureKeepsPosition(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	h.orders.placeErr = errBoom

	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	assert.False(t, pos.HasProtection())
	assert.Len(t, h.engine.Positions(), 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLOSE
// ═══════════════════════════════════════════════════════════════════════════════

func TestClosePosition_PnL(t *testing.T) {
	tests := []struct {
		side    types.Side
		stop    string
		wantPnL string
		wantPct string
	}{
		{types.SideLong, "95", "20", "10"},
		{types.SideShort, "105", "-20", "-10"},
	}
	for _, tt := range tests {
		t.Run(string(tt.side), func(t *testing.T) {
			h := newHarness(t, ProtectionLocal)
			pos := h.open(t, "SOLUSDT", tt.side, "100", "2", tt.stop, "")
			h.clock.Advance(time.Minute)

			require.NoError(t, h.engine.ClosePosition(context.Background(), pos.ID, d("110"), types.ExitManual, "x1"))

			stored := h.store.get(pos.ID)
			assert.Equal(t, types.StatusClosed, stored.Status)
			assert.True(t, stored.RealizedPnL.Equal(d(tt.wantPnL)), stored.RealizedPnL.String())
			assert.True(t, stored.RealizedPnLPercent.Equal(d(tt.wantPct)), stored.RealizedPnLPercent.String())
			assert.Equal(t, types.ExitManual, stored.ExitReason)
			assert.False(t, stored.ExitTime.Before(stored.EntryTime))

			require.Len(t, h.risk.recorded(), 1)
			assert.True(t, h.risk.recorded()[0].Equal(d(tt.wantPnL)))
			assert.Empty(t, h.engine.Positions())
			assert.True(t, h.engine.CanOpenPosition("SOLUSDT"))
		})
	}
}

func TestClosePosition_StoreFailureKeepsOpen(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.store.closeErr = errBoom

	err := h.engine.ClosePosition(context.Background(), pos.ID, d("101"), types.ExitManual, "")
	require.ErrorIs(t, err, errBoom)

	cur, ok := h.engine.Position(pos.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusOpen, cur.Status)
	assert.Empty(t, h.risk.recorded())

	h.store.closeErr = nil
	require.NoError(t, h.engine.ClosePosition(context.Background(), pos.ID, d("101"), types.ExitManual, ""))
	assert.Len(t, h.risk.recorded(), 1)
}

func TestClosePosition_RiskBookingRetried(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	first := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	second := h.open(t, "ETHUSDT", types.SideLong, "100", "1", "98", "")
	h.risk.fail(errBoom)

	require.NoError(t, h.engine.ClosePosition(context.Background(), first.ID, d("97"), types.ExitStopLoss, ""))
	assert.Equal(t, types.StatusClosed, h.store.get(first.ID).Status)
	assert.Equal(t, 1, h.engine.PendingBookings())

	ev, ok := h.events.find(types.EventBookingFailed)
	require.True(t, ok)
	assert.Equal(t, types.PriorityHigh, ev.Priority)
	assert.Equal(t, first.ID, ev.PositionID)

	h.risk.fail(nil)
	require.NoError(t, h.engine.ClosePosition(context.Background(), second.ID, d("103"), types.ExitManual, ""))
	assert.Zero(t, h.engine.PendingBookings())
	booked := h.risk.recorded()
	require.Len(t, booked, 2)
	assert.True(t, booked[0].Equal(d("-3")), "booked in close order")
	assert.True(t, booked[1].Equal(d("3")))
}

func TestCheckPositions_ReplaysFailedBooking(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.risk.fail(errBoom)
	require.NoError(t, h.engine.ClosePosition(context.Background(), pos.ID, d("101"), types.ExitManual, ""))

	h.engine.CheckPositions(context.Background())
	assert.Equal(t, 1, h.engine.PendingBookings(), "still failing")

	h.risk.fail(nil)
	h.engine.CheckPositions(context.Background())
	assert.Zero(t, h.engine.PendingBookings())
	require.Len(t, h.risk.recorded(), 1)
	assert.True(t, h.risk.recorded()[0].Equal(d("1")))
}

func TestClosePosition_Unknown(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	err := h.engine.ClosePosition(context.Background(), "nope", d("1"), types.ExitManual, "")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestCloseAll(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.open(t, "ETHUSDT", types.SideShort, "50", "1", "52", "")
	h.market.setPrice("BTCUSDT", "101")
	h.market.setPrice("ETHUSDT", "49")

	errs := h.engine.CloseAll(context.Background(), types.ExitManual)
	assert.Empty(t, errs)
	assert.Empty(t, h.engine.Positions())
	_, _, closes := h.orders.counts()
	assert.Equal(t, 2, closes)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MONITORING
// ═══════════════════════════════════════════════════════════════════════════════

func TestCheckPositions_LocalStopLoss(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	h.market.setPrice("BTCUSDT", "97.5")
	h.orders.closePrice = d("97.4")

	h.engine.CheckPositions(context.Background())

	stored := h.store.get(pos.ID)
	assert.Equal(t, types.StatusClosed, stored.Status)
	assert.Equal(t, types.ExitStopLoss, stored.ExitReason)
	assert.True(t, stored.ExitPrice.Equal(d("97.4")))
	assert.Equal(t, "exit-1", stored.ExitOrderID)
	assert.Subset(t, h.events.kinds(), []types.EventType{types.EventStopHit, types.EventPositionClosed})
}

func TestCheckPositions_LocalTakeProfitShort(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideShort, "100", "1", "102", "94")
	h.market.setPrice("BTCUSDT", "93.5")

	h.engine.CheckPositions(context.Background())

	stored := h.store.get(pos.ID)
	assert.Equal(t, types.ExitTakeProfit, stored.ExitReason)
	assert.True(t, stored.ExitPrice.Equal(d("93.5")), "falls back to the observed price")
	assert.True(t, stored.RealizedPnL.Equal(d("6.5")))
	assert.Contains(t, h.events.kinds(), types.EventTargetHit)
}

func TestCheckPositions_NoTargetNeverTakesProfit(t *testing.T) {
	h := newHarness(t, ProtectionLocal, func(c *Config) { c.TrailingActivationPct = 50 })
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.market.setPrice("BTCUSDT", "140")

	h.engine.CheckPositions(context.Background())
	assert.Len(t, h.engine.Positions(), 1)
}

func TestCheckPositions_MarketCloseFailureRetries(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.market.setPrice("BTCUSDT", "97")
	h.orders.closeErr = errBoom

	h.engine.CheckPositions(context.Background())
	cur, ok := h.engine.Position(pos.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusOpen, cur.Status)

	h.orders.closeErr = nil
	h.engine.CheckPositions(context.Background())
	_, ok = h.engine.Position(pos.ID)
	assert.False(t, ok)
}

func TestCheckPositions_PriceErrorSkipsTick(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.market.priceErr = errBoom

	h.engine.CheckPositions(context.Background())
	assert.Len(t, h.engine.Positions(), 1)
}

type stubPrices struct {
	price decimal.Decimal
	at    time.Time
}

func (s stubPrices) Latest(string) (decimal.Decimal, time.Time, bool) { return s.price, s.at, true }

func TestCheckPositions_StalePushPriceIgnored(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.market.setPrice("BTCUSDT", "100")

	h.engine.prices = stubPrices{price: d("90"), at: h.clock.Now().Add(-time.Minute)}
	h.engine.CheckPositions(context.Background())
	assert.Len(t, h.engine.Positions(), 1)

	h.engine.prices = stubPrices{price: d("90"), at: h.clock.Now()}
	h.engine.CheckPositions(context.Background())
	assert.Empty(t, h.engine.Positions())
}

func TestCheckPositions_TrailingMovesStop(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100000", "0.01", "98000", "")
	h.market.setPrice("BTCUSDT", "102000")

	h.engine.CheckPositions(context.Background())

	cur, _ := h.engine.Position(pos.ID)
	assert.True(t, cur.StopLoss.Equal(d("100980")), cur.StopLoss.String())
	assert.True(t, cur.TrailingActive)

	stored := h.store.get(pos.ID)
	assert.True(t, stored.StopLoss.Equal(d("100980")))
	assert.True(t, stored.TrailingActive)
	assert.Contains(t, h.events.kinds(), types.EventTrailingUpdated)

	// a later stop-out is booked as a trailing stop
	h.clock.Advance(5 * time.Second)
	h.market.setPrice("BTCUSDT", "100900")
	h.engine.CheckPositions(context.Background())
	assert.Equal(t, types.ExitTrailingStop, h.store.get(pos.ID).ExitReason)
}

func TestCheckPositions_TrailingStoreFailureKeepsOldStop(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100000", "0.01", "98000", "")
	h.market.setPrice("BTCUSDT", "102000")
	h.store.updateStopErr = errBoom

	h.engine.CheckPositions(context.Background())

	cur, _ := h.engine.Position(pos.ID)
	assert.True(t, cur.StopLoss.Equal(d("98000")))
	assert.False(t, cur.TrailingActive)

	h.orders.mu.Lock()
	stops := append([]decimal.Decimal(nil), h.orders.stops...)
	h.orders.mu.Unlock()
	require.Len(t, stops, 2)
	assert.True(t, stops[0].Equal(d("100980")))
	assert.True(t, stops[1].Equal(d("98000")), "exchange stop reverted")
}

func TestCheckPositions_ExchangeStopRejected(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100000", "0.01", "98000", "")
	h.market.setPrice("BTCUSDT", "102000")
	h.orders.updateStopErr = errBoom

	h.engine.CheckPositions(context.Background())

	assert.True(t, h.store.get(pos.ID).StopLoss.Equal(d("98000")))
	cur, _ := h.engine.Position(pos.ID)
	assert.True(t, cur.StopLoss.Equal(d("98000")))
}

func TestCheckPositions_ExchangeFill(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	h.market.setPrice("BTCUSDT", "99")

	h.orders.mu.Lock()
	h.orders.status[pos.ID] = &types.ProtectionStatus{State: types.ProtectionSLFilled, FillPrice: d("97.9"), OrderID: "sl-fill"}
	h.orders.mu.Unlock()

	h.engine.CheckPositions(context.Background())

	stored := h.store.get(pos.ID)
	assert.Equal(t, types.ExitStopLoss, stored.ExitReason)
	assert.True(t, stored.ExitPrice.Equal(d("97.9")))
	assert.Equal(t, "sl-fill", stored.ExitOrderID)

	_, _, closes := h.orders.counts()
	assert.Zero(t, closes, "exchange already flattened")
}

func TestCheckPositions_ActiveProtectionSuppressesLocalTrigger(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	h.market.setPrice("BTCUSDT", "97")

	h.engine.CheckPositions(context.Background())

	assert.Len(t, h.engine.Positions(), 1)
	_, _, closes := h.orders.counts()
	assert.Zero(t, closes)
}

func TestCheckPositions_RetriesMissingProtection(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	h.orders.placeErr = errBoom
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	h.market.setPrice("BTCUSDT", "100")
	h.orders.placeErr = nil

	h.engine.CheckPositions(context.Background())
	placed, _, _ := h.orders.counts()
	assert.Zero(t, placed, "retry interval not elapsed")

	h.clock.Advance(time.Minute)
	h.engine.CheckPositions(context.Background())
	placed, _, _ = h.orders.counts()
	assert.Equal(t, 1, placed)

	cur, _ := h.engine.Position(pos.ID)
	assert.True(t, cur.HasProtection())
}

func TestCheckPositions_UnknownProtectionRearms(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	pos := h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "106")
	h.market.setPrice("BTCUSDT", "100")

	h.orders.mu.Lock()
	delete(h.orders.status, pos.ID)
	h.orders.mu.Unlock()

	h.engine.CheckPositions(context.Background())
	cur, _ := h.engine.Position(pos.ID)
	assert.False(t, cur.HasProtection())
	assert.Empty(t, h.store.get(pos.ID).OCOGroupID)

	h.engine.CheckPositions(context.Background())
	placed, _, _ := h.orders.counts()
	assert.Equal(t, 2, placed)
	cur, _ = h.engine.Position(pos.ID)
	assert.True(t, cur.HasProtection())
}

func TestMonitoringLoop(t *testing.T) {
	h := newHarness(t, ProtectionLocal, func(c *Config) { c.MonitorInterval = 5 * time.Millisecond })
	h.open(t, "BTCUSDT", types.SideLong, "100", "1", "98", "")
	h.market.setPrice("BTCUSDT", "97")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.StartMonitoring(ctx)
	h.engine.StartMonitoring(ctx)

	require.Eventually(t, func() bool { return len(h.engine.Positions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	h.engine.StopMonitoring()
	h.engine.StopMonitoring()
	assert.Len(t, h.risk.recorded(), 1)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECOVERY
// ═══════════════════════════════════════════════════════════════════════════════

func seedPosition(h *harness, id, symbol string, side types.Side, protected bool) {
	pos := &types.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: d("100"),
		Quantity:   d("0.01"),
		EntryTime:  h.clock.Now().Add(-time.Hour),
		StopLoss:   d("98"),
		TakeProfit: d("106"),
		Status:     types.StatusOpen,
	}
	if side == types.SideShort {
		pos.StopLoss, pos.TakeProfit = d("102"), d("94")
	}
	if protected {
		pos.OCOGroupID, pos.StopOrderID = "oco-"+id, "sl-"+id
	}
	_ = h.store.SavePosition(context.Background(), pos)
}

func TestRecovery_Idempotent(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	seedPosition(h, "p-1", "BTCUSDT", types.SideLong, true)
	h.market.balances["BTC"] = d("0.01")
	h.orders.status["p-1"] = &types.ProtectionStatus{State: types.ProtectionActive}

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.Recovered)

	report, err = h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Recovered)
	assert.Equal(t, []string{"p-1"}, report.Skipped)

	placed, _, _ := h.orders.counts()
	assert.Zero(t, placed)
	assert.Len(t, h.engine.Positions(), 1)
}

func TestRecovery_LongBalanceGone(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	seedPosition(h, "p-1", "BTCUSDT", types.SideLong, false)
	h.market.balances["BTC"] = d("0.009")
	h.market.setPrice("BTCUSDT", "101")

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.ClosedDuringDowntime)

	stored := h.store.get("p-1")
	assert.Equal(t, types.StatusClosed, stored.Status)
	assert.Equal(t, types.ExitRecoveredClosed, stored.ExitReason)
	require.Len(t, h.risk.recorded(), 1)
	assert.True(t, h.risk.recorded()[0].Equal(d("0.01")))
	assert.Empty(t, h.engine.Positions())
}

func TestRecovery_LongBalanceHeld(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	seedPosition(h, "p-1", "BTCUSDT", types.SideLong, false)
	h.market.balances["BTC"] = d("0.0096")

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.Recovered)
}

func TestRecovery_ProtectionFilledOffline(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	seedPosition(h, "p-1", "ETHUSDT", types.SideShort, true)
	h.orders.status["p-1"] = &types.ProtectionStatus{State: types.ProtectionTPFilled, FillPrice: d("93.8")}

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.ClosedDuringDowntime)
	assert.Equal(t, types.ExitTakeProfit, h.store.get("p-1").ExitReason)
	assert.True(t, h.store.get("p-1").ExitPrice.Equal(d("93.8")))
}

func TestRecovery_RearmsProtection(t *testing.T) {
	h := newHarness(t, ProtectionExchange, func(c *Config) { c.MaxConcurrentPositions = 1 })
	seedPosition(h, "p-1", "ETHUSDT", types.SideShort, false)
	seedPosition(h, "p-2", "SOLUSDT", types.SideShort, false)

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p-1", "p-2"}, report.Recovered, "recovery ignores the cap")

	placed, _, _ := h.orders.counts()
	assert.Equal(t, 2, placed)
	assert.Equal(t, "oco-p-1", h.store.get("p-1").OCOGroupID)
	assert.Contains(t, h.events.kinds(), types.EventRecovery)
}

func TestRecovery_StatusErrorKeepsLinkage(t *testing.T) {
	h := newHarness(t, ProtectionExchange)
	seedPosition(h, "p-1", "BTCUSDT", types.SideLong, true)
	h.market.balances["BTC"] = d("0.01")
	h.orders.statusErr = errBoom

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.Recovered)

	placed, cancelled, _ := h.orders.counts()
	assert.Zero(t, placed, "no second protective group")
	assert.Zero(t, cancelled)
	assert.Equal(t, "oco-p-1", h.store.get("p-1").OCOGroupID)

	cur, ok := h.engine.Position("p-1")
	require.True(t, ok)
	assert.True(t, cur.HasProtection())
}

func TestRecovery_PendingPromotedToOpen(t *testing.T) {
	h := newHarness(t, ProtectionLocal)
	seedPosition(h, "p-1", "BTCUSDT", types.SideLong, false)
	h.store.mu.Lock()
	h.store.positions["p-1"].Status = types.StatusPending
	h.store.mu.Unlock()
	h.market.balances["BTC"] = d("0.01")

	report, err := h.engine.RecoverPositionsOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, report.Recovered)
	assert.Equal(t, types.StatusOpen, h.store.get("p-1").Status)

	h.market.setPrice("BTCUSDT", "102")
	h.engine.CheckPositions(context.Background())

	stored := h.store.get("p-1")
	assert.True(t, stored.TrailingActive)
	assert.True(t, stored.StopLoss.Equal(d("100.98")), stored.StopLoss.String())
}
