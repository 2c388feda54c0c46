package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/config"
	"contrarian-pullback-bot/internal/exchange"
	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/logging"
	"contrarian-pullback-bot/internal/marketdata"
	"contrarian-pullback-bot/internal/symbolstate"
)

func testConfig(symbols ...string) *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{APIKey: "k", APISecret: "s"},
		Trading: config.TradingConfig{
			Symbols:              symbols,
			PositionSizeUSDT:     100,
			Leverage:             10,
			EMAPeriod4H:          5,
			STPeriod4H:           3,
			STMultiplier4H:       3,
			STPeriod1H:           3,
			STMultiplier1H:       3,
			CheckIntervalSeconds: 300,
			Update4HHours:        4,
			MaxOpenPositions:     8,
		},
		CircuitBreaker: config.CircuitBreakerConfig{ConsecutiveFailureThreshold: 5, CooldownMinutes: 5},
	}
}

func testInstrument(symbol string) exchange.Instrument {
	return exchange.Instrument{Symbol: symbol, LotStep: 0.001, MinQty: 0.001, TickSize: 0.01}
}

func newTestController(t *testing.T, cfg *config.Config, client *exchange.MockClient) *Controller {
	t.Helper()
	stream := marketdata.New(true, logging.Noop())
	return New(cfg, client, stream, logging.Noop(), t.TempDir(), nil)
}

func seedState(c *Controller, symbol string, trend4H symbolstate.Trend, st4HDir, st1HDir indicator.Direction) {
	c.stateMu.Lock()
	c.states[symbol] = symbolstate.New(symbol)
	c.states[symbol].Indicators.Trend4H = trend4H
	c.states[symbol].Indicators.ST4HDir = st4HDir
	c.states[symbol].Indicators.ST1HDir = st1HDir
	c.stateMu.Unlock()

	c.instrumentsMu.Lock()
	c.instruments[symbol] = testInstrument(symbol)
	c.instrumentsMu.Unlock()

	c.balanceMu.Lock()
	c.balanceFresh = true
	c.availableBalance = 1000
	c.totalEquity = 1000
	c.balanceMu.Unlock()
}

func TestTryEntryOpensLongOnBullishPullback(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 50000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBullish, indicator.DirectionGreen, indicator.DirectionRed)

	c.tryEntry(context.Background(), "BTCUSDT", 1)

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()

	require.True(t, pos.HasPosition())
	assert.Equal(t, symbolstate.SideLong, pos.Side)
}

func TestTryEntrySkipsWhenTradingDisabled(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 50000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBullish, indicator.DirectionGreen, indicator.DirectionRed)
	c.SetTradingEnabled(false)

	c.tryEntry(context.Background(), "BTCUSDT", 1)

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.False(t, pos.HasPosition())
}

func TestTryEntryDedupesOnWatermark(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 50000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBullish, indicator.DirectionGreen, indicator.DirectionRed)

	c.tryEntry(context.Background(), "BTCUSDT", 100)
	c.stateMu.Lock()
	c.states["BTCUSDT"].ResetPosition()
	c.stateMu.Unlock()

	// Same or older candle timestamp must not re-trigger.
	c.tryEntry(context.Background(), "BTCUSDT", 100)

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.False(t, pos.HasPosition())
}

func TestCheckPartialTPDetectsFullExecution(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 50000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBullish, indicator.DirectionGreen, indicator.DirectionRed)

	c.stateMu.Lock()
	_ = c.states["BTCUSDT"].OpenPosition(symbolstate.SideLong, 0.02, 50000, time.Now())
	c.stateMu.Unlock()
	client.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Qty: 0.02})
	// seed the venue position directly since PlaceOrder without ReduceOnly opens a fresh one
	c.placePartialTP(context.Background(), "BTCUSDT")

	c.stateMu.Lock()
	tpID := c.states["BTCUSDT"].Position.TPOrderID
	c.stateMu.Unlock()
	require.NotEmpty(t, tpID)

	client.FillTPOrder("BTCUSDT", tpID)

	c.checkPartialTP(context.Background(), "BTCUSDT")

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.True(t, pos.PartialTPDone)
	assert.Empty(t, pos.TPOrderID)

	trades := c.TradeHistory()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].IsPartial)
}

func TestCheckExitClosesOnTrendFlip(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 49000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBearish, indicator.DirectionRed, indicator.DirectionGreen)

	c.stateMu.Lock()
	st := c.states["BTCUSDT"]
	_ = st.OpenPosition(symbolstate.SideLong, 0.02, 50000, time.Now().Add(-2*time.Hour))
	st.Indicators.ST4HPrevDir = indicator.DirectionGreen
	st.Indicators.HasST4HPrev = true
	c.stateMu.Unlock()

	client.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Qty: 0.02})

	c.checkExit(context.Background(), "BTCUSDT")

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.False(t, pos.HasPosition())

	trades := c.TradeHistory()
	require.Len(t, trades, 1)
	assert.False(t, trades[0].IsPartial)
	assert.Less(t, trades[0].PnL, 0.0)
}

func TestCheckExitOppositeDirectionOverridesCooldown(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Instruments["BTCUSDT"] = testInstrument("BTCUSDT")
	client.Tickers["BTCUSDT"] = 49000

	c := newTestController(t, cfg, client)
	seedState(c, "BTCUSDT", symbolstate.TrendBearish, indicator.DirectionRed, indicator.DirectionGreen)

	c.stateMu.Lock()
	st := c.states["BTCUSDT"]
	_ = st.OpenPosition(symbolstate.SideLong, 0.02, 50000, time.Now())
	// No previous direction recorded, so this is not a flip, but the 4H ST
	// is already red against the LONG: the exit goes through even though
	// the one-hour cooldown has just started.
	c.stateMu.Unlock()

	c.checkExit(context.Background(), "BTCUSDT")

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.False(t, pos.HasPosition())
}

func TestReconcileSymbolAdoptsUnknownRemotePosition(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	c := newTestController(t, cfg, client)

	c.stateMu.Lock()
	c.states["BTCUSDT"] = symbolstate.New("BTCUSDT")
	c.stateMu.Unlock()

	client.Tickers["BTCUSDT"] = 50000 // gives the mock position a positive entry price
	client.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Qty: 0.05})

	require.NoError(t, c.reconcileSymbol(context.Background(), "BTCUSDT"))

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	require.True(t, pos.HasPosition())
	assert.Equal(t, symbolstate.SideShort, pos.Side)
}

func TestReconcileSymbolResetsVanishedLocalPosition(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	c := newTestController(t, cfg, client)

	c.stateMu.Lock()
	c.states["BTCUSDT"] = symbolstate.New("BTCUSDT")
	_ = c.states["BTCUSDT"].OpenPosition(symbolstate.SideLong, 0.02, 50000, time.Now())
	c.stateMu.Unlock()

	require.NoError(t, c.reconcileSymbol(context.Background(), "BTCUSDT"))

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.False(t, pos.HasPosition())
}

func TestReconcileSymbolPreservesPartialTPWithinTolerance(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	client.Tickers["BTCUSDT"] = 50000
	c := newTestController(t, cfg, client)

	c.stateMu.Lock()
	c.states["BTCUSDT"] = symbolstate.New("BTCUSDT")
	_ = c.states["BTCUSDT"].OpenPosition(symbolstate.SideLong, 0.02, 50000, time.Now())
	c.states["BTCUSDT"].Position.PartialTPDone = true
	c.stateMu.Unlock()

	// 0.0195 differs from 0.02 by 2.5%, past the epsilon but within the 5%
	// same-side preserve tolerance.
	client.PlaceOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Qty: 0.0195})

	require.NoError(t, c.reconcileSymbol(context.Background(), "BTCUSDT"))

	c.stateMu.Lock()
	pos := c.states["BTCUSDT"].Position
	c.stateMu.Unlock()
	assert.True(t, pos.PartialTPDone)
	assert.InDelta(t, 0.0195, pos.Size, 0.0001)
}

func TestSampleEquityUsesAvailablePlusUnrealizedWhenOpen(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	c := newTestController(t, cfg, client)

	seedState(c, "BTCUSDT", symbolstate.TrendBullish, indicator.DirectionGreen, indicator.DirectionGreen)
	c.stateMu.Lock()
	_ = c.states["BTCUSDT"].OpenPosition(symbolstate.SideLong, 1, 100, time.Now())
	c.stateMu.Unlock()
	c.priceMu.Lock()
	c.prices["BTCUSDT"] = 110
	c.priceMu.Unlock()

	c.sampleEquity(context.Background())

	points := c.EquityHistory()
	require.Len(t, points, 1)
	assert.InDelta(t, 1010, points[0].Value, 0.001)
}

func TestSampleEquitySkipsWhenBalanceNotFresh(t *testing.T) {
	cfg := testConfig("BTCUSDT")
	client := exchange.NewMockClient(1000)
	c := newTestController(t, cfg, client)
	c.stateMu.Lock()
	c.states["BTCUSDT"] = symbolstate.New("BTCUSDT")
	c.stateMu.Unlock()

	c.sampleEquity(context.Background())
	assert.Empty(t, c.EquityHistory())
}
