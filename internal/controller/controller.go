// Package controller is the trading system's orchestrator: it owns
// per-symbol state, the realtime-price map, kline watermarks, the equity and
// trade journals, the circuit breaker, and the background tasks that keep
// all of it in sync with the exchange.
package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"contrarian-pullback-bot/config"
	"contrarian-pullback-bot/internal/audit"
	"contrarian-pullback-bot/internal/circuit"
	"contrarian-pullback-bot/internal/events"
	"contrarian-pullback-bot/internal/exchange"
	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/journal"
	"contrarian-pullback-bot/internal/marketdata"
	"contrarian-pullback-bot/internal/metrics"
	"contrarian-pullback-bot/internal/strategy"
	"contrarian-pullback-bot/internal/symbolstate"
)

const (
	kline1HInterval = "60"
	kline4HInterval = "240"
	restTimeout     = 15 * time.Second
	startupTimeout  = 60 * time.Second
	shutdownJoin    = 5 * time.Second
	maxOpenCap      = 8
)

// Controller is the heart of the system: see spec §4.6.
type Controller struct {
	cfg    *config.Config
	client exchange.Client
	stream *marketdata.Stream
	log    zerolog.Logger

	breaker       *circuit.Breaker
	equityJournal *journal.EquityJournal
	tradeJournal  *journal.TradeJournal
	events        *events.Bus
	audit         *audit.Mirror

	// state_lock
	stateMu sync.Mutex
	states  map[string]*symbolstate.State

	// entry_lock
	entryMu sync.Mutex

	// price_lock
	priceMu sync.Mutex
	prices  map[string]float64

	// processed_candles_lock (kept distinct from state_lock per spec §5,
	// even though in practice it always guards the same watermark fields)
	candlesMu sync.Mutex

	balanceMu        sync.Mutex
	availableBalance float64
	totalEquity      float64
	balanceFresh     bool

	instrumentsMu sync.Mutex
	instruments   map[string]exchange.Instrument

	tradingEnabledMu sync.Mutex
	tradingEnabled   bool

	// settingsMu guards the subset of trading settings the dashboard API can
	// change at runtime via ApplySettings: leverage, position size, and
	// margin mode. Everything else in cfg.Trading is fixed at startup.
	settingsMu       sync.RWMutex
	leverage         int
	positionSizeUSDT float64
	marginMode       exchange.MarginMode

	running   bool
	runMu     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	iteration int
}

// New builds a Controller. dataDir is the directory equity/trade journals
// live under (spec §6: `data/`).
func New(cfg *config.Config, client exchange.Client, stream *marketdata.Stream, log zerolog.Logger, dataDir string, bus *events.Bus) *Controller {
	log = log.With().Str("component", "controller").Logger()
	if bus == nil {
		bus = events.New()
	}
	c := &Controller{
		cfg:              cfg,
		client:           client,
		stream:           stream,
		log:              log,
		breaker:          circuit.New(cfg.CircuitBreaker),
		equityJournal:    journal.NewEquityJournal(filepath.Join(dataDir, "equity_history.json"), log),
		tradeJournal:     journal.NewTradeJournal(filepath.Join(dataDir, "trade_history.json"), log),
		events:           bus,
		states:           make(map[string]*symbolstate.State),
		prices:           make(map[string]float64),
		instruments:      make(map[string]exchange.Instrument),
		tradingEnabled:   true,
		leverage:         cfg.Trading.Leverage,
		positionSizeUSDT: cfg.Trading.PositionSizeUSDT,
		marginMode:       exchange.MarginMode(cfg.Trading.MarginMode),
	}
	if c.marginMode == "" {
		c.marginMode = exchange.MarginIsolated
	}
	c.breaker.OnTrip(func(reason string) {
		c.events.CircuitBreakerTripped(reason)
		metrics.IncCircuitBreakerTrip()
	})
	c.breaker.OnReset(func() { c.events.CircuitBreakerReset() })
	c.stream.OnReconnect(metrics.IncWSReconnect)
	return c
}

// Start validates config, applies leverage/margin mode, reconciles remote
// positions, primes kline caches, connects the WebSocket, and launches the
// periodic loop. It blocks until setup completes or startupTimeout elapses.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return fmt.Errorf("controller: already running")
	}
	c.running = true
	c.runMu.Unlock()

	if err := c.cfg.Validate(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	setupCtx, cancelSetup := context.WithTimeout(runCtx, startupTimeout)
	defer cancelSetup()

	for _, symbol := range c.cfg.Trading.Symbols {
		c.stateMu.Lock()
		c.states[symbol] = symbolstate.New(symbol)
		c.stateMu.Unlock()

		leverage, _, marginMode := c.tradingSettings()
		if err := c.client.SetLeverage(setupCtx, symbol, leverage); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("set leverage failed")
		}
		if err := c.client.SetMarginMode(setupCtx, symbol, marginMode); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("set margin mode failed")
		}

		if err := c.reconcileSymbol(setupCtx, symbol); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("initial reconcile failed")
		}

		if inst, err := c.client.GetInstrument(setupCtx, symbol); err == nil && inst != nil {
			c.instrumentsMu.Lock()
			c.instruments[symbol] = *inst
			c.instrumentsMu.Unlock()
		}

		c.primeKlineCache(setupCtx, symbol, kline1HInterval, c.cfg.Trading.STPeriod1H+1)
		c.primeKlineCache(setupCtx, symbol, kline4HInterval, c.cfg.Trading.EMAPeriod4H)
		c.refresh4HTrend(setupCtx, symbol)
		c.refresh1HSignal(setupCtx, symbol)
	}

	c.refreshBalance(setupCtx)

	for _, symbol := range c.cfg.Trading.Symbols {
		symbol := symbol
		if err := c.stream.SubscribeTicker(symbol, func(sym string, price float64) {
			c.priceMu.Lock()
			c.prices[sym] = price
			c.priceMu.Unlock()
			c.events.PriceUpdate(sym, price)
		}); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("ticker subscribe failed")
		}
		if err := c.stream.SubscribeKline(symbol, kline1HInterval, c.onConfirmed1HCandle); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("1h kline subscribe failed")
		}
		if err := c.stream.SubscribeKline(symbol, kline4HInterval, nil); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("4h kline subscribe failed")
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.stream.Run(runCtx); err != nil && runCtx.Err() == nil {
			c.log.Error().Err(err).Msg("market data stream exited, falling back to REST polling only")
		}
	}()

	c.wg.Add(1)
	go c.periodicLoop(runCtx)

	c.log.Info().Int("symbols", len(c.cfg.Trading.Symbols)).Msg("controller started")
	c.events.Publish(events.Event{Type: events.TypeBotStarted})
	return nil
}

// Stop sets the running flag false, cancels background work, joins with a
// 5s timeout, and flushes both journals.
func (c *Controller) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.runMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownJoin):
		c.log.Warn().Msg("shutdown join timed out, proceeding anyway")
	}

	c.equityJournal.Close()
	c.tradeJournal.Close()
	c.log.Info().Msg("controller stopped")
	c.events.Publish(events.Event{Type: events.TypeBotStopped})
}

// SetTradingEnabled toggles the entry-path guard from the dashboard API.
func (c *Controller) SetTradingEnabled(enabled bool) {
	c.tradingEnabledMu.Lock()
	c.tradingEnabled = enabled
	c.tradingEnabledMu.Unlock()
	c.events.TradingEnabledChanged(enabled)
}

func (c *Controller) isTradingEnabled() bool {
	c.tradingEnabledMu.Lock()
	defer c.tradingEnabledMu.Unlock()
	return c.tradingEnabled
}

// tradingSettings returns the current leverage, position size, and margin
// mode, safe for concurrent use with ApplySettings.
func (c *Controller) tradingSettings() (int, float64, exchange.MarginMode) {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.leverage, c.positionSizeUSDT, c.marginMode
}

// ApplySettings updates leverage, position size, and margin mode and
// re-applies leverage/margin mode across every configured symbol. Called
// from the dashboard API's settings endpoint; a failure on one symbol is
// logged and does not block the rest.
func (c *Controller) ApplySettings(ctx context.Context, leverage int, positionSizeUSDT float64, marginMode exchange.MarginMode) error {
	if leverage < 1 || leverage > 100 {
		return fmt.Errorf("controller: leverage must be between 1 and 100, got %d", leverage)
	}
	if positionSizeUSDT <= 0 {
		return fmt.Errorf("controller: position_size_usdt must be positive")
	}
	if marginMode != exchange.MarginIsolated && marginMode != exchange.MarginCross {
		return fmt.Errorf("controller: unknown margin mode %q", marginMode)
	}

	c.settingsMu.Lock()
	c.leverage = leverage
	c.positionSizeUSDT = positionSizeUSDT
	c.marginMode = marginMode
	c.settingsMu.Unlock()

	for _, symbol := range c.cfg.Trading.Symbols {
		applyCtx, cancel := context.WithTimeout(ctx, restTimeout)
		if err := c.client.SetLeverage(applyCtx, symbol, leverage); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("re-apply leverage failed")
		}
		if err := c.client.SetMarginMode(applyCtx, symbol, marginMode); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("re-apply margin mode failed")
		}
		cancel()
	}
	c.log.Info().Int("leverage", leverage).Float64("position_size_usdt", positionSizeUSDT).
		Str("margin_mode", string(marginMode)).Msg("settings updated")
	return nil
}

// periodicLoop implements spec §4.6's periodic loop.
func (c *Controller) periodicLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Trading.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(ctx context.Context) {
	if ok, reason := c.breaker.CanTrade(); !ok {
		c.log.Debug().Str("reason", reason).Msg("circuit breaker open, skipping iteration")
		return
	}

	c.iteration++
	if c.iteration%10 == 0 {
		c.refreshBalance(ctx)
	}

	for _, symbol := range c.cfg.Trading.Symbols {
		if err := c.reconcileSymbol(ctx, symbol); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("reconcile failed")
			continue
		}

		c.stateMu.Lock()
		st := c.states[symbol]
		stale := st != nil && (st.Indicators.Last4HUpdate.IsZero() ||
			time.Since(st.Indicators.Last4HUpdate) > c.cfg.Trading.Update4HStaleAfter())
		c.stateMu.Unlock()
		if stale {
			c.refresh4HTrend(ctx, symbol)
		}
		c.refresh1HSignal(ctx, symbol)

		c.stateMu.Lock()
		hasPosition := c.states[symbol].Position.HasPosition()
		c.stateMu.Unlock()
		if hasPosition {
			c.checkPartialTP(ctx, symbol)
			c.checkExit(ctx, symbol)
		}
	}

	c.sampleEquity(ctx)
}

func (c *Controller) recordAdapterResult(err error) {
	if err != nil {
		c.breaker.RecordFailure(err.Error())
		return
	}
	c.breaker.RecordSuccess()
}

func (c *Controller) primeKlineCache(ctx context.Context, symbol, interval string, limit int) {
	restCtx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	candles, err := c.client.GetKlines(restCtx, symbol, interval, limit)
	c.recordAdapterResult(err)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("prime kline cache failed")
		return
	}
	c.stream.Seed(symbol, interval, candles)
}

func (c *Controller) refresh4HTrend(ctx context.Context, symbol string) {
	candles, err := c.fetchCandles(ctx, symbol, kline4HInterval, c.cfg.Trading.EMAPeriod4H)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("4h refresh failed")
		return
	}
	ema, err := indicator.EMA(candles, c.cfg.Trading.EMAPeriod4H)
	if err != nil {
		return
	}
	st, err := indicator.SuperTrend(candles, c.cfg.Trading.STPeriod4H, c.cfg.Trading.STMultiplier4H)
	if err != nil {
		return
	}
	closePrice := candles[len(candles)-1].Close
	trend := strategy.TrendFilter(closePrice, ema, st.Direction)

	c.stateMu.Lock()
	if s := c.states[symbol]; s != nil {
		s.UpdateTrend4H(trend, ema, st.Value, st.Direction, time.Now())
	}
	c.stateMu.Unlock()
}

func (c *Controller) refresh1HSignal(ctx context.Context, symbol string) {
	candles, err := c.fetchCandles(ctx, symbol, kline1HInterval, c.cfg.Trading.STPeriod1H+1)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("1h refresh failed")
		return
	}
	st, err := indicator.SuperTrend(candles, c.cfg.Trading.STPeriod1H, c.cfg.Trading.STMultiplier1H)
	if err != nil {
		return
	}
	c.stateMu.Lock()
	if s := c.states[symbol]; s != nil {
		s.Update1HSignal(st.Direction, st.Value)
	}
	c.stateMu.Unlock()
}

// fetchCandles prefers the live WS cache and falls back to REST when it's
// too thin (e.g. right after startup or after a stream outage).
func (c *Controller) fetchCandles(ctx context.Context, symbol, interval string, minLen int) ([]indicator.Candle, error) {
	cached := c.stream.Klines(symbol, interval, minLen, false)
	if len(cached) >= minLen {
		return cached, nil
	}
	restCtx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	candles, err := c.client.GetKlines(restCtx, symbol, interval, minLen)
	c.recordAdapterResult(err)
	return candles, err
}

func (c *Controller) refreshBalance(ctx context.Context) {
	restCtx, cancel := context.WithTimeout(ctx, restTimeout)
	defer cancel()
	available, ok, err := c.client.GetWalletBalance(restCtx)
	c.recordAdapterResult(err)
	if err != nil || !ok {
		return
	}
	equity, ok, err := c.client.GetTotalEquity(restCtx)
	c.recordAdapterResult(err)
	if err != nil || !ok {
		return
	}
	c.balanceMu.Lock()
	c.availableBalance = available
	c.totalEquity = equity
	c.balanceFresh = true
	c.balanceMu.Unlock()
}

func (c *Controller) currentPrice(symbol string) (float64, bool) {
	c.priceMu.Lock()
	defer c.priceMu.Unlock()
	price, ok := c.prices[symbol]
	return price, ok
}

func (c *Controller) sideToVenue(side symbolstate.Side) exchange.Side {
	if side == symbolstate.SideLong {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

func (c *Controller) oppositeVenueSide(side symbolstate.Side) exchange.Side {
	if side == symbolstate.SideLong {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// StatusSnapshot is the read-only view the dashboard API exposes.
type StatusSnapshot struct {
	Running          bool
	TradingEnabled   bool
	BreakerState     circuit.State
	BreakerUntil     time.Time
	AvailableBalance float64
	TotalEquity      float64
	Symbols          []symbolstate.Snapshot
}

// Status builds a StatusSnapshot for the dashboard.
func (c *Controller) Status() StatusSnapshot {
	breakerState, until := c.breaker.State()

	c.balanceMu.Lock()
	available, equity := c.availableBalance, c.totalEquity
	c.balanceMu.Unlock()

	c.stateMu.Lock()
	symbols := make([]symbolstate.Snapshot, 0, len(c.states))
	for _, s := range c.states {
		symbols = append(symbols, s.Snapshot())
	}
	c.stateMu.Unlock()

	c.runMu.Lock()
	running := c.running
	c.runMu.Unlock()

	return StatusSnapshot{
		Running:          running,
		TradingEnabled:   c.isTradingEnabled(),
		BreakerState:     breakerState,
		BreakerUntil:     until,
		AvailableBalance: available,
		TotalEquity:      equity,
		Symbols:          symbols,
	}
}

// SetAuditMirror attaches the optional Postgres audit mirror. Called once
// during wiring, before Start, when DATABASE_URL is configured.
func (c *Controller) SetAuditMirror(m *audit.Mirror) { c.audit = m }

// ChartSnapshot is the recent-candles-plus-indicator-overlay view the
// dashboard API exposes for a single symbol.
type ChartSnapshot struct {
	Symbol  string
	Candles []indicator.Candle
	State   symbolstate.Snapshot
}

// Chart returns the most recent 1h candles for symbol plus its current
// indicator overlay. ok is false if symbol isn't tracked.
func (c *Controller) Chart(symbol string, limit int) (ChartSnapshot, bool) {
	c.stateMu.Lock()
	st := c.states[symbol]
	c.stateMu.Unlock()
	if st == nil {
		return ChartSnapshot{}, false
	}
	candles := c.stream.Klines(symbol, kline1HInterval, limit, false)
	return ChartSnapshot{Symbol: symbol, Candles: candles, State: st.Snapshot()}, true
}

// EquityHistory exposes the equity journal for the dashboard.
func (c *Controller) EquityHistory() []journal.EquityPoint { return c.equityJournal.Snapshot() }

// TradeHistory exposes the trade journal for the dashboard.
func (c *Controller) TradeHistory() []journal.TradeRecord { return c.tradeJournal.Snapshot() }

// currentEquityValue implements spec §4.6's equity valuation rule: total
// equity when flat, available balance plus unrealized PnL when any position
// is open. fresh reports whether the cached wallet balance has ever been
// refreshed; openCount is the number of symbols currently in a position.
func (c *Controller) currentEquityValue() (value float64, openCount int, fresh bool) {
	c.balanceMu.Lock()
	fresh = c.balanceFresh
	available, totalEquity := c.availableBalance, c.totalEquity
	c.balanceMu.Unlock()

	c.stateMu.Lock()
	anyOpen := false
	unrealized := 0.0
	for symbol, s := range c.states {
		if !s.Position.HasPosition() {
			continue
		}
		anyOpen = true
		openCount++
		if price, ok := c.currentPrice(symbol); ok {
			unrealized += s.UnrealizedPnL(price)
		}
	}
	c.stateMu.Unlock()

	value = totalEquity
	if anyOpen {
		value = available + unrealized
	}
	return value, openCount, fresh
}

// sampleEquity implements spec §4.6's equity series sampling rule: total
// equity when flat, available balance plus unrealized PnL when in position.
func (c *Controller) sampleEquity(ctx context.Context) {
	value, openCount, fresh := c.currentEquityValue()
	if !fresh {
		return
	}
	c.equityJournal.Append(value, false)
	c.events.EquityUpdate(value)
	c.mirrorEquityPoint(value)
	metrics.SetEquity(value)
	metrics.SetOpenPositions(openCount)
}

// mirrorEquityPoint best-effort mirrors an equity point into the audit
// database, if configured. Failures are logged and otherwise ignored: the
// journal file remains the system of record.
func (c *Controller) mirrorEquityPoint(value float64) {
	if c.audit == nil {
		return
	}
	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()
		if err := c.audit.AppendEquityPoint(mirrorCtx, value, time.Now()); err != nil {
			c.log.Warn().Err(err).Msg("audit mirror: append equity point failed")
		}
	}()
}

// recordClosedTrade appends to the trade journal and forces an equity point,
// as every exit and partial-TP execution must per spec §4.6.
func (c *Controller) recordClosedTrade(ctx context.Context, trade journal.TradeRecord) {
	c.tradeJournal.Append(trade)
	c.events.TradeClosed(trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice, trade.Size,
		trade.PnL, trade.PnLPercent, trade.IsPartial)
	c.mirrorTrade(trade)
	metrics.IncTrade(trade.Symbol, trade.Side)

	value, _, _ := c.currentEquityValue()
	c.equityJournal.Append(value, true)
	c.mirrorEquityPoint(value)
}

func (c *Controller) mirrorTrade(trade journal.TradeRecord) {
	if c.audit == nil {
		return
	}
	go func() {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), restTimeout)
		defer cancel()
		err := c.audit.CreateTrade(mirrorCtx, audit.Trade{
			Symbol: trade.Symbol, Side: trade.Side, EntryPrice: trade.EntryPrice,
			ExitPrice: trade.ExitPrice, Quantity: trade.Size, PnL: trade.PnL,
			PnLPercent: trade.PnLPercent, EntryTime: trade.EntryTime, ExitTime: trade.ExitTime,
			IsPartial: trade.IsPartial, ReconciledFromTarget: trade.ReconciledFromTarget,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", trade.Symbol).Msg("audit mirror: create trade failed")
		}
	}()
}
