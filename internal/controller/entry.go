package controller

import (
	"context"
	"time"

	"contrarian-pullback-bot/internal/exchange"
	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/journal"
	"contrarian-pullback-bot/internal/strategy"
	"contrarian-pullback-bot/internal/symbolstate"
)

// onConfirmed1HCandle is the marketdata kline callback that triggers the
// entry path. It calls tryEntry synchronously on the stream's read
// goroutine (no goroutine is started), so the read loop resumes only after
// the entry path, including its REST calls, returns. tryEntry does its own
// locking throughout.
func (c *Controller) onConfirmed1HCandle(symbol, interval string, candle indicator.Candle, confirmed bool) {
	if !confirmed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), restTimeout*2)
	defer cancel()
	c.tryEntry(ctx, symbol, candle.TimestampMs)
}

// tryEntry implements spec §4.6's entry path, steps 1-5.
func (c *Controller) tryEntry(ctx context.Context, symbol string, candleTs int64) {
	if !c.dedupeWatermark(symbol, candleTs) {
		return
	}

	c.refresh1HSignal(ctx, symbol)

	c.stateMu.Lock()
	st := c.states[symbol]
	if st == nil {
		c.stateMu.Unlock()
		return
	}
	alreadyInPosition := st.Position.HasPosition()
	trend4H := st.Indicators.Trend4H
	st1HDir := st.Indicators.ST1HDir
	c.stateMu.Unlock()

	if alreadyInPosition {
		return
	}
	if ok, _ := c.breaker.CanTrade(); !ok {
		return
	}
	if !c.isTradingEnabled() {
		return
	}
	if trend4H != symbolstate.TrendBullish && trend4H != symbolstate.TrendBearish {
		return
	}
	side := strategy.EntrySignal(trend4H, st1HDir)
	if side == symbolstate.SideNone {
		return
	}
	if c.openPositionCount() >= c.openPositionCap() {
		return
	}

	c.balanceMu.Lock()
	fresh := c.balanceFresh
	available := c.availableBalance
	c.balanceMu.Unlock()
	leverage, positionSizeUSDT, _ := c.tradingSettings()
	required := strategy.RequiredMargin(positionSizeUSDT, leverage)
	if !fresh || available < required {
		return
	}

	c.entryMu.Lock()
	defer c.entryMu.Unlock()

	// Re-verify under the entry lock: another path (periodic tick +
	// reconciliation) may have opened a position between the checks above
	// and acquiring the lock.
	c.stateMu.Lock()
	if c.states[symbol].Position.HasPosition() {
		c.stateMu.Unlock()
		return
	}
	c.stateMu.Unlock()

	c.balanceMu.Lock()
	available = c.availableBalance
	c.balanceMu.Unlock()
	if available < required {
		return
	}

	price, ok := c.currentPrice(symbol)
	if !ok {
		ticker, err := c.client.GetTicker(ctx, symbol)
		c.recordAdapterResult(err)
		if err != nil || ticker == nil {
			return
		}
		price = ticker.LastPrice
	}

	_, positionSizeUSDT, _ := c.tradingSettings()
	qty, err := c.client.CalculateQty(ctx, symbol, positionSizeUSDT, price)
	c.recordAdapterResult(err)
	if err != nil || qty <= 0 {
		return
	}

	resp, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: symbol, Side: c.sideToVenue(side), Qty: qty, Type: exchange.OrderTypeMarket,
	})
	c.recordAdapterResult(err)
	if err != nil || (resp.RetCode != 0 && !exchange.IsBenign(resp.RetCode)) {
		c.log.Warn().Str("symbol", symbol).Int("retCode", resp.RetCode).Str("retMsg", resp.RetMsg).Msg("entry order rejected")
		return
	}

	time.Sleep(time.Second)

	pos, err := c.client.GetPosition(ctx, symbol)
	c.recordAdapterResult(err)
	if err != nil || pos == nil || pos.Size <= 0 || pos.EntryPrice <= 0 {
		c.log.Warn().Str("symbol", symbol).Msg("entry order placed but position not confirmed")
		return
	}

	c.stateMu.Lock()
	_ = c.states[symbol].OpenPosition(side, pos.Size, pos.EntryPrice, time.Now())
	c.stateMu.Unlock()

	c.log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("size", pos.Size).
		Float64("entry", pos.EntryPrice).Msg("entered position")
	c.events.TradeOpened(symbol, string(side), pos.EntryPrice, pos.Size)

	c.placePartialTP(ctx, symbol)
}

func (c *Controller) dedupeWatermark(symbol string, candleTs int64) bool {
	c.candlesMu.Lock()
	defer c.candlesMu.Unlock()

	c.stateMu.Lock()
	st := c.states[symbol]
	if st == nil {
		c.stateMu.Unlock()
		return false
	}
	if candleTs <= st.Watermarks.Processed1H {
		c.stateMu.Unlock()
		return false
	}
	st.Watermarks.Processed1H = candleTs
	c.stateMu.Unlock()
	return true
}

func (c *Controller) openPositionCount() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	n := 0
	for _, s := range c.states {
		if s.Position.HasPosition() {
			n++
		}
	}
	return n
}

func (c *Controller) openPositionCap() int {
	if c.cfg.Trading.MaxOpenPositions > 0 {
		return c.cfg.Trading.MaxOpenPositions
	}
	return maxOpenCap
}

// placePartialTP implements spec §4.6's partial TP placement, called once
// right after entry and again from checkPartialTP whenever a TP needs
// (re)placing.
func (c *Controller) placePartialTP(ctx context.Context, symbol string) {
	c.stateMu.Lock()
	st := c.states[symbol]
	if st == nil || !st.Position.HasPosition() || st.Position.PartialTPDone || st.Position.TPOrderID != "" {
		c.stateMu.Unlock()
		return
	}
	side := st.Position.Side
	entry := st.Position.EntryPrice
	size := st.Position.Size
	c.stateMu.Unlock()

	c.instrumentsMu.Lock()
	inst := c.instruments[symbol]
	c.instrumentsMu.Unlock()

	leverage, positionSizeUSDT, _ := c.tradingSettings()
	target, err := strategy.ComputeTPTarget(side, entry, size, positionSizeUSDT, leverage, inst.LotStep)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("TP target computation failed")
		return
	}
	price := strategy.RoundToTick(target.Price, inst.TickSize)
	if inst.MinPrice > 0 && price < inst.MinPrice {
		price = inst.MinPrice
	}
	if inst.MaxPrice > 0 && price > inst.MaxPrice {
		price = inst.MaxPrice
	}

	resp, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: symbol, Side: c.oppositeVenueSide(side), Qty: target.Quantity,
		Type: exchange.OrderTypeLimit, ReduceOnly: true, Price: price,
	})
	c.recordAdapterResult(err)
	if err != nil || (resp.RetCode != 0 && !exchange.IsBenign(resp.RetCode)) {
		c.log.Warn().Str("symbol", symbol).Int("retCode", resp.RetCode).Msg("TP order rejected")
		return
	}

	c.stateMu.Lock()
	if s := c.states[symbol]; s != nil && s.Position.HasPosition() {
		s.Position.TPOrderID = resp.OrderID
	}
	c.stateMu.Unlock()
}

// checkPartialTP implements spec §4.6's execution-detection rules.
func (c *Controller) checkPartialTP(ctx context.Context, symbol string) {
	c.stateMu.Lock()
	st := c.states[symbol]
	if st == nil || !st.Position.HasPosition() {
		c.stateMu.Unlock()
		return
	}
	tpID := st.Position.TPOrderID
	localSize := st.Position.Size
	side := st.Position.Side
	entry := st.Position.EntryPrice
	partialTPDone := st.Position.PartialTPDone
	c.stateMu.Unlock()

	if tpID == "" {
		if !partialTPDone {
			c.placePartialTP(ctx, symbol)
		}
		return
	}

	openOrders, err := c.client.GetOpenOrders(ctx, symbol)
	c.recordAdapterResult(err)
	if err != nil {
		return
	}
	stillOpen := false
	for _, o := range openOrders {
		if o.OrderID == tpID {
			stillOpen = true
			break
		}
	}
	if stillOpen {
		return
	}

	pos, err := c.client.GetPosition(ctx, symbol)
	c.recordAdapterResult(err)
	if err != nil {
		return
	}
	remoteSize := 0.0
	if pos != nil {
		remoteSize = pos.Size
	}
	if localSize <= 0 {
		return
	}
	ratio := remoteSize / localSize

	switch {
	case ratio < 0.6:
		c.handlePartialTPExecuted(ctx, symbol, tpID, side, entry, localSize, remoteSize, false)
	case ratio >= 0.95:
		c.stateMu.Lock()
		if s := c.states[symbol]; s != nil {
			s.Position.TPOrderID = ""
		}
		c.stateMu.Unlock()
	case ratio >= 0.45 && ratio <= 0.55:
		c.handlePartialTPExecuted(ctx, symbol, tpID, side, entry, localSize, remoteSize, true)
	default:
		c.stateMu.Lock()
		if s := c.states[symbol]; s != nil {
			s.Position.TPOrderID = ""
		}
		c.stateMu.Unlock()
		c.log.Warn().Str("symbol", symbol).Float64("ratio", ratio).Msg("unexpected position mutation while TP order was open")
	}
}

func (c *Controller) handlePartialTPExecuted(ctx context.Context, symbol, tpID string, side symbolstate.Side, entry, localSize, remoteSize float64, manual bool) {
	qtyClosed := localSize - remoteSize

	var execPrice float64
	var reconciledFromTarget bool
	if p, ok, err := c.client.GetOrderExecutionPrice(ctx, symbol, tpID); err == nil && ok {
		execPrice = p
	} else if manual {
		execPrice, reconciledFromTarget = c.scanRecentExecutionForFill(ctx, symbol, side, entry)
	}
	if execPrice <= 0 || reconciledFromTarget {
		// No observed fill: estimate it with the partial-TP target, computed
		// as placePartialTP prices the order; entry only if that fails.
		execPrice = entry
		c.instrumentsMu.Lock()
		inst := c.instruments[symbol]
		c.instrumentsMu.Unlock()
		leverage, positionSizeUSDT, _ := c.tradingSettings()
		if target, err := strategy.ComputeTPTarget(side, entry, localSize, positionSizeUSDT, leverage, inst.LotStep); err == nil {
			execPrice = strategy.RoundToTick(target.Price, inst.TickSize)
		}
		reconciledFromTarget = true
	}

	var pnl float64
	if side == symbolstate.SideLong {
		pnl = (execPrice - entry) * qtyClosed
	} else {
		pnl = (entry - execPrice) * qtyClosed
	}

	c.stateMu.Lock()
	st := c.states[symbol]
	if st != nil {
		st.Position.PartialTPDone = true
		st.Position.TPOrderID = ""
		st.Position.Size = remoteSize
	}
	c.stateMu.Unlock()

	c.recordClosedTrade(ctx, journal.TradeRecord{
		Symbol: symbol, Side: string(side), EntryPrice: entry, ExitPrice: execPrice,
		Size: qtyClosed, PnL: pnl, PnLPercent: pnlPercent(entry, pnl, qtyClosed),
		ExitTime: time.Now(), IsPartial: true, ReconciledFromTarget: reconciledFromTarget,
	})
}

// scanRecentExecutionForFill looks for an execution on the exit side within
// the last 300s, for manual-partial-close reconciliation (spec §4.6, Open
// Question #1 per SPEC_FULL §9).
func (c *Controller) scanRecentExecutionForFill(ctx context.Context, symbol string, side symbolstate.Side, entry float64) (float64, bool) {
	execs, err := c.client.GetRecentExecutions(ctx, symbol, 20)
	c.recordAdapterResult(err)
	if err != nil {
		return entry, true
	}
	exitVenueSide := c.oppositeVenueSide(side)
	cutoff := time.Now().Add(-300 * time.Second).UnixMilli()
	for _, e := range execs {
		if e.Side == exitVenueSide && e.ExecTimeMs >= cutoff {
			return e.ExecPrice, false
		}
	}
	return entry, true
}

func pnlPercent(entry, pnl, size float64) float64 {
	if entry <= 0 || size <= 0 {
		return 0
	}
	return pnl / (entry * size) * 100
}
