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

// exitCooldown is the minimum time, measured from the position's entry
// time, before an exit is allowed, waived whenever the 4H ST is already opposite to the position or
// a genuine trend flip is observed (spec §4.6).
const exitCooldown = time.Hour

// checkExit implements spec §4.6's exit path: re-evaluate the 4H exit
// signal, honor the one-hour cooldown unless the 4H ST is already opposite
// to the position or a fresh flip is observed, cancel any resting TP, close
// the remainder at market, and record the trade.
func (c *Controller) checkExit(ctx context.Context, symbol string) {
	c.stateMu.Lock()
	st := c.states[symbol]
	if st == nil || !st.Position.HasPosition() {
		c.stateMu.Unlock()
		return
	}
	side := st.Position.Side
	entry := st.Position.EntryPrice
	size := st.Position.Size
	entryTime := st.Position.EntryTime
	tpID := st.Position.TPOrderID
	st4HDir := st.Indicators.ST4HDir
	st4HPrevDir := st.Indicators.ST4HPrevDir
	hasPrevDir := st.Indicators.HasST4HPrev
	c.stateMu.Unlock()

	if !strategy.ExitSignal(side, st4HDir, st4HPrevDir, hasPrevDir) {
		return
	}
	// Exit is always allowed if the 4H ST is already opposite to the
	// position, regardless of cooldown; a genuine flip (prior direction
	// still favored the position, the new one doesn't) is a second,
	// independent override.
	isOpposite := (side == symbolstate.SideLong && st4HDir == indicator.DirectionRed) ||
		(side == symbolstate.SideShort && st4HDir == indicator.DirectionGreen)
	isFlip := hasPrevDir && ((side == symbolstate.SideLong && st4HPrevDir == indicator.DirectionGreen) ||
		(side == symbolstate.SideShort && st4HPrevDir == indicator.DirectionRed))
	if time.Since(entryTime) < exitCooldown && !isOpposite && !isFlip {
		return
	}

	c.entryMu.Lock()
	defer c.entryMu.Unlock()

	// Re-check under the entry lock: checkPartialTP or another exit call
	// may have already closed this out.
	c.stateMu.Lock()
	st = c.states[symbol]
	if st == nil || !st.Position.HasPosition() {
		c.stateMu.Unlock()
		return
	}
	side = st.Position.Side
	entry = st.Position.EntryPrice
	size = st.Position.Size
	tpID = st.Position.TPOrderID
	c.stateMu.Unlock()

	if tpID != "" {
		err := c.client.CancelOrder(ctx, symbol, tpID)
		c.recordAdapterResult(err)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("cancel TP order before exit failed")
		}
	}

	pos, err := c.client.GetPosition(ctx, symbol)
	c.recordAdapterResult(err)
	if err != nil {
		return
	}
	remoteSize := size
	if pos != nil {
		remoteSize = pos.Size
	} else {
		remoteSize = 0
	}
	if remoteSize <= 0 {
		c.finalizeExit(ctx, symbol, side, entry, size, entry, false)
		return
	}

	ticker, err := c.client.GetTicker(ctx, symbol)
	c.recordAdapterResult(err)
	var exitPrice float64
	if err == nil && ticker != nil {
		exitPrice = ticker.LastPrice
	}

	resp, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: symbol, Side: c.oppositeVenueSide(side), Qty: remoteSize,
		Type: exchange.OrderTypeMarket, ReduceOnly: true,
	})
	c.recordAdapterResult(err)
	if err != nil || (resp.RetCode != 0 && !exchange.IsBenign(resp.RetCode)) {
		c.log.Warn().Str("symbol", symbol).Int("retCode", resp.RetCode).Msg("exit order rejected")
		return
	}

	if exitPrice <= 0 {
		exitPrice = entry
	}
	c.finalizeExit(ctx, symbol, side, entry, remoteSize, exitPrice, true)
}

func (c *Controller) finalizeExit(ctx context.Context, symbol string, side symbolstate.Side, entry, size, exitPrice float64, placedOrder bool) {
	var pnl float64
	if side == symbolstate.SideLong {
		pnl = (exitPrice - entry) * size
	} else {
		pnl = (entry - exitPrice) * size
	}

	c.stateMu.Lock()
	if s := c.states[symbol]; s != nil {
		_ = s.ClosePosition(exitPrice, &pnl)
	}
	c.stateMu.Unlock()

	c.log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("exit", exitPrice).
		Float64("pnl", pnl).Bool("placed_order", placedOrder).Msg("exited position")

	c.recordClosedTrade(ctx, journal.TradeRecord{
		Symbol: symbol, Side: string(side), EntryPrice: entry, ExitPrice: exitPrice,
		Size: size, PnL: pnl, PnLPercent: pnlPercent(entry, pnl, size),
		ExitTime: time.Now(), IsPartial: false,
	})
}
