// Package strategy implements the pure contrarian-pullback decision rules:
// trend classification, entry signal, exit signal, and the partial
// take-profit price target. None of these functions touch state directly —
// the controller reads symbolstate.State and feeds its fields in.
package strategy

import (
	"fmt"
	"math"

	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/symbolstate"
)

// TrendFilter classifies the 4H trend from price position relative to
// EMA200 and the SuperTrend direction. Exact equality (close == ema200) is
// NEUTRAL, intentionally, to avoid false signals right at the EMA level.
func TrendFilter(close, ema200 float64, stDir indicator.Direction) symbolstate.Trend {
	switch {
	case close > ema200 && stDir == indicator.DirectionGreen:
		return symbolstate.TrendBullish
	case close < ema200 && stDir == indicator.DirectionRed:
		return symbolstate.TrendBearish
	default:
		return symbolstate.TrendNeutral
	}
}

// EntrySignal returns the contrarian entry side for a 1H pullback against
// the 4H trend: LONG when BULLISH meets a red 1H pullback, SHORT when
// BEARISH meets a green 1H bounce, SideNone otherwise.
func EntrySignal(trend4H symbolstate.Trend, st1HDir indicator.Direction) symbolstate.Side {
	switch {
	case trend4H == symbolstate.TrendBullish && st1HDir == indicator.DirectionRed:
		return symbolstate.SideLong
	case trend4H == symbolstate.TrendBearish && st1HDir == indicator.DirectionGreen:
		return symbolstate.SideShort
	default:
		return symbolstate.SideNone
	}
}

// ExitSignal reports whether an open position should be closed on this 4H
// update: true if the current 4H SuperTrend direction is already opposite to
// the position (covers a missed flip or a manually-opened position), or if a
// genuine prev->now flip against the position is observed.
func ExitSignal(side symbolstate.Side, st4HDir, st4HPrevDir indicator.Direction, hasPrevDir bool) bool {
	if side == symbolstate.SideNone || st4HDir == "" {
		return false
	}
	if side == symbolstate.SideLong && st4HDir == indicator.DirectionRed {
		return true
	}
	if side == symbolstate.SideShort && st4HDir == indicator.DirectionGreen {
		return true
	}
	if !hasPrevDir {
		return false
	}
	if side == symbolstate.SideLong {
		return st4HPrevDir == indicator.DirectionGreen && st4HDir == indicator.DirectionRed
	}
	return st4HPrevDir == indicator.DirectionRed && st4HDir == indicator.DirectionGreen
}

// TPTarget is the computed partial take-profit order parameters.
type TPTarget struct {
	Quantity float64
	Price    float64
}

// minTPDistancePct and maxTPDistancePct bound the partial-TP price target's
// distance from entry: at least 0.1%, at most 50%.
const (
	minTPDistancePct = 0.001
	maxTPDistancePct = 0.5
	tpRoundTripFee   = 0.002
	shortMaxProfitFrac = 0.95
)

// ComputeTPTarget computes the partial take-profit quantity and price for
// half the position. positionSizeUSDT/leverage is the entry margin; the
// target profit is that margin plus round-trip fees on the closed half.
// qtyStep rounds the partial quantity down to the instrument's lot step.
func ComputeTPTarget(side symbolstate.Side, entryPrice, size, positionSizeUSDT float64, leverage int, qtyStep float64) (TPTarget, error) {
	if side != symbolstate.SideLong && side != symbolstate.SideShort {
		return TPTarget{}, fmt.Errorf("strategy: invalid side %q", side)
	}
	if entryPrice <= 0 || size <= 0 || leverage <= 0 {
		return TPTarget{}, fmt.Errorf("strategy: invalid inputs entry=%v size=%v leverage=%v", entryPrice, size, leverage)
	}

	qPartial := floorToStep(size*0.5, qtyStep)
	if qPartial <= 0 {
		return TPTarget{}, fmt.Errorf("strategy: partial quantity rounds to zero for size %v at step %v", size, qtyStep)
	}

	targetProfit := positionSizeUSDT/float64(leverage) + (positionSizeUSDT*0.5)*tpRoundTripFee

	var price float64
	if side == symbolstate.SideLong {
		price = entryPrice + targetProfit/qPartial
	} else {
		maxAchievable := shortMaxProfitFrac * (entryPrice * qPartial)
		if targetProfit > maxAchievable {
			targetProfit = maxAchievable
		}
		price = entryPrice - targetProfit/qPartial
	}

	distance := math.Abs(price-entryPrice) / entryPrice
	if distance < minTPDistancePct || distance > maxTPDistancePct {
		return TPTarget{}, fmt.Errorf("strategy: TP target distance %.4f%% out of bounds [%.1f%%, %.1f%%]",
			distance*100, minTPDistancePct*100, maxTPDistancePct*100)
	}

	return TPTarget{Quantity: qPartial, Price: price}, nil
}

func floorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step) * step
}

// RequiredMargin returns the minimum available balance the entry path
// requires before placing an order: 1.5x the configured margin, a safety
// buffer against slippage and fees.
func RequiredMargin(positionSizeUSDT float64, leverage int) float64 {
	return 1.5 * positionSizeUSDT / float64(leverage)
}

// RoundToTick rounds price to the instrument's tick size using round-half-up,
// matching exchange price-filter rounding.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}
