// Package symbolstate holds the per-symbol trend, position and watermark
// records the controller mutates through method calls only. Nothing in this
// package touches the network or the filesystem.
package symbolstate

import (
	"fmt"
	"time"

	"contrarian-pullback-bot/internal/indicator"
)

// Trend is the 4H trend classification.
type Trend string

const (
	TrendBullish Trend = "BULLISH"
	TrendBearish Trend = "BEARISH"
	TrendNeutral Trend = "NEUTRAL"
)

// Side is a position side. SideNone means flat.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	SideNone  Side = ""
)

// Indicators is the per-symbol indicator snapshot from spec.md §3.
type Indicators struct {
	Trend4H      Trend
	EMA200_4H    float64
	ST4HValue    float64
	ST4HDir      indicator.Direction
	ST4HPrevDir  indicator.Direction
	HasST4HPrev  bool
	Last4HUpdate time.Time

	ST1HValue   float64
	ST1HDir     indicator.Direction
	ST1HPrevDir indicator.Direction
	HasST1HPrev bool
}

// Position is the per-symbol position snapshot from spec.md §3.
type Position struct {
	Side          Side
	Size          float64
	EntryPrice    float64
	EntryTime     time.Time
	PartialTPDone bool
	TPOrderID     string // empty means no open TP order
}

// HasPosition reports whether a position is currently open.
func (p Position) HasPosition() bool {
	return p.Side != SideNone && p.Size > 0
}

// Stats accumulates trade outcomes across the process lifetime.
type Stats struct {
	TotalTrades   int
	WinningTrades int
	TotalPnL      float64
}

// WinRate returns the fraction of winning trades, or 0 with no trades yet.
func (s Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades)
}

// Watermarks tracks the last processed confirmed-candle timestamp per
// interval, to dedupe entry-path triggers.
type Watermarks struct {
	Processed1H int64
	Processed4H int64
}

// State is the full per-symbol record. All mutation goes through its
// methods; the controller is the sole owner and serializes access with its
// state lock.
type State struct {
	Symbol     string
	Indicators Indicators
	Position   Position
	Stats      Stats
	Watermarks Watermarks
}

// New returns a freshly initialized State for symbol.
func New(symbol string) *State {
	return &State{Symbol: symbol}
}

// UpdateTrend4H records a new 4H trend/indicator reading. The previous
// direction is seeded equal to the new direction on the very first update so
// that flip detection in ExitSignal never fires spuriously on cold start.
func (s *State) UpdateTrend4H(trend Trend, ema200, stValue float64, stDir indicator.Direction, now time.Time) {
	if !s.Indicators.HasST4HPrev {
		s.Indicators.ST4HPrevDir = stDir
		s.Indicators.HasST4HPrev = true
	} else {
		s.Indicators.ST4HPrevDir = s.Indicators.ST4HDir
	}
	s.Indicators.Trend4H = trend
	s.Indicators.EMA200_4H = ema200
	s.Indicators.ST4HDir = stDir
	s.Indicators.ST4HValue = stValue
	s.Indicators.Last4HUpdate = now
}

// Update1HSignal records a new 1H SuperTrend reading. Unlike the 4H update,
// there is no cold-start guard: the 1H previous direction is informational
// only and may legitimately stay unset until the second update.
func (s *State) Update1HSignal(stDir indicator.Direction, stValue float64) {
	if s.Indicators.ST1HDir != "" {
		s.Indicators.ST1HPrevDir = s.Indicators.ST1HDir
		s.Indicators.HasST1HPrev = true
	}
	s.Indicators.ST1HDir = stDir
	s.Indicators.ST1HValue = stValue
}

// OpenPosition validates inputs and opens a new position, clearing any
// partial-TP bookkeeping left over from a prior position.
func (s *State) OpenPosition(side Side, size, price float64, now time.Time) error {
	if side != SideLong && side != SideShort {
		return fmt.Errorf("symbolstate: invalid side %q", side)
	}
	if size <= 0 {
		return fmt.Errorf("symbolstate: invalid size %v, must be positive", size)
	}
	if price <= 0 {
		return fmt.Errorf("symbolstate: invalid price %v, must be positive", price)
	}
	s.Position = Position{
		Side:       side,
		Size:       size,
		EntryPrice: price,
		EntryTime:  now,
	}
	return nil
}

// ClosePosition records a completed trade's PnL into Stats and resets the
// position. If pnl is nil the PnL is computed from entry/exit/size using the
// same formula the controller uses, to avoid any drift between the two.
func (s *State) ClosePosition(exitPrice float64, pnl *float64) error {
	if s.Position.Side == SideNone || s.Position.EntryPrice == 0 {
		return nil
	}
	if exitPrice <= 0 {
		return fmt.Errorf("symbolstate: invalid exit price %v, must be positive", exitPrice)
	}

	var realizedPnL float64
	if pnl != nil {
		realizedPnL = *pnl
	} else if s.Position.Side == SideLong {
		realizedPnL = (exitPrice - s.Position.EntryPrice) * s.Position.Size
	} else {
		realizedPnL = (s.Position.EntryPrice - exitPrice) * s.Position.Size
	}

	s.Stats.TotalTrades++
	if realizedPnL > 0 {
		s.Stats.WinningTrades++
	}
	s.Stats.TotalPnL += realizedPnL

	s.ResetPosition()
	return nil
}

// ResetPosition clears position and TP fields without touching Stats. Used
// when reconciliation discovers the remote position has vanished.
func (s *State) ResetPosition() {
	s.Position = Position{}
}

// UnrealizedPnL computes the mark-to-market PnL at currentPrice, or 0 if flat.
func (s *State) UnrealizedPnL(currentPrice float64) float64 {
	if !s.Position.HasPosition() || currentPrice <= 0 {
		return 0
	}
	if s.Position.Side == SideLong {
		return (currentPrice - s.Position.EntryPrice) * s.Position.Size
	}
	return (s.Position.EntryPrice - currentPrice) * s.Position.Size
}

// UnrealizedPnLPercent computes the mark-to-market PnL as a percentage of
// entry price, or 0 if flat.
func (s *State) UnrealizedPnLPercent(currentPrice float64) float64 {
	if !s.Position.HasPosition() || currentPrice <= 0 || s.Position.EntryPrice <= 0 {
		return 0
	}
	if s.Position.Side == SideLong {
		return (currentPrice - s.Position.EntryPrice) / s.Position.EntryPrice * 100
	}
	return (s.Position.EntryPrice - currentPrice) / s.Position.EntryPrice * 100
}

// IsContrarian reports whether the current 1H reading opposes the 4H trend —
// the signal the strategy is named for.
func (s *State) IsContrarian() bool {
	if s.Indicators.Trend4H == "" || s.Indicators.ST1HDir == "" {
		return false
	}
	return (s.Indicators.Trend4H == TrendBullish && s.Indicators.ST1HDir == indicator.DirectionRed) ||
		(s.Indicators.Trend4H == TrendBearish && s.Indicators.ST1HDir == indicator.DirectionGreen)
}

// Snapshot is an immutable read-only view for the dashboard API.
type Snapshot struct {
	Symbol        string
	Trend4H       Trend
	EMA200_4H     float64
	ST4HDir       indicator.Direction
	ST4HValue     float64
	ST4HPrevDir   indicator.Direction
	ST1HDir       indicator.Direction
	ST1HValue     float64
	ST1HPrevDir   indicator.Direction
	IsContrarian  bool
	PositionSide  Side
	PositionSize  float64
	EntryPrice    float64
	EntryTime     time.Time
	PartialTPDone bool
	TotalTrades   int
	WinRate       float64
	TotalPnL      float64
}

// Snapshot returns a read-only copy of the current state for presentation.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Symbol:        s.Symbol,
		Trend4H:       s.Indicators.Trend4H,
		EMA200_4H:     s.Indicators.EMA200_4H,
		ST4HDir:       s.Indicators.ST4HDir,
		ST4HValue:     s.Indicators.ST4HValue,
		ST4HPrevDir:   s.Indicators.ST4HPrevDir,
		ST1HDir:       s.Indicators.ST1HDir,
		ST1HValue:     s.Indicators.ST1HValue,
		ST1HPrevDir:   s.Indicators.ST1HPrevDir,
		IsContrarian:  s.IsContrarian(),
		PositionSide:  s.Position.Side,
		PositionSize:  s.Position.Size,
		EntryPrice:    s.Position.EntryPrice,
		EntryTime:     s.Position.EntryTime,
		PartialTPDone: s.Position.PartialTPDone,
		TotalTrades:   s.Stats.TotalTrades,
		WinRate:       s.Stats.WinRate(),
		TotalPnL:      s.Stats.TotalPnL,
	}
}
