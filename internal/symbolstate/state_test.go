package symbolstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/internal/indicator"
)

func TestUpdateTrend4HColdStartSeedsPrevDir(t *testing.T) {
	s := New("BTCUSDT")
	now := time.Now()
	s.UpdateTrend4H(TrendBullish, 100, 105, indicator.DirectionGreen, now)

	assert.Equal(t, indicator.DirectionGreen, s.Indicators.ST4HPrevDir)
	assert.True(t, s.Indicators.HasST4HPrev)

	s.UpdateTrend4H(TrendBearish, 100, 95, indicator.DirectionRed, now.Add(time.Hour))
	assert.Equal(t, indicator.DirectionGreen, s.Indicators.ST4HPrevDir)
	assert.Equal(t, indicator.DirectionRed, s.Indicators.ST4HDir)
}

func TestUpdate1HSignalNoColdStartGuard(t *testing.T) {
	s := New("BTCUSDT")
	assert.False(t, s.Indicators.HasST1HPrev)

	s.Update1HSignal(indicator.DirectionGreen, 10)
	assert.False(t, s.Indicators.HasST1HPrev)
	assert.Equal(t, indicator.Direction(""), s.Indicators.ST1HPrevDir)

	s.Update1HSignal(indicator.DirectionRed, 11)
	assert.True(t, s.Indicators.HasST1HPrev)
	assert.Equal(t, indicator.DirectionGreen, s.Indicators.ST1HPrevDir)
}

func TestOpenPositionValidation(t *testing.T) {
	s := New("BTCUSDT")
	require.NoError(t, s.OpenPosition(SideLong, 1.0, 50000, time.Now()))
	assert.True(t, s.Position.HasPosition())
	assert.False(t, s.Position.PartialTPDone)
	assert.Empty(t, s.Position.TPOrderID)

	assert.Error(t, s.OpenPosition("INVALID", 1, 1, time.Now()))
	assert.Error(t, s.OpenPosition(SideLong, 0, 1, time.Now()))
	assert.Error(t, s.OpenPosition(SideLong, 1, 0, time.Now()))
}

func TestClosePositionUpdatesStatsAndResets(t *testing.T) {
	s := New("BTCUSDT")
	require.NoError(t, s.OpenPosition(SideLong, 1.0, 50000, time.Now()))

	require.NoError(t, s.ClosePosition(51000, nil))
	assert.False(t, s.Position.HasPosition())
	assert.False(t, s.Position.PartialTPDone)
	assert.Equal(t, 1, s.Stats.TotalTrades)
	assert.Equal(t, 1, s.Stats.WinningTrades)
	assert.InDelta(t, 1000, s.Stats.TotalPnL, 1e-9)
}

func TestClosePositionUsesProvidedPnL(t *testing.T) {
	s := New("BTCUSDT")
	require.NoError(t, s.OpenPosition(SideShort, 2.0, 50000, time.Now()))

	pnl := -42.5
	require.NoError(t, s.ClosePosition(50100, &pnl))
	assert.Equal(t, 1, s.Stats.TotalTrades)
	assert.Equal(t, 0, s.Stats.WinningTrades)
	assert.InDelta(t, pnl, s.Stats.TotalPnL, 1e-9)
}

func TestResetPositionPreservesStats(t *testing.T) {
	s := New("BTCUSDT")
	require.NoError(t, s.OpenPosition(SideLong, 1.0, 50000, time.Now()))
	require.NoError(t, s.ClosePosition(51000, nil))
	s.Position.TPOrderID = "stale"

	s.ResetPosition()
	assert.Equal(t, 1, s.Stats.TotalTrades)
	assert.Empty(t, s.Position.TPOrderID)
}

func TestUnrealizedPnL(t *testing.T) {
	s := New("BTCUSDT")
	require.NoError(t, s.OpenPosition(SideLong, 2.0, 50000, time.Now()))
	assert.InDelta(t, 2000, s.UnrealizedPnL(51000), 1e-9)

	s2 := New("ETHUSDT")
	require.NoError(t, s2.OpenPosition(SideShort, 2.0, 3000, time.Now()))
	assert.InDelta(t, 200, s2.UnrealizedPnL(2900), 1e-9)
}

func TestIsContrarian(t *testing.T) {
	s := New("BTCUSDT")
	s.UpdateTrend4H(TrendBullish, 100, 105, indicator.DirectionGreen, time.Now())
	s.Update1HSignal(indicator.DirectionRed, 10)
	assert.True(t, s.IsContrarian())

	s.Update1HSignal(indicator.DirectionGreen, 10)
	assert.False(t, s.IsContrarian())
}
