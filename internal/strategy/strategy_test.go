package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/symbolstate"
)

func TestTrendFilter(t *testing.T) {
	assert.Equal(t, symbolstate.TrendBullish, TrendFilter(110, 100, indicator.DirectionGreen))
	assert.Equal(t, symbolstate.TrendBearish, TrendFilter(90, 100, indicator.DirectionRed))
	assert.Equal(t, symbolstate.TrendNeutral, TrendFilter(100, 100, indicator.DirectionGreen))
	assert.Equal(t, symbolstate.TrendNeutral, TrendFilter(110, 100, indicator.DirectionRed))
	assert.Equal(t, symbolstate.TrendNeutral, TrendFilter(90, 100, indicator.DirectionGreen))
}

func TestEntrySignal(t *testing.T) {
	assert.Equal(t, symbolstate.SideLong, EntrySignal(symbolstate.TrendBullish, indicator.DirectionRed))
	assert.Equal(t, symbolstate.SideShort, EntrySignal(symbolstate.TrendBearish, indicator.DirectionGreen))
	assert.Equal(t, symbolstate.SideNone, EntrySignal(symbolstate.TrendBullish, indicator.DirectionGreen))
	assert.Equal(t, symbolstate.SideNone, EntrySignal(symbolstate.TrendNeutral, indicator.DirectionRed))
}

func TestExitSignalOppositeDirectionAlwaysExits(t *testing.T) {
	// Property: any call with opposite st_dir returns true regardless of prev_dir.
	for _, prev := range []indicator.Direction{indicator.DirectionGreen, indicator.DirectionRed} {
		assert.True(t, ExitSignal(symbolstate.SideLong, indicator.DirectionRed, prev, true))
		assert.True(t, ExitSignal(symbolstate.SideShort, indicator.DirectionGreen, prev, true))
	}
}

func TestExitSignalFlipDetection(t *testing.T) {
	assert.True(t, ExitSignal(symbolstate.SideLong, indicator.DirectionRed, indicator.DirectionGreen, true))
	assert.False(t, ExitSignal(symbolstate.SideLong, indicator.DirectionGreen, indicator.DirectionGreen, true))
	assert.False(t, ExitSignal(symbolstate.SideShort, indicator.DirectionGreen, indicator.DirectionGreen, false))
}

func TestExitSignalNoPositionNeverExits(t *testing.T) {
	assert.False(t, ExitSignal(symbolstate.SideNone, indicator.DirectionRed, indicator.DirectionGreen, true))
}

func TestComputeTPTargetLong(t *testing.T) {
	// position_size_usdt=100, leverage=20, entry=50000
	qtyStep := 0.0001
	positionSize := 0.002 // 100 USDT at 50000
	target, err := ComputeTPTarget(symbolstate.SideLong, 50000, positionSize, 100, 20, qtyStep)
	require.NoError(t, err)

	qPartial := 0.001
	wantT := 100.0/20.0 + (100.0*0.5)*0.002 // 5 + 0.1 = 5.1 -> price 55100
	wantPrice := 50000 + wantT/qPartial

	assert.InDelta(t, wantPrice, target.Price, 1e-6)
	assert.InDelta(t, qPartial, target.Quantity, 1e-9)

	distance := (target.Price - 50000) / 50000
	assert.GreaterOrEqual(t, distance, minTPDistancePct)
	assert.LessOrEqual(t, distance, maxTPDistancePct)
}

func TestComputeTPTargetShortClampedTargetRejectedByDistanceBound(t *testing.T) {
	// A tiny entry price with a large target profit forces the 0.95x clamp:
	// T = 100100 clamps to 0.95*100*5 = 475, price 100 - 475/5 = 5, which is
	// 95% from entry and so outside the 50% maximum distance.
	_, err := ComputeTPTarget(symbolstate.SideShort, 100, 10, 100000, 1, 0.0001)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestComputeTPTargetRejectsZeroQuantityAfterRounding(t *testing.T) {
	_, err := ComputeTPTarget(symbolstate.SideLong, 50000, 0.0001, 100, 20, 1.0)
	assert.Error(t, err)
}

func TestRequiredMargin(t *testing.T) {
	assert.InDelta(t, 7.5, RequiredMargin(100, 20), 1e-9)
}

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 50000.5, RoundToTick(50000.47, 0.5), 1e-9)
	assert.InDelta(t, 123.45, RoundToTick(123.45, 0), 1e-9)
}
