package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candlesFromCloses(closes []float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{TimestampMs: int64(i) * 1000, Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestEMASeedSequence(t *testing.T) {
	closes := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	expected := []float64{10, 10.5, 11.25, 12.125, 13.0625, 14.03125, 15.015625, 16.0078125, 17.00390625, 18.001953125}

	series, err := EMASeries(candlesFromCloses(closes), 3)
	require.NoError(t, err)
	require.Len(t, series, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], series[i], 1e-9)
	}

	last, err := EMA(candlesFromCloses(closes), 3)
	require.NoError(t, err)
	assert.InDelta(t, expected[len(expected)-1], last, 1e-9)
}

func TestEMAInsufficientCandles(t *testing.T) {
	_, err := EMA(candlesFromCloses([]float64{1, 2}), 5)
	assert.ErrorIs(t, err, ErrInsufficientCandles)
}

func TestEMAInvalidCandles(t *testing.T) {
	_, err := EMA(nil, 3)
	assert.ErrorIs(t, err, ErrInvalidCandles)
}

func TestSuperTrendFlatCandlesStayGreen(t *testing.T) {
	candles := make([]Candle, 12)
	for i := range candles {
		candles[i] = Candle{TimestampMs: int64(i) * 1000, Open: 100, High: 100, Low: 100, Close: 100}
	}

	result, err := SuperTrend(candles, 10, 3.0)
	require.NoError(t, err)
	assert.Equal(t, DirectionGreen, result.Direction)
	assert.InDelta(t, 100, result.Value, 1e-9)

	dirs, vals, err := SuperTrendSeries(candles, 10, 3.0)
	require.NoError(t, err)
	for i := 9; i < len(candles); i++ {
		assert.Equal(t, DirectionGreen, dirs[i])
		assert.InDelta(t, 100, vals[i], 1e-9)
	}
}

func TestSuperTrendDirectionHoldsWithinBands(t *testing.T) {
	// A rising trend: close should stay above finalLower and direction stays green.
	candles := make([]Candle, 30)
	price := 100.0
	for i := range candles {
		price += 1.0
		candles[i] = Candle{
			TimestampMs: int64(i) * 1000,
			Open:        price - 0.5,
			High:        price + 0.5,
			Low:         price - 1.0,
			Close:       price,
		}
	}

	dirs, _, err := SuperTrendSeries(candles, 10, 3.0)
	require.NoError(t, err)
	for i := 10; i < len(dirs); i++ {
		assert.Equal(t, DirectionGreen, dirs[i], "index %d", i)
	}
}

func TestSuperTrendInsufficientCandles(t *testing.T) {
	_, err := SuperTrend(candlesFromCloses([]float64{1, 2, 3}), 10, 3.0)
	assert.ErrorIs(t, err, ErrInsufficientCandles)
}

func TestSuperTrendRejectsBadMultiplier(t *testing.T) {
	_, err := SuperTrend(candlesFromCloses(make([]float64, 20)), 10, 0)
	assert.Error(t, err)
}

func TestWilderRMASeedsWithSMA(t *testing.T) {
	series := []float64{1, 2, 3, 4, 5, 6}
	rma, err := WilderRMA(series, 3)
	require.NoError(t, err)

	assert.True(t, rma[0] != rma[0]) // NaN: undefined before period-1
	assert.InDelta(t, 2.0, rma[2], 1e-9) // mean(1,2,3)
	expected3 := (1.0/3)*4 + (1-1.0/3)*2.0
	assert.InDelta(t, expected3, rma[3], 1e-9)
}

func TestSortsUnorderedInput(t *testing.T) {
	candles := []Candle{
		{TimestampMs: 3000, Close: 13, Open: 13, High: 13, Low: 13},
		{TimestampMs: 1000, Close: 11, Open: 11, High: 11, Low: 11},
		{TimestampMs: 2000, Close: 12, Open: 12, High: 12, Low: 12},
	}
	v, err := EMA(candles, 2)
	require.NoError(t, err)
	// chronological closes are 11,12,13; EMA(2) alpha=2/3: seed 11, then 2/3*12+1/3*11=11.6667, then 2/3*13+1/3*11.6667
	expected := (2.0/3)*13 + (1.0/3)*((2.0/3)*12+(1.0/3)*11)
	assert.InDelta(t, expected, v, 1e-9)
}
