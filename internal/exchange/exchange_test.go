package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsBenign(110043))
	assert.True(t, IsBenign(110026))
	assert.False(t, IsBenign(10002))

	assert.True(t, IsTransient(10002))
	assert.True(t, IsTransient(10004))
	assert.False(t, IsTransient(110043))
}

func TestRetryDelayExponential(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
}

func TestMockClientPlaceOrderOpensPosition(t *testing.T) {
	m := NewMockClient(1000)
	m.Tickers["BTCUSDT"] = 50000
	m.Instruments["BTCUSDT"] = Instrument{Symbol: "BTCUSDT", LotStep: 0.001, MinQty: 0.001}

	ctx := context.Background()
	qty, err := m.CalculateQty(ctx, "BTCUSDT", 100, 50000)
	require.NoError(t, err)
	assert.InDelta(t, 0.002, qty, 1e-9)

	resp, err := m.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Qty: qty, Type: OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.RetCode)

	pos, err := m.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, SideBuy, pos.Side)
	assert.InDelta(t, qty, pos.Size, 1e-9)
}

func TestMockClientReduceOnlyLimitTracksOpenOrder(t *testing.T) {
	m := NewMockClient(1000)
	m.Tickers["BTCUSDT"] = 50000
	ctx := context.Background()

	m.positions["BTCUSDT"] = &Position{Symbol: "BTCUSDT", Side: SideBuy, Size: 1.0, EntryPrice: 50000}

	resp, err := m.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: SideSell, Qty: 0.5, Type: OrderTypeLimit,
		ReduceOnly: true, Price: 50500,
	})
	require.NoError(t, err)

	orders, err := m.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, resp.OrderID, orders[0].OrderID)

	m.FillTPOrder("BTCUSDT", resp.OrderID)
	pos, err := m.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 0.5, pos.Size, 1e-9)

	orders, err = m.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMockClientGetPositionFiltersZeroSize(t *testing.T) {
	m := NewMockClient(1000)
	m.positions["ETHUSDT"] = &Position{Symbol: "ETHUSDT", Size: 0}
	pos, err := m.GetPosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}
