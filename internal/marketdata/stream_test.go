package marketdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contrarian-pullback-bot/internal/indicator"
	"contrarian-pullback-bot/internal/logging"
)

func newTestStream() *Stream {
	return New(true, logging.Noop())
}

func TestHandleKlineAppendsReplacesDiscards(t *testing.T) {
	s := newTestStream()
	s.klineSubs["BTCUSDT:60"] = nil
	s.cache["BTCUSDT:60"] = nil

	msg := func(start int64, closePrice string, confirm bool) []byte {
		return []byte(`{"topic":"kline.60.BTCUSDT","data":[{"start":` +
			itoa(start) + `,"open":"1","high":"2","low":"0.5","close":"` + closePrice +
			`","volume":"10","turnover":"10","confirm":` + boolStr(confirm) + `}]}`)
	}

	s.handleMessage(msg(1000, "100", false))
	require.Len(t, s.cache["BTCUSDT:60"], 1)
	assert.Equal(t, 100.0, s.cache["BTCUSDT:60"][0].Close)

	// same ts: replace tail
	s.handleMessage(msg(1000, "105", false))
	require.Len(t, s.cache["BTCUSDT:60"], 1)
	assert.Equal(t, 105.0, s.cache["BTCUSDT:60"][0].Close)

	// advancing ts: append
	s.handleMessage(msg(2000, "110", true))
	require.Len(t, s.cache["BTCUSDT:60"], 2)
	assert.Equal(t, 110.0, s.cache["BTCUSDT:60"][1].Close)

	// stale ts: discard
	s.handleMessage(msg(1500, "999", false))
	require.Len(t, s.cache["BTCUSDT:60"], 2)
	assert.Equal(t, 110.0, s.cache["BTCUSDT:60"][1].Close)
}

func TestHandleKlineConfirmedInvokesCallback(t *testing.T) {
	s := newTestStream()
	var got indicator.Candle
	var confirmed bool
	s.klineSubs["ETHUSDT:240"] = func(symbol, interval string, c indicator.Candle, conf bool) {
		got = c
		confirmed = conf
	}

	s.handleMessage([]byte(`{"topic":"kline.240.ETHUSDT","data":[{"start":5000,"open":"1","high":"2","low":"0.5","close":"3","volume":"1","turnover":"1","confirm":true}]}`))

	assert.True(t, confirmed)
	assert.Equal(t, int64(5000), got.TimestampMs)
}

func TestHandleTickerInvokesCallback(t *testing.T) {
	s := newTestStream()
	var gotSymbol string
	var gotPrice float64
	s.tickerSubs["BTCUSDT"] = func(symbol string, price float64) {
		gotSymbol = symbol
		gotPrice = price
	}

	s.handleMessage([]byte(`{"topic":"tickers.BTCUSDT","data":{"lastPrice":"65000.5"}}`))

	assert.Equal(t, "BTCUSDT", gotSymbol)
	assert.Equal(t, 65000.5, gotPrice)
}

func TestKlinesReturnsNewestFirstOrChronological(t *testing.T) {
	s := newTestStream()
	s.cache["BTCUSDT:60"] = []indicator.Candle{
		{TimestampMs: 1, Close: 1},
		{TimestampMs: 2, Close: 2},
		{TimestampMs: 3, Close: 3},
	}

	chrono := s.Klines("BTCUSDT", "60", 10, false)
	require.Len(t, chrono, 3)
	assert.Equal(t, int64(1), chrono[0].TimestampMs)

	newest := s.Klines("BTCUSDT", "60", 10, true)
	require.Len(t, newest, 3)
	assert.Equal(t, int64(3), newest[0].TimestampMs)
}

func TestWaitForRetryExhaustsAfterMaxAttempts(t *testing.T) {
	s := newTestStream()
	s.reconnects = maxReconnectTries
	backoff := initialBackoff
	ok := s.waitForRetry(context.Background(), &backoff)
	assert.False(t, ok)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
