// Package marketdata maintains a single Bybit V5 public WebSocket connection
// and the ticker/kline caches fed by it.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"contrarian-pullback-bot/internal/indicator"
)

const (
	MainnetURL = "wss://stream.bybit.com/v5/public/linear"
	TestnetURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	pingInterval       = 20 * time.Second
	initialBackoff     = 5 * time.Second
	maxBackoff         = 60 * time.Second
	maxReconnectTries  = 10
	cacheRingSize      = 500
	writeWait          = 5 * time.Second
)

// TickerCallback is invoked for every ticker update, outside any lock.
type TickerCallback func(symbol string, price float64)

// KlineCallback is invoked only for confirmed candles, outside any lock.
type KlineCallback func(symbol, interval string, candle indicator.Candle, confirmed bool)

// Stream owns one WS connection plus the ticker/kline subscription sets and
// caches fed by it. Reconnects re-subscribe the full tracked set.
type Stream struct {
	url string
	log zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	running     bool
	reconnects  int
	tickerSubs  map[string]TickerCallback
	klineSubs   map[string]KlineCallback // key: symbol:interval
	cache       map[string][]indicator.Candle

	stopCh chan struct{}

	// Failed receives a value (non-blocking send) when reconnection
	// attempts are exhausted; Run returns an error at the same point.
	Failed chan struct{}

	// onReconnect, if set, is invoked (outside any lock) every time a
	// reconnect attempt succeeds in re-establishing the connection.
	onReconnect func()
}

// OnReconnect registers a callback invoked after every successful
// reconnect, for metrics/logging. Must be set before Run.
func (s *Stream) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

// New returns a Stream that dials the mainnet or testnet public linear feed.
func New(testnet bool, log zerolog.Logger) *Stream {
	url := MainnetURL
	if testnet {
		url = TestnetURL
	}
	return &Stream{
		url:        url,
		log:        log.With().Str("component", "marketdata").Logger(),
		tickerSubs: make(map[string]TickerCallback),
		klineSubs:  make(map[string]KlineCallback),
		cache:      make(map[string][]indicator.Candle),
		stopCh:     make(chan struct{}),
		Failed:     make(chan struct{}, 1),
	}
}

// SubscribeTicker registers a callback for symbol ticker updates and sends
// the subscribe frame if connected.
func (s *Stream) SubscribeTicker(symbol string, cb TickerCallback) error {
	s.mu.Lock()
	s.tickerSubs[symbol] = cb
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, "tickers."+symbol)
}

// SubscribeKline registers a callback for symbol:interval kline updates and
// sends the subscribe frame if connected.
func (s *Stream) SubscribeKline(symbol, interval string, cb KlineCallback) error {
	key := symbol + ":" + interval
	s.mu.Lock()
	s.klineSubs[key] = cb
	if _, ok := s.cache[key]; !ok {
		s.cache[key] = make([]indicator.Candle, 0, cacheRingSize)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, fmt.Sprintf("kline.%s.%s", interval, symbol))
}

// Seed prepopulates the cache for symbol:interval from REST candles, only
// when the cache is still empty — it never overwrites live WS data.
func (s *Stream) Seed(symbol, interval string, candles []indicator.Candle) {
	key := symbol + ":" + interval
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache[key]) > 0 {
		return
	}
	if len(candles) > cacheRingSize {
		candles = candles[len(candles)-cacheRingSize:]
	}
	seeded := make([]indicator.Candle, len(candles))
	copy(seeded, candles)
	s.cache[key] = seeded
}

// Klines returns up to limit cached candles for symbol:interval, newest
// first if newestFirst is true, else chronological.
func (s *Stream) Klines(symbol, interval string, limit int, newestFirst bool) []indicator.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := s.cache[symbol+":"+interval]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]indicator.Candle, len(candles))
	copy(out, candles)
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// Run dials, subscribes, and services the connection until ctx is cancelled.
// It handles reconnection internally and never returns until ctx is done or
// reconnection attempts are exhausted.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			s.disconnect()
			return ctx.Err()
		default:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("websocket dial failed")
			if !s.waitForRetry(ctx, &backoff) {
				s.surfaceFailure()
				return fmt.Errorf("marketdata: max reconnect attempts exhausted: %w", err)
			}
			continue
		}

		s.mu.Lock()
		wasReconnect := s.reconnects > 0
		s.conn = conn
		s.reconnects = 0
		onReconnect := s.onReconnect
		s.mu.Unlock()
		backoff = initialBackoff
		if wasReconnect && onReconnect != nil {
			onReconnect()
		}

		if err := s.resubscribeAll(conn); err != nil {
			s.log.Warn().Err(err).Msg("resubscribe after connect failed")
		}

		pingCtx, cancelPing := context.WithCancel(ctx)
		go s.pingLoop(pingCtx, conn)

		readErr := s.readLoop(ctx, conn)
		cancelPing()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(readErr).Msg("websocket disconnected, reconnecting")
		if !s.waitForRetry(ctx, &backoff) {
			s.surfaceFailure()
			return fmt.Errorf("marketdata: max reconnect attempts exhausted")
		}
	}
}

func (s *Stream) surfaceFailure() {
	select {
	case s.Failed <- struct{}{}:
	default:
	}
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	return conn, err
}

// waitForRetry sleeps the current backoff (or returns false on ctx done /
// attempts exhausted), then doubles backoff up to maxBackoff.
func (s *Stream) waitForRetry(ctx context.Context, backoff *time.Duration) bool {
	s.mu.Lock()
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	if attempt > maxReconnectTries {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

func (s *Stream) resubscribeAll(conn *websocket.Conn) error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.tickerSubs))
	for sym := range s.tickerSubs {
		symbols = append(symbols, sym)
	}
	keys := make([]string, 0, len(s.klineSubs))
	for k := range s.klineSubs {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var lastErr error
	for _, sym := range symbols {
		if err := s.sendSubscribe(conn, "tickers."+sym); err != nil {
			lastErr = err
		}
	}
	for _, key := range keys {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if err := s.sendSubscribe(conn, fmt.Sprintf("kline.%s.%s", parts[1], parts[0])); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

type subscribeFrame struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func (s *Stream) sendSubscribe(conn *websocket.Conn, topic string) error {
	frame := subscribeFrame{Op: "subscribe", Args: []string{topic}}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}

func (s *Stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				s.log.Debug().Err(err).Msg("ping send failed")
				return
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

type wireMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

func (s *Stream) handleMessage(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("unparseable websocket message")
		return
	}

	switch {
	case msg.Op == "subscribe":
		if msg.Success != nil && !*msg.Success {
			s.log.Warn().Str("ret_msg", msg.RetMsg).Msg("subscribe rejected")
		}
		return
	case msg.Op == "pong":
		return
	case strings.HasPrefix(msg.Topic, "tickers."):
		s.handleTicker(msg.Topic, msg.Data)
	case strings.HasPrefix(msg.Topic, "kline."):
		s.handleKline(msg.Topic, msg.Data)
	}
}

func (s *Stream) handleTicker(topic string, data json.RawMessage) {
	symbol := strings.TrimPrefix(topic, "tickers.")

	var single wireTicker
	var asArray []wireTicker
	row := wireTicker{}
	if err := json.Unmarshal(data, &single); err == nil && single.LastPrice != "" {
		row = single
	} else if err := json.Unmarshal(data, &asArray); err == nil && len(asArray) > 0 {
		row = asArray[len(asArray)-1]
	} else {
		return
	}

	price, err := strconv.ParseFloat(row.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	s.mu.Lock()
	cb, ok := s.tickerSubs[symbol]
	s.mu.Unlock()
	if ok && cb != nil {
		cb(symbol, price)
	}
}

type wireTicker struct {
	LastPrice string `json:"lastPrice"`
}

type wireKline struct {
	Start    int64  `json:"start"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Turnover string `json:"turnover"`
	Confirm  bool   `json:"confirm"`
}

func (s *Stream) handleKline(topic string, data json.RawMessage) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	interval, symbol := parts[1], parts[2]
	key := symbol + ":" + interval

	var rows []wireKline
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) == 0 {
		var single wireKline
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		rows = []wireKline{single}
	}
	row := rows[len(rows)-1]

	candle, err := parseWireKline(row)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("invalid kline payload")
		return
	}

	s.mu.Lock()
	candles := s.cache[key]
	switch {
	case len(candles) == 0:
		candles = append(candles, candle)
	case candle.TimestampMs == candles[len(candles)-1].TimestampMs:
		candles[len(candles)-1] = candle
	case candle.TimestampMs > candles[len(candles)-1].TimestampMs:
		candles = append(candles, candle)
		if len(candles) > cacheRingSize {
			candles = candles[len(candles)-cacheRingSize:]
		}
	default:
		// stale candle behind the cached tail: discard
	}
	s.cache[key] = candles
	cb := s.klineSubs[key]
	s.mu.Unlock()

	if row.Confirm && cb != nil {
		cb(symbol, interval, candle, true)
	}
}

func parseWireKline(row wireKline) (indicator.Candle, error) {
	open, err := strconv.ParseFloat(row.Open, 64)
	if err != nil {
		return indicator.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := strconv.ParseFloat(row.High, 64)
	if err != nil {
		return indicator.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := strconv.ParseFloat(row.Low, 64)
	if err != nil {
		return indicator.Candle{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := strconv.ParseFloat(row.Close, 64)
	if err != nil {
		return indicator.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, _ := strconv.ParseFloat(row.Volume, 64)
	turnover, _ := strconv.ParseFloat(row.Turnover, 64)

	return indicator.Candle{
		TimestampMs: row.Start,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		Turnover:    turnover,
	}, nil
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.running = false
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// IsRunning reports whether Run is active (not necessarily connected).
func (s *Stream) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ReconnectCount reports the current consecutive-reconnect attempt count.
func (s *Stream) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}
