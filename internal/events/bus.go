// Package events is the in-process pub/sub bus that lets the controller
// push trading activity to the dashboard API's WebSocket hub without the
// two packages importing each other.
package events

import (
	"sync"
	"time"
)

// Type identifies a kind of event on the bus.
type Type string

const (
	TypeTradeOpened          Type = "TRADE_OPENED"
	TypeTradeClosed          Type = "TRADE_CLOSED"
	TypePartialTPExecuted    Type = "PARTIAL_TP_EXECUTED"
	TypePositionUpdate       Type = "POSITION_UPDATE"
	TypePriceUpdate          Type = "PRICE_UPDATE"
	TypeEquityUpdate         Type = "EQUITY_UPDATE"
	TypeCircuitBreakerTripped Type = "CIRCUIT_BREAKER_TRIPPED"
	TypeCircuitBreakerReset  Type = "CIRCUIT_BREAKER_RESET"
	TypeTradingEnabledChanged Type = "TRADING_ENABLED_CHANGED"
	TypeBotStarted           Type = "BOT_STARTED"
	TypeBotStopped           Type = "BOT_STOPPED"
	TypeError                Type = "ERROR"
)

// Event is one item published on the bus.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one published event.
type Subscriber func(Event)

// Bus fans out published events to every subscriber, run in its own
// goroutine so a slow subscriber (e.g. a stalled websocket write) never
// blocks the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t Type, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], fn)
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, fn)
}

// Publish stamps event.Timestamp if unset and notifies every subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// TradeOpened publishes TypeTradeOpened.
func (b *Bus) TradeOpened(symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{Type: TypeTradeOpened, Data: map[string]interface{}{
		"symbol": symbol, "side": side, "entry_price": entryPrice, "quantity": quantity,
	}})
}

// TradeClosed publishes TypeTradeClosed.
func (b *Bus) TradeClosed(symbol, side string, entryPrice, exitPrice, quantity, pnl, pnlPercent float64, isPartial bool) {
	t := TypeTradeClosed
	if isPartial {
		t = TypePartialTPExecuted
	}
	b.Publish(Event{Type: t, Data: map[string]interface{}{
		"symbol": symbol, "side": side, "entry_price": entryPrice, "exit_price": exitPrice,
		"quantity": quantity, "pnl": pnl, "pnl_percent": pnlPercent,
	}})
}

// PriceUpdate publishes TypePriceUpdate.
func (b *Bus) PriceUpdate(symbol string, price float64) {
	b.Publish(Event{Type: TypePriceUpdate, Data: map[string]interface{}{"symbol": symbol, "price": price}})
}

// EquityUpdate publishes TypeEquityUpdate.
func (b *Bus) EquityUpdate(value float64) {
	b.Publish(Event{Type: TypeEquityUpdate, Data: map[string]interface{}{"value": value}})
}

// CircuitBreakerTripped publishes TypeCircuitBreakerTripped.
func (b *Bus) CircuitBreakerTripped(reason string) {
	b.Publish(Event{Type: TypeCircuitBreakerTripped, Data: map[string]interface{}{"reason": reason}})
}

// CircuitBreakerReset publishes TypeCircuitBreakerReset.
func (b *Bus) CircuitBreakerReset() {
	b.Publish(Event{Type: TypeCircuitBreakerReset})
}

// TradingEnabledChanged publishes TypeTradingEnabledChanged.
func (b *Bus) TradingEnabledChanged(enabled bool) {
	b.Publish(Event{Type: TypeTradingEnabledChanged, Data: map[string]interface{}{"enabled": enabled}})
}

// Error publishes TypeError.
func (b *Bus) Error(source, message string, err error) {
	data := map[string]interface{}{"source": source, "message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: TypeError, Data: data})
}
