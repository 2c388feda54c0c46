package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockClient is a deterministic in-memory Client used by tests. The
// tradingbot command does not use it: it has no dry-run mode and always
// builds a BybitClient.
type MockClient struct {
	mu sync.Mutex

	Balance       float64
	Instruments   map[string]Instrument
	Klines        map[string][]Candle // key: symbol:interval
	Tickers       map[string]float64  // key: symbol

	positions   map[string]*Position
	openOrders  map[string]OpenOrder
	executions  map[string][]Execution
	nextOrderID int
}

// NewMockClient returns a MockClient seeded with an available balance.
func NewMockClient(balance float64) *MockClient {
	return &MockClient{
		Balance:     balance,
		Instruments: make(map[string]Instrument),
		Klines:      make(map[string][]Candle),
		Tickers:     make(map[string]float64),
		positions:   make(map[string]*Position),
		openOrders:  make(map[string]OpenOrder),
		executions:  make(map[string][]Execution),
		nextOrderID: 1,
	}
}

func (m *MockClient) GetKlines(_ context.Context, symbol, interval string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.Klines[symbol+":"+interval]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockClient) GetTicker(_ context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Tickers[symbol]
	if !ok {
		return nil, nil
	}
	return &Ticker{Symbol: symbol, LastPrice: price}, nil
}

func (m *MockClient) GetInstrument(_ context.Context, symbol string) (*Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.Instruments[symbol]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (m *MockClient) SetLeverage(_ context.Context, _ string, _ int) error { return nil }

func (m *MockClient) SetMarginMode(_ context.Context, _ string, _ MarginMode) error { return nil }

func (m *MockClient) GetPosition(_ context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok || pos.Size <= 0 {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

func (m *MockClient) GetWalletBalance(_ context.Context) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balance, true, nil
}

func (m *MockClient) GetTotalEquity(_ context.Context) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balance, true, nil
}

func (m *MockClient) CalculateQty(_ context.Context, symbol string, sizeUSDT, price float64) (float64, error) {
	m.mu.Lock()
	inst, ok := m.Instruments[symbol]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("exchange mock: no instrument configured for %s", symbol)
	}
	if price <= 0 {
		return 0, fmt.Errorf("exchange mock: invalid price %v", price)
	}
	qty := sizeUSDT / price
	if inst.LotStep > 0 {
		steps := float64(int(qty / inst.LotStep))
		qty = steps * inst.LotStep
	}
	if inst.MinQty > 0 && qty < inst.MinQty {
		qty = inst.MinQty
	}
	return qty, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID := fmt.Sprintf("mock-%d", m.nextOrderID)
	m.nextOrderID++

	price := m.Tickers[req.Symbol]
	if req.Type == OrderTypeLimit {
		price = req.Price
	}

	existing := m.positions[req.Symbol]
	if req.ReduceOnly {
		if req.Type == OrderTypeLimit {
			// A resting limit order leaves the position alone until
			// FillTPOrder executes it.
			m.openOrders[orderID] = OpenOrder{
				OrderID: orderID, Symbol: req.Symbol, Side: req.Side,
				Qty: req.Qty, Price: req.Price, ReduceOnly: true,
			}
			return OrderResponse{RetCode: 0, OrderID: orderID}, nil
		}
		if existing != nil {
			closedQty := req.Qty
			if closedQty > existing.Size {
				closedQty = existing.Size
			}
			existing.Size -= closedQty
			if existing.Size <= 0 {
				delete(m.positions, req.Symbol)
			}
		}
	} else {
		m.positions[req.Symbol] = &Position{Symbol: req.Symbol, Side: req.Side, Size: req.Qty, EntryPrice: price}
	}

	m.executions[req.Symbol] = append(m.executions[req.Symbol], Execution{
		OrderID: orderID, Symbol: req.Symbol, Side: req.Side, ExecQty: req.Qty, ExecPrice: price,
	})
	return OrderResponse{RetCode: 0, OrderID: orderID}, nil
}

func (m *MockClient) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.openOrders, orderID)
	return nil
}

func (m *MockClient) GetOpenOrders(_ context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenOrder, 0)
	for _, o := range m.openOrders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockClient) GetOrderExecutionPrice(_ context.Context, symbol, orderID string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions[symbol] {
		if e.OrderID == orderID {
			return e.ExecPrice, true, nil
		}
	}
	return 0, false, nil
}

func (m *MockClient) GetRecentExecutions(_ context.Context, symbol string, limit int) ([]Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Execution, len(m.executions[symbol]))
	copy(out, m.executions[symbol])
	sort.Slice(out, func(i, j int) bool { return out[i].ExecTimeMs > out[j].ExecTimeMs })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FillTPOrder simulates a TP limit order executing, for tests: it shrinks
// the position by the order's quantity and removes the order.
func (m *MockClient) FillTPOrder(symbol, orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.openOrders[orderID]
	if !ok {
		return
	}
	if pos, ok := m.positions[symbol]; ok {
		pos.Size -= order.Qty
		if pos.Size <= 0 {
			delete(m.positions, symbol)
		}
	}
	delete(m.openOrders, orderID)
	m.executions[symbol] = append(m.executions[symbol], Execution{
		OrderID: orderID, Symbol: symbol, Side: order.Side, ExecQty: order.Qty, ExecPrice: order.Price,
	})
}
