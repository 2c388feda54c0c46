package exchange

import "context"

// Client is the adapter interface the controller depends on. BybitClient is
// the production implementation; MockClient backs tests.
type Client interface {
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]Candle, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetWalletBalance(ctx context.Context) (float64, bool, error)
	GetTotalEquity(ctx context.Context) (float64, bool, error)
	CalculateQty(ctx context.Context, symbol string, sizeUSDT, price float64) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOrderExecutionPrice(ctx context.Context, symbol, orderID string) (float64, bool, error)
	GetRecentExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error)
}
