package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	MainnetBaseURL = "https://api.bybit.com"
	TestnetBaseURL = "https://api-testnet.bybit.com"

	recvWindowMs   = "10000"
	maxRetries     = 3
	requestTimeout = 15 * time.Second
)

// BybitClient signs and sends Bybit V5 linear-perpetual REST requests.
type BybitClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	log       zerolog.Logger
}

// NewBybitClient builds a BybitClient. testnet selects the testnet host.
func NewBybitClient(apiKey, apiSecret string, testnet bool, log zerolog.Logger) *BybitClient {
	baseURL := MainnetBaseURL
	if testnet {
		baseURL = TestnetBaseURL
	}
	return &BybitClient{
		apiKey:    strings.TrimSpace(apiKey),
		apiSecret: strings.TrimSpace(apiSecret),
		baseURL:   baseURL,
		http:      &http.Client{Timeout: requestTimeout},
		log:       log.With().Str("component", "exchange").Logger(),
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *BybitClient) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindowMs + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BybitClient) headers(timestamp, payload string) http.Header {
	h := http.Header{}
	h.Set("X-BAPI-API-KEY", c.apiKey)
	h.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	h.Set("X-BAPI-SIGN-TYPE", "2")
	h.Set("X-BAPI-TIMESTAMP", timestamp)
	h.Set("X-BAPI-RECV-WINDOW", recvWindowMs)
	h.Set("Content-Type", "application/json")
	return h
}

func sortedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// retryDelay returns 2^attempt seconds, the retry schedule the adapter uses
// for both timestamp-skew and rate-limit transient errors.
func retryDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// signedGet performs a signed GET, retrying transient retCodes up to
// maxRetries times with exponential backoff, and returning benign retCodes
// as a structured *Error the caller can test with IsBenign.
func (c *BybitClient) signedGet(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params)
}

func (c *BybitClient) signedPost(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params)
}

func (c *BybitClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

		var req *http.Request
		var err error
		var signPayload string

		if method == http.MethodGet {
			signPayload = sortedQuery(params)
			reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
			if signPayload != "" {
				reqURL = reqURL + "?" + encodeQuery(params)
			}
			req, err = http.NewRequestWithContext(ctx, method, reqURL, nil)
		} else {
			body, marshalErr := json.Marshal(params)
			if marshalErr != nil {
				return nil, fmt.Errorf("exchange: marshal request body: %w", marshalErr)
			}
			signPayload = string(body)
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
		}
		if err != nil {
			return nil, fmt.Errorf("exchange: build request: %w", err)
		}
		req.Header = c.headers(timestamp, signPayload)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				c.log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("request failed, retrying")
				sleepOrCancel(ctx, retryDelay(attempt))
				continue
			}
			return nil, fmt.Errorf("exchange: request failed after %d attempts: %w", maxRetries+1, err)
		}

		data, err := readAndClose(resp)
		if err != nil {
			return nil, err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("exchange: decode response from %s: %w", endpoint, err)
		}

		if env.RetCode == 0 {
			return env.Result, nil
		}

		if IsTransient(env.RetCode) && attempt < maxRetries {
			c.log.Warn().Int("retCode", env.RetCode).Str("endpoint", endpoint).Int("attempt", attempt+1).Msg("transient error, retrying")
			sleepOrCancel(ctx, retryDelay(attempt))
			continue
		}

		if IsBenign(env.RetCode) {
			return nil, NewError(env.RetCode, env.RetMsg)
		}

		return nil, NewError(env.RetCode, env.RetMsg)
	}

	return nil, lastErr
}

func sleepOrCancel(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read response body: %w", err)
	}
	return data, nil
}

func encodeQuery(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

// --- klines / tickers / instruments ---

type klineResult struct {
	List [][]string `json:"list"`
}

func (c *BybitClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	raw, err := c.signedGet(ctx, "/v5/market/kline", map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var result klineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode klines: %w", err)
	}

	if len(result.List) < int(0.9*float64(limit)) {
		c.log.Warn().Str("symbol", symbol).Int("requested", limit).Int("got", len(result.List)).Msg("fewer klines than requested")
	}

	candles := make([]Candle, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 7 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		closeP, _ := strconv.ParseFloat(row[4], 64)
		volume, _ := strconv.ParseFloat(row[5], 64)
		turnover, _ := strconv.ParseFloat(row[6], 64)
		candles = append(candles, Candle{
			TimestampMs: ts, Open: open, High: high, Low: low,
			Close: closeP, Volume: volume, Turnover: turnover,
		})
	}
	return candles, nil
}

type tickerRow struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type tickerResult struct {
	List []tickerRow `json:"list"`
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	raw, err := c.signedGet(ctx, "/v5/market/tickers", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}
	var result tickerResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode ticker: %w", err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	price, _ := strconv.ParseFloat(result.List[0].LastPrice, 64)
	return &Ticker{Symbol: result.List[0].Symbol, LastPrice: price}, nil
}

type lotSizeFilter struct {
	MinOrderQty string `json:"minOrderQty"`
	MaxOrderQty string `json:"maxOrderQty"`
	QtyStep     string `json:"qtyStep"`
}

type priceFilter struct {
	MinPrice string `json:"minPrice"`
	MaxPrice string `json:"maxPrice"`
	TickSize string `json:"tickSize"`
}

type instrumentRow struct {
	Symbol        string        `json:"symbol"`
	LotSizeFilter lotSizeFilter `json:"lotSizeFilter"`
	PriceFilter   priceFilter   `json:"priceFilter"`
}

type instrumentResult struct {
	List []instrumentRow `json:"list"`
}

func (c *BybitClient) GetInstrument(ctx context.Context, symbol string) (*Instrument, error) {
	raw, err := c.signedGet(ctx, "/v5/market/instruments-info", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}
	var result instrumentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode instrument info: %w", err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	row := result.List[0]
	minQty, _ := strconv.ParseFloat(row.LotSizeFilter.MinOrderQty, 64)
	maxQty, _ := strconv.ParseFloat(row.LotSizeFilter.MaxOrderQty, 64)
	step, _ := strconv.ParseFloat(row.LotSizeFilter.QtyStep, 64)
	minPrice, _ := strconv.ParseFloat(row.PriceFilter.MinPrice, 64)
	maxPrice, _ := strconv.ParseFloat(row.PriceFilter.MaxPrice, 64)
	tick, _ := strconv.ParseFloat(row.PriceFilter.TickSize, 64)
	return &Instrument{
		Symbol: row.Symbol, MinQty: minQty, MaxQty: maxQty, LotStep: step,
		MinPrice: minPrice, MaxPrice: maxPrice, TickSize: tick,
	}, nil
}

func (c *BybitClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedPost(ctx, "/v5/position/set-leverage", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	})
	if isBenignErr(err) {
		c.log.Debug().Str("symbol", symbol).Int("leverage", leverage).Msg("leverage already set")
		return nil
	}
	return err
}

func (c *BybitClient) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	tradeMode := "0"
	if mode == MarginCross {
		tradeMode = "1"
	}
	_, err := c.signedPost(ctx, "/v5/position/switch-isolated", map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  "0",
		"sellLeverage": "0",
	})
	if isBenignErr(err) {
		c.log.Debug().Str("symbol", symbol).Str("mode", string(mode)).Msg("margin mode already set")
		return nil
	}
	return err
}

func isBenignErr(err error) bool {
	var exchErr *Error
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		exchErr = e
	}
	return exchErr != nil && IsBenign(exchErr.Code)
}

type positionRow struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	AvgPrice   string `json:"avgPrice"`
}

type positionResult struct {
	List []positionRow `json:"list"`
}

func (c *BybitClient) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	raw, err := c.signedGet(ctx, "/v5/position/list", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}
	var result positionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode position: %w", err)
	}
	for _, row := range result.List {
		size, _ := strconv.ParseFloat(row.Size, 64)
		if size > 0 {
			entry, _ := strconv.ParseFloat(row.AvgPrice, 64)
			return &Position{Symbol: row.Symbol, Side: Side(row.Side), Size: size, EntryPrice: entry}, nil
		}
	}
	return nil, nil
}

type walletCoin struct {
	Coin               string `json:"coin"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	AvailableBalance   string `json:"availableBalance"`
}

type walletAccount struct {
	TotalEquity string       `json:"totalEquity"`
	Coin        []walletCoin `json:"coin"`
}

type walletResult struct {
	List []walletAccount `json:"list"`
}

func (c *BybitClient) GetWalletBalance(ctx context.Context) (float64, bool, error) {
	raw, err := c.signedGet(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"})
	if err != nil {
		return 0, false, err
	}
	var result walletResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, false, fmt.Errorf("exchange: decode wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return 0, false, nil
	}
	account := result.List[0]
	for _, coin := range account.Coin {
		if coin.Coin != "USDT" {
			continue
		}
		raw := coin.AvailableBalance
		if raw == "" {
			raw = coin.AvailableToWithdraw
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return v, true, nil
		}
	}
	if v, err := strconv.ParseFloat(account.TotalEquity, 64); err == nil {
		return v, true, nil
	}
	return 0, false, nil
}

func (c *BybitClient) GetTotalEquity(ctx context.Context) (float64, bool, error) {
	raw, err := c.signedGet(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"})
	if err != nil {
		return 0, false, err
	}
	var result walletResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, false, fmt.Errorf("exchange: decode total equity: %w", err)
	}
	if len(result.List) == 0 {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	if err != nil || v <= 0 {
		return 0, false, nil
	}
	return v, true, nil
}

// CalculateQty sizes an order from a USDT notional, rounding down to the
// instrument's lot step and clamping to [minQty, maxQty]. Fails loudly if
// instrument info is unavailable — an entry must never size against guesses.
func (c *BybitClient) CalculateQty(ctx context.Context, symbol string, sizeUSDT, price float64) (float64, error) {
	inst, err := c.GetInstrument(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("exchange: calculate qty: %w", err)
	}
	if inst == nil {
		return 0, fmt.Errorf("exchange: cannot get instrument info for %s", symbol)
	}
	if price <= 0 {
		return 0, fmt.Errorf("exchange: invalid price %v for %s", price, symbol)
	}

	qty := sizeUSDT / price
	if inst.LotStep > 0 {
		qty = math.Floor(qty/inst.LotStep) * inst.LotStep
	}
	if inst.MinQty > 0 && qty < inst.MinQty {
		qty = inst.MinQty
	}
	if inst.MaxQty > 0 && qty > inst.MaxQty {
		qty = inst.MaxQty
	}
	return qty, nil
}

type orderCreateParams struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	TimeInForce string `json:"timeInForce"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	Price       string `json:"price,omitempty"`
}

type orderResult struct {
	OrderID string `json:"orderId"`
}

func (c *BybitClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if req.Type == OrderTypeLimit && req.Price <= 0 {
		return OrderResponse{}, fmt.Errorf("exchange: price required for Limit order on %s", req.Symbol)
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.Type == OrderTypeLimit {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	raw, err := c.signedPost(ctx, "/v5/order/create", params)
	if err != nil {
		var exchErr *Error
		if e, ok := err.(*Error); ok {
			exchErr = e
			c.log.Warn().Int("retCode", exchErr.Code).Str("symbol", req.Symbol).Msg("order rejected")
			return OrderResponse{RetCode: exchErr.Code, RetMsg: exchErr.Msg}, nil
		}
		return OrderResponse{}, err
	}

	var result orderResult
	_ = json.Unmarshal(raw, &result)
	c.log.Info().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("qty", req.Qty).Str("orderType", string(req.Type)).Msg("order placed")
	return OrderResponse{RetCode: 0, OrderID: result.OrderID}, nil
}

func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"category": "linear", "symbol": symbol}
	if orderID != "" {
		params["orderId"] = orderID
	}
	_, err := c.signedPost(ctx, "/v5/order/cancel", params)
	if isBenignErr(err) {
		return nil
	}
	return err
}

type openOrderRow struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Qty        string `json:"qty"`
	Price      string `json:"price"`
	ReduceOnly bool   `json:"reduceOnly"`
}

type openOrderResult struct {
	List []openOrderRow `json:"list"`
}

func (c *BybitClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := map[string]string{"category": "linear", "orderStatus": "New,PartiallyFilled"}
	if symbol != "" {
		params["symbol"] = symbol
	}
	raw, err := c.signedGet(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	var result openOrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode open orders: %w", err)
	}
	out := make([]OpenOrder, 0, len(result.List))
	for _, row := range result.List {
		qty, _ := strconv.ParseFloat(row.Qty, 64)
		price, _ := strconv.ParseFloat(row.Price, 64)
		out = append(out, OpenOrder{
			OrderID: row.OrderID, Symbol: row.Symbol, Side: Side(row.Side),
			Qty: qty, Price: price, ReduceOnly: row.ReduceOnly,
		})
	}
	return out, nil
}

type executionRow struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecTime  string `json:"execTime"`
}

type executionResult struct {
	List []executionRow `json:"list"`
}

func (c *BybitClient) GetOrderExecutionPrice(ctx context.Context, symbol, orderID string) (float64, bool, error) {
	raw, err := c.signedGet(ctx, "/v5/execution/list", map[string]string{
		"category": "linear", "symbol": symbol, "orderId": orderID,
	})
	if err != nil {
		return 0, false, err
	}
	var result executionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, false, fmt.Errorf("exchange: decode executions: %w", err)
	}

	var totalQty, totalValue float64
	for _, row := range result.List {
		qty, err1 := strconv.ParseFloat(row.ExecQty, 64)
		price, err2 := strconv.ParseFloat(row.ExecPrice, 64)
		if err1 != nil || err2 != nil || qty <= 0 || price <= 0 {
			continue
		}
		totalQty += qty
		totalValue += qty * price
	}
	if totalQty > 0 {
		return totalValue / totalQty, true, nil
	}

	// Fallback: order history, only if filled.
	raw, err = c.signedGet(ctx, "/v5/order/history", map[string]string{
		"category": "linear", "symbol": symbol, "orderId": orderID,
	})
	if err != nil {
		return 0, false, nil
	}
	var orders struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &orders); err != nil {
		return 0, false, nil
	}
	for _, o := range orders.List {
		if o.OrderID == orderID && o.OrderStatus == "Filled" {
			if avg, err := strconv.ParseFloat(o.AvgPrice, 64); err == nil && avg > 0 {
				return avg, true, nil
			}
		}
	}
	return 0, false, nil
}

func (c *BybitClient) GetRecentExecutions(ctx context.Context, symbol string, limit int) ([]Execution, error) {
	raw, err := c.signedGet(ctx, "/v5/execution/list", map[string]string{
		"category": "linear", "symbol": symbol, "limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	var result executionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("exchange: decode recent executions: %w", err)
	}
	out := make([]Execution, 0, len(result.List))
	for _, row := range result.List {
		qty, _ := strconv.ParseFloat(row.ExecQty, 64)
		price, _ := strconv.ParseFloat(row.ExecPrice, 64)
		execTime, _ := strconv.ParseInt(row.ExecTime, 10, 64)
		out = append(out, Execution{
			OrderID: row.OrderID, Symbol: row.Symbol, Side: Side(row.Side),
			ExecQty: qty, ExecPrice: price, ExecTimeMs: execTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecTimeMs > out[j].ExecTimeMs })
	return out, nil
}
