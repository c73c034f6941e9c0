// Package bybit implements the Bybit v5 REST surface the pipeline depends on.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	recvWindow     = "5000"
)

const (
	// BaseURL is the production Bybit API URL
	BaseURL = "https://api.bybit.com"
	// TestnetURL is the testnet Bybit API URL
	TestnetURL = "https://api-testnet.bybit.com"
)

// Client talks to the Bybit v5 REST API for the linear-perpetual category.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Bybit client.
func NewClient(apiKey, apiSecret string, testnet bool, timeout time.Duration) *Client {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Trim whitespace from keys - stray newlines break signature generation
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		apiSecret:  strings.TrimSpace(apiSecret),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// ==================== MARKET DATA ====================

// GetTickers retrieves the 24h ticker for every linear-perpetual symbol.
func (c *Client) GetTickers(ctx context.Context) ([]Ticker, error) {
	params := map[string]string{"category": "linear"}

	resp, err := c.publicGet(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching tickers: %w", err)
	}

	var result struct {
		List []tickerRow `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing tickers: %w", err)
	}

	tickers := make([]Ticker, 0, len(result.List))
	for _, t := range result.List {
		tickers = append(tickers, t.ticker())
	}
	return tickers, nil
}

// GetTicker retrieves the ticker for a single symbol. A symbol the exchange
// no longer quotes returns (nil, nil).
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}

	resp, err := c.publicGet(ctx, "/v5/market/tickers", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker for %s: %w", symbol, err)
	}

	var result struct {
		List []tickerRow `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing ticker for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, nil
	}

	ticker := result.List[0].ticker()
	return &ticker, nil
}

type tickerRow struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Price24hPcnt string `json:"price24hPcnt"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
	Turnover24h  string `json:"turnover24h"`
	FundingRate  string `json:"fundingRate"`
}

func (t tickerRow) ticker() Ticker {
	return Ticker{
		Symbol:         t.Symbol,
		LastPrice:      parseFloat(t.LastPrice),
		Bid1Price:      parseFloat(t.Bid1Price),
		Ask1Price:      parseFloat(t.Ask1Price),
		PriceChg24hPct: parseFloat(t.Price24hPcnt),
		High24h:        parseFloat(t.HighPrice24h),
		Low24h:         parseFloat(t.LowPrice24h),
		Volume24h:      parseFloat(t.Volume24h),
		Turnover24h:    parseFloat(t.Turnover24h),
		FundingRate:    parseFloat(t.FundingRate),
	}
}

// GetKlines retrieves up to limit candles for (symbol, interval), oldest first.
// Interval uses the exchange notation: minutes as "1".."720", "D", "W", "M".
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return c.getKlines(ctx, symbol, interval, limit, 0)
}

func (c *Client) getKlines(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]Kline, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if endTime > 0 {
		params["end"] = strconv.FormatInt(endTime, 10)
	}

	resp, err := c.publicGet(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines for %s/%s: %w", symbol, interval, err)
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing klines for %s/%s: %w", symbol, interval, err)
	}

	klines := make([]Kline, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 7 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
			Turnover: parseFloat(row[6]),
		})
	}

	sort.Slice(klines, func(i, j int) bool {
		return klines[i].OpenTime.Before(klines[j].OpenTime)
	})
	return klines, nil
}

// GetKlinesForDays fetches candles covering the given number of days by
// paging backwards in chunks of at most 200, deduplicated on open-time and
// capped at 1000 candles, oldest first.
func (c *Client) GetKlinesForDays(ctx context.Context, symbol, interval string, days int) ([]Kline, error) {
	minutes := intervalMinutes(interval)
	if minutes <= 0 {
		return nil, fmt.Errorf("unsupported interval %q", interval)
	}

	needed := days * 24 * 60 / minutes
	if needed > 1000 {
		needed = 1000
	}

	seen := make(map[int64]struct{})
	var all []Kline
	end := int64(0)

	for len(all) < needed {
		chunk := needed - len(all)
		if chunk > 200 {
			chunk = 200
		}
		klines, err := c.getKlines(ctx, symbol, interval, chunk, end)
		if err != nil {
			return nil, err
		}
		if len(klines) == 0 {
			break
		}
		added := 0
		for _, k := range klines {
			ms := k.OpenTime.UnixMilli()
			if _, dup := seen[ms]; dup {
				continue
			}
			seen[ms] = struct{}{}
			all = append(all, k)
			added++
		}
		if added == 0 {
			break
		}
		end = klines[0].OpenTime.UnixMilli() - 1

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].OpenTime.Before(all[j].OpenTime)
	})
	if len(all) > 1000 {
		all = all[len(all)-1000:]
	}
	return all, nil
}

// GetInstrumentInfo retrieves the price and lot-size filters for a symbol.
func (c *Client) GetInstrumentInfo(ctx context.Context, symbol string) (*InstrumentInfo, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}

	resp, err := c.publicGet(ctx, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching instrument info for %s: %w", symbol, err)
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
				MinPrice string `json:"minPrice"`
				MaxPrice string `json:"maxPrice"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing instrument info for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("no instrument info for %s", symbol)
	}

	info := result.List[0]
	return &InstrumentInfo{
		Symbol:      info.Symbol,
		TickSize:    parseFloat(info.PriceFilter.TickSize),
		MinPrice:    parseFloat(info.PriceFilter.MinPrice),
		MaxPrice:    parseFloat(info.PriceFilter.MaxPrice),
		QtyStep:     parseFloat(info.LotSizeFilter.QtyStep),
		MinOrderQty: parseFloat(info.LotSizeFilter.MinOrderQty),
		MaxOrderQty: parseFloat(info.LotSizeFilter.MaxOrderQty),
		PriceScale:  decimalsOf(info.PriceFilter.TickSize),
		QtyScale:    decimalsOf(info.LotSizeFilter.QtyStep),
	}, nil
}

// ==================== ACCOUNT ====================

// GetWalletBalance retrieves the unified-account balance.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	params := map[string]string{"accountType": "UNIFIED"}

	resp, err := c.signedGet(ctx, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching wallet balance: %w", err)
	}

	var result struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing wallet balance: %w", err)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("empty wallet balance response")
	}

	return &WalletBalance{
		TotalEquity:           parseFloat(result.List[0].TotalEquity),
		TotalAvailableBalance: parseFloat(result.List[0].TotalAvailableBalance),
	}, nil
}

// GetPositions retrieves open positions. Pass a symbol to filter, or empty
// for all USDT-settled positions.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{"category": "linear"}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = "USDT"
	}

	resp, err := c.signedGet(ctx, "/v5/position/list", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
			Leverage string `json:"leverage"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	positions := make([]Position, 0, len(result.List))
	for _, p := range result.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		positions = append(positions, Position{
			Symbol:   p.Symbol,
			Side:     p.Side,
			Size:     size,
			AvgPrice: parseFloat(p.AvgPrice),
			Leverage: parseFloat(p.Leverage),
		})
	}
	return positions, nil
}

// GetOpenOrders retrieves open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{"category": "linear", "symbol": symbol}

	resp, err := c.signedGet(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching open orders for %s: %w", symbol, err)
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Qty         string `json:"qty"`
			Price       string `json:"price"`
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing open orders for %s: %w", symbol, err)
	}

	orders := make([]Order, 0, len(result.List))
	for _, o := range result.List {
		orders = append(orders, Order{
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			OrderType: o.OrderType,
			Qty:       parseFloat(o.Qty),
			Price:     parseFloat(o.Price),
			Status:    o.OrderStatus,
		})
	}
	return orders, nil
}

// ==================== TRADING ====================

// SetLeverage sets buy and sell leverage for a symbol. The "leverage not
// modified" error is treated as success.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}

	_, err := c.signedPost(ctx, "/v5/position/set-leverage", body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == ErrLeverageNotModified {
			return nil
		}
		return fmt.Errorf("error setting leverage for %s: %w", symbol, err)
	}
	return nil
}

// PlaceMarketOrder places a one-way-mode market order with the stop-loss and
// take-profit attached as a bracket. Prices and quantity must already be
// quantised; they are transmitted as decimal strings.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side, qty, stopLoss, takeProfit string) (*OrderResult, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         qty,
		"stopLoss":    stopLoss,
		"takeProfit":  takeProfit,
		"positionIdx": 0,
	}

	resp, err := c.signedPost(ctx, "/v5/order/create", body)
	if err != nil {
		return nil, fmt.Errorf("error placing order for %s: %w", symbol, err)
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("error parsing order response for %s: %w", symbol, err)
	}

	return &OrderResult{OrderID: result.OrderID, OrderLinkID: result.OrderLinkID}, nil
}

// ==================== TRANSPORT ====================

func (c *Client) publicGet(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	query := encodeParams(params)
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
	})
}

func (c *Client) signedGet(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	query := encodeParams(params)
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		c.sign(req, query)
		return req, nil
	})
}

func (c *Client) signedPost(ctx context.Context, path string, body map[string]interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error encoding request body: %w", err)
	}
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.sign(req, string(payload))
		return req, nil
	})
}

// sign sets the v5 authentication headers. The signature covers
// timestamp + apiKey + recvWindow + payload.
func (c *Client) sign(req *http.Request, payload string) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)
}

func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("error parsing response envelope: %w", err)
		}
		if env.RetCode != 0 {
			return nil, &APIError{Code: env.RetCode, Message: env.RetMsg}
		}
		return env.Result, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, lastErr)
}

func encodeParams(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func intervalMinutes(interval string) int {
	switch interval {
	case "D":
		return 24 * 60
	case "W":
		return 7 * 24 * 60
	default:
		n, err := strconv.Atoi(interval)
		if err != nil {
			return 0
		}
		return n
	}
}
