// Package bitget is a small client for the Bitget v2 spot REST and public
// websocket APIs: tickers, candles, market orders and order queries.
package bitget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/gregtusar/triarb/pkg/models"
)

const (
	DefaultBaseURL = "https://api.bitget.com"

	successCode = "00000"
)

var ErrUnauthenticated = errors.New("bitget: credentials required")

// APIError is a non-success envelope or HTTP status from the venue.
type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bitget: http %d code %s: %s", e.HTTPStatus, e.Code, e.Msg)
}

type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu      sync.Mutex
	symbols map[string]SymbolInfo
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		symbols:    make(map[string]SymbolInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest sends one request and decodes the data field of the envelope
// into out. Private endpoints pass a non-nil signer.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, signer *Signer, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bitget: encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	if signer != nil {
		signer.AddAuthHeaders(req, method, requestPath, string(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bitget: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bitget: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{HTTPStatus: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("bitget: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != successCode {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("bitget: decode data: %w", err)
	}
	return nil
}

type tickerData struct {
	Symbol     string `json:"symbol"`
	LastPr     string `json:"lastPr"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	BaseVolume string `json:"baseVolume"`
	Timestamp  string `json:"ts"`
}

// GetTickers returns tickers for the given symbols, or every spot symbol when
// none are given.
func (c *Client) GetTickers(ctx context.Context, symbols ...string) ([]models.Ticker, error) {
	var query url.Values
	if len(symbols) == 1 {
		query = url.Values{"symbol": {symbols[0]}}
	}

	var data []tickerData
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/spot/market/tickers", query, nil, nil, &data); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]models.Ticker, 0, len(data))
	for _, t := range data {
		if len(want) > 0 && !want[t.Symbol] {
			continue
		}
		out = append(out, models.Ticker{
			Symbol:    t.Symbol,
			BidPrice:  decimalOrZero(t.BidPr),
			AskPrice:  decimalOrZero(t.AskPr),
			LastPrice: decimalOrZero(t.LastPr),
			Volume24h: decimalOrZero(t.BaseVolume),
			Timestamp: parseMillis(t.Timestamp),
		})
	}
	return out, nil
}

// GetCandles returns candles oldest first. Bitget encodes each candle as an
// array of strings: ts, open, high, low, close, base volume, ...
func (c *Client) GetCandles(ctx context.Context, symbol, granularity string, limit int) ([]models.Candle, error) {
	query := url.Values{
		"symbol":      {symbol},
		"granularity": {granularity},
		"limit":       {strconv.Itoa(limit)},
	}

	var data [][]string
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/spot/market/candles", query, nil, nil, &data); err != nil {
		return nil, err
	}

	out := make([]models.Candle, 0, len(data))
	for _, row := range data {
		if len(row) < 6 {
			return nil, fmt.Errorf("bitget: malformed candle for %s: %v", symbol, row)
		}
		vals := make([]decimal.Decimal, 5)
		for i := range vals {
			v, err := decimal.NewFromString(row[i+1])
			if err != nil {
				return nil, fmt.Errorf("bitget: candle field %d for %s: %w", i+1, symbol, err)
			}
			vals[i] = v
		}
		out = append(out, models.Candle{
			OpenTime: parseMillis(row[0]),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
			Volume:   vals[4],
		})
	}
	return out, nil
}

// SymbolInfo is the trading precision of a spot symbol. Order sizes with
// more decimals than the venue allows are rejected.
type SymbolInfo struct {
	Symbol            string
	BaseCoin          string
	QuoteCoin         string
	PricePrecision    int32
	QuantityPrecision int32
	QuotePrecision    int32
	MinTradeAmount    decimal.Decimal
}

type symbolData struct {
	Symbol            string `json:"symbol"`
	BaseCoin          string `json:"baseCoin"`
	QuoteCoin         string `json:"quoteCoin"`
	PricePrecision    string `json:"pricePrecision"`
	QuantityPrecision string `json:"quantityPrecision"`
	QuotePrecision    string `json:"quotePrecision"`
	MinTradeAmount    string `json:"minTradeAmount"`
}

// GetSymbolInfo returns the precision for symbol. Results are cached for the
// life of the client.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	c.mu.Lock()
	info, ok := c.symbols[symbol]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	var data []symbolData
	query := url.Values{"symbol": {symbol}}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/spot/public/symbols", query, nil, nil, &data); err != nil {
		return SymbolInfo{}, err
	}
	for _, s := range data {
		if s.Symbol != symbol {
			continue
		}
		info, err := parseSymbol(s)
		if err != nil {
			return SymbolInfo{}, err
		}
		c.mu.Lock()
		c.symbols[symbol] = info
		c.mu.Unlock()
		return info, nil
	}
	return SymbolInfo{}, fmt.Errorf("bitget: unknown symbol %s", symbol)
}

func parseSymbol(s symbolData) (SymbolInfo, error) {
	info := SymbolInfo{
		Symbol:         s.Symbol,
		BaseCoin:       s.BaseCoin,
		QuoteCoin:      s.QuoteCoin,
		MinTradeAmount: decimalOrZero(s.MinTradeAmount),
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *int32
	}{
		{"pricePrecision", s.PricePrecision, &info.PricePrecision},
		{"quantityPrecision", s.QuantityPrecision, &info.QuantityPrecision},
		{"quotePrecision", s.QuotePrecision, &info.QuotePrecision},
	} {
		n, err := strconv.ParseInt(f.raw, 10, 32)
		if err != nil {
			return SymbolInfo{}, fmt.Errorf("bitget: %s %s: %w", s.Symbol, f.name, err)
		}
		*f.dst = int32(n)
	}
	return info, nil
}

type placeOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Force     string `json:"force"`
	Size      string `json:"size"`
	ClientOid string `json:"clientOid,omitempty"`
}

// PlaceMarketOrder submits a market order. Bitget sizes market buys in the
// quote asset, so QuoteAmount is used for buys when set. The size is rounded
// down to the symbol's precision before it is sent.
func (c *Client) PlaceMarketOrder(ctx context.Context, creds *models.Credentials, req models.OrderRequest, clientOid string) (string, error) {
	if !creds.Complete() {
		return "", ErrUnauthenticated
	}

	info, err := c.GetSymbolInfo(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	size, places := req.Quantity, info.QuantityPrecision
	if req.Side == models.OrderSideBuy && req.QuoteAmount.IsPositive() {
		size, places = req.QuoteAmount, info.QuotePrecision
	}
	size = size.Truncate(places)
	if !size.IsPositive() {
		return "", fmt.Errorf("bitget: %s order size rounds to zero at %d decimals", req.Symbol, places)
	}

	body := placeOrderRequest{
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		OrderType: "market",
		Force:     "gtc",
		Size:      size.String(),
		ClientOid: clientOid,
	}

	var data struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", nil, body, NewSigner(creds), &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", errors.New("bitget: place order returned no order id")
	}
	return data.OrderID, nil
}

type OrderInfo struct {
	OrderID     string
	Symbol      string
	Side        models.OrderSide
	Status      models.OrderStatus
	PriceAvg    decimal.Decimal
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
	Fee         models.Fee
}

type orderInfoData struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Status      string `json:"status"`
	PriceAvg    string `json:"priceAvg"`
	BaseVolume  string `json:"baseVolume"`
	QuoteVolume string `json:"quoteVolume"`
	FeeDetail   string `json:"feeDetail"`
}

func (c *Client) GetOrder(ctx context.Context, creds *models.Credentials, orderID string) (*OrderInfo, error) {
	if !creds.Complete() {
		return nil, ErrUnauthenticated
	}

	var data []orderInfoData
	query := url.Values{"orderId": {orderID}}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo", query, nil, NewSigner(creds), &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("bitget: order %s not found", orderID)
	}

	d := data[0]
	fee, err := parseFeeDetail(d.FeeDetail)
	if err != nil {
		return nil, err
	}
	return &OrderInfo{
		OrderID:     d.OrderID,
		Symbol:      d.Symbol,
		Side:        models.OrderSide(d.Side),
		Status:      mapStatus(d.Status),
		PriceAvg:    decimalOrZero(d.PriceAvg),
		BaseVolume:  decimalOrZero(d.BaseVolume),
		QuoteVolume: decimalOrZero(d.QuoteVolume),
		Fee:         fee,
	}, nil
}

// Asset is one coin balance in the spot account.
type Asset struct {
	Coin      string          `json:"coin"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Locked    decimal.Decimal `json:"locked"`
}

type assetData struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Locked    string `json:"locked"`
}

// GetAssets returns the spot balances the account holds. When coins are
// given only those are returned.
func (c *Client) GetAssets(ctx context.Context, creds *models.Credentials, coins ...string) ([]Asset, error) {
	if !creds.Complete() {
		return nil, ErrUnauthenticated
	}

	var data []assetData
	query := url.Values{"assetType": {"hold_only"}}
	if len(coins) == 1 {
		query.Set("coin", coins[0])
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v2/spot/account/assets", query, nil, NewSigner(creds), &data); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(coins))
	for _, coin := range coins {
		want[coin] = true
	}
	out := make([]Asset, 0, len(data))
	for _, a := range data {
		if len(want) > 0 && !want[a.Coin] {
			continue
		}
		out = append(out, Asset{
			Coin:      a.Coin,
			Available: decimalOrZero(a.Available),
			Frozen:    decimalOrZero(a.Frozen),
			Locked:    decimalOrZero(a.Locked),
		})
	}
	return out, nil
}

// parseFeeDetail reads the JSON-in-a-string fee breakdown. Entries carrying a
// feeCoinCode are summed; the sign Bitget uses for charges is dropped.
func parseFeeDetail(raw string) (models.Fee, error) {
	if raw == "" {
		return models.Fee{Amount: decimal.Zero}, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return models.Fee{}, fmt.Errorf("bitget: decode feeDetail: %w", err)
	}

	fee := models.Fee{Amount: decimal.Zero}
	for _, v := range entries {
		var e struct {
			FeeCoinCode string          `json:"feeCoinCode"`
			TotalFee    decimal.Decimal `json:"totalFee"`
		}
		if err := json.Unmarshal(v, &e); err != nil || e.FeeCoinCode == "" {
			continue
		}
		fee.Asset = e.FeeCoinCode
		fee.Amount = fee.Amount.Add(e.TotalFee.Abs())
	}
	return fee, nil
}

func mapStatus(s string) models.OrderStatus {
	switch s {
	case "filled", "full_fill":
		return models.OrderStatusFilled
	case "partially_filled", "partial_fill":
		return models.OrderStatusPartiallyFilled
	case "cancelled":
		return models.OrderStatusCancelled
	}
	return models.OrderStatusNew
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
