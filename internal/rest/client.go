// Package rest is the Bybit v5 REST client used by the batch fetcher and the
// order expiry monitor. Every request passes through the shared cooperative
// rate limiter before it reaches the wire.
package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "tickflow/config"
	"tickflow/internal/ratelimit"
	"tickflow/logger"
	"tickflow/models"
)

// Client talks to the Bybit v5 REST API. Public market-data endpoints go
// through the plain HTTP client; the orderbook snapshot rides the official
// SDK; order cancellation is signed with the account credentials.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	category   string
	recvWindow string
	http       *http.Client
	sdk        *bybit.Client
	limiter    *ratelimit.AsyncLimiter
	log        *logger.Log
	now        func() time.Time
}

// NewClient builds a client from the exchange configuration. The limiter is
// shared with other REST consumers so the per-window budget is global.
func NewClient(cfg *appconfig.Config, limiter *ratelimit.AsyncLimiter) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Exchange.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Exchange.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Exchange.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Exchange.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 15 * time.Second}

	sdk := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(cfg.Exchange.RestURL))
	sdk.HTTPClient = httpClient

	return &Client{
		baseURL:    cfg.Exchange.RestURL,
		apiKey:     cfg.Exchange.APIKey,
		apiSecret:  cfg.Exchange.APISecret,
		category:   cfg.Exchange.Category,
		recvWindow: cfg.Exchange.RecvWindow,
		http:       httpClient,
		sdk:        sdk,
		limiter:    limiter,
		log:        logger.GetLogger(),
		now:        time.Now,
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get performs a rate-limited GET against path and decodes the result member
// of the response envelope into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	return c.do(req, out)
}

// signedPost performs a rate-limited POST with the Bybit v5 HMAC headers.
func (c *Client) signedPost(ctx context.Context, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + c.apiKey + c.recvWindow + string(payload)))
	sign := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-SIGN", sign)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		httpErr := &HTTPError{Status: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				httpErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return httpErr
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.RetCode != retCodeOK {
		return &APIError{RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

type tickerEntry struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Volume24h       string `json:"volume24h"`
}

// GetTicker fetches the 24h ticker for one symbol and returns it as a patch
// for the store's REST baseline layer.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*models.SnapshotPatch, error) {
	var result struct {
		List []tickerEntry `json:"list"`
	}

	query := url.Values{}
	query.Set("category", c.category)
	query.Set("symbol", symbol)
	if err := c.get(ctx, "/v5/market/tickers", query, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("ticker response for %s has no entries", symbol)
	}

	entry := result.List[0]
	patch := &models.SnapshotPatch{}
	if v, err := strconv.ParseFloat(entry.LastPrice, 64); err == nil {
		patch.LastPrice = models.Float(v)
	}
	if v, err := strconv.ParseFloat(entry.MarkPrice, 64); err == nil {
		patch.MarkPrice = models.Float(v)
	}
	if v, err := strconv.ParseFloat(entry.FundingRate, 64); err == nil {
		patch.FundingRate = models.Float(v)
	}
	if v, err := strconv.ParseFloat(entry.Volume24h, 64); err == nil {
		patch.Volume24h = models.Float(v)
	}
	if ms, err := strconv.ParseInt(entry.NextFundingTime, 10, 64); err == nil && ms > 0 {
		patch.NextFundingTime = models.Timestamp(time.UnixMilli(ms).UTC())
	}
	if patch.Empty() {
		return nil, fmt.Errorf("ticker response for %s has no parseable fields", symbol)
	}
	return patch, nil
}

// GetKlines fetches up to limit candles for symbol at the given interval,
// ordered oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}

	query := url.Values{}
	query.Set("category", c.category)
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))
	if err := c.get(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, err
	}

	// Rows arrive newest first: [start, open, high, low, close, volume, ...].
	candles := make([]models.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		var k models.Candle
		if ms, err := strconv.ParseInt(row[0], 10, 64); err == nil {
			k.Start = time.UnixMilli(ms).UTC()
		}
		k.Open, _ = strconv.ParseFloat(row[1], 64)
		k.High, _ = strconv.ParseFloat(row[2], 64)
		k.Low, _ = strconv.ParseFloat(row[3], 64)
		k.Close, _ = strconv.ParseFloat(row[4], 64)
		k.Volume, _ = strconv.ParseFloat(row[5], 64)
		candles = append(candles, k)
	}
	return candles, nil
}

// GetOrderbookTop fetches the best bid and ask for symbol through the
// official SDK.
func (c *Client) GetOrderbookTop(ctx context.Context, symbol string) (*models.OrderbookTop, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
		"limit":    1,
	}
	resp, err := c.sdk.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch orderbook: %w", err)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal orderbook result: %w", err)
	}
	var book struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
	}
	if err := json.Unmarshal(payload, &book); err != nil {
		return nil, fmt.Errorf("decode orderbook result: %w", err)
	}

	top := &models.OrderbookTop{Symbol: symbol}
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		top.Bid, _ = strconv.ParseFloat(book.Bids[0][0], 64)
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		top.Ask, _ = strconv.ParseFloat(book.Asks[0][0], 64)
	}
	return top, nil
}

// CancelOrder cancels an open order by id. Bybit returns retCode 0 even when
// the order already reached a terminal state, so a nil error only means the
// order is no longer live.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{
		"category": c.category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.signedPost(ctx, "/v5/order/cancel", body, &result); err != nil {
		return err
	}
	c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"symbol":   symbol,
		"order_id": result.OrderID,
	}).Info("order cancelled")
	return nil
}
