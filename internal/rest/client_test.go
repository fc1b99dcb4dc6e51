package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &appconfig.Config{
		Exchange: appconfig.ExchangeConfig{
			RestURL:    srv.URL,
			APIKey:     "test-key",
			APISecret:  "test-secret",
			Category:   "linear",
			RecvWindow: "5000",
			ConnectionPool: appconfig.ConnectionPoolConfig{
				MaxIdleConns:    4,
				MaxConnsPerHost: 4,
				IdleConnTimeout: time.Minute,
			},
		},
	}
	return NewClient(cfg, ratelimit.NewAsyncLimiter(100, time.Second))
}

func TestGetTickerParsesPatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("category") != "linear" || q.Get("symbol") != "BTCUSDT" {
			t.Errorf("query = %v", q)
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT",
			"lastPrice":"65000.5",
			"markPrice":"65001.1",
			"fundingRate":"0.0001",
			"nextFundingTime":"1700000000000",
			"volume24h":"12345.6"
		}]}}`)
	})

	patch, err := c.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if patch.LastPrice == nil || *patch.LastPrice != 65000.5 {
		t.Fatalf("last price = %v", patch.LastPrice)
	}
	if patch.FundingRate == nil || *patch.FundingRate != 0.0001 {
		t.Fatalf("funding rate = %v", patch.FundingRate)
	}
	if patch.NextFundingTime == nil || patch.NextFundingTime.UnixMilli() != 1700000000000 {
		t.Fatalf("next funding time = %v", patch.NextFundingTime)
	}
	if patch.SpreadPct != nil || patch.VolatilityPct != nil {
		t.Fatal("ticker patch must not carry spread or volatility")
	}
}

func TestGetKlinesOrdersOldestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// Bybit returns rows newest first.
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			["1700000120000","101","103","100","102","5"],
			["1700000060000","100","102","99","101","4"],
			["1700000000000","99","101","98","100","3"]
		]}}`)
	})

	candles, err := c.GetKlines(context.Background(), "BTCUSDT", "1", 3)
	if err != nil {
		t.Fatalf("GetKlines: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("got %d candles", len(candles))
	}
	if !candles[0].Start.Before(candles[1].Start) || !candles[1].Start.Before(candles[2].Start) {
		t.Fatalf("candles not oldest first: %v", candles)
	}
	if candles[0].High != 101 || candles[2].Close != 102 {
		t.Fatalf("candle values wrong: %+v", candles)
	}
}

func TestHTTPErrorRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want HTTPError", err)
	}
	if httpErr.Status != 429 || httpErr.RetryAfter != 3*time.Second {
		t.Fatalf("HTTPError = %+v", httpErr)
	}
	if !Retryable(err) {
		t.Fatal("429 should be retryable")
	}
	if got := RetryDelay(0, time.Second, err); got != 3*time.Second {
		t.Fatalf("RetryDelay = %v, want Retry-After verbatim", got)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		retCode   int
		retryable bool
	}{
		{10002, true},  // clock skew
		{10006, true},  // exchange throttle
		{10003, false}, // bad key
		{10004, false}, // bad signature
		{10010, false}, // IP not allowlisted
	}
	for _, tc := range cases {
		err := &APIError{RetCode: tc.retCode}
		if got := err.Retryable(); got != tc.retryable {
			t.Errorf("retCode %d: Retryable = %v, want %v", tc.retCode, got, tc.retryable)
		}
	}
}

func TestAPIErrorFromEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":10006,"retMsg":"Too many visits","result":{}}`)
	})

	_, err := c.GetTicker(context.Background(), "BTCUSDT")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.RetCode != 10006 || !apiErr.Retryable() {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestCancelOrderSignsRequest(t *testing.T) {
	var captured struct {
		ts   string
		sign string
		body []byte
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v5/order/cancel" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-BAPI-API-KEY") != "test-key" {
			t.Errorf("api key header = %s", r.Header.Get("X-BAPI-API-KEY"))
		}
		captured.ts = r.Header.Get("X-BAPI-TIMESTAMP")
		captured.sign = r.Header.Get("X-BAPI-SIGN")
		captured.body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-123"}}`)
	})

	if err := c.CancelOrder(context.Background(), "BTCUSDT", "abc-123"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(captured.ts + "test-key" + "5000" + string(captured.body)))
	want := hex.EncodeToString(mac.Sum(nil))
	if captured.sign != want {
		t.Fatalf("signature = %s, want %s", captured.sign, want)
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	base := time.Second
	for attempt := 0; attempt < 4; attempt++ {
		raw := base << uint(attempt)
		for i := 0; i < 50; i++ {
			d := RetryDelay(attempt, base, errors.New("transient"))
			lo := time.Duration(float64(raw) * 0.75)
			hi := time.Duration(float64(raw) * 1.25)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}
