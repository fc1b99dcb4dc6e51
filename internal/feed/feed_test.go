package feed

import (
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/circuit"
	"tickflow/internal/orders"
	"tickflow/internal/store"
	"tickflow/logger"
	"tickflow/models"
)

func testFeed(t *testing.T) (*Feed, *store.Store, *orders.Monitor) {
	t.Helper()
	st := store.NewStore()
	mon := orders.NewMonitor(
		appconfig.OrdersConfig{CheckInterval: time.Hour, DefaultTimeout: time.Hour},
		nil,
		circuit.NewBreaker("test", 100, time.Minute),
	)
	return &Feed{store: st, monitor: mon, log: logger.GetLogger()}, st, mon
}

func TestHandleTickerObjectDelta(t *testing.T) {
	f, st, _ := testFeed(t)

	f.handleTicker("tickers.BTCUSDT", []byte(`{"symbol":"BTCUSDT","markPrice":"65001.5"}`))

	snap, ok := st.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("delta did not reach the store")
	}
	if snap.MarkPrice != 65001.5 {
		t.Fatalf("mark price = %v", snap.MarkPrice)
	}
	if snap.LastPrice != 0 {
		t.Fatalf("absent field should stay zero, got %v", snap.LastPrice)
	}
	if !snap.SourceRealtime {
		t.Fatal("ticker delta should mark the snapshot realtime")
	}
}

func TestHandleTickerDeltasAccumulate(t *testing.T) {
	f, st, _ := testFeed(t)

	f.handleTicker("tickers.BTCUSDT", []byte(`{"lastPrice":"65000"}`))
	f.handleTicker("tickers.BTCUSDT", []byte(`{"fundingRate":"0.0002"}`))

	snap, _ := st.Snapshot("BTCUSDT")
	if snap.LastPrice != 65000 || snap.FundingRate != 0.0002 {
		t.Fatalf("deltas did not accumulate: %+v", snap)
	}
}

func TestHandleTickerArrayPayload(t *testing.T) {
	f, st, _ := testFeed(t)

	f.handleTicker("tickers.ETHUSDT", []byte(`[{"symbol":"ETHUSDT","lastPrice":"3000.25"}]`))

	snap, ok := st.Snapshot("ETHUSDT")
	if !ok || snap.LastPrice != 3000.25 {
		t.Fatalf("array payload not merged: %+v", snap)
	}
}

func TestHandleTickerArrayCountsFrameOnce(t *testing.T) {
	f, st, _ := testFeed(t)

	before := logger.RealtimeReads()
	f.handleTicker("tickers.BTCUSDT", []byte(`[
		{"symbol":"BTCUSDT","lastPrice":"65000"},
		{"symbol":"ETHUSDT","lastPrice":"3000"},
		{"symbol":"XRPUSDT","lastPrice":"0.5"}
	]`))

	if _, ok := st.Snapshot("XRPUSDT"); !ok {
		t.Fatal("array entries not merged")
	}
	if got := logger.RealtimeReads() - before; got != 1 {
		t.Fatalf("frame counted %d times, want once", got)
	}
}

func TestHandleTickerSymbolFromTopic(t *testing.T) {
	f, st, _ := testFeed(t)

	f.handleTicker("tickers.XRPUSDT", []byte(`{"lastPrice":"0.5"}`))

	if _, ok := st.Snapshot("XRPUSDT"); !ok {
		t.Fatal("symbol should fall back to the topic suffix")
	}
}

func TestHandleTickerMalformed(t *testing.T) {
	f, st, _ := testFeed(t)

	f.handleTicker("tickers.BTCUSDT", []byte(`{not json`))

	if _, ok := st.Snapshot("BTCUSDT"); ok {
		t.Fatal("malformed payload must not write to the store")
	}
}

func TestHandleOrderTerminalRemovesFromMonitor(t *testing.T) {
	f, _, mon := testFeed(t)
	mon.Add(models.PendingOrder{OrderID: "ord-1", Symbol: "BTCUSDT"})
	mon.Add(models.PendingOrder{OrderID: "ord-2", Symbol: "BTCUSDT"})

	f.handleOrder("order", []byte(`[
		{"orderId":"ord-1","symbol":"BTCUSDT","orderStatus":"Filled"},
		{"orderId":"ord-2","symbol":"BTCUSDT","orderStatus":"New"}
	]`))

	pending := mon.GetPending()
	if len(pending) != 1 || pending[0].OrderID != "ord-2" {
		t.Fatalf("pending = %v, want only the live order", pending)
	}
}

func TestHandleOrderCancelledRemoves(t *testing.T) {
	f, _, mon := testFeed(t)
	mon.Add(models.PendingOrder{OrderID: "ord-1", Symbol: "BTCUSDT"})

	f.handleOrder("order", []byte(`[{"orderId":"ord-1","symbol":"BTCUSDT","orderStatus":"Cancelled"}]`))

	if len(mon.GetPending()) != 0 {
		t.Fatal("cancelled order still tracked")
	}
}

func TestNewFeedPrivateRequiresCredentials(t *testing.T) {
	cfg := &appconfig.Config{
		Symbols: []string{"BTCUSDT"},
		Exchange: appconfig.ExchangeConfig{
			PublicWSURL:  "wss://example/public",
			PrivateWSURL: "wss://example/private",
		},
	}
	st := store.NewStore()
	mon := orders.NewMonitor(appconfig.OrdersConfig{CheckInterval: time.Hour, DefaultTimeout: time.Hour}, nil, circuit.NewBreaker("t", 5, time.Minute))

	f := New(cfg, st, mon)
	if f.private != nil {
		t.Fatal("private session created without credentials")
	}

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.APISecret = "s"
	f = New(cfg, st, mon)
	if f.private == nil {
		t.Fatal("private session missing despite credentials")
	}
}
