// Package feed wires the websocket sessions into the shared store and the
// order expiry monitor. The public session carries per-symbol ticker deltas;
// the private session carries the account's order, execution, position and
// wallet events.
package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/orders"
	"tickflow/internal/store"
	"tickflow/internal/ws"
	"tickflow/logger"
	"tickflow/models"
)

// Order statuses after which an order can never fill and tracking ends.
var terminalOrderStatus = map[string]bool{
	"Filled":                  true,
	"Cancelled":               true,
	"Rejected":                true,
	"Deactivated":             true,
	"PartiallyFilledCanceled": true,
}

type tickerDelta struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Volume24h       string `json:"volume24h"`
}

type orderEvent struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
}

// Feed owns the public and private stream sessions.
type Feed struct {
	store   *store.Store
	monitor *orders.Monitor
	log     *logger.Log
	public  *ws.Session
	private *ws.Session
}

// New builds the feed from configuration. The private session is only created
// when credentials and a private URL are configured.
func New(cfg *appconfig.Config, st *store.Store, mon *orders.Monitor) *Feed {
	f := &Feed{
		store:   st,
		monitor: mon,
		log:     logger.GetLogger(),
	}

	topics := make([]string, len(cfg.Symbols))
	for i, sym := range cfg.Symbols {
		topics[i] = "tickers." + sym
	}

	f.public = ws.NewSession(ws.Config{
		Name:             "public",
		URL:              cfg.Exchange.PublicWSURL,
		Topics:           topics,
		PingInterval:     cfg.Websocket.PingInterval,
		PongTimeout:      cfg.Websocket.PongTimeout,
		AuthTimeout:      cfg.Websocket.AuthTimeout,
		HandshakeTimeout: cfg.Websocket.HandshakeTimeout,
		Backoff:          cfg.Websocket.Backoff,
		OpsPerSecond:     cfg.Websocket.OpsPerSecond,
	}, ws.Callbacks{})
	f.public.Handle("tickers.", f.handleTicker)

	if cfg.HasPrivate() {
		f.private = ws.NewSession(ws.Config{
			Name:             "private",
			URL:              cfg.Exchange.PrivateWSURL,
			APIKey:           cfg.Exchange.APIKey,
			APISecret:        cfg.Exchange.APISecret,
			RequireAuth:      true,
			Topics:           []string{"order", "execution", "position", "wallet"},
			PingInterval:     cfg.Websocket.PingInterval,
			PongTimeout:      cfg.Websocket.PongTimeout,
			AuthTimeout:      cfg.Websocket.AuthTimeout,
			HandshakeTimeout: cfg.Websocket.HandshakeTimeout,
			Backoff:          cfg.Websocket.Backoff,
			OpsPerSecond:     cfg.Websocket.OpsPerSecond,
		}, ws.Callbacks{})
		f.private.Handle("order", f.handleOrder)
		f.private.Handle("execution", f.handleExecution)
		f.private.Handle("position", f.handlePosition)
		f.private.Handle("wallet", f.handleWallet)
	}

	return f
}

// Start launches the sessions.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.public.Start(ctx); err != nil {
		return err
	}
	if f.private != nil {
		if err := f.private.Start(ctx); err != nil {
			f.public.Stop()
			return err
		}
	}
	return nil
}

// Stop tears the sessions down.
func (f *Feed) Stop() {
	if f.private != nil {
		f.private.Stop()
	}
	f.public.Stop()
}

// PublicState exposes the public session state for the runtime report.
func (f *Feed) PublicState() ws.State {
	return f.public.State()
}

// handleTicker merges a ticker delta into the realtime overlay. Deltas only
// carry the fields that changed; the payload is an object for linear topics
// and an array on some categories, so both shapes are accepted.
func (f *Feed) handleTicker(topic string, data []byte) {
	entries, err := decodeTickerData(data)
	if err != nil {
		f.log.WithComponent("feed").WithError(err).WithField("topic", topic).Warn("dropping malformed ticker payload")
		return
	}

	fallback := strings.TrimPrefix(topic, "tickers.")
	merged := false
	for _, entry := range entries {
		symbol := entry.Symbol
		if symbol == "" {
			symbol = fallback
		}
		patch := entry.patch()
		if patch.Empty() {
			continue
		}
		f.store.UpdateFromRealtime(symbol, patch)
		merged = true
	}
	// One frame, one count, however many entries it carried.
	if merged {
		logger.IncrementRealtimeRead(len(data))
	}
}

func decodeTickerData(data []byte) ([]tickerDelta, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var entries []tickerDelta
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}
	var entry tickerDelta
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return []tickerDelta{entry}, nil
}

func (d tickerDelta) patch() models.SnapshotPatch {
	var patch models.SnapshotPatch
	if v, err := strconv.ParseFloat(d.LastPrice, 64); err == nil {
		patch.LastPrice = models.Float(v)
	}
	if v, err := strconv.ParseFloat(d.MarkPrice, 64); err == nil {
		patch.MarkPrice = models.Float(v)
	}
	if v, err := strconv.ParseFloat(d.FundingRate, 64); err == nil {
		patch.FundingRate = models.Float(v)
	}
	if v, err := strconv.ParseFloat(d.Volume24h, 64); err == nil {
		patch.Volume24h = models.Float(v)
	}
	if ms, err := strconv.ParseInt(d.NextFundingTime, 10, 64); err == nil && ms > 0 {
		patch.NextFundingTime = models.Timestamp(time.UnixMilli(ms).UTC())
	}
	return patch
}

// handleOrder drops orders from expiry tracking once the exchange reports a
// terminal state, so the monitor never cancels an order that already filled.
func (f *Feed) handleOrder(topic string, data []byte) {
	var events []orderEvent
	if err := json.Unmarshal(data, &events); err != nil {
		f.log.WithComponent("feed").WithError(err).Warn("dropping malformed order payload")
		return
	}

	for _, ev := range events {
		if ev.OrderID == "" {
			continue
		}
		if terminalOrderStatus[ev.OrderStatus] {
			f.monitor.Remove(ev.OrderID)
			f.log.WithComponent("feed").WithFields(logger.Fields{
				"order_id": ev.OrderID,
				"symbol":   ev.Symbol,
				"status":   ev.OrderStatus,
			}).Info("order reached terminal state")
		}
	}
}

func (f *Feed) handleExecution(topic string, data []byte) {
	f.log.WithComponent("feed").WithField("bytes", len(data)).Debug("execution update")
}

func (f *Feed) handlePosition(topic string, data []byte) {
	f.log.WithComponent("feed").WithField("bytes", len(data)).Debug("position update")
}

func (f *Feed) handleWallet(topic string, data []byte) {
	f.log.WithComponent("feed").WithField("bytes", len(data)).Debug("wallet update")
}
