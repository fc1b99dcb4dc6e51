package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/store"
	"tickflow/logger"
	"tickflow/models"
)

// minValidCandles is the floor below which the volatility figure is not
// meaningful and gets omitted from the patch.
const minValidCandles = 3

// MarketAPI is the slice of the REST client the refresher needs.
type MarketAPI interface {
	GetTicker(ctx context.Context, symbol string) (*models.SnapshotPatch, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetOrderbookTop(ctx context.Context, symbol string) (*models.OrderbookTop, error)
}

// Refresher periodically rebuilds the REST baseline for every configured
// symbol: ticker fields, orderbook spread and short-window volatility.
type Refresher struct {
	cfg     appconfig.FetcherConfig
	api     MarketAPI
	store   *store.Store
	batch   *Batch
	symbols []string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewRefresher(cfg appconfig.FetcherConfig, api MarketAPI, st *store.Store, batch *Batch, symbols []string) *Refresher {
	return &Refresher{
		cfg:     cfg,
		api:     api,
		store:   st,
		batch:   batch,
		symbols: symbols,
		log:     logger.GetLogger(),
	}
}

// Start begins the refresh loop. The first batch runs immediately.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("refresher already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)

	r.log.WithComponent("fetcher").WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": r.cfg.Interval.String(),
	}).Info("refresher started")
	return nil
}

// Stop halts the loop and waits for the in-flight batch to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("fetcher").Info("refresher stopped")
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh runs one batch and merges the successful results into the store.
func (r *Refresher) refresh(ctx context.Context) {
	log := r.log.WithComponent("fetcher")
	start := time.Now()

	results := r.batch.Fetch(ctx, r.symbols, r.fetchSymbol)

	ok := 0
	for sym, patch := range results {
		if patch == nil {
			continue
		}
		r.store.UpdateFromRest(sym, *patch)
		logger.IncrementRefreshRead(1)
		ok++
	}

	log.WithFields(logger.Fields{
		"symbols":  len(r.symbols),
		"ok":       ok,
		"failed":   len(r.symbols) - ok,
		"duration": time.Since(start).String(),
	}).Info("refresh batch complete")
}

// fetchSymbol assembles the full baseline patch for one symbol. The ticker is
// mandatory; spread and volatility degrade to absent fields when their
// endpoint fails.
func (r *Refresher) fetchSymbol(ctx context.Context, symbol string) (*models.SnapshotPatch, error) {
	log := r.log.WithComponent("fetcher").WithField("symbol", symbol)

	patch, err := r.api.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("ticker: %w", err)
	}

	if top, err := r.api.GetOrderbookTop(ctx, symbol); err != nil {
		log.WithError(err).Warn("orderbook fetch failed, spread omitted")
	} else if spread := top.SpreadPct(); spread > 0 {
		patch.SpreadPct = models.Float(spread)
	}

	if candles, err := r.api.GetKlines(ctx, symbol, r.cfg.KlineInterval, r.cfg.KlineLimit); err != nil {
		log.WithError(err).Warn("kline fetch failed, volatility omitted")
	} else if vol, ok := Volatility(candles); ok {
		patch.VolatilityPct = models.Float(vol)
	}

	return patch, nil
}

// Volatility computes the high-low range of the valid candles as a percentage
// of their midpoint. It reports false when fewer than minValidCandles candles
// are usable.
func Volatility(candles []models.Candle) (float64, bool) {
	var (
		maxHigh float64
		minLow  float64
		valid   int
	)
	for _, c := range candles {
		if !c.Valid() {
			continue
		}
		if valid == 0 || c.High > maxHigh {
			maxHigh = c.High
		}
		if valid == 0 || c.Low < minLow {
			minLow = c.Low
		}
		valid++
	}
	if valid < minValidCandles {
		return 0, false
	}
	mid := (maxHigh + minLow) / 2
	if mid <= 0 {
		return 0, false
	}
	return (maxHigh - minLow) / mid * 100, true
}
