package models

import "time"

// MarketSnapshot is the merged per-symbol market view returned by the store.
// Values originate either from the periodic REST refresh (baseline) or from
// the realtime websocket overlay; SourceRealtime reports whether any overlay
// field contributed to the merge.
type MarketSnapshot struct {
	Symbol          string
	FundingRate     float64
	Volume24h       float64
	SpreadPct       float64
	VolatilityPct   float64
	NextFundingTime time.Time
	LastPrice       float64
	MarkPrice       float64
	SourceRealtime  bool
	UpdatedAt       time.Time
}

// SnapshotPatch is a partial per-symbol update. Nil fields are absent and
// leave the corresponding layer value untouched, which matters for Bybit
// ticker deltas where only changed fields are pushed.
type SnapshotPatch struct {
	FundingRate     *float64
	Volume24h       *float64
	SpreadPct       *float64
	VolatilityPct   *float64
	NextFundingTime *time.Time
	LastPrice       *float64
	MarkPrice       *float64
}

// Empty reports whether the patch carries no fields at all.
func (p SnapshotPatch) Empty() bool {
	return p.FundingRate == nil && p.Volume24h == nil && p.SpreadPct == nil &&
		p.VolatilityPct == nil && p.NextFundingTime == nil &&
		p.LastPrice == nil && p.MarkPrice == nil
}

// Float returns a pointer to v, for building patches inline.
func Float(v float64) *float64 { return &v }

// Timestamp returns a pointer to t, for building patches inline.
func Timestamp(t time.Time) *time.Time { return &t }

// Candle is a single kline row as returned by the REST kline endpoint.
type Candle struct {
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Valid reports whether the candle carries a usable high/low range.
func (c Candle) Valid() bool {
	return c.High > 0 && c.Low > 0 && c.High >= c.Low
}

// OrderbookTop holds the best bid and ask of an orderbook snapshot.
type OrderbookTop struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price, or
// zero when the book is one-sided or crossed data slipped through.
func (t OrderbookTop) SpreadPct() float64 {
	if t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	return (t.Ask - t.Bid) / mid * 100
}
