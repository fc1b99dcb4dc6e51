// Package store holds the shared per-symbol market state. Each symbol keeps
// two layers: the REST refresh baseline and the realtime websocket overlay.
// Readers always see the merge of both, with overlay fields winning.
package store

import (
	"sort"
	"sync"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

type entry struct {
	rest       models.SnapshotPatch
	realtime   models.SnapshotPatch
	restAt     time.Time
	realtimeAt time.Time
}

// Store is safe for concurrent use. Writers from the fetcher and the
// websocket feed never block readers for longer than the merge copy.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *logger.Log
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// UpdateFromRest merges patch into the symbol's REST baseline layer.
func (s *Store) UpdateFromRest(symbol string, patch models.SnapshotPatch) {
	if patch.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(symbol)
	applyPatch(&e.rest, patch)
	e.restAt = s.now()
}

// UpdateFromRealtime merges patch into the symbol's realtime overlay layer.
// Bybit ticker deltas only carry changed fields, so the patch is applied
// field by field on top of the previous overlay.
func (s *Store) UpdateFromRealtime(symbol string, patch models.SnapshotPatch) {
	if patch.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(symbol)
	applyPatch(&e.realtime, patch)
	e.realtimeAt = s.now()
}

// Snapshot returns the merged view for one symbol. The second return value is
// false when the symbol has never been written.
func (s *Store) Snapshot(symbol string) (models.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	if !ok {
		return models.MarketSnapshot{}, false
	}
	return merge(symbol, e), true
}

// All returns merged snapshots for every known symbol, sorted by symbol.
func (s *Store) All() []models.MarketSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MarketSnapshot, 0, len(s.entries))
	for sym, e := range s.entries {
		out = append(out, merge(sym, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// AllSymbols returns the known symbols, sorted.
func (s *Store) AllSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for sym := range s.entries {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Remove drops all state for a symbol.
func (s *Store) Remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, symbol)
}

// entry returns the symbol's entry, creating it when absent. Caller holds the
// write lock.
func (s *Store) entry(symbol string) *entry {
	e, ok := s.entries[symbol]
	if !ok {
		e = &entry{}
		s.entries[symbol] = e
	}
	return e
}

// applyPatch copies the non-nil fields of p into dst.
func applyPatch(dst *models.SnapshotPatch, p models.SnapshotPatch) {
	if p.FundingRate != nil {
		dst.FundingRate = p.FundingRate
	}
	if p.Volume24h != nil {
		dst.Volume24h = p.Volume24h
	}
	if p.SpreadPct != nil {
		dst.SpreadPct = p.SpreadPct
	}
	if p.VolatilityPct != nil {
		dst.VolatilityPct = p.VolatilityPct
	}
	if p.NextFundingTime != nil {
		dst.NextFundingTime = p.NextFundingTime
	}
	if p.LastPrice != nil {
		dst.LastPrice = p.LastPrice
	}
	if p.MarkPrice != nil {
		dst.MarkPrice = p.MarkPrice
	}
}

// merge builds the reader view: baseline first, then every overlay field that
// is present wins. Caller holds at least the read lock.
func merge(symbol string, e *entry) models.MarketSnapshot {
	snap := models.MarketSnapshot{Symbol: symbol}

	fill := func(p models.SnapshotPatch, realtime bool) {
		if p.FundingRate != nil {
			snap.FundingRate = *p.FundingRate
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.Volume24h != nil {
			snap.Volume24h = *p.Volume24h
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.SpreadPct != nil {
			snap.SpreadPct = *p.SpreadPct
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.VolatilityPct != nil {
			snap.VolatilityPct = *p.VolatilityPct
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.NextFundingTime != nil {
			snap.NextFundingTime = *p.NextFundingTime
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.LastPrice != nil {
			snap.LastPrice = *p.LastPrice
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
		if p.MarkPrice != nil {
			snap.MarkPrice = *p.MarkPrice
			snap.SourceRealtime = snap.SourceRealtime || realtime
		}
	}

	fill(e.rest, false)
	fill(e.realtime, true)

	snap.UpdatedAt = e.restAt
	if e.realtimeAt.After(snap.UpdatedAt) {
		snap.UpdatedAt = e.realtimeAt
	}
	return snap
}
