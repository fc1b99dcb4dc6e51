package models

import "time"

// PendingOrder tracks an order placed on the exchange that has not yet been
// confirmed filled or cancelled. The expiry monitor cancels it once it has
// been outstanding longer than Timeout.
type PendingOrder struct {
	OrderID  string
	Symbol   string
	Side     string
	Qty      float64
	Price    float64
	PlacedAt time.Time
	Timeout  time.Duration
}

// ExpiredAt reports whether the order has outlived its timeout at the given
// instant.
func (o PendingOrder) ExpiredAt(now time.Time) bool {
	return now.After(o.PlacedAt.Add(o.Timeout))
}
