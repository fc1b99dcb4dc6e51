// Package orders watches pending orders and cancels the ones that stay
// unfilled past their timeout. Cancellation goes through the shared circuit
// breaker so a dead REST API cannot pile up blocked cancel calls.
package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "tickflow/config"
	"tickflow/internal/circuit"
	"tickflow/logger"
	"tickflow/models"
)

// Canceler is the slice of the REST client the monitor needs.
type Canceler interface {
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Monitor tracks pending orders and sweeps them on a fixed interval. An order
// is removed from tracking after its cancel attempt whether or not the
// exchange accepted it; a lost order must not be retried forever.
type Monitor struct {
	checkInterval  time.Duration
	defaultTimeout time.Duration
	canceler       Canceler
	breaker        *circuit.Breaker
	log            *logger.Log

	mu         sync.Mutex
	pending    map[string]models.PendingOrder
	cancelling map[string]bool
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewMonitor(cfg appconfig.OrdersConfig, canceler Canceler, breaker *circuit.Breaker) *Monitor {
	return &Monitor{
		checkInterval:  cfg.CheckInterval,
		defaultTimeout: cfg.DefaultTimeout,
		canceler:       canceler,
		breaker:        breaker,
		log:            logger.GetLogger(),
		pending:        make(map[string]models.PendingOrder),
		cancelling:     make(map[string]bool),
		now:            time.Now,
	}
}

// Add registers an order for expiry tracking. A zero timeout falls back to
// the configured default; a zero placement time means now.
func (m *Monitor) Add(order models.PendingOrder) {
	if order.OrderID == "" {
		return
	}
	if order.Timeout <= 0 {
		order.Timeout = m.defaultTimeout
	}
	if order.PlacedAt.IsZero() {
		order.PlacedAt = m.now()
	}

	m.mu.Lock()
	m.pending[order.OrderID] = order
	m.mu.Unlock()

	m.log.WithComponent("order_monitor").WithFields(logger.Fields{
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"timeout":  order.Timeout.String(),
	}).Debug("order tracked")
}

// Remove drops an order from tracking, typically because the private stream
// reported it filled or cancelled.
func (m *Monitor) Remove(orderID string) {
	m.mu.Lock()
	_, tracked := m.pending[orderID]
	delete(m.pending, orderID)
	delete(m.cancelling, orderID)
	m.mu.Unlock()

	if tracked {
		m.log.WithComponent("order_monitor").WithField("order_id", orderID).Debug("order untracked")
	}
}

// GetPending returns the tracked orders sorted by placement time.
func (m *Monitor) GetPending() []models.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PendingOrder, 0, len(m.pending))
	for _, o := range m.pending {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("order monitor already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)

	m.log.WithComponent("order_monitor").WithField("interval", m.checkInterval.String()).Info("order monitor started")
	return nil
}

// Stop halts the loop and waits for an in-flight sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.log.WithComponent("order_monitor").Info("order monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep cancels every expired order exactly once. The cancelling set keeps a
// slow cancel from being re-attempted by the next tick.
func (m *Monitor) sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var expired []models.PendingOrder
	for id, o := range m.pending {
		if o.ExpiredAt(now) && !m.cancelling[id] {
			m.cancelling[id] = true
			expired = append(expired, o)
		}
	}
	m.mu.Unlock()

	for _, o := range expired {
		m.cancelOrder(ctx, o)
	}
}

func (m *Monitor) cancelOrder(ctx context.Context, o models.PendingOrder) {
	log := m.log.WithComponent("order_monitor").WithFields(logger.Fields{
		"order_id": o.OrderID,
		"symbol":   o.Symbol,
	})

	logger.IncrementCancelAttempt()
	err := m.breaker.Call(func() error {
		return m.canceler.CancelOrder(ctx, o.Symbol, o.OrderID)
	})

	// The order leaves tracking either way: a cancel that failed here will
	// not succeed by repeating it blindly, and the private stream still
	// reports the terminal state if the exchange got the request.
	m.Remove(o.OrderID)

	if err != nil {
		log.WithError(err).Error("failed to cancel expired order")
		return
	}
	log.Info("expired order cancelled")
}
