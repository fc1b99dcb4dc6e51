// Package fetcher refreshes the REST baseline for every configured symbol.
// Work fans out over a bounded worker pool; one bad symbol never sinks the
// batch.
package fetcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tickflow/internal/circuit"
	"tickflow/internal/rest"
	"tickflow/logger"
	"tickflow/models"
)

// FetchFunc produces the patch for a single symbol.
type FetchFunc func(ctx context.Context, symbol string) (*models.SnapshotPatch, error)

// Batch runs per-symbol fetches with bounded concurrency, an overall batch
// deadline and a single retry pass for the symbols that failed.
type Batch struct {
	maxConcurrent int
	timeout       time.Duration
	retryDelay    time.Duration
	breaker       *circuit.Breaker
	log           *logger.Log
}

func NewBatch(maxConcurrent int, timeout, retryDelay time.Duration, breaker *circuit.Breaker) *Batch {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Batch{
		maxConcurrent: maxConcurrent,
		timeout:       timeout,
		retryDelay:    retryDelay,
		breaker:       breaker,
		log:           logger.GetLogger(),
	}
}

// Fetch returns one map entry per requested symbol; failed symbols map to
// nil. Symbols whose failure is retryable get exactly one more attempt after
// the inter-pass delay, budget permitting.
func (b *Batch) Fetch(ctx context.Context, symbols []string, fn FetchFunc) map[string]*models.SnapshotPatch {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	results := make(map[string]*models.SnapshotPatch, len(symbols))
	for _, sym := range symbols {
		results[sym] = nil
	}

	failures := b.runPass(ctx, symbols, fn, results)
	if len(failures) == 0 || ctx.Err() != nil {
		return results
	}

	retry, wait := b.retryPlan(failures)
	if len(retry) == 0 {
		return results
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return results
		case <-timer.C:
		}
	}

	b.log.WithComponent("fetcher").WithFields(logger.Fields{
		"symbols": retry,
		"delay":   wait.String(),
	}).Warn("retrying failed symbols")
	b.runPass(ctx, retry, fn, results)
	return results
}

// retryPlan selects the failed symbols worth a second attempt and the delay
// before it. Non-retryable failures (bad credentials, other 4xx) keep their
// nil result, and an open breaker is left alone until its own probe; an
// exchange-issued Retry-After stretches the wait.
func (b *Batch) retryPlan(failures map[string]error) ([]string, time.Duration) {
	retry := make([]string, 0, len(failures))
	wait := b.retryDelay

	for sym, err := range failures {
		if errors.Is(err, circuit.ErrOpen) {
			continue
		}
		if !rest.Retryable(err) {
			b.log.WithComponent("fetcher").WithError(err).WithField("symbol", sym).Warn("not retrying symbol")
			continue
		}
		retry = append(retry, sym)

		var httpErr *rest.HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			if d := rest.RetryDelay(0, b.retryDelay, err); d > wait {
				wait = d
			}
		}
	}

	sort.Strings(retry)
	return retry, wait
}

// runPass fetches each symbol once and fills results, returning the failures
// keyed by symbol. Concurrency is capped by a channel semaphore.
func (b *Batch) runPass(ctx context.Context, symbols []string, fn FetchFunc, results map[string]*models.SnapshotPatch) map[string]error {
	sem := make(chan struct{}, b.maxConcurrent)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			mu.Lock()
			failures[sym] = ctx.Err()
			mu.Unlock()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			var patch *models.SnapshotPatch
			err := b.breaker.Call(func() error {
				var ferr error
				patch, ferr = fn(ctx, symbol)
				return ferr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err
				if err != circuit.ErrOpen {
					b.log.WithComponent("fetcher").WithError(err).WithField("symbol", symbol).Warn("symbol fetch failed")
				}
				return
			}
			results[symbol] = patch
		}(sym)
	}
	wg.Wait()
	return failures
}
