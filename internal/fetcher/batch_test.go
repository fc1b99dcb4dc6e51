package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickflow/internal/circuit"
	"tickflow/internal/rest"
	"tickflow/models"
)

func newBatch(maxConcurrent int, timeout, retryDelay time.Duration) *Batch {
	return NewBatch(maxConcurrent, timeout, retryDelay, circuit.NewBreaker("test", 1000, time.Minute))
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%dUSDT", i)
	}
	return out
}

func TestBatchIsolatesFailures(t *testing.T) {
	syms := symbols(10)
	bad := map[string]bool{"SYM2USDT": true, "SYM5USDT": true, "SYM8USDT": true}

	var attempts sync.Map
	b := newBatch(4, 5*time.Second, time.Millisecond)
	results := b.Fetch(context.Background(), syms, func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		v, _ := attempts.LoadOrStore(sym, new(int64))
		atomic.AddInt64(v.(*int64), 1)
		if bad[sym] {
			return nil, errors.New("exchange said no")
		}
		return &models.SnapshotPatch{LastPrice: models.Float(1)}, nil
	})

	if len(results) != 10 {
		t.Fatalf("got %d results, want one per symbol", len(results))
	}
	for _, sym := range syms {
		patch, ok := results[sym]
		if !ok {
			t.Fatalf("symbol %s missing from results", sym)
		}
		if bad[sym] && patch != nil {
			t.Fatalf("failed symbol %s has non-nil patch", sym)
		}
		if !bad[sym] && patch == nil {
			t.Fatalf("healthy symbol %s has nil patch", sym)
		}
	}

	// Failed symbols get exactly one retry; healthy ones are fetched once.
	attempts.Range(func(k, v any) bool {
		n := atomic.LoadInt64(v.(*int64))
		want := int64(1)
		if bad[k.(string)] {
			want = 2
		}
		if n != want {
			t.Errorf("symbol %v fetched %d times, want %d", k, n, want)
		}
		return true
	})
}

func TestBatchRetryRecovers(t *testing.T) {
	var calls int64
	b := newBatch(2, 5*time.Second, time.Millisecond)
	results := b.Fetch(context.Background(), []string{"BTCUSDT"}, func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return &models.SnapshotPatch{LastPrice: models.Float(2)}, nil
	})

	if results["BTCUSDT"] == nil {
		t.Fatal("retry should have recovered the symbol")
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("fetch called %d times, want 2", got)
	}
}

func TestBatchSkipsRetryForNonRetryableFailures(t *testing.T) {
	var calls int64
	b := newBatch(2, 5*time.Second, time.Millisecond)
	results := b.Fetch(context.Background(), []string{"BTCUSDT"}, func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		atomic.AddInt64(&calls, 1)
		return nil, &rest.HTTPError{Status: 403}
	})

	if results["BTCUSDT"] != nil {
		t.Fatal("non-retryable failure should leave a nil result")
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("non-retryable symbol fetched %d times, want 1", got)
	}
}

func TestBatchRetriesOnlyRetryableFailures(t *testing.T) {
	var authCalls, flakyCalls int64
	b := newBatch(2, 5*time.Second, time.Millisecond)
	results := b.Fetch(context.Background(), []string{"AUTHUSDT", "FLAKYUSDT"}, func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		if sym == "AUTHUSDT" {
			atomic.AddInt64(&authCalls, 1)
			return nil, &rest.APIError{RetCode: 10003, RetMsg: "invalid api key"}
		}
		if atomic.AddInt64(&flakyCalls, 1) == 1 {
			return nil, &rest.HTTPError{Status: 502}
		}
		return &models.SnapshotPatch{LastPrice: models.Float(1)}, nil
	})

	if got := atomic.LoadInt64(&authCalls); got != 1 {
		t.Fatalf("auth failure fetched %d times, want 1", got)
	}
	if results["AUTHUSDT"] != nil {
		t.Fatal("auth failure should leave a nil result")
	}
	if results["FLAKYUSDT"] == nil {
		t.Fatal("retryable failure should have recovered on the second pass")
	}
}

func TestBatchRetryHonorsRetryAfter(t *testing.T) {
	var (
		mu     sync.Mutex
		stamps []time.Time
	)
	b := newBatch(1, 5*time.Second, time.Millisecond)
	results := b.Fetch(context.Background(), []string{"BTCUSDT"}, func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		n := len(stamps)
		mu.Unlock()
		if n == 1 {
			return nil, &rest.HTTPError{Status: 429, RetryAfter: 150 * time.Millisecond}
		}
		return &models.SnapshotPatch{LastPrice: models.Float(1)}, nil
	})

	if results["BTCUSDT"] == nil {
		t.Fatal("throttled symbol should have recovered on retry")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 2 {
		t.Fatalf("fetch called %d times, want 2", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 140*time.Millisecond {
		t.Fatalf("retry came after %v, want the Retry-After wait", gap)
	}
}

func TestBatchConcurrencyBound(t *testing.T) {
	var current, peak int64
	b := newBatch(3, 5*time.Second, 0)
	b.Fetch(context.Background(), symbols(12), func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return &models.SnapshotPatch{LastPrice: models.Float(1)}, nil
	})

	if got := atomic.LoadInt64(&peak); got > 3 {
		t.Fatalf("peak concurrency %d exceeds bound 3", got)
	}
}

func TestBatchHonorsTimeout(t *testing.T) {
	b := newBatch(2, 50*time.Millisecond, 0)
	start := time.Now()
	results := b.Fetch(context.Background(), symbols(4), func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &models.SnapshotPatch{}, nil
		}
	})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("batch took %v, want prompt timeout", elapsed)
	}
	for sym, patch := range results {
		if patch != nil {
			t.Fatalf("symbol %s should have failed on timeout", sym)
		}
	}
}

func TestBatchFastFailsWhenBreakerOpen(t *testing.T) {
	breaker := circuit.NewBreaker("test", 1, time.Minute)
	breaker.Call(func() error { return errors.New("seed") })

	var calls int64
	b := NewBatch(2, time.Second, 0, breaker)
	start := time.Now()
	results := b.Fetch(context.Background(), symbols(5), func(ctx context.Context, sym string) (*models.SnapshotPatch, error) {
		atomic.AddInt64(&calls, 1)
		return &models.SnapshotPatch{}, nil
	})

	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Fatalf("%d fetches ran through an open breaker", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open breaker batch took %v, want fast fail", elapsed)
	}
	for sym, patch := range results {
		if patch != nil {
			t.Fatalf("symbol %s has a patch despite open breaker", sym)
		}
	}
}
