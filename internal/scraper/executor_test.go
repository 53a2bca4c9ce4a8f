package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type concurrentQuerier struct {
	mu        sync.Mutex
	fetchFunc func(ctx context.Context, q PriceQuery) (PriceOutcome, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (c *concurrentQuerier) FetchPrice(ctx context.Context, q PriceQuery) (PriceOutcome, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxInFlight.Load()
		if cur <= max || c.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	c.calls.Add(1)

	c.mu.Lock()
	fn := c.fetchFunc
	c.mu.Unlock()
	return fn(ctx, q)
}

func newExecutorForTest(q Querier, workers int) *Executor {
	return NewExecutor(q, noSleepPolicy(3), nil, discardLogger(), workers, 64, 0)
}

func TestExecutor_FillsEveryCell(t *testing.T) {
	q := &concurrentQuerier{}
	q.fetchFunc = func(ctx context.Context, pq PriceQuery) (PriceOutcome, error) {
		price := 100.0
		if strings.Contains(pq.URL, "rival") {
			price = 80.0
		}
		return PriceOutcome{Price: &price}, nil
	}

	urls := []string{
		"https://www.booking.com/hotel/us/own-place.html",
		"https://www.booking.com/hotel/us/rival-one.html",
	}

	e := newExecutorForTest(q, 4)
	series, ranges, err := e.Run(context.Background(), urls, 3, 1, "USD", "2026-09-01")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(series) != 2 || len(ranges) != 3 {
		t.Fatalf("expected 2 series x 3 ranges, got %d x %d", len(series), len(ranges))
	}
	if q.calls.Load() != 6 {
		t.Fatalf("expected 6 queries, got %d", q.calls.Load())
	}
	if series[0].Name != "Own Place" || series[1].Name != "Rival One" {
		t.Fatalf("unexpected names: %q, %q", series[0].Name, series[1].Name)
	}

	for i, s := range series {
		want := 100.0
		if i == 1 {
			want = 80.0
		}
		for _, dr := range ranges {
			p, ok := s.Prices[dr.CheckIn]
			if !ok {
				t.Fatalf("series %d missing cell for %s", i, dr.CheckIn)
			}
			if p == nil || *p != want {
				t.Fatalf("series %d cell %s = %v, want %v", i, dr.CheckIn, p, want)
			}
		}
	}
}

func TestExecutor_FailureDoesNotAbortSiblings(t *testing.T) {
	q := &concurrentQuerier{}
	q.fetchFunc = func(ctx context.Context, pq PriceQuery) (PriceOutcome, error) {
		if strings.Contains(pq.URL, "broken") {
			return PriceOutcome{}, errors.New("actor run status 500: boom")
		}
		price := 90.0
		return PriceOutcome{Price: &price}, nil
	}

	urls := []string{
		"https://www.booking.com/hotel/us/healthy.html",
		"https://www.booking.com/hotel/us/broken.html",
	}

	e := newExecutorForTest(q, 2)
	series, ranges, err := e.Run(context.Background(), urls, 2, 1, "USD", "2026-09-01")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, dr := range ranges {
		if p := series[0].Prices[dr.CheckIn]; p == nil || *p != 90.0 {
			t.Fatalf("healthy hotel should have price for %s, got %v", dr.CheckIn, p)
		}
		if p := series[1].Prices[dr.CheckIn]; p != nil {
			t.Fatalf("broken hotel should have empty cell for %s, got %v", dr.CheckIn, *p)
		}
	}
}

func TestExecutor_ConcurrencyStaysBounded(t *testing.T) {
	q := &concurrentQuerier{}
	q.fetchFunc = func(ctx context.Context, pq PriceQuery) (PriceOutcome, error) {
		time.Sleep(20 * time.Millisecond)
		price := 50.0
		return PriceOutcome{Price: &price}, nil
	}

	var urls []string
	for i := 0; i < 4; i++ {
		urls = append(urls, fmt.Sprintf("https://www.booking.com/hotel/us/place-%d.html", i))
	}

	e := newExecutorForTest(q, 2)
	if _, _, err := e.Run(context.Background(), urls, 3, 1, "USD", "2026-09-01"); err != nil {
		t.Fatalf("run: %v", err)
	}

	if max := q.maxInFlight.Load(); max > 2 {
		t.Fatalf("expected at most 2 concurrent queries, observed %d", max)
	}
	if q.calls.Load() != 12 {
		t.Fatalf("expected 12 queries, got %d", q.calls.Load())
	}
}

func TestExecutor_RatingCapturedOncePerHotel(t *testing.T) {
	q := &concurrentQuerier{}
	q.fetchFunc = func(ctx context.Context, pq PriceQuery) (PriceOutcome, error) {
		price, rating := 70.0, 8.7
		reviews := 431
		return PriceOutcome{Price: &price, Rating: &rating, ReviewCount: &reviews}, nil
	}

	e := newExecutorForTest(q, 2)
	series, _, err := e.Run(context.Background(),
		[]string{"https://www.booking.com/hotel/us/rated.html"}, 2, 1, "USD", "2026-09-01")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if series[0].Rating == nil || *series[0].Rating != 8.7 {
		t.Fatalf("expected rating 8.7, got %v", series[0].Rating)
	}
	if series[0].ReviewCount == nil || *series[0].ReviewCount != 431 {
		t.Fatalf("expected 431 reviews, got %v", series[0].ReviewCount)
	}
}

func TestExecutor_CancelMidRunDoesNotHang(t *testing.T) {
	q := &concurrentQuerier{}
	q.fetchFunc = func(ctx context.Context, pq PriceQuery) (PriceOutcome, error) {
		<-ctx.Done()
		return PriceOutcome{}, ctx.Err()
	}

	// 单 worker 加长派发间隔，保证取消发生在派发中途，
	// 此时通道里还压着未执行的子任务
	e := NewExecutor(q, noSleepPolicy(1), nil, discardLogger(), 1, 64, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := e.Run(ctx, []string{
			"https://www.booking.com/hotel/us/own-place.html",
			"https://www.booking.com/hotel/us/rival-one.html",
		}, 3, 1, "USD", "2026-09-01")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
