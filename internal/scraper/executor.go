package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nicowegher/competitor-eye/internal/pkg/metrics"
	"github.com/nicowegher/competitor-eye/internal/pkg/queue"
	"github.com/nicowegher/competitor-eye/internal/pkg/ratelimit"
)

// 执行器默认参数。
const (
	DefaultWorkers       = 6
	DefaultQueueCapacity = 256
	DefaultPacingDelay   = 1 * time.Second
)

// HotelSeries 一个酒店在本次任务所有日期上的抓取结果。
// Prices 以 checkIn 日期为键，nil 值表示该日期无可售房价。
type HotelSeries struct {
	URL         string
	Name        string
	Prices      map[string]*float64
	Rating      *float64
	ReviewCount *int
}

// Executor 把一个任务展开成 URL × 日期的子任务，在有界 worker 池上并发执行。
//
// 并发宽度、派发节奏和对外部端点的令牌桶限流共同控制请求压力。
// 单个子任务的失败只影响它自己的格子，兄弟子任务照常执行。
type Executor struct {
	querier Querier
	retry   *RetryPolicy
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	workers  int
	capacity int
	pacing   time.Duration
}

// NewExecutor 创建执行器，非正参数使用默认值。
func NewExecutor(querier Querier, retry *RetryPolicy, limiter *ratelimit.Limiter, logger *slog.Logger, workers, capacity int, pacing time.Duration) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if pacing < 0 {
		pacing = DefaultPacingDelay
	}
	return &Executor{
		querier:  querier,
		retry:    retry,
		limiter:  limiter,
		logger:   logger,
		workers:  workers,
		capacity: capacity,
		pacing:   pacing,
	}
}

// Run 执行一次完整的抓取：展开日期区间，逐格查询，等待全部子任务结束。
//
// 返回的 series 与 urls 顺序一致（principal 在前），ranges 按日期升序。
func (e *Executor) Run(ctx context.Context, urls []string, days, nights int, currency, startDate string) ([]HotelSeries, []DateRange, error) {
	ranges, usedOverride := ExpandDates(startDate, days, nights, time.Now())
	if startDate != "" && !usedOverride {
		e.logger.Warn("invalid start date override, falling back to today",
			slog.String("start_date", startDate))
	}

	names := DisplayNames(urls)
	series := make([]HotelSeries, len(urls))
	for i, u := range urls {
		series[i] = HotelSeries{
			URL:    u,
			Name:   names[i],
			Prices: make(map[string]*float64, len(ranges)),
		}
	}

	pool := queue.NewPool(e.logger, e.workers, e.capacity)
	pool.Start(ctx)
	defer pool.Shutdown()

	var mu sync.Mutex
	var wg sync.WaitGroup

	total := len(urls) * len(ranges)
	e.logger.Info("fan-out started",
		slog.Int("hotels", len(urls)),
		slog.Int("dates", len(ranges)),
		slog.Int("subtasks", total))

	for i := range series {
		for _, dr := range ranges {
			i, dr := i, dr
			q := PriceQuery{
				URL:      series[i].URL,
				CheckIn:  dr.CheckIn,
				CheckOut: dr.CheckOut,
				Currency: currency,
			}

			wg.Add(1)
			job := func(ctx context.Context) error {
				defer wg.Done()
				start := time.Now()

				if err := e.limiter.Acquire(ctx); err != nil {
					mu.Lock()
					series[i].Prices[q.CheckIn] = nil
					mu.Unlock()
					metrics.SubtasksTotal.WithLabelValues("failed").Inc()
					return err
				}

				outcome := e.retry.Execute(ctx, e.querier, q)

				mu.Lock()
				series[i].Prices[q.CheckIn] = outcome.Price
				if series[i].Rating == nil && outcome.Rating != nil {
					series[i].Rating = outcome.Rating
				}
				if series[i].ReviewCount == nil && outcome.ReviewCount != nil {
					series[i].ReviewCount = outcome.ReviewCount
				}
				mu.Unlock()

				metrics.SubtaskDuration.Observe(time.Since(start).Seconds())
				switch {
				case outcome.Price != nil:
					metrics.SubtasksTotal.WithLabelValues("priced").Inc()
				case outcome.LastError != "":
					metrics.SubtasksTotal.WithLabelValues("failed").Inc()
				default:
					metrics.SubtasksTotal.WithLabelValues("unavailable").Inc()
				}
				return nil
			}

			if err := pool.EnqueueBlocking(ctx, job); err != nil {
				wg.Done()
				return nil, nil, err
			}

			// 派发间隔，配合令牌桶平滑对外的请求节奏
			if e.pacing > 0 {
				select {
				case <-ctx.Done():
					wg.Wait()
					return nil, nil, ctx.Err()
				case <-time.After(e.pacing):
				}
			}
		}
	}

	wg.Wait()
	e.logger.Info("fan-out finished", slog.Int("subtasks", total))
	return series, ranges, nil
}
