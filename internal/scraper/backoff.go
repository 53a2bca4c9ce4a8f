package scraper

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/nicowegher/competitor-eye/internal/pkg/metrics"
)

// 重试默认参数。
const (
	DefaultMaxRetries  = 5
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// RetryPolicy 限流感知的重试策略。
//
// 只有限流类错误才重试，其它错误一律视为该子任务的最终结果。
// 重试耗尽不会向调用方返回 error，而是产出一个空的 outcome 并带上
// 最后一次错误，保证一个子任务拖不垮整批。
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	logger     *slog.Logger

	// sleep 可在测试中替换，避免真实等待
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy 创建重试策略，非正参数使用默认值。
func NewRetryPolicy(maxRetries int, base, cap time.Duration, logger *slog.Logger) *RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	return &RetryPolicy{
		MaxRetries: maxRetries,
		Base:       base,
		Cap:        cap,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Retryable 判断错误是否属于限流，值得退避后重试。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}

// Delay 返回第 k 次重试前的等待时长（k 从 1 开始）。
// 公式: min(base * 2^k + rand[0,1s), cap)。
func (p *RetryPolicy) Delay(k int) time.Duration {
	backoff := float64(p.Base) * math.Pow(2, float64(k))
	jitter := rand.Float64() * float64(time.Second)
	d := time.Duration(backoff + jitter)
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// Execute 带重试地执行一次查询。
//
// 返回值永远是一个可用的 outcome：传输失败且重试耗尽时，outcome 为空
// 且 LastError 记录最后的错误文本。
func (p *RetryPolicy) Execute(ctx context.Context, querier Querier, q PriceQuery) PriceOutcome {
	var lastErr error

	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		outcome, err := querier.FetchPrice(ctx, q)
		if err == nil {
			return outcome
		}
		lastErr = err

		if !Retryable(err) {
			p.logger.Warn("price query failed",
				slog.String("url", q.URL),
				slog.String("check_in", q.CheckIn),
				slog.String("error", err.Error()))
			break
		}

		if attempt == p.MaxRetries-1 {
			break
		}

		delay := p.Delay(attempt + 1)
		metrics.RetriesTotal.Inc()
		p.logger.Warn("rate limited, backing off",
			slog.String("url", q.URL),
			slog.String("check_in", q.CheckIn),
			slog.Int("attempt", attempt+1),
			slog.String("delay", delay.String()))

		if err := p.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if lastErr == nil {
		return PriceOutcome{}
	}
	return PriceOutcome{LastError: lastErr.Error()}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
