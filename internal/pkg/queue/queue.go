package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Job 表示一个可执行的子任务。
type Job func(ctx context.Context) error

// ErrorHandler 任务失败时的回调。
type ErrorHandler func(err error, job Job)

// Pool 固定大小的内存 worker 池，用于限制子任务并发度。
type Pool struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	// 优雅关闭
	wg     sync.WaitGroup
	closed atomic.Bool

	stats poolStats
}

// poolStats 池内部统计（atomic 类型，worker 间共享）。
type poolStats struct {
	Enqueued  atomic.Int64
	Processed atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Dropped   atomic.Int64
	Panics    atomic.Int64
}

// Stats 统计信息快照（普通值类型，可安全拷贝）。
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64
	Panics    int64
}

// NewPool 创建 worker 池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 待执行队列容量（至少为 1）
func NewPool(logger *slog.Logger, workers, capacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler 设置失败回调。
func (p *Pool) SetErrorHandler(handler ErrorHandler) {
	p.errorHandler = handler
}

// Start 启动所有 worker。worker 在 Shutdown 关闭通道后退出；
// ctx 取消只是让后续任务快速失败，不会丢弃已入队的任务。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// ctx 取消后通道里可能还压着任务。每个任务仍要执行一次
			// （它们会观察到取消立即返回），否则等待方永远等不到计数归零。
			p.logger.Debug("worker draining after cancel", slog.Int("worker_id", id))
			for job := range p.jobs {
				if job != nil {
					p.run(ctx, job, id)
				}
			}
			return

		case job, ok := <-p.jobs:
			if !ok {
				p.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if job != nil {
				p.run(ctx, job, id)
			}
		}
	}
}

// run 执行单个任务，带 panic 恢复。一个子任务的 panic 不影响同批其它子任务。
func (p *Pool) run(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.Panics.Add(1)
			p.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	p.stats.Processed.Add(1)

	if err != nil {
		p.stats.Failed.Add(1)
		p.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))

		if p.errorHandler != nil {
			p.errorHandler(err, job)
		}
	} else {
		p.stats.Succeeded.Add(1)
	}
}

// Enqueue 非阻塞入队，队列满或池已关闭时返回 false。
func (p *Pool) Enqueue(job Job) bool {
	if job == nil {
		return false
	}

	if p.closed.Load() {
		p.logger.Warn("pool is closed, reject job")
		return false
	}

	select {
	case p.jobs <- job:
		p.stats.Enqueued.Add(1)
		return true
	default:
		p.stats.Dropped.Add(1)
		p.logger.Warn("pool full, drop job",
			slog.Int("capacity", cap(p.jobs)),
			slog.Int("pending", len(p.jobs)))
		return false
	}
}

// EnqueueBlocking 阻塞式入队，直到成功或 ctx 被取消。
func (p *Pool) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}

	if p.closed.Load() {
		return fmt.Errorf("pool is closed")
	}

	select {
	case p.jobs <- job:
		p.stats.Enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 优雅关闭：拒绝新任务，关闭通道，等待所有 worker 退出。
func (p *Pool) Shutdown() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.jobs)
		p.logger.Info("pool shutdown initiated, waiting for workers to finish")
		p.wg.Wait()
		p.logger.Info("pool shutdown completed")
	}
}

// ShutdownWithTimeout 带超时的优雅关闭。
func (p *Pool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("pool already closed")
	}

	close(p.jobs)
	p.logger.Info("pool shutdown initiated with timeout",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pool shutdown completed")
		return nil
	case <-time.After(timeout):
		p.logger.Error("pool shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Snapshot 获取统计信息快照。
func (p *Pool) Snapshot() Stats {
	return Stats{
		Enqueued:  p.stats.Enqueued.Load(),
		Processed: p.stats.Processed.Load(),
		Succeeded: p.stats.Succeeded.Load(),
		Failed:    p.stats.Failed.Load(),
		Dropped:   p.stats.Dropped.Load(),
		Panics:    p.stats.Panics.Load(),
	}
}

// Len 返回当前待执行的任务数量。
func (p *Pool) Len() int {
	return len(p.jobs)
}

// Cap 返回队列容量。
func (p *Pool) Cap() int {
	return cap(p.jobs)
}

// IsClosed 返回池是否已关闭。
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}
