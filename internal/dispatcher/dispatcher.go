package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nicowegher/competitor-eye/internal/model"
	"github.com/nicowegher/competitor-eye/internal/pkg/metrics"
	"github.com/nicowegher/competitor-eye/internal/report"
	"github.com/nicowegher/competitor-eye/internal/scraper"
	"github.com/nicowegher/competitor-eye/internal/store"
)

// 轮询默认间隔。
const (
	DefaultIdleInterval    = 20 * time.Second
	DefaultBusyInterval    = 5 * time.Second
	DefaultJanitorInterval = 10 * time.Minute
	DefaultClaimTimeout    = 30 * time.Minute
	QueueDepthInterval     = 30 * time.Second

	statusKeyPrefix = "competitoreye:task:status:"
	statusMirrorTTL = 24 * time.Hour
)

// Dispatcher 单飞调度器：轮询队列，认领最老的任务并完整跑完它。
//
// 全局同一时刻最多一个任务在执行。认领是存储层的原子 CAS，
// running 标志只是本进程的快速路径守卫，通过 defer 保证在所有
// 退出路径上释放。
type Dispatcher struct {
	store    store.TaskStore
	executor *scraper.Executor
	rdb      *redis.Client
	logger   *slog.Logger

	idleInterval    time.Duration
	busyInterval    time.Duration
	janitorInterval time.Duration
	claimTimeout    time.Duration

	running atomic.Bool
}

// New 创建调度器，非正的间隔参数使用默认值。
// rdb 可以为 nil，此时跳过状态镜像。
func New(st store.TaskStore, executor *scraper.Executor, rdb *redis.Client, logger *slog.Logger, idle, busy, janitorInterval, claimTimeout time.Duration) *Dispatcher {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	if busy <= 0 {
		busy = DefaultBusyInterval
	}
	if janitorInterval <= 0 {
		janitorInterval = DefaultJanitorInterval
	}
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &Dispatcher{
		store:           st,
		executor:        executor,
		rdb:             rdb,
		logger:          logger,
		idleInterval:    idle,
		busyInterval:    busy,
		janitorInterval: janitorInterval,
		claimTimeout:    claimTimeout,
	}
}

// Run 启动轮询循环，直到 ctx 被取消。
//
// 队列为空时以 idleInterval 轮询；刚处理完一个任务后以 busyInterval
// 快速复查，尽快消化积压。单个任务的失败不会终止循环。
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		slog.String("idle_interval", d.idleInterval.String()),
		slog.String("busy_interval", d.busyInterval.String()))

	go d.janitor(ctx)
	go d.monitorQueueDepth(ctx)

	for {
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopped")
			return
		}

		task, err := d.store.ClaimOldestQueued(ctx)
		if errors.Is(err, store.ErrNoQueuedTasks) {
			if !sleepCtx(ctx, d.idleInterval) {
				return
			}
			continue
		}
		if err != nil {
			d.logger.Error("claim failed", slog.String("error", err.Error()))
			if !sleepCtx(ctx, d.idleInterval) {
				return
			}
			continue
		}

		d.processTask(ctx, task)

		if !sleepCtx(ctx, d.busyInterval) {
			return
		}
	}
}

// processTask 执行一个已认领的任务直到终态。
//
// panic 会被捕获并把任务置为 failed，绝不让单个任务炸掉调度循环。
// ctx 取消时任务保持 running，由可见性超时回收机制重新入队。
func (d *Dispatcher) processTask(ctx context.Context, task *model.Task) {
	if !d.running.CompareAndSwap(false, true) {
		// 不应发生：循环是唯一的调用方。保险起见放回日志。
		d.logger.Error("single-flight violation detected", slog.String("task_id", task.ID))
		return
	}
	defer d.running.Store(false)

	start := time.Now()
	d.logger.Info("task started",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Int("targets", len(task.TargetURLs)),
		slog.Int("days", task.Days),
		slog.Int("nights", task.Nights))
	d.mirrorStatus(ctx, task.ID, model.StatusRunning)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("PANIC in task processing",
				slog.Any("panic", r),
				slog.String("task_id", task.ID),
				slog.String("stack", string(debug.Stack())))
			d.finishFailed(ctx, task, start, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if len(task.TargetURLs) == 0 {
		d.finishFailed(ctx, task, start, "no target urls")
		return
	}

	series, ranges, err := d.executor.Run(ctx, task.TargetURLs, task.Days, task.Nights, task.Currency, task.StartDate)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// 进程在退出，让僵尸回收把任务放回队列
			d.logger.Warn("task interrupted by shutdown", slog.String("task_id", task.ID))
			return
		}
		d.finishFailed(ctx, task, start, err.Error())
		return
	}

	result := report.Build(report.Input{
		SetID:    task.SetID,
		SetName:  task.SetName,
		Days:     task.Days,
		Nights:   task.Nights,
		Currency: task.Currency,
		Series:   series,
		Ranges:   ranges,
	})

	if err := d.store.Complete(ctx, task.ID, result); err != nil {
		d.logger.Error("complete task failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}

	metrics.TasksTotal.WithLabelValues(string(model.StatusCompleted)).Inc()
	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	d.mirrorStatus(ctx, task.ID, model.StatusCompleted)
	d.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.String("duration", time.Since(start).String()))
}

func (d *Dispatcher) finishFailed(ctx context.Context, task *model.Task, start time.Time, reason string) {
	if err := d.store.Fail(ctx, task.ID, reason); err != nil {
		d.logger.Error("fail task failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	metrics.TasksTotal.WithLabelValues(string(model.StatusFailed)).Inc()
	metrics.TaskDuration.Observe(time.Since(start).Seconds())
	d.mirrorStatus(ctx, task.ID, model.StatusFailed)
	d.logger.Warn("task failed",
		slog.String("task_id", task.ID),
		slog.String("reason", reason))
}

// janitor 周期性回收 running 超时的僵尸任务。
func (d *Dispatcher) janitor(ctx context.Context) {
	ticker := time.NewTicker(d.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.ReclaimStale(ctx, d.claimTimeout)
			if err != nil {
				d.logger.Error("janitor reclaim failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				metrics.TasksReclaimed.Add(float64(n))
			}
		}
	}
}

// monitorQueueDepth 周期性上报排队深度。
func (d *Dispatcher) monitorQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(QueueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.CountQueued(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.Set(float64(n))
		}
	}
}

// mirrorStatus 把状态写进 Redis 供外围系统快速查询。
// 镜像是 best-effort 的，数据库才是权威，写失败只记日志。
func (d *Dispatcher) mirrorStatus(ctx context.Context, id string, status model.Status) {
	if d.rdb == nil {
		return
	}
	if err := d.rdb.Set(ctx, statusKeyPrefix+id, string(status), statusMirrorTTL).Err(); err != nil {
		d.logger.Debug("status mirror write failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()))
	}
}

// sleepCtx 可取消的睡眠，返回 false 表示 ctx 已结束。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
