package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 任务级指标。
var (
	// TasksTotal 按终态统计处理完的任务数。
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "competitoreye",
		Name:      "tasks_total",
		Help:      "Number of tasks finished, labeled by terminal status.",
	}, []string{"status"})

	// TaskDuration 任务从被认领到进入终态的耗时。
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "competitoreye",
		Name:      "task_duration_seconds",
		Help:      "Wall time from claim to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// QueueDepth 当前排队中的任务数。
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "competitoreye",
		Name:      "queue_depth",
		Help:      "Number of tasks currently queued.",
	})

	// TasksReclaimed 巡检回收的僵尸任务数。
	TasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "competitoreye",
		Name:      "tasks_reclaimed_total",
		Help:      "Stale running tasks returned to the queue by the janitor.",
	})
)

// 子任务级指标。
var (
	// SubtasksTotal 按结果统计子任务数（priced / unavailable / failed）。
	SubtasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "competitoreye",
		Name:      "subtasks_total",
		Help:      "Number of price subtasks finished, labeled by outcome.",
	}, []string{"outcome"})

	// SubtaskDuration 单个子任务（含重试）的耗时。
	SubtaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "competitoreye",
		Name:      "subtask_duration_seconds",
		Help:      "Wall time of a single price subtask including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// RetriesTotal 外部查询重试次数。
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "competitoreye",
		Name:      "query_retries_total",
		Help:      "Retries issued against the external price endpoint.",
	})

	// RateLimitWait 限流器上的等待耗时。
	RateLimitWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "competitoreye",
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a rate limiter token.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// RateLimitTimeouts 等待令牌期间被取消的次数。
	RateLimitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "competitoreye",
		Name:      "ratelimit_timeouts_total",
		Help:      "Acquire attempts abandoned because the context expired.",
	})
)
