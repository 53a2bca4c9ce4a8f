package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/nicowegher/competitor-eye/internal/model"
)

var (
	// ErrNotFound 任务不存在。
	ErrNotFound = errors.New("task not found")
	// ErrNoQueuedTasks 队列为空，没有可认领的任务。
	ErrNoQueuedTasks = errors.New("no queued tasks")
	// ErrValidation 入队参数校验失败。
	ErrValidation = errors.New("invalid task")
	// ErrInvalidTransition 状态迁移不被状态机允许。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// 入队参数默认值，与查询端的默认行为保持一致。
const (
	DefaultDays     = 7
	DefaultNights   = 1
	DefaultCurrency = "USD"
)

// TaskStore 任务持久化接口。
//
// 认领语义是整个调度的核心：ClaimOldestQueued 必须是原子的
// compare-and-swap，同一个任务绝不能被两个调度器同时拿到。
type TaskStore interface {
	Enqueue(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Task, error)
	ClaimOldestQueued(ctx context.Context) (*model.Task, error)
	Complete(ctx context.Context, id string, report *model.Report) error
	Fail(ctx context.Context, id, reason string) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	CountQueued(ctx context.Context) (int64, error)
}

// Store 基于 GORM/MySQL 的 TaskStore 实现。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ TaskStore = (*Store)(nil)

// Open 连接 MySQL 并执行自动迁移。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.Task{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}

// New 创建 TaskStore。
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Enqueue 校验并持久化一个新任务，初始状态为 queued。
//
// 未设置的 Days/Nights/Currency 会被填上默认值；
// 校验失败返回包装了 ErrValidation 的错误。
func (s *Store) Enqueue(ctx context.Context, task *model.Task) error {
	if err := normalize(task); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	s.logger.Info("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.Int("targets", len(task.TargetURLs)))
	return nil
}

// Get 按 ID 读取任务。
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListByUser 返回某用户最近的任务，按入队时间倒序。
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]model.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var tasks []model.Task
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ClaimOldestQueued 原子认领最老的 queued 任务并置为 running。
//
// 实现为两步：先按 created_at 找到最老的候选，再用
// UPDATE ... WHERE status = 'queued' 做 CAS。若 CAS 失败说明
// 别的认领者抢先了，继续找下一个候选。
func (s *Store) ClaimOldestQueued(ctx context.Context) (*model.Task, error) {
	for {
		var candidate model.Task
		err := s.db.WithContext(ctx).
			Where("status = ?", model.StatusQueued).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoQueuedTasks
		}
		if err != nil {
			return nil, fmt.Errorf("find queued task: %w", err)
		}

		now := time.Now()
		res := s.db.WithContext(ctx).
			Model(&model.Task{}).
			Where("id = ? AND status = ?", candidate.ID, model.StatusQueued).
			Updates(map[string]interface{}{
				"status":     model.StatusRunning,
				"started_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// 被并发认领者抢走，换下一个候选
			s.logger.Debug("claim lost race", slog.String("task_id", candidate.ID))
			continue
		}

		candidate.Status = model.StatusRunning
		candidate.StartedAt = &now
		return &candidate, nil
	}
}

// Complete 将 running 任务置为 completed 并写入报表。
func (s *Store) Complete(ctx context.Context, id string, report *model.Report) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.StatusRunning).
		Updates(map[string]interface{}{
			"status":       model.StatusCompleted,
			"completed_at": now,
			"result":       report,
			"error":        "",
		})
	if res.Error != nil {
		return fmt.Errorf("complete task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionConflict(ctx, id, model.StatusCompleted)
	}
	return nil
}

// Fail 将 running 任务置为 failed 并记录原因。
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("id = ? AND status = ?", id, model.StatusRunning).
		Updates(map[string]interface{}{
			"status":       model.StatusFailed,
			"completed_at": now,
			"error":        reason,
		})
	if res.Error != nil {
		return fmt.Errorf("fail task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionConflict(ctx, id, model.StatusFailed)
	}
	return nil
}

// ReclaimStale 把 running 超过 olderThan 的僵尸任务放回队列。
// 返回回收的任务数。
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("status = ? AND started_at < ?", model.StatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     model.StatusQueued,
			"started_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("reclaimed stale running tasks", slog.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// CountQueued 返回当前排队中的任务数。
func (s *Store) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.Task{}).
		Where("status = ?", model.StatusQueued).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

// transitionConflict 区分"任务不存在"与"状态不允许迁移"。
func (s *Store) transitionConflict(ctx context.Context, id string, to model.Status) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, task.Status, to, id)
}

// normalize 填默认值并做入队校验。供 GORM 与内存两个实现共用。
func normalize(task *model.Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrValidation)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Days == 0 {
		task.Days = DefaultDays
	}
	if task.Nights == 0 {
		task.Nights = DefaultNights
	}
	if task.Currency == "" {
		task.Currency = DefaultCurrency
	}
	if task.Status == "" {
		task.Status = model.StatusQueued
	}

	if task.Status != model.StatusQueued {
		return fmt.Errorf("%w: new task must be queued, got %q", ErrValidation, task.Status)
	}
	if task.Days < 1 {
		return fmt.Errorf("%w: days must be >= 1, got %d", ErrValidation, task.Days)
	}
	if task.Nights < 1 {
		return fmt.Errorf("%w: nights must be >= 1, got %d", ErrValidation, task.Nights)
	}
	if task.StartDate != "" {
		if _, err := time.Parse("2006-01-02", task.StartDate); err != nil {
			return fmt.Errorf("%w: start date %q is not YYYY-MM-DD", ErrValidation, task.StartDate)
		}
	}
	if len(task.TargetURLs) == 0 {
		return fmt.Errorf("%w: target urls required", ErrValidation)
	}
	for _, u := range task.TargetURLs {
		if u == "" {
			return fmt.Errorf("%w: empty target url", ErrValidation)
		}
	}
	return nil
}
