package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/nicowegher/competitor-eye/internal/api/middleware"
	"github.com/nicowegher/competitor-eye/internal/config"
	"github.com/nicowegher/competitor-eye/internal/model"
	"github.com/nicowegher/competitor-eye/internal/pkg/dedup"
	"github.com/nicowegher/competitor-eye/internal/store"
)

// Server 对外暴露任务入队与查询的薄 HTTP 层。
//
// 它不做任何业务计算：入队走 TaskStore，处理由调度器在后台完成。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	router    *gin.Engine
	taskStore TaskStore
	deduper   Deduper
}

type TaskStore interface {
	Enqueue(ctx context.Context, task *model.Task) error
	Get(ctx context.Context, id string) (*model.Task, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Task, error)
}

type Deduper interface {
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	Release(ctx context.Context, fingerprint string) error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    gin.New(),
		taskStore: store.New(db, logger),
		deduper:   dedup.NewDeduplicator(rdb, time.Duration(cfg.App.DedupWindow)*time.Second),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(logger))
	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 http.Handler，供测试和外部 server 使用。
func (s *Server) Router() http.Handler {
	return s.router
}

// DB 返回底层数据库连接，供调度器共用同一个连接池。
func (s *Server) DB() *gorm.DB {
	return s.db
}

// Redis 返回底层 Redis 客户端。
func (s *Server) Redis() *redis.Client {
	return s.rdb
}

// Close 释放底层连接。
func (s *Server) Close() error {
	var errs []error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.POST("/tasks", s.handleCreateTask)
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/:id", s.handleGetTask)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	UserID     string   `json:"userId" binding:"required"`
	SetID      string   `json:"setId"`
	SetName    string   `json:"setName"`
	TargetURLs []string `json:"targetUrls" binding:"required,min=1"`
	Days       int      `json:"days"`
	Nights     int      `json:"nights"`
	Currency   string   `json:"currency"`
	StartDate  string   `json:"startDate"`
}

// createTaskResponse 创建任务的响应。
type createTaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type taskStatusResponse struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	Error     string        `json:"error,omitempty"`
	Result    *model.Report `json:"result,omitempty"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fingerprint := dedup.TaskFingerprint(req.UserID, req.SetID, req.StartDate, req.Currency,
		req.Days, req.Nights, req.TargetURLs)
	dup, err := s.deduper.IsDuplicate(c.Request.Context(), fingerprint)
	if err != nil {
		s.logger.Error("dedup check failed", slog.String("error", err.Error()))
	} else if dup {
		s.logger.Info("task deduplicated", slog.String("user_id", req.UserID))
		c.JSON(http.StatusOK, gin.H{"status": "skipped_duplicate"})
		return
	}

	task := &model.Task{
		UserID:     req.UserID,
		SetID:      req.SetID,
		SetName:    req.SetName,
		TargetURLs: model.URLList(req.TargetURLs),
		Days:       req.Days,
		Nights:     req.Nights,
		Currency:   req.Currency,
		StartDate:  req.StartDate,
	}

	if err := s.taskStore.Enqueue(c.Request.Context(), task); err != nil {
		// 入队失败要释放去重窗口，允许客户端重试
		if relErr := s.deduper.Release(c.Request.Context(), fingerprint); relErr != nil {
			s.logger.Error("dedup release failed", slog.String("error", relErr.Error()))
		}
		if errors.Is(err, store.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("enqueue task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue task failed"})
		return
	}

	c.JSON(http.StatusCreated, createTaskResponse{
		ID:     task.ID,
		Status: string(task.Status),
	})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")

	task, err := s.taskStore.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("get task failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get task failed"})
		return
	}

	c.JSON(http.StatusOK, taskStatusResponse{
		ID:        task.ID,
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
		Error:     task.Error,
		Result:    task.Result,
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	tasks, err := s.taskStore.ListByUser(c.Request.Context(), userID, 20)
	if err != nil {
		s.logger.Error("list tasks failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}

	out := make([]taskStatusResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskStatusResponse{
			ID:        task.ID,
			Status:    string(task.Status),
			CreatedAt: task.CreatedAt,
			Error:     task.Error,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}
