package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicowegher/competitor-eye/internal/api"
	"github.com/nicowegher/competitor-eye/internal/config"
	"github.com/nicowegher/competitor-eye/internal/dispatcher"
	"github.com/nicowegher/competitor-eye/internal/pkg/logger"
	"github.com/nicowegher/competitor-eye/internal/pkg/ratelimit"
	"github.com/nicowegher/competitor-eye/internal/scraper"
	"github.com/nicowegher/competitor-eye/internal/store"
)

// main 是比价 worker 的入口函数。
//
// 它负责：
// 1. 加载配置、初始化日志
// 2. 初始化 API 服务器（含 MySQL/Redis 连接）
// 3. 组装抓取执行器并启动单飞调度器
// 4. 监听退出信号，优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(cfg.App.Env, cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.NewRedisLimiter(srv.Redis(), appLogger, "", cfg.App.RateLimit, cfg.App.RateBurst)
	querier := scraper.NewApifyQuerier(cfg.Apify, appLogger)
	retry := scraper.NewRetryPolicy(cfg.App.MaxRetries, cfg.App.BackoffBase, cfg.App.BackoffCap, appLogger)
	executor := scraper.NewExecutor(querier, retry, limiter, appLogger,
		cfg.App.WorkerPoolSize, cfg.App.QueueCapacity, cfg.App.PacingDelay)

	disp := dispatcher.New(
		store.New(srv.DB(), appLogger),
		executor,
		srv.Redis(),
		appLogger,
		cfg.App.IdleInterval,
		cfg.App.BusyInterval,
		cfg.App.JanitorInterval,
		cfg.App.ClaimTimeout,
	)
	go disp.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := srv.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
