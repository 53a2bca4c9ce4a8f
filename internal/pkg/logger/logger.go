package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New 创建结构化日志记录器并设为进程默认。
//
// 参数:
//
//	env: 运行环境，"prod" 输出 JSON，其它输出可读文本
//	level: 日志级别 debug / info / warn / error
//
// 返回值:
//
//	*slog.Logger: 日志记录器
func New(env, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(env, "prod") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
