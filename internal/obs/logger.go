// Package obs 提供最小的可观测能力：结构化日志与 expvar 计数器，默认不记录敏感信息。
package obs

import (
	"io"
	"log/slog"
	"os"
)

func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env)
}

// NewLoggerTo 与 NewLogger 相同，但写入指定的 writer（测试里用于捕获日志）。
func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "fleetplane")
}
