// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel はLOG_LEVELの値（debug, info, warn, error）をslog.Levelに変換する。
// 空文字列はinfoとして扱う。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// wがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, level)
	slog.SetDefault(logger)
	return logger
}
