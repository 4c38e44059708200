package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/issuedesk/internal/config"
	"github.com/hitoshi/issuedesk/internal/telemetry"
)

// setupTracing はOTEL_TRACES_EXPORTERに従ってトレースを有効化し、終了処理を返す。
func setupTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(), error) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:    cfg.TracesExporter,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	if cfg.TracesExporter != telemetry.ExporterNone {
		logger.Info("tracing enabled", slog.String("exporter", cfg.TracesExporter))
	}
	return func() {
		// 親のctxはキャンセル済みのため新しいコンテキストで書き出す
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}, nil
}
