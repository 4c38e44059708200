// Package worker は定期実行されるバックグラウンドジョブの共通ループを提供する。
package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/telemetry"
)

// Job は1回分の処理を実行するジョブ。
type Job interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Loop はジョブを起動直後に1回、その後interval間隔で実行する。
// コンテキストがキャンセルされるまで戻らない。ジョブのエラーはログに記録して継続する。
func Loop(ctx context.Context, job Job, interval time.Duration, logger *slog.Logger, collector metrics.MetricsCollector) {
	if logger == nil {
		logger = slog.Default()
	}
	collector = metrics.OrNop(collector)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("job started",
		slog.String("job", job.Name()),
		slog.Duration("interval", interval),
	)

	runOnce(ctx, job, logger, collector)
	for {
		select {
		case <-ctx.Done():
			logger.Info("job stopped", slog.String("job", job.Name()))
			return
		case <-ticker.C:
			runOnce(ctx, job, logger, collector)
		}
	}
}

func runOnce(ctx context.Context, job Job, logger *slog.Logger, collector metrics.MetricsCollector) {
	ctx, span := telemetry.Tracer("worker").Start(ctx, "job "+job.Name(),
		trace.WithAttributes(attribute.String("job.name", job.Name())))
	defer span.End()

	start := time.Now()
	err := job.RunOnce(ctx)
	collector.RecordJobRun(job.Name(), time.Since(start), err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("job run failed",
			slog.String("job", job.Name()),
			slog.String("error", err.Error()),
		)
	}
}
