package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/issuedesk/internal/config"
	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/stats"
	"github.com/hitoshi/issuedesk/internal/worker"
	"github.com/hitoshi/issuedesk/internal/worker/cleanup"
	statsjob "github.com/hitoshi/issuedesk/internal/worker/stats"
)

// runWorker はワーカーモードで起動する。
// 日次統計の集計と期限切れセッションの削除をctxがキャンセルされるまで実行する。
// metricsAddrが空でなければそのアドレスで/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsAddr string) error {
	if cfg.StorageDriver == config.StorageDriverMemory {
		return errors.New("worker requires STORAGE_DRIVER=postgres; the memory driver runs jobs inside serve")
	}

	flushTraces, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer flushTraces()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	registry, collector := newRegistry()
	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.SetupMetricsRoute(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("worker metrics server starting", slog.String("addr", metricsAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return runJobs(gctx, cfg, be, stats.NewService(be.issues, be.stats), logger, collector)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped gracefully")
	return nil
}

// runJobs は統計集計とセッション削除のジョブをctxがキャンセルされるまで並行実行する。
func runJobs(ctx context.Context, cfg *config.Config, be *backend, aggregator statsjob.Aggregator, logger *slog.Logger, collector metrics.MetricsCollector) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Loop(gctx, statsjob.NewAggregateJob(aggregator, logger), cfg.StatsInterval, logger, collector)
		return nil
	})
	g.Go(func() error {
		worker.Loop(gctx, cleanup.NewCleanupJob(be.sessions, logger), cfg.SessionCleanupInterval, logger, collector)
		return nil
	})
	return g.Wait()
}
