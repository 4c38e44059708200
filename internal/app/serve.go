package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/issuedesk/internal/auth"
	"github.com/hitoshi/issuedesk/internal/comment"
	"github.com/hitoshi/issuedesk/internal/config"
	"github.com/hitoshi/issuedesk/internal/handler"
	"github.com/hitoshi/issuedesk/internal/importer"
	"github.com/hitoshi/issuedesk/internal/issue"
	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/middleware"
	"github.com/hitoshi/issuedesk/internal/notify"
	"github.com/hitoshi/issuedesk/internal/search"
	"github.com/hitoshi/issuedesk/internal/security"
	"github.com/hitoshi/issuedesk/internal/seed"
	"github.com/hitoshi/issuedesk/internal/stats"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// newRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", cfg.ServerPort, err)
	}
	return serve(ctx, cfg, logger, ln)
}

// serve はlnで受け付けたリクエストを処理する。
// メモリストレージの場合はバックグラウンドジョブも同じプロセスで実行する。
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	flushTraces, err := setupTracing(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer flushTraces()

	be, err := openBackend(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer be.Close()

	sanitizer := security.NewContentSanitizer()
	registry, collector := newRegistry()
	hub := notify.NewHub(notify.DefaultBuffer)
	defer hub.Close()

	authService := auth.NewService(be.principals, be.sessions, collector, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		RoleMode:      auth.RoleMode(cfg.SessionRoleMode),
		BcryptCost:    cfg.BcryptCost,
	})
	issueService := issue.NewService(be.issues, sanitizer, hub, collector)
	commentService := comment.NewService(be.comments, be.issues, sanitizer, hub, collector, comment.Config{
		AllowOnClosed: cfg.AllowCommentsOnClosed,
	})
	statsService := stats.NewService(be.issues, be.stats)
	imp := importer.New(issueService, be.issues, security.NewSSRFGuard(), sanitizer, collector, logger, importer.Config{
		Timeout: cfg.ImportTimeout,
		MaxSize: cfg.ImportMaxSize,
		Retries: cfg.ImportRetries,
	})

	if cfg.SeedFile != "" {
		if err := applySeedFile(ctx, cfg.SeedFile, be, issueService, cfg.BcryptCost, logger); err != nil {
			ln.Close()
			return err
		}
	}

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionResolver:   authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		Logger:         logger,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
		Health:         be.pinger,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		IssueService:   issueService,
		SearchService:  search.NewService(be.issues),
		CommentService: commentService,

		StatsService: statsService,
		Importer:     imp,
		Events:       hub,
	})

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server starting",
			slog.String("addr", ln.Addr().String()),
			slog.String("storage_driver", cfg.StorageDriver),
		)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down API server...")
		// WebSocket接続はShutdownの対象外のため先に購読を閉じる
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	if cfg.StorageDriver == config.StorageDriverMemory {
		g.Go(func() error {
			return runJobs(gctx, cfg, be, statsService, logger, collector)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("API server stopped gracefully")
	return nil
}

// applySeedFile はYAMLフィクスチャを読み込んで適用する。
func applySeedFile(ctx context.Context, path string, be *backend, issues seed.IssueCreator, bcryptCost int, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	fixture, err := seed.Load(f)
	if err != nil {
		return err
	}
	seeder := seed.NewSeeder(be.principals, issues, be.issues, bcryptCost, logger)
	if _, err := seeder.Apply(ctx, fixture); err != nil {
		return fmt.Errorf("failed to apply seed file %s: %w", path, err)
	}
	return nil
}
