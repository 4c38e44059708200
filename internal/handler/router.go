package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/issuedesk/internal/metrics"
	"github.com/hitoshi/issuedesk/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionResolver   middleware.SessionResolver
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler // nilの場合は/metricsを公開しない
	Health            Pinger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 課題・検索・コメント
	IssueService   IssueServiceInterface
	SearchService  SearchServiceInterface
	CommentService CommentServiceInterface

	// 統計・取り込み・通知
	StatsService StatsServiceInterface
	Importer     ImporterInterface
	Events       EventSubscriber
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → RealIP → Tracing → Logging → SecurityHeaders → CORS → Session → RateLimit(General) → CSRF
//
// /auth/login と /auth/register はセッション不要で、クライアントIP単位のレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(chimw.RealIP)
	r.Use(middleware.NewTracingMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.CSRFConfig.CookieSecure}))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	issueHandler := NewIssueHandler(deps.IssueService, deps.SearchService)
	commentHandler := NewCommentHandler(deps.CommentService)
	statsHandler := NewStatsHandler(deps.StatsService)
	importHandler := NewImportHandler(deps.Importer)
	eventsHandler := NewEventsHandler(deps.Events, deps.SessionResolver, deps.CORSAllowedOrigin)

	sessionMW := middleware.NewSessionMiddleware(deps.SessionResolver)
	csrfMW := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.With(csrfMW).Post("/logout", authHandler.Logout)
		r.With(sessionMW).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(sessionMW)
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrfMW)

		r.Route("/api/issues", func(r chi.Router) {
			r.Get("/", issueHandler.ListIssues)
			r.Post("/", issueHandler.CreateIssue)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", issueHandler.GetIssue)
				r.Put("/", issueHandler.UpdateIssue)
				r.Delete("/", issueHandler.DeleteIssue)
				r.Put("/status", issueHandler.ChangeStatus)
				r.Get("/history", issueHandler.History)
				r.Get("/comments", commentHandler.ListComments)
				r.Post("/comments", commentHandler.AddComment)
			})
		})

		r.Route("/api/stats", func(r chi.Router) {
			r.Get("/dashboard", statsHandler.Dashboard)
			r.Get("/daily", statsHandler.Daily)
		})

		r.Post("/api/imports", importHandler.Import)
		r.Get("/api/events", eventsHandler.Stream)
	})

	return r
}
