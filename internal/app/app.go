// Package app はコマンドの実行とアプリケーション全体の依存関係の組み立てを行う。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/issuedesk/internal/config"
	"github.com/hitoshi/issuedesk/internal/database"
	"github.com/hitoshi/issuedesk/internal/handler"
	"github.com/hitoshi/issuedesk/internal/logger"
	"github.com/hitoshi/issuedesk/internal/repository"
	"github.com/hitoshi/issuedesk/internal/repository/memory"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定の読み込みに失敗した場合もJSONでログを出せるよう、先にinfoで初期化する
	log := logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, log, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, log, fmt.Errorf("failed to load config: %w", err)
	}
	if level != slog.LevelInfo {
		log = logger.SetupDefault(w, level)
	}
	return cfg, log, nil
}

// backend はストレージドライバーごとのリポジトリ一式。
type backend struct {
	principals repository.PrincipalRepository
	sessions   repository.SessionRepository
	issues     repository.IssueRepository
	comments   repository.CommentRepository
	stats      repository.StatsRepository

	// pingerはpostgresの場合のみ設定される
	pinger handler.Pinger
	db     *sql.DB
}

// Close はデータベース接続を閉じる。メモリストレージでは何もしない。
func (b *backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// openBackend は設定されたストレージドライバーのリポジトリを生成する。
// postgresの場合は接続確認まで行う。
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		store := memory.New()
		slog.Warn("using in-memory storage; data is lost on exit")
		return &backend{
			principals: store.Principals(),
			sessions:   store.Sessions(),
			issues:     store.Issues(),
			comments:   store.Comments(),
			stats:      store.Stats(),
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")

	return &backend{
		principals: repository.NewPostgresPrincipalRepo(db),
		sessions:   repository.NewPostgresSessionRepo(db),
		issues:     repository.NewPostgresIssueRepo(db),
		comments:   repository.NewPostgresCommentRepo(db),
		stats:      repository.NewPostgresStatsRepo(db),
		pinger:     db,
		db:         db,
	}, nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
