package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/issuedesk/internal/config"
	"github.com/hitoshi/issuedesk/internal/database"
	"github.com/hitoshi/issuedesk/internal/issue"
	"github.com/hitoshi/issuedesk/internal/security"
)

// Command はアプリケーションのサブコマンド名を表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSeed はYAMLフィクスチャを投入することを示す。
	CommandSeed Command = "seed"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMでコンテキストがキャンセルされる。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
// サブコマンドなしで実行した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)
	root := &cobra.Command{
		Use:           "issuedesk",
		Short:         "Issue tracker API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.SetOut(w)
	root.AddCommand(
		serve,
		newWorkerCommand(w),
		newMigrateCommand(w),
		newSeedCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

// withConfig は設定を読み込んでからfnを実行するRunEを返す。
func withConfig(w io.Writer, command Command, fn func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		logger.Info("starting application",
			slog.String("command", string(command)),
			slog.String("port", cfg.ServerPort),
			slog.String("base_url", cfg.BaseURL),
		)
		return fn(cmd.Context(), cfg, logger)
	}
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE:  withConfig(w, CommandServe, runServe),
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Run background jobs (daily stats, session cleanup)",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose /metrics on (disabled when empty)")
	cmd.RunE = withConfig(w, CommandWorker, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
		return runWorker(ctx, cfg, logger, metricsAddr)
	})
	return cmd
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var rollback int
	var status bool
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&rollback, "rollback", 0, "roll back the given number of migrations instead of applying")
	cmd.Flags().BoolVar(&status, "status", false, "print the current migration version and exit")
	cmd.RunE = withConfig(w, CommandMigrate, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
		return runMigrate(cmd.OutOrStdout(), cfg, logger, rollback, status)
	})
	return cmd
}

func newSeedCommand(w io.Writer) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   string(CommandSeed),
		Short: "Load principals and issues from a YAML fixture",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&file, "file", "", "fixture path (defaults to SEED_FILE)")
	cmd.RunE = withConfig(w, CommandSeed, func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
		return runSeed(ctx, cfg, logger, file)
	})
	return cmd
}

func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		// 軽量サブコマンドのため設定の読み込みをスキップする
		RunE: func(cmd *cobra.Command, _ []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
		},
	}
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(out io.Writer, cfg *config.Config, logger *slog.Logger, rollback int, status bool) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate requires STORAGE_DRIVER=postgres")
	}
	logger.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch {
	case status:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "version=%d dirty=%t\n", version, dirty)
		return nil
	case rollback > 0:
		if err := database.RollbackMigrations(cfg.DatabaseURL, rollback); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		logger.Info("database migrations rolled back", slog.Int("steps", rollback))
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("database migrations completed successfully")
		return nil
	}
}

// runSeed はフィクスチャをストレージに投入する。
func runSeed(ctx context.Context, cfg *config.Config, logger *slog.Logger, file string) error {
	if file == "" {
		file = cfg.SeedFile
	}
	if file == "" {
		return fmt.Errorf("seed file is required: pass --file or set SEED_FILE")
	}
	if cfg.StorageDriver == config.StorageDriverMemory {
		logger.Warn("seeding in-memory storage has no lasting effect; set SEED_FILE for serve instead")
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	issues := issue.NewService(be.issues, security.NewContentSanitizer(), nil, nil)
	return applySeedFile(ctx, file, be, issues, cfg.BcryptCost, logger)
}

// checkHealth は/healthエンドポイントにHTTPリクエストを送り、200以外ならエラーを返す。
func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
