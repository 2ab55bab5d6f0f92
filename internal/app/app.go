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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tuams/tuamail/internal/backend"
	"github.com/tuams/tuamail/internal/config"
	"github.com/tuams/tuamail/internal/database"
	"github.com/tuams/tuamail/internal/devidentity"
	"github.com/tuams/tuamail/internal/handler"
	"github.com/tuams/tuamail/internal/logger"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/middleware"
	"github.com/tuams/tuamail/internal/poller"
	"github.com/tuams/tuamail/internal/repository"
	"github.com/tuams/tuamail/internal/security"
	"github.com/tuams/tuamail/internal/worker/cleanup"
)

// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
const dbPingTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "4943"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application", slog.String("command", string(cmd)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandServe:
		return runServe(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(ctx, cfg)
	case CommandLogout:
		return runLogout(ctx, cfg)
	case CommandClearStorage:
		return runClearStorage(ctx, cfg)
	default:
		return runClient(ctx, cfg)
	}
}

// runServe はリファレンスバックエンドを起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと発火済みリマインダーの定期削除を起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	// 1. DB接続
	db, err := database.OpenAndPing(ctx, cfg.DatabaseURL, dbPingTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリとサービス
	svc := backend.NewService(backend.Repositories{
		Users:     repository.NewPostgresUserRepo(db),
		Emails:    repository.NewPostgresEmailRepo(db),
		Stars:     repository.NewPostgresStarRepo(db),
		Chats:     repository.NewPostgresChatRepo(db),
		Reminders: repository.NewPostgresReminderRepo(db),
	}, security.NewContentSanitizer(), slog.Default())

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 4. ミドルウェア依存
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Service:           svc,
		HealthChecker:     db,
		Logger:            slog.Default(),
		Signature:         middleware.SignatureConfig{MaxIngressSkew: cfg.MaxIngressSkew},
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
	}

	// 5. 開発用IDプロバイダー
	if cfg.DevIdentitySeed != "" {
		provider, err := devidentity.New(cfg.DevIdentitySeed, slog.Default())
		if err != nil {
			return fmt.Errorf("failed to create dev identity provider: %w", err)
		}
		deps.DevIdentity = provider
		slog.Warn("dev identity provider is enabled; do not use in production")
	}

	// 6. 発火済みリマインダーの日次削除（起動直後に1回実行）
	purge := cleanup.NewReminderPurgeJob(db, cfg.ReminderRetentionDays, slog.Default())
	if err := purge.Run(ctx); err != nil {
		slog.Error("reminder purge failed", slog.String("error", err.Error()))
	}
	jobs := poller.NewGroup(ctx, slog.Default(), collector)
	jobs.Go("reminder_purge", cleanup.Interval, purge.Run)
	defer jobs.Stop()

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, "backend")
}

// serveUntilDone はctxがキャンセルされるまでserverを動かし、その後グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("server", name), slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s server failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down http server...", slog.String("server", name))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown failed: %w", name, err)
	}

	slog.Info("http server stopped gracefully", slog.String("server", name))
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runCleanup は発火済みリマインダーの削除を1回だけ実行する。
func runCleanup(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	db, err := database.OpenAndPing(ctx, cfg.DatabaseURL, dbPingTimeout)
	if err != nil {
		return err
	}
	defer db.Close()

	return cleanup.NewReminderPurgeJob(db, cfg.ReminderRetentionDays, slog.Default()).Run(ctx)
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
