package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/config"
	"github.com/such-software/smirk-website/internal/database"
	"github.com/such-software/smirk-website/internal/handler"
	"github.com/such-software/smirk-website/internal/logger"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/middleware"
	"github.com/such-software/smirk-website/internal/repository"
	"github.com/such-software/smirk-website/internal/security"
	"github.com/such-software/smirk-website/internal/session"
	"github.com/such-software/smirk-website/internal/social"
	"github.com/such-software/smirk-website/internal/stats"
	"github.com/such-software/smirk-website/internal/user"
	"github.com/such-software/smirk-website/internal/view"
	"github.com/such-software/smirk-website/internal/worker/cleanup"
	"github.com/such-software/smirk-website/web"
)

// shutdownTimeout はグレースフルシャットダウンの最大待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとキャンセルされるコンテキストでRunContextを呼ぶ。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はコマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// serveとworkerはctxがキャンセルされるまでブロックする。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("api_url", cfg.APIURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// application はserveモードで組み立てた依存関係。
type application struct {
	handler http.Handler
	views   *view.Registry
	limiter *middleware.RateLimiter
	db      *sql.DB
}

// newApplication は設定から全依存関係をワイヤリングする。
// DATABASE_URLが設定されていればクライアントストレージをPostgreSQLに置き、
// なければプロセスメモリに置いてビューのクリーンアップ時に古い行を削除する。
func newApplication(ctx context.Context, cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{}

	// 1. クライアントストレージ
	var (
		storage session.Storage
		pruner  view.Pruner
		checker handler.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("database connection established")
		app.db = db
		storage = repository.NewPostgresClientStorageRepo(db)
		checker = db
	} else {
		log.Warn("DATABASE_URL is not set; client storage is kept in memory")
		mem := session.NewMemoryStorage()
		storage = mem
		pruner = mem
	}

	// 2. メトリクス
	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. バックエンドクライアント
	apiClient := api.NewClient(&http.Client{Timeout: cfg.APITimeout}, log, cfg.APIURL, collector)

	// 4. ソーシャル連携方式
	strategies, err := social.ParseStrategies(cfg.SocialLinkStrategies)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("invalid SOCIAL_LINK_STRATEGIES: %w", err)
	}

	// 5. ビューレジストリ
	app.views = view.NewRegistry(view.Deps{
		Backend:   apiClient,
		Storage:   storage,
		Origin:    cfg.Origin(),
		Logger:    log,
		Metrics:   collector,
		Sanitizer: security.NewInstructionsSanitizer(),
		Social: social.Config{
			PollInterval: cfg.SocialPollInterval,
			Strategies:   strategies,
		},
		TipRefresh:    cfg.TipRefreshInterval,
		BridgeTimeout: cfg.BridgeCallTimeout,
	}, view.RegistryConfig{
		TTL:       cfg.ViewTTL,
		Pruner:    pruner,
		Retention: cfg.StorageRetention(),
	})

	// 6. ページテンプレート
	pages, err := handler.ParseTemplates(web.Templates())
	if err != nil {
		app.close()
		return nil, err
	}

	// 7. ルーター
	app.limiter = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	app.handler = handler.NewRouter(&handler.RouterDeps{
		Logger: log,
		Cookies: middleware.BrowserCookieConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: app.limiter,
		Views:       app.views,
		SessionConfig: handler.SessionHandlerConfig{
			RecheckDelay: cfg.ExtensionRecheckDelay,
		},
		UserService:    user.NewService(apiClient, log),
		StatsService:   stats.NewService(apiClient, log),
		Pages:          pages,
		Static:         web.Static(),
		HealthChecker:  checker,
		MetricsHandler: metrics.Handler(registry),
	})

	return app, nil
}

// close はバックグラウンド処理を止め、DB接続を閉じる。
func (a *application) close() {
	if a.views != nil {
		a.views.Stop()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// runServe はWebサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := newApplication(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer app.close()

	// 拡張機能の操作を待つリクエストがあるため、書き込みタイムアウトはその上限より長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.BridgeCallTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// クライアントストレージのクリーンアップを日次で実行し、ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("worker requires DATABASE_URL")
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	job := cleanup.NewCleanupJob(repository.NewPostgresClientStorageRepo(db), slog.Default())
	job.RetentionDays = cfg.StorageRetentionDays

	slog.Info("worker starting",
		slog.Int("retention_days", job.RetentionDays),
		slog.Duration("interval", cleanup.DefaultInterval),
	)

	job.Start(ctx, cleanup.DefaultInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
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
