package handler

import (
	"context"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/such-software/smirk-website/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Cookies     middleware.BrowserCookieConfig
	RateLimiter *middleware.RateLimiter

	// ブラウザごとの画面状態
	Views         Views
	SessionConfig SessionHandlerConfig

	// サービス
	UserService  UserServiceInterface
	StatsService StatsServiceInterface

	// ページ
	Pages  map[string]*template.Template
	Static fs.FS

	// 運用
	HealthChecker  HealthChecker // nilならDBの確認を省略する
	MetricsHandler http.Handler  // nilなら/metricsを公開しない
}

// NewRouter はページとJSON APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → SecurityHeaders → BrowserID → Logging → CSRF → RateLimit(General)
//
// /health、/metrics、/staticはブラウザIDとCSRFの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- 運用・静的ファイル ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.Static != nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(deps.Static)))
	}

	sessionHandler := NewSessionHandler(deps.Views, deps.SessionConfig)
	loginHandler := NewLoginHandler(deps.Views)
	socialHandler := NewSocialHandler(deps.Views)
	tipHandler := NewTipHandler(deps.Views)
	userHandler := NewUserHandler(deps.Views, deps.UserService, deps.StatsService)
	pageHandler := NewPageHandler(deps.Views, deps.UserService, deps.StatsService, deps.Pages)

	// --- ブラウザ単位のルート ---
	// ミドルウェアスタック: BrowserID → Logging → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBrowserIDMiddleware(deps.Cookies))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger, "/api/bridge/next"))
		r.Use(middleware.NewCSRFMiddleware(deps.Cookies))

		// ページ
		r.Get("/", pageHandler.Home)
		r.Get("/settings", pageHandler.Settings)
		r.Get("/tips", pageHandler.Tips)
		r.Get("/tip/{id}", pageHandler.Tip)
		r.Get("/stats", pageHandler.Stats)
		r.Get("/terms", pageHandler.Terms)
		r.Get("/privacy", pageHandler.Privacy)
		r.NotFound(pageHandler.NotFound)

		r.Route("/api", func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/session", sessionHandler.Session)
			r.Get("/extension", sessionHandler.Extension)

			// 拡張機能ブリッジ
			r.Route("/bridge", func(r chi.Router) {
				r.Post("/hello", sessionHandler.Hello)
				r.Get("/next", sessionHandler.Next)
				r.Post("/reply", sessionHandler.Reply)
			})

			// ログイン（接続と署名はログイン専用レート制限を追加）
			r.Route("/login", func(r chi.Router) {
				r.Get("/", loginHandler.State)
				r.With(deps.RateLimiter.LoginMiddleware()).Post("/connect", loginHandler.Connect)
				r.With(deps.RateLimiter.LoginMiddleware()).Post("/select", loginHandler.Select)
				r.Post("/logout", loginHandler.Logout)
			})

			// ソーシャル連携
			r.Route("/socials", func(r chi.Router) {
				r.Get("/", socialHandler.List)
				r.Route("/{platform}", func(r chi.Router) {
					r.Post("/link", socialHandler.Link)
					r.Post("/confirm", socialHandler.Confirm)
					r.Post("/cancel", socialHandler.Cancel)
					r.Delete("/", socialHandler.Unlink)
				})
			})

			// ユーザー
			r.Get("/username", userHandler.GetUsername)
			r.Post("/username", userHandler.SetUsername)
			r.Get("/users/count", userHandler.Count)
			r.Get("/users/{username}", userHandler.Lookup)
			r.Get("/stats", userHandler.Stats)

			// チップ
			r.Get("/tips", tipHandler.List)
			r.Route("/tip/{id}", func(r chi.Router) {
				r.Post("/", tipHandler.Load)
				r.Post("/claim", tipHandler.Claim)
			})

			r.NotFound(pageHandler.NotFound)
		})
	})

	return r
}

// healthHandler はプロセスとDB（設定されていれば）の疎通を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
