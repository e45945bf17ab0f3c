package handler

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/social"
	"github.com/such-software/smirk-website/internal/stats"
	"github.com/such-software/smirk-website/internal/view"
)

// 拡張機能のインストール先
const (
	ChromeStoreURL = "https://chrome.google.com/webstore/detail/smirk-wallet"
	ReleasesURL    = "https://github.com/Such-Software/smirk-extension/releases"
)

// pageFiles はページ名ごとに基本レイアウトと組み合わせるテンプレート。
var pageFiles = map[string][]string{
	"home":     {"extension.html", "home.html"},
	"settings": {"settings.html"},
	"tips":     {"tips.html"},
	"tip":      {"extension.html", "tip.html"},
	"stats":    {"stats.html"},
	"terms":    {"terms.html"},
	"privacy":  {"privacy.html"},
	"notfound": {"notfound.html"},
}

// templateFuncs はテンプレートで使う関数。
var templateFuncs = template.FuncMap{
	"platformName": social.DisplayName,
	// 連携手順はバックエンドから受け取った時点でサニタイズ済み
	"safeHTML": func(s string) template.HTML { return template.HTML(s) }, //nolint:gosec
}

// ParseTemplates はページごとのテンプレートセットを構築する。
func ParseTemplates(files fs.FS) (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template, len(pageFiles))
	for name, parts := range pageFiles {
		patterns := append([]string{"base.html"}, parts...)
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(files, patterns...)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

// pageData は全ページ共通のテンプレートデータ。
type pageData struct {
	Title string
	Page  string
	Data  any
}

// installLinks は拡張機能未検出時の案内リンク。
type installLinks struct {
	ChromeStoreURL string
	ReleasesURL    string
}

var defaultInstallLinks = installLinks{ChromeStoreURL: ChromeStoreURL, ReleasesURL: ReleasesURL}

type homeData struct {
	installLinks
	Count    int64
	HasCount bool
	Assets   []asset.Asset
}

type settingsData struct {
	LoggedIn      bool
	Username      string
	UsernameError string
	Social        social.Snapshot
}

type tipData struct {
	installLinks
	TipID string
}

type statsData struct {
	Summary *stats.Summary
	Error   string
}

// PageHandler はHTMLページのハンドラー。
// 画面の状態はページ読み込み後にapp.jsがJSON APIから取得して描画する。
type PageHandler struct {
	views Views
	users UserServiceInterface
	stats StatsServiceInterface
	pages map[string]*template.Template
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(views Views, users UserServiceInterface, stats StatsServiceInterface, pages map[string]*template.Template) *PageHandler {
	return &PageHandler{
		views: views,
		users: users,
		stats: stats,
		pages: pages,
	}
}

// render はテンプレートをバッファに描画してから書き込む。
func (h *PageHandler) render(w http.ResponseWriter, status int, page, title string, data any) {
	tmpl, ok := h.pages[page]
	if !ok {
		slog.Error("unknown page template", slog.String("page", page))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", pageData{Title: title, Page: page, Data: data}); err != nil {
		slog.Error("failed to render page",
			slog.String("page", page),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// Home はトップページ（ログイン）を返す。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	data := homeData{installLinks: defaultInstallLinks, Assets: asset.All()}
	data.Count, data.HasCount = h.users.Count(r.Context())
	h.render(w, http.StatusOK, "home", "Home", data)
}

// Settings はユーザー名とソーシャル連携の設定ページを返す。
// OAuthの戻り（?code&state）ではコードを交換してから、クエリを消すために/settingsへリダイレクトする。
// GET /settings
func (h *PageHandler) Settings(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	snap := v.Session.Bootstrap(ctx)

	q := r.URL.Query()
	if code := q.Get("code"); code != "" {
		h.completeOAuth(r, v, q.Get("platform"), code, q.Get("state"))
		http.Redirect(w, r, "/settings", http.StatusSeeOther)
		return
	}

	data := settingsData{LoggedIn: snap.LoggedIn()}
	if data.LoggedIn {
		token := v.Session.AccessToken()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			name, err := h.users.Username(gctx, token)
			if err != nil {
				data.UsernameError = api.Message(err, "Failed to load username")
				return nil
			}
			data.Username = name
			return nil
		})
		g.Go(func() error {
			// 失敗はSnapshotのエラーメッセージとして表示する
			_ = v.Social.Refresh(gctx)
			return nil
		})
		_ = g.Wait()
	}
	data.Social = v.Social.Snapshot()

	h.render(w, http.StatusOK, "settings", "Settings", data)
}

// completeOAuth は認可コードを交換する。未ログインでの失敗も含め、結果は連携状態に記録され、リダイレクト後のページに表示される。
// platformが省略された場合はOAuth方式の最初のプラットフォームとみなす。
func (h *PageHandler) completeOAuth(r *http.Request, v *view.View, platform, code, state string) {
	if platform == "" {
		for _, p := range v.Social.Snapshot().Platforms {
			if p.Strategy == social.StrategyOAuth {
				platform = p.Platform
				break
			}
		}
	}
	if err := v.Social.CompleteOAuth(r.Context(), platform, code, state); err != nil {
		slog.Warn("oauth return could not be completed",
			slog.String("browser_id", v.ID),
			slog.String("platform", platform),
			slog.String("error", err.Error()),
		)
	}
}

// Tips はチップ一覧ページを返す。
// GET /tips
func (h *PageHandler) Tips(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "tips", "Tips", nil)
}

// Tip は公開チップの受け取りページを返す。
// リンクの#以降はブラウザからサーバーに送られないため、app.jsが読み取ってAPIに渡す。
// GET /tip/{id}
func (h *PageHandler) Tip(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "tip", "Claim tip", tipData{
		installLinks: defaultInstallLinks,
		TipID:        chi.URLParam(r, "id"),
	})
}

// Stats は公開統計ページを返す。
// GET /stats
func (h *PageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var data statsData
	summary, err := h.stats.Load(r.Context())
	if err != nil {
		data.Error = api.Message(err, "Stats are unavailable right now")
	} else {
		data.Summary = summary
	}
	h.render(w, http.StatusOK, "stats", "Stats", data)
}

// Terms は利用規約ページを返す。
// GET /terms
func (h *PageHandler) Terms(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "terms", "Terms of Service", nil)
}

// Privacy はプライバシーポリシーページを返す。
// GET /privacy
func (h *PageHandler) Privacy(w http.ResponseWriter, r *http.Request) {
	h.render(w, http.StatusOK, "privacy", "Privacy Policy", nil)
}

// NotFound は404ページを返す。/api配下はJSONで返す。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
		return
	}
	h.render(w, http.StatusNotFound, "notfound", "Not found", nil)
}
