package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/login"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/view"
)

// LoginHandler はログイン状態機械のHTTPハンドラー。
// 接続と署名は拡張機能の応答を待つため、リクエストはBRIDGE_CALL_TIMEOUTまで保持される。
type LoginHandler struct {
	views Views
}

// NewLoginHandler はLoginHandlerを生成する。
func NewLoginHandler(views Views) *LoginHandler {
	return &LoginHandler{views: views}
}

// assetOption は資産選択ボタン1つ分の表示情報。
type assetOption struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Icon   string `json:"icon"`
}

// loginResponse はログイン画面の状態。
type loginResponse struct {
	login.Snapshot
	ExtensionPresent bool          `json:"extension_present"`
	Assets           []assetOption `json:"assets"`
}

func assetOptions() []assetOption {
	all := asset.All()
	opts := make([]assetOption, 0, len(all))
	for _, a := range all {
		opts = append(opts, assetOption{Code: a.Code, Name: a.Name, Symbol: a.Symbol, Icon: a.Icon})
	}
	return opts
}

func newLoginResponse(v *view.View) loginResponse {
	return loginResponse{
		Snapshot:         v.Login.Snapshot(),
		ExtensionPresent: v.Relay.Present(),
		Assets:           assetOptions(),
	}
}

// State はログイン状態を返す。
// GET /api/login
func (h *LoginHandler) State(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	writeJSON(w, newLoginResponse(v))
}

// Connect は拡張機能に接続して資産選択に進む。
// 拡張機能の拒否や未検出は状態のエラーメッセージとして返す。
// POST /api/login/connect
func (h *LoginHandler) Connect(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}

	ctx, cancel := v.BridgeContext(r.Context())
	defer cancel()

	err := v.Login.Connect(ctx)
	writeState(w, err, newLoginResponse(v))
}

// selectRequest は資産選択のリクエスト。
type selectRequest struct {
	Asset string `json:"asset"`
}

// Select は資産を選んで署名とログインを行う。
// POST /api/login/select
func (h *LoginHandler) Select(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	code := strings.ToLower(strings.TrimSpace(req.Asset))
	if !asset.Known(code) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidAssetError(req.Asset))
		return
	}

	ctx, cancel := v.BridgeContext(r.Context())
	defer cancel()

	err := v.Login.SelectAsset(ctx, code)
	writeState(w, err, newLoginResponse(v))
}

// Logout はセッションを削除してログイン前の状態に戻す。
// ストレージの削除に失敗しても画面は未ログインとして扱う。
// POST /api/login/logout
func (h *LoginHandler) Logout(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	if err := v.Login.Logout(r.Context()); err != nil {
		slog.Warn("failed to delete stored session on logout",
			slog.String("browser_id", v.ID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, newLoginResponse(v))
}
