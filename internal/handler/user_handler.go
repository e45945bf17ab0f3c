package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/stats"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Username は自分のユーザー名を返す。未設定なら空文字列。
	Username(ctx context.Context, token string) (string, error)
	// SetUsername はユーザー名を検証して設定し、保存された名前を返す。
	SetUsername(ctx context.Context, token, raw string) (string, error)
	// Lookup はユーザー名からユーザーを検索する。
	Lookup(ctx context.Context, raw string) (*model.UserLookup, error)
	// Count は登録ユーザー数を返す。取得できなければokはfalse。
	Count(ctx context.Context) (count int64, ok bool)
}

// StatsServiceInterface は統計ページが必要とするサービスインターフェース。
type StatsServiceInterface interface {
	Load(ctx context.Context) (*stats.Summary, error)
}

// UserHandler はユーザー名と公開統計のHTTPハンドラー。
type UserHandler struct {
	views Views
	users UserServiceInterface
	stats StatsServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(views Views, users UserServiceInterface, stats StatsServiceInterface) *UserHandler {
	return &UserHandler{
		views: views,
		users: users,
		stats: stats,
	}
}

// usernameResponse はユーザー名のレスポンス。
type usernameResponse struct {
	Username string `json:"username"`
}

// accessToken はログイン中のアクセストークンを返す。
// 未ログインの場合は401を書き込んでfalseを返す。
func (h *UserHandler) accessToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return "", false
	}
	token := v.Session.AccessToken()
	if token == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return token, true
}

// GetUsername は自分のユーザー名を返す。
// GET /api/username
func (h *UserHandler) GetUsername(w http.ResponseWriter, r *http.Request) {
	token, ok := h.accessToken(w, r)
	if !ok {
		return
	}
	name, err := h.users.Username(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, usernameResponse{Username: name})
}

// setUsernameRequest はユーザー名設定のリクエスト。
type setUsernameRequest struct {
	Username string `json:"username"`
}

// SetUsername はユーザー名を設定する。
// POST /api/username
func (h *UserHandler) SetUsername(w http.ResponseWriter, r *http.Request) {
	token, ok := h.accessToken(w, r)
	if !ok {
		return
	}
	var req setUsernameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, err := h.users.SetUsername(r.Context(), token, req.Username)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, usernameResponse{Username: name})
}

// Lookup はユーザー名でユーザーを検索する。
// GET /api/users/{username}
func (h *UserHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	found, err := h.users.Lookup(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, found)
}

// Count は登録ユーザー数を返す。取得できない場合はcountを省略する。
// GET /api/users/count
func (h *UserHandler) Count(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Count *int64 `json:"count,omitempty"`
	}{}
	if n, ok := h.users.Count(r.Context()); ok {
		resp.Count = &n
	}
	writeJSON(w, resp)
}

// Stats は公開統計を返す。
// GET /api/stats
func (h *UserHandler) Stats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.stats.Load(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, summary)
}
