package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/social"
)

// SocialHandler はソーシャル連携のHTTPハンドラー。
type SocialHandler struct {
	views Views
}

// NewSocialHandler はSocialHandlerを生成する。
func NewSocialHandler(views Views) *SocialHandler {
	return &SocialHandler{views: views}
}

// List は連携済みアカウントを取得し直して連携画面の状態を返す。
// 取得失敗は状態のエラーメッセージとして返す。
// GET /api/socials
func (h *SocialHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	err := v.Social.Refresh(r.Context())
	writeState(w, err, v.Social.Snapshot())
}

// linkRequest は連携開始のリクエスト。usernameはmanual_code方式でのみ使う。
type linkRequest struct {
	Username string `json:"username"`
}

// Link は連携を開始する。同じプラットフォームで進行中の連携は置き換える。
// POST /api/socials/{platform}/link
func (h *SocialHandler) Link(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	platform := chi.URLParam(r, "platform")
	if _, known := v.Social.StrategyFor(platform); !known {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPlatformError(platform))
		return
	}
	var req linkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	_, err := v.Social.BeginLink(r.Context(), platform, social.BeginOptions{Username: req.Username})
	writeState(w, err, v.Social.Snapshot())
}

// Confirm はmanual_code方式の検証結果を確認する。
// まだ検証されていなければ待機状態のままメッセージを返す。
// POST /api/socials/{platform}/confirm
func (h *SocialHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	err := v.Social.Confirm(r.Context(), chi.URLParam(r, "platform"))
	if errors.Is(err, social.ErrNotVerified) {
		err = nil
	}
	writeState(w, err, v.Social.Snapshot())
}

// Cancel は進行中の連携を破棄する。
// POST /api/socials/{platform}/cancel
func (h *SocialHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	v.Social.Cancel(chi.URLParam(r, "platform"))
	writeJSON(w, v.Social.Snapshot())
}

// Unlink は連携を解除する。
// DELETE /api/socials/{platform}
func (h *SocialHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	platform := chi.URLParam(r, "platform")
	if _, known := v.Social.StrategyFor(platform); !known {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPlatformError(platform))
		return
	}
	err := v.Social.Unlink(r.Context(), platform)
	writeState(w, err, v.Social.Snapshot())
}
