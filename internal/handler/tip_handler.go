package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/tips"
)

// TipHandler はチップ一覧と公開チップ受け取りのHTTPハンドラー。
type TipHandler struct {
	views Views
}

// NewTipHandler はTipHandlerを生成する。
func NewTipHandler(views Views) *TipHandler {
	return &TipHandler{views: views}
}

// tipsResponse はチップ画面の状態。
type tipsResponse struct {
	Sent               []tips.Row `json:"sent"`
	Received           []tips.Row `json:"received"`
	PendingSent        int        `json:"pending_sent"`
	ClaimableReceived  int        `json:"claimable_received"`
	ConfirmingReceived int        `json:"confirming_received"`
	Loaded             bool       `json:"loaded"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
	Error              string     `json:"error,omitempty"`
}

func newTipsResponse(snap tips.Snapshot) tipsResponse {
	resp := tipsResponse{
		Sent:               snap.Rows(snap.Sent),
		Received:           snap.Rows(snap.Received),
		PendingSent:        snap.PendingSent(),
		ClaimableReceived:  snap.ClaimableReceived(),
		ConfirmingReceived: snap.ConfirmingReceived(),
		Loaded:             snap.Loaded,
		Error:              snap.Error,
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

// List はチップ一覧を返す。初回は同期的に取得し、以後はビューの定期更新に任せる。
// GET /api/tips
func (h *TipHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	if !v.Session.Read().LoggedIn() {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if !v.Tips.Snapshot().Loaded {
		// 失敗は状態のエラーメッセージとして返す
		_ = v.Tips.Refresh(r.Context())
	}
	v.Tips.Start(v.Context())

	writeJSON(w, newTipsResponse(v.Tips.Snapshot()))
}

// loadTipRequest は公開チップ画面の読み込みリクエスト。
// fragmentはURLの#以降で、ブラウザがボディで送る。
type loadTipRequest struct {
	Fragment string `json:"fragment"`
}

// Load は公開チップ情報を取得して受け取り可否を返す。
// POST /api/tip/{id}
func (h *TipHandler) Load(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	var req loadTipRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tipID := chi.URLParam(r, "id")
	flow := v.ClaimFlow(tipID, req.Fragment)
	if err := flow.Load(r.Context()); err != nil && api.IsStatus(err, http.StatusNotFound) {
		v.DropClaimFlow(tipID)
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTipNotFoundError())
		return
	}
	writeJSON(w, flow.Snapshot())
}

// Claim は拡張機能に公開チップの受け取りを依頼する。
// 先にLoadで受け取り可能と判定されていて、拡張機能が検出されている必要がある。
// POST /api/tip/{id}/claim
func (h *TipHandler) Claim(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	flow, found := v.LookupClaimFlow(chi.URLParam(r, "id"))
	if !found {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewTipNotClaimableError())
		return
	}
	if !v.Relay.Present() {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewExtensionNotFoundError())
		return
	}

	ctx, cancel := v.BridgeContext(r.Context())
	defer cancel()

	_, err := flow.Claim(ctx)
	writeState(w, err, flow.Snapshot())
}
