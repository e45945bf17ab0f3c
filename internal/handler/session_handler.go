package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/session"
)

// DefaultBridgeWait はブリッジスクリプトの1回のロングポーリングで待つ最大時間。
const DefaultBridgeWait = 25 * time.Second

// SessionHandlerConfig はセッション・ブリッジハンドラーの設定。
type SessionHandlerConfig struct {
	RecheckDelay time.Duration // 拡張機能の再確認までの待ち時間
	BridgeWait   time.Duration // ロングポーリングの待ち時間
}

// SessionHandler はセッション検証と拡張機能ブリッジのHTTPハンドラー。
type SessionHandler struct {
	views  Views
	config SessionHandlerConfig
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(views Views, config SessionHandlerConfig) *SessionHandler {
	if config.RecheckDelay <= 0 {
		config.RecheckDelay = extension.DefaultRecheckDelay
	}
	if config.BridgeWait <= 0 {
		config.BridgeWait = DefaultBridgeWait
	}
	return &SessionHandler{views: views, config: config}
}

// sessionResponse はセッション状態のレスポンス。
type sessionResponse struct {
	Status   session.Status `json:"status"`
	LoggedIn bool           `json:"logged_in"`
	User     *model.User    `json:"user,omitempty"`
}

func newSessionResponse(snap session.Snapshot) sessionResponse {
	return sessionResponse{
		Status:   snap.Status,
		LoggedIn: snap.LoggedIn(),
		User:     snap.User,
	}
}

// Session は保存済みのトークンをバックエンドで検証し、セッション状態を返す。
// ページ読み込みごとに呼ばれ、検証が終わるまでクライアントはcheckingとして扱う。
// GET /api/session
func (h *SessionHandler) Session(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	writeJSON(w, newSessionResponse(v.Session.Bootstrap(r.Context())))
}

// Extension は拡張機能の有無を判定して返す。
// 最初に見つからなければ一度だけ再確認する。
// GET /api/extension
func (h *SessionHandler) Extension(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	present := extension.Detect(r.Context(), v.Relay, h.config.RecheckDelay)
	writeJSON(w, map[string]bool{"present": present})
}

// helloRequest はブリッジスクリプトからの拡張機能有無の報告。
type helloRequest struct {
	Present bool `json:"present"`
}

// Hello はページで観測した拡張機能の有無を記録する。
// POST /api/bridge/hello
func (h *SessionHandler) Hello(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	var req helloRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	v.Relay.SetPresent(req.Present)
	w.WriteHeader(http.StatusNoContent)
}

// Next は拡張機能への次の呼び出しを返す。BridgeWaitの間に呼び出しがなければ204を返す。
// GET /api/bridge/next
func (h *SessionHandler) Next(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.BridgeWait)
	defer cancel()
	stop := context.AfterFunc(v.Context(), cancel)
	defer stop()

	req, err := v.Relay.Next(ctx)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, req)
}

// Reply は拡張機能の呼び出し結果を受け取り、待機中の処理に渡す。
// POST /api/bridge/reply
func (h *SessionHandler) Reply(w http.ResponseWriter, r *http.Request) {
	v, ok := viewFor(h.views, w, r)
	if !ok {
		return
	}
	var resp extension.Response
	if !decodeJSON(w, r, &resp) {
		return
	}
	if resp.ID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("missing call id"))
		return
	}

	if err := v.Relay.Deliver(resp); err != nil {
		if errors.Is(err, extension.ErrUnknownCall) {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewUnknownCallError())
			return
		}
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
