// Package handler はサイトのHTTPハンドラー（ページとJSON API）を提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/login"
	"github.com/such-software/smirk-website/internal/middleware"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/social"
	"github.com/such-software/smirk-website/internal/tips"
	"github.com/such-software/smirk-website/internal/view"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// Views はブラウザIDからビューを取得する。
type Views interface {
	Get(browserID string) *view.View
}

// viewFor はリクエストのブラウザに対応するビューを返す。
// ブラウザIDがない場合はエラーレスポンスを書き込んでfalseを返す。
func viewFor(views Views, w http.ResponseWriter, r *http.Request) (*view.View, bool) {
	browserID, err := middleware.BrowserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("missing browser id"))
		return nil, false
	}
	return views.Get(browserID), true
}

// decodeJSON はリクエストボディをvに読み込む。空のボディは許可する。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	return true
}

// writeJSON はvを200 OKのJSONとして書き込む。
func writeJSON(w http.ResponseWriter, v any) {
	middleware.WriteJSON(w, http.StatusOK, v)
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// preconditionError は操作の前提条件を満たさないエラーを利用者向けエラーに変換する。
// 状態機械が画面状態に記録する失敗（バックエンドや拡張機能のエラー）はfalseを返す。
func preconditionError(err error) (*model.APIError, int, bool) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr, mapAPIErrorToHTTPStatus(apiErr), true
	case errors.Is(err, social.ErrNotLoggedIn), errors.Is(err, tips.ErrNotLoggedIn):
		return model.NewUnauthorizedError(), http.StatusUnauthorized, true
	case errors.Is(err, login.ErrBusy), errors.Is(err, tips.ErrBusy):
		return model.NewBusyError(), http.StatusConflict, true
	case errors.Is(err, login.ErrInvalidState):
		return model.NewInvalidRequestError("action not allowed in current login state"), http.StatusConflict, true
	case errors.Is(err, social.ErrUnknownPlatform):
		return model.NewInvalidRequestError("unsupported platform"), http.StatusBadRequest, true
	case errors.Is(err, social.ErrUsernameRequired):
		return model.NewInvalidRequestError("platform username is required"), http.StatusBadRequest, true
	case errors.Is(err, social.ErrNoAttempt), errors.Is(err, social.ErrWrongStep):
		return model.NewInvalidRequestError("no matching link in progress"), http.StatusConflict, true
	case errors.Is(err, tips.ErrNotClaimable):
		return model.NewTipNotClaimableError(), http.StatusConflict, true
	}
	return nil, 0, false
}

// writeState は操作後の画面状態を返す。
// 前提条件エラーはエラーレスポンスにし、それ以外の失敗は状態に含まれるメッセージで伝える。
func writeState(w http.ResponseWriter, err error, state any) {
	if err != nil {
		if apiErr, status, ok := preconditionError(err); ok {
			writeAPIErrorResponse(w, status, apiErr)
			return
		}
	}
	writeJSON(w, state)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	if apiErr, status, ok := preconditionError(err); ok {
		writeAPIErrorResponse(w, status, apiErr)
		return
	}

	// バックエンドのエラーはメッセージをそのまま伝える
	var backendErr *api.Error
	if errors.As(err, &backendErr) {
		status := http.StatusBadGateway
		switch backendErr.Status {
		case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
			status = backendErr.Status
		case http.StatusUnauthorized:
			writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		writeAPIErrorResponse(w, status, model.NewBackendError(backendErr.Message))
		return
	}

	// それ以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidAsset,
		model.ErrCodeInvalidUsername, model.ErrCodeInvalidPlatform:
		return http.StatusBadRequest
	case model.ErrCodeExtensionNotFound, model.ErrCodeBusy,
		model.ErrCodeTipNotClaimable:
		return http.StatusConflict
	case model.ErrCodeTipNotFound, model.ErrCodeUserNotFound, model.ErrCodeUnknownCall, model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeBackend:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeCSRF:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
