// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const (
	// browserCookieName はブラウザIDを保持するCookieの名前。
	browserCookieName = "smirk_browser"

	// browserCookieMaxAge はブラウザIDの有効期間（1年）。
	browserCookieMaxAge = 365 * 24 * 60 * 60
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// browserIDContextKey はリクエストコンテキストにブラウザIDを格納するためのキー。
var browserIDContextKey = contextKey("browser_id")

// BrowserCookieConfig はブラウザID Cookieの設定。
type BrowserCookieConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewBrowserIDMiddleware はHTTP Only CookieからブラウザIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいIDを発行してCookieに設定する。
func NewBrowserIDMiddleware(config BrowserCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからブラウザIDを取得
			browserID := ""
			if cookie, err := r.Cookie(browserCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					browserID = id.String()
				}
			}

			// 2. なければ発行
			if browserID == "" {
				browserID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     browserCookieName,
					Value:    browserID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   browserCookieMaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			// 3. コンテキストに注入
			ctx := context.WithValue(r.Context(), browserIDContextKey, browserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BrowserIDFromContext はリクエストコンテキストからブラウザIDを取得する。
// ブラウザIDミドルウェアを通過したリクエストでのみ有効。
func BrowserIDFromContext(ctx context.Context) (string, error) {
	browserID, ok := ctx.Value(browserIDContextKey).(string)
	if !ok || browserID == "" {
		return "", fmt.Errorf("browser ID not found in context")
	}
	return browserID, nil
}

// ContextWithBrowserID はコンテキストにブラウザIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithBrowserID(ctx context.Context, browserID string) context.Context {
	return context.WithValue(ctx, browserIDContextKey, browserID)
}
