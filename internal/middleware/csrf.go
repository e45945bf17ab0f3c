package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/such-software/smirk-website/internal/model"
)

const (
	// csrfCookieName はページのスクリプトが読み取るためHttpOnlyにしない。
	csrfCookieName = "smirk_csrf"
	csrfHeaderName = "X-CSRF-Token"

	csrfTokenBytes   = 32
	csrfCookieMaxAge = 24 * 60 * 60
)

var (
	errCSRFCookieMissing = errors.New("missing cookie token")
	errCSRFHeaderMissing = errors.New("missing header token")
	errCSRFMismatch      = errors.New("token mismatch")
)

// NewCSRFMiddleware はダブルサブミットCookie方式のCSRF対策ミドルウェアを返す。
// GET・HEAD・OPTIONSでは有効なトークンCookieがなければ発行する。
// それ以外のメソッドではCookieとX-CSRF-Tokenヘッダーの一致を要求し、不一致なら403を返す。
func NewCSRFMiddleware(config BrowserCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				if _, ok := csrfCookieToken(r); !ok {
					issueCSRFCookie(w, config)
				}
			default:
				if err := verifyCSRF(r); err != nil {
					slog.Warn("CSRF validation failed",
						slog.String("reason", err.Error()),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					WriteErrorResponse(w, http.StatusForbidden, model.NewCSRFError())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// csrfCookieToken は形式の正しいトークンCookieがあれば返す。
func csrfCookieToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(csrfCookieName)
	if err != nil {
		return "", false
	}
	if b, err := hex.DecodeString(c.Value); err != nil || len(b) != csrfTokenBytes {
		return "", false
	}
	return c.Value, true
}

func verifyCSRF(r *http.Request) error {
	cookie, ok := csrfCookieToken(r)
	if !ok {
		return errCSRFCookieMissing
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return errCSRFHeaderMissing
	}
	if subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
		return errCSRFMismatch
	}
	return nil
}

func issueCSRFCookie(w http.ResponseWriter, config BrowserCookieConfig) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		slog.Error("failed to generate CSRF token", slog.String("error", err.Error()))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    hex.EncodeToString(b),
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   csrfCookieMaxAge,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
