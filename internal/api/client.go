// Package api はSmirkバックエンドAPIのクライアントを提供する。
// 認証・ソーシャル連携・チップ・ユーザー・統計の各エンドポイントを扱う。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/such-software/smirk-website/internal/metrics"
)

// maxErrorBody はエラーレスポンスから読み取る最大バイト数。
const maxErrorBody = 64 * 1024

// Error はバックエンド呼び出しの失敗を表す。
// Messageはそのまま利用者に表示してよい文言。通信エラーの場合Statusは0。
type Error struct {
	Status  int
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return e.Message
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStatus はエラーが指定ステータスのバックエンドエラーかを判定する。
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Message はエラーから利用者向けの文言を取り出す。
// バックエンドエラーでなければfallbackを返す。
func Message(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// Client はSmirkバックエンドAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	metrics    metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは末尾のスラッシュを除いたAPIのオリジン（例: http://localhost:3000）。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string, mc metrics.MetricsCollector) *Client {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		metrics:    mc,
	}
}

// call は1回のバックエンド呼び出しの定義。
type call struct {
	name     string // メトリクス・ログ用のエンドポイント名
	method   string
	path     string
	token    string
	body     any
	fallback string // 既定のエラーメッセージ
	notFound string // 404時のメッセージ（空の場合は通常処理）
}

// errorBody はバックエンドのエラーレスポンス形式。
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do はリクエストを送信し、2xxの場合はレスポンスをoutにデコードする。
// outがnilの場合はボディを読み捨てる。
func (c *Client) do(ctx context.Context, cl call, out any) error {
	// 1. リクエスト作成
	var reader io.Reader
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", cl.name, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, reader)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", cl.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	// 2. 送信
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.RecordBackendRequest(cl.name, 0, elapsed)
		c.logger.Error("backend request failed",
			slog.String("endpoint", cl.name),
			slog.String("error", err.Error()),
		)
		return &Error{Message: cl.fallback, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordBackendRequest(cl.name, resp.StatusCode, elapsed)

	// 3. エラーステータス
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode, Message: cl.fallback}
		if resp.StatusCode == http.StatusNotFound && cl.notFound != "" {
			apiErr.Message = cl.notFound
		} else {
			apiErr.Message = errorMessage(resp.Body, cl.fallback)
		}
		c.logger.Warn("backend returned error status",
			slog.String("endpoint", cl.name),
			slog.Int("http_status", resp.StatusCode),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	// 4. レスポンスデコード
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: cl.fallback, Err: fmt.Errorf("failed to read %s response: %w", cl.name, err)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.logger.Error("failed to parse backend response",
			slog.String("endpoint", cl.name),
			slog.String("error", err.Error()),
		)
		return &Error{Status: resp.StatusCode, Message: cl.fallback, Err: fmt.Errorf("failed to parse %s response: %w", cl.name, err)}
	}
	return nil
}

// errorMessage はエラーボディのerror、messageの順に文言を探し、なければfallbackを返す。
func errorMessage(r io.Reader, fallback string) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return fallback
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return fallback
	}
	if body.Error != "" {
		return body.Error
	}
	if body.Message != "" {
		return body.Message
	}
	return fallback
}
