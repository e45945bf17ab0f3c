// Package user はユーザー名の管理とユーザー検索を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/model"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 32

	msgUsernameLength  = "Username must be 3-32 characters"
	msgUsernameCharset = "Only lowercase letters, numbers, and underscores allowed"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Backend はユーザー関連のバックエンドAPI。
type Backend interface {
	Username(ctx context.Context, token string) (*string, error)
	SetUsername(ctx context.Context, token, username string) (string, error)
	LookupUser(ctx context.Context, username string) (*model.UserLookup, error)
	UserCount(ctx context.Context) (int64, error)
}

// NormalizeUsername は入力を前後の空白除去と小文字化で正規化し、検証する。
// 検証に失敗した場合はINVALID_USERNAMEのAPIErrorを返す。
func NormalizeUsername(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if n := len(name); n < minUsernameLength || n > maxUsernameLength {
		return "", model.NewInvalidUsernameError(msgUsernameLength)
	}
	if !usernamePattern.MatchString(name) {
		return "", model.NewInvalidUsernameError(msgUsernameCharset)
	}
	return name, nil
}

// Service はユーザー名の取得・設定とユーザー検索のサービス層。
type Service struct {
	backend Backend
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(backend Backend, logger *slog.Logger) *Service {
	return &Service{
		backend: backend,
		logger:  logger,
	}
}

// Username は自分のユーザー名を返す。未設定なら空文字列。
func (s *Service) Username(ctx context.Context, token string) (string, error) {
	name, err := s.backend.Username(ctx, token)
	if err != nil {
		return "", fmt.Errorf("failed to get username: %w", err)
	}
	return model.StringValue(name), nil
}

// SetUsername はユーザー名を検証してから設定する。
// 検証に失敗した場合はバックエンドを呼ばない。
func (s *Service) SetUsername(ctx context.Context, token, raw string) (string, error) {
	name, err := NormalizeUsername(raw)
	if err != nil {
		return "", err
	}

	saved, err := s.backend.SetUsername(ctx, token, name)
	if err != nil {
		return "", fmt.Errorf("failed to set username: %w", err)
	}
	if saved == "" {
		saved = name
	}

	s.logger.Info("username updated",
		slog.String("username", saved),
	)
	return saved, nil
}

// Lookup はユーザー名からユーザーを検索する。先頭の@は無視する。
// 見つからない場合はUSER_NOT_FOUNDのAPIErrorを返す。
func (s *Service) Lookup(ctx context.Context, raw string) (*model.UserLookup, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if name == "" {
		return nil, model.NewInvalidUsernameError(msgUsernameLength)
	}

	found, err := s.backend.LookupUser(ctx, name)
	if err != nil {
		if api.IsStatus(err, http.StatusNotFound) {
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("failed to lookup user: %w", err)
	}
	return found, nil
}

// Count は登録ユーザー数を返す。
// トップページの補助表示なので、取得に失敗した場合はokをfalseにして黙って無視する。
func (s *Service) Count(ctx context.Context) (count int64, ok bool) {
	n, err := s.backend.UserCount(ctx)
	if err != nil {
		s.logger.Debug("user count unavailable",
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return n, true
}
