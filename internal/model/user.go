// Package model はドメインモデルを定義する。
// いずれのエンティティもバックエンドが所有しており、クライアントは取得した写しのみを保持する。
package model

import "time"

// User はバックエンドが返すユーザーの識別情報を表す。
// 明示的なユーザー名設定以外ではクライアントから変更しない。
type User struct {
	ID               string  `json:"id"`
	Username         *string `json:"username"`
	TelegramID       *int64  `json:"telegram_id"`
	TelegramUsername *string `json:"telegram_username"`
}

// Session はウェブサイトログインで発行されたセッションを表す。
// 両トークンとユーザーがそろっている場合のみ有効とする。
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

// Complete はセッションが部分的でないかを判定する。
func (s *Session) Complete() bool {
	return s != nil && s.AccessToken != "" && s.RefreshToken != "" && s.User.ID != ""
}

// Challenge はログイン試行ごとにバックエンドが発行する使い捨てのnonce。
// verify呼び出しで1回だけ消費され、再試行時は必ず新しいものを取得する。
type Challenge struct {
	Challenge   string    `json:"challenge"`
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UserLookup はユーザー名検索の結果。
type UserLookup struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// StringValue はnil許容文字列を空文字列に畳み込む。
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// クライアントストレージ上のトークンのキー。2つは常に同時に書き込み・削除する。
const (
	AccessTokenKey  = "smirk_token"
	RefreshTokenKey = "smirk_refresh"
)

// Tokens はクライアントストレージに永続化されるトークンの組。
type Tokens struct {
	Access  string
	Refresh string
}

// Complete は両方のトークンがそろっているかを返す。
func (t Tokens) Complete() bool {
	return t.Access != "" && t.Refresh != ""
}
