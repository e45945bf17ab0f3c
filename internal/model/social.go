package model

import "time"

// LinkedSocial はユーザーに紐付くソーシャルプラットフォームのアカウントを表す。
// プラットフォームごとに1件。unlinked → pending → verified と遷移する。
type LinkedSocial struct {
	Platform            string     `json:"platform"`
	Username            *string    `json:"username"`
	DisplayName         *string    `json:"display_name"`
	PlatformUserID      *string    `json:"platform_user_id"`
	Verified            bool       `json:"verified"`
	PendingVerification bool       `json:"pending_verification"`
	VerifiedAt          *time.Time `json:"verified_at"`
}

// Label は画面表示用のアカウント名を返す。
func (s *LinkedSocial) Label() string {
	if u := StringValue(s.Username); u != "" {
		return "@" + u
	}
	if d := StringValue(s.DisplayName); d != "" {
		return d
	}
	return "Linked"
}

// FindSocial は一覧から指定プラットフォームのエントリを探す。見つからない場合はnilを返す。
func FindSocial(socials []LinkedSocial, platform string) *LinkedSocial {
	for i := range socials {
		if socials[i].Platform == platform {
			return &socials[i]
		}
	}
	return nil
}

// SocialRegistration は手動コード方式の連携開始レスポンス。
type SocialRegistration struct {
	VerificationCode string    `json:"verification_code"`
	ExpiresAt        time.Time `json:"expires_at"`
	BotLink          string    `json:"bot_link"`
	Instructions     string    `json:"instructions"`
}

// LinkInitiation はディープリンク方式の連携開始レスポンス。
type LinkInitiation struct {
	DeepLink  string    `json:"deep_link"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}
