package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/such-software/smirk-website/internal/model"
)

// RegisterSocial は手動コード方式の連携を開始する。
func (c *Client) RegisterSocial(ctx context.Context, token, platform, username string) (*model.SocialRegistration, error) {
	var out model.SocialRegistration
	err := c.do(ctx, call{
		name:     "socials_register",
		method:   http.MethodPost,
		path:     "/api/v1/socials/register",
		token:    token,
		body:     map[string]string{"platform": platform, "username": username},
		fallback: "Failed to start verification",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateLink はディープリンク方式の連携を開始する。
func (c *Client) InitiateLink(ctx context.Context, token, platform string) (*model.LinkInitiation, error) {
	var out model.LinkInitiation
	err := c.do(ctx, call{
		name:     "socials_initiate_link",
		method:   http.MethodPost,
		path:     "/api/v1/socials/initiate-link",
		token:    token,
		body:     map[string]string{"platform": platform},
		fallback: "Failed to initiate link",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LinkedSocials は連携済み（確認待ちを含む）アカウント一覧を取得する。
func (c *Client) LinkedSocials(ctx context.Context, token string) ([]model.LinkedSocial, error) {
	var out struct {
		Socials []model.LinkedSocial `json:"socials"`
	}
	err := c.do(ctx, call{
		name:     "socials_me",
		method:   http.MethodGet,
		path:     "/api/v1/socials/me",
		token:    token,
		fallback: "Failed to get linked accounts",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Socials, nil
}

// UnlinkSocial はプラットフォームの連携を解除する。
func (c *Client) UnlinkSocial(ctx context.Context, token, platform string) error {
	return c.do(ctx, call{
		name:     "socials_unlink",
		method:   http.MethodDelete,
		path:     "/api/v1/socials/" + url.PathEscape(platform),
		token:    token,
		fallback: "Failed to unlink account",
	}, nil)
}

// OAuthURL はOAuth方式の認可URLを取得する。
func (c *Client) OAuthURL(ctx context.Context, token, platform string) (string, error) {
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	err := c.do(ctx, call{
		name:     "socials_auth_url",
		method:   http.MethodGet,
		path:     "/api/v1/socials/" + url.PathEscape(platform) + "/auth-url",
		token:    token,
		fallback: "Failed to get " + platformName(platform) + " auth URL",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.AuthURL, nil
}

// CompleteOAuth は認可コードを交換して連携を完了する。自動再試行はしない。
func (c *Client) CompleteOAuth(ctx context.Context, token, platform, code, state string) (*model.LinkedSocial, error) {
	var out model.LinkedSocial
	err := c.do(ctx, call{
		name:     "socials_callback",
		method:   http.MethodPost,
		path:     "/api/v1/socials/" + url.PathEscape(platform) + "/callback",
		token:    token,
		body:     map[string]string{"code": code, "state": state},
		fallback: "Failed to link " + platformName(platform) + " account",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// platformName はエラーメッセージ用のプラットフォーム表示名を返す。
func platformName(platform string) string {
	switch platform {
	case "telegram":
		return "Telegram"
	case "discord":
		return "Discord"
	case "signal":
		return "Signal"
	case "matrix":
		return "Matrix"
	}
	return platform
}
