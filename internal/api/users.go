package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/such-software/smirk-website/internal/model"
)

// Username は自分のユーザー名を取得する。未設定の場合はnilを返す。
func (c *Client) Username(ctx context.Context, token string) (*string, error) {
	var out *string
	err := c.do(ctx, call{
		name:     "users_username",
		method:   http.MethodGet,
		path:     "/api/v1/users/me/username",
		token:    token,
		fallback: "Failed to get username",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetUsername はユーザー名を設定し、確定したユーザー名を返す。
func (c *Client) SetUsername(ctx context.Context, token, username string) (string, error) {
	var out struct {
		Username string `json:"username"`
	}
	err := c.do(ctx, call{
		name:     "users_set_username",
		method:   http.MethodPost,
		path:     "/api/v1/users/me/username",
		token:    token,
		body:     map[string]string{"username": username},
		fallback: "Failed to set username",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Username, nil
}

// LookupUser はユーザー名からユーザーを検索する。
func (c *Client) LookupUser(ctx context.Context, username string) (*model.UserLookup, error) {
	var out model.UserLookup
	err := c.do(ctx, call{
		name:     "users_lookup",
		method:   http.MethodGet,
		path:     "/api/v1/users/by-username/" + url.PathEscape(username),
		fallback: "Failed to lookup user",
		notFound: "User not found",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UserCount は登録ユーザー数を取得する。
func (c *Client) UserCount(ctx context.Context) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, call{
		name:     "users_count",
		method:   http.MethodGet,
		path:     "/api/v1/users/count",
		fallback: "Failed to get user count",
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// PublicStats は公開統計を取得する。
func (c *Client) PublicStats(ctx context.Context) (*model.PublicStats, error) {
	var out model.PublicStats
	err := c.do(ctx, call{
		name:     "stats_public",
		method:   http.MethodGet,
		path:     "/api/v1/stats/public",
		fallback: "Failed to get stats",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
