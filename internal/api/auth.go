package api

import (
	"context"
	"net/http"

	"github.com/such-software/smirk-website/internal/model"
)

// SignatureProof はverifyに送る1資産分の署名。
type SignatureProof struct {
	Asset     string `json:"asset"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Challenge はoriginに紐付くログイン用チャレンジを取得する。
func (c *Client) Challenge(ctx context.Context, origin string) (*model.Challenge, error) {
	var out model.Challenge
	err := c.do(ctx, call{
		name:     "auth_challenge",
		method:   http.MethodPost,
		path:     "/api/v1/auth/website/challenge",
		body:     map[string]string{"origin": origin},
		fallback: "Failed to get challenge",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify は署名を検証してセッションを発行する。チャレンジはこの呼び出しで消費される。
func (c *Client) Verify(ctx context.Context, challengeID string, proof SignatureProof) (*model.Session, error) {
	var out model.Session
	err := c.do(ctx, call{
		name:   "auth_verify",
		method: http.MethodPost,
		path:   "/api/v1/auth/website/verify",
		body: struct {
			ChallengeID string         `json:"challenge_id"`
			Signature   SignatureProof `json:"signature"`
		}{challengeID, proof},
		fallback: "Failed to verify signature",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Me はアクセストークンのユーザー情報を取得する。
func (c *Client) Me(ctx context.Context, token string) (*model.User, error) {
	var out model.User
	err := c.do(ctx, call{
		name:     "auth_me",
		method:   http.MethodGet,
		path:     "/api/v1/auth/me",
		token:    token,
		fallback: "Failed to get user info",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
