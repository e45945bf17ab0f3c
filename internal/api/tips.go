package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/such-software/smirk-website/internal/model"
)

// PublicTip は共有リンクのチップ情報を取得する。認証不要。
func (c *Client) PublicTip(ctx context.Context, tipID string) (*model.PublicTip, error) {
	var out model.PublicTip
	err := c.do(ctx, call{
		name:     "tips_public",
		method:   http.MethodGet,
		path:     "/api/v1/tips/social/" + url.PathEscape(tipID) + "/public",
		fallback: "Failed to get tip info",
		notFound: "Tip not found or not available",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SentTips は送信済みチップ一覧を取得する。
func (c *Client) SentTips(ctx context.Context, token string) ([]model.Tip, error) {
	tips, err := c.tipList(ctx, token, "sent", "Failed to get sent tips")
	if err != nil {
		return nil, err
	}
	for i := range tips {
		tips[i].Direction = model.TipDirectionSent
	}
	return tips, nil
}

// ReceivedTips は受信チップ一覧を取得する。
func (c *Client) ReceivedTips(ctx context.Context, token string) ([]model.Tip, error) {
	tips, err := c.tipList(ctx, token, "received", "Failed to get received tips")
	if err != nil {
		return nil, err
	}
	for i := range tips {
		tips[i].Direction = model.TipDirectionReceived
	}
	return tips, nil
}

func (c *Client) tipList(ctx context.Context, token, kind, fallback string) ([]model.Tip, error) {
	var out struct {
		Tips []model.Tip `json:"tips"`
	}
	err := c.do(ctx, call{
		name:     "tips_" + kind,
		method:   http.MethodGet,
		path:     "/api/v1/tips/social/" + kind,
		token:    token,
		fallback: fallback,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tips, nil
}

// ClaimableTips は受け取り可能なチップ一覧を取得する。
func (c *Client) ClaimableTips(ctx context.Context, token string) ([]model.ClaimableTip, error) {
	var out struct {
		Tips []model.ClaimableTip `json:"tips"`
	}
	err := c.do(ctx, call{
		name:     "tips_claimable",
		method:   http.MethodGet,
		path:     "/api/v1/tips/social/claimable",
		token:    token,
		fallback: "Failed to get claimable tips",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Tips, nil
}
