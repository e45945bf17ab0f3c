package model

import "time"

// TipStatus はチップの状態。
type TipStatus string

const (
	TipStatusPending    TipStatus = "pending"
	TipStatusClaimed    TipStatus = "claimed"
	TipStatusClawedBack TipStatus = "clawed_back"
)

// TipDirection はログインユーザーから見たチップの向き。
type TipDirection string

const (
	TipDirectionSent     TipDirection = "sent"
	TipDirectionReceived TipDirection = "received"
)

// Tip は送信・受信チップを1つの型で表す。
// Amountは資産の最小単位の整数。RecipientXxxは主に送信側、SenderUserIDは受信側でのみ設定される。
type Tip struct {
	ID                    string       `json:"id"`
	Direction             TipDirection `json:"direction"`
	Asset                 string       `json:"asset"`
	Amount                int64        `json:"amount"`
	Status                TipStatus    `json:"status"`
	IsPublic              bool         `json:"is_public"`
	FundingConfirmations  int          `json:"funding_confirmations"`
	ConfirmationsRequired int          `json:"confirmations_required"`
	IsClaimable           bool         `json:"is_claimable"`
	CreatedAt             time.Time    `json:"created_at"`
	ClaimedAt             *time.Time   `json:"claimed_at"`
	ClawedBackAt          *time.Time   `json:"clawed_back_at"`

	RecipientPlatform *string `json:"recipient_platform"`
	RecipientUsername *string `json:"recipient_username"`
	SenderUserID      *string `json:"sender_user_id"`
}

// ConfirmationsMet は資金トランザクションが必要な承認数に達しているかを返す。
// 必要承認数はバックエンドの値をそのまま比較する。
func (t *Tip) ConfirmationsMet() bool {
	return t.FundingConfirmations >= t.ConfirmationsRequired
}

// Confirming は承認待ちの保留チップかを返す。承認不要の資産では常にfalse。
func (t *Tip) Confirming() bool {
	return t.Status == TipStatusPending && !t.IsClaimable && t.ConfirmationsRequired > 0
}

// ClaimableTip は受け取り可能チップ一覧の要素。
type ClaimableTip struct {
	ID           string    `json:"id"`
	Asset        string    `json:"asset"`
	Amount       int64     `json:"amount"`
	FromPlatform *string   `json:"from_platform"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublicTip は共有リンクから参照される公開チップのメタデータ。
type PublicTip struct {
	ID                    string    `json:"id"`
	Asset                 string    `json:"asset"`
	Amount                int64     `json:"amount"`
	Status                TipStatus `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
	IsPublic              bool      `json:"is_public"`
	FundingConfirmations  int       `json:"funding_confirmations"`
	ConfirmationsRequired int       `json:"confirmations_required"`
}

// PublicStats は公開統計情報。
type PublicStats struct {
	TotalUsers               int64            `json:"total_users"`
	UsersByPreferredAsset    map[string]int64 `json:"users_by_preferred_asset"`
	LinkedAccountsByPlatform map[string]int64 `json:"linked_accounts_by_platform"`
	TotalTipsSent            int64            `json:"total_tips_sent"`
}
