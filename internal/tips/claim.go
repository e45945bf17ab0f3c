package tips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/model"
)

// Eligibility は公開チップの受け取り可否。
type Eligibility string

const (
	EligibilityClaimable      Eligibility = "claimable"
	EligibilityConfirming     Eligibility = "confirming"
	EligibilityIncompleteLink Eligibility = "incomplete_link"
	EligibilityPrivate        Eligibility = "private"
	EligibilityTerminal       Eligibility = "terminal"
)

const (
	msgTipLoadFailed  = "Failed to load tip"
	msgClaimFailed    = "Failed to claim tip"
	msgAlreadyClaimed = "This tip has already been claimed."
	msgUnavailable    = "This tip is no longer available."
	msgPrivate        = "This tip was sent to a linked account. Open the Smirk extension, go to Inbox and claim it there."
	msgIncompleteLink = "This link is incomplete. Ask the sender for the full link, including everything after the #."
	msgReady          = "This tip is ready to claim."
)

var (
	// ErrInvalidShareLink は共有リンクからチップIDを取り出せない場合のエラー。
	ErrInvalidShareLink = errors.New("invalid tip share link")
	// ErrBusy は受け取り処理が実行中の場合のエラー。
	ErrBusy = errors.New("claim already in progress")
	// ErrNotClaimable は受け取り可能でないチップに対して受け取りを要求した場合のエラー。
	ErrNotClaimable = errors.New("tip is not claimable")
)

// ParseShareLink は共有リンク（https://host/tip/{id}#{token} または /tip/{id}#{token}）から
// チップIDとフラグメントトークンを取り出す。トークンがなければ空文字列を返す。
func ParseShareLink(raw string) (tipID, fragment string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidShareLink, err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "tip" || parts[1] == "" {
		return "", "", ErrInvalidShareLink
	}
	return parts[1], u.Fragment, nil
}

// Evaluate は公開チップの受け取り可否を判定する。
// 判定順: 終了済み、非公開、リンク不完全、承認待ち、受け取り可能。
// 承認数はバックエンドの値で判定する。
func Evaluate(tip model.PublicTip, fragment string) Eligibility {
	switch {
	case tip.Status != model.TipStatusPending:
		return EligibilityTerminal
	case !tip.IsPublic:
		return EligibilityPrivate
	case fragment == "":
		return EligibilityIncompleteLink
	case tip.FundingConfirmations < tip.ConfirmationsRequired:
		return EligibilityConfirming
	}
	return EligibilityClaimable
}

// Describe は受け取り可否ごとの表示文言を返す。
func Describe(tip model.PublicTip, e Eligibility) string {
	switch e {
	case EligibilityTerminal:
		if tip.Status == model.TipStatusClaimed {
			return msgAlreadyClaimed
		}
		return msgUnavailable
	case EligibilityPrivate:
		return msgPrivate
	case EligibilityIncompleteLink:
		return msgIncompleteLink
	case EligibilityConfirming:
		return fmt.Sprintf("Waiting for network confirmations (%d/%d). Check back soon.",
			tip.FundingConfirmations, tip.ConfirmationsRequired)
	}
	return msgReady
}

// PublicBackend は公開チップ情報の取得に使うバックエンドAPI。
type PublicBackend interface {
	PublicTip(ctx context.Context, tipID string) (*model.PublicTip, error)
}

// Claimer は拡張機能の受け取り機能。
type Claimer interface {
	ClaimPublicTip(ctx context.Context, tipID, fragmentKey string) (extension.ClaimResult, error)
}

// ClaimSnapshot は公開チップ画面の状態。フラグメントトークンは含めない。
type ClaimSnapshot struct {
	TipID       string           `json:"tip_id"`
	Tip         *model.PublicTip `json:"tip,omitempty"`
	AssetName   string           `json:"asset_name,omitempty"`
	Icon        string           `json:"icon,omitempty"`
	Amount      string           `json:"amount,omitempty"`
	Eligibility Eligibility      `json:"eligibility,omitempty"`
	Message     string           `json:"message,omitempty"`
	LoadError   string           `json:"load_error,omitempty"`
	Busy        bool             `json:"busy"`
	TxID        string           `json:"txid,omitempty"`
	ClaimError  string           `json:"claim_error,omitempty"`
}

// ClaimFlow は共有リンク1件分の表示と受け取りを扱う。
type ClaimFlow struct {
	tipID    string
	fragment string
	backend  PublicBackend
	claimer  Claimer
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu       sync.Mutex
	tip      *model.PublicTip
	loadErr  string
	busy     bool
	txid     string
	claimErr string
}

// NewClaimFlow は新しいClaimFlowを生成する。
// fragmentはブラウザ側でURLから取り出したトークンで、拡張機能にだけ渡す。
func NewClaimFlow(tipID, fragment string, backend PublicBackend, claimer Claimer, logger *slog.Logger, mc metrics.MetricsCollector) *ClaimFlow {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &ClaimFlow{
		tipID:    tipID,
		fragment: fragment,
		backend:  backend,
		claimer:  claimer,
		logger:   logger,
		metrics:  mc,
	}
}

// SetFragment はリンクを開き直したときにトークンを差し替える。
func (f *ClaimFlow) SetFragment(fragment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fragment = fragment
}

// Load は公開チップ情報を取得する。
func (f *ClaimFlow) Load(ctx context.Context) error {
	tip, err := f.backend.PublicTip(ctx, f.tipID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.loadErr = api.Message(err, msgTipLoadFailed)
		return err
	}
	f.tip = tip
	f.loadErr = ""
	f.checkConfirmations(tip)
	return nil
}

// checkConfirmations はバックエンドが返した必要承認数が想定値と異なる場合に警告を出す。
// 判定にはバックエンドの値をそのまま使う。
func (f *ClaimFlow) checkConfirmations(tip *model.PublicTip) {
	expected, ok := asset.ExpectedConfirmations(tip.Asset)
	if !ok || expected == tip.ConfirmationsRequired {
		return
	}
	f.logger.Warn("backend confirmation requirement differs from asset table",
		slog.String("tip_id", tip.ID),
		slog.String("asset", tip.Asset),
		slog.Int("confirmations_required", tip.ConfirmationsRequired),
		slog.Int("expected", expected),
	)
}

// Claim は拡張機能に受け取りを依頼する。受け取り可能な場合だけ実行できる。
// 成功時はトランザクションIDを返し、チップ情報を取得し直す。状態は推測しない。
func (f *ClaimFlow) Claim(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return "", ErrBusy
	}
	if f.tip == nil || Evaluate(*f.tip, f.fragment) != EligibilityClaimable {
		f.mu.Unlock()
		return "", ErrNotClaimable
	}
	f.busy = true
	f.claimErr = ""
	f.txid = ""
	fragment := f.fragment
	f.mu.Unlock()

	result, err := f.claimer.ClaimPublicTip(ctx, f.tipID, fragment)
	if err == nil && !result.Success {
		msg := result.Error
		if msg == "" {
			msg = msgClaimFailed
		}
		err = &extension.RejectedError{Method: "claimPublicTip", Message: msg}
	}

	f.mu.Lock()
	f.busy = false
	if err != nil {
		f.claimErr = extension.UserMessage(err, msgClaimFailed)
		f.mu.Unlock()
		f.metrics.RecordClaim("failure")
		f.logger.Warn("public tip claim failed",
			slog.String("tip_id", f.tipID),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	f.txid = result.TxID
	f.mu.Unlock()

	f.metrics.RecordClaim("success")
	f.logger.Info("public tip claimed",
		slog.String("tip_id", f.tipID),
		slog.String("txid", result.TxID),
	)

	if err := f.Load(ctx); err != nil {
		f.logger.Warn("failed to reload tip after claim",
			slog.String("tip_id", f.tipID),
			slog.String("error", err.Error()),
		)
	}
	return result.TxID, nil
}

// Snapshot は現在の状態を返す。
func (f *ClaimFlow) Snapshot() ClaimSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := ClaimSnapshot{
		TipID:      f.tipID,
		LoadError:  f.loadErr,
		Busy:       f.busy,
		TxID:       f.txid,
		ClaimError: f.claimErr,
	}
	if f.tip != nil {
		tip := *f.tip
		snap.Tip = &tip
		snap.AssetName = asset.Name(tip.Asset)
		snap.Icon = asset.Icon(tip.Asset)
		snap.Amount = asset.FormatAmountFixed(tip.Amount, tip.Asset)
		snap.Eligibility = Evaluate(tip, f.fragment)
		snap.Message = Describe(tip, snap.Eligibility)
	}
	return snap
}
