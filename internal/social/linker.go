// Package social はソーシャルアカウント連携の状態機械を提供する。
//
// 連携方式はプラットフォームごとに設定で選ぶ:
//   - manual_code: ユーザー名を登録し、ボットにコードを送ってから確認ボタンで再取得する
//   - deep_link: ボットへのディープリンクを表示し、検証済みになるまで一覧をポーリングする
//   - oauth: 認可URLへ遷移し、戻ってきた認可コードをバックエンドで交換する
//
// 1プラットフォームにつき同時に進行する連携は1つだけで、
// 新しい連携を始めると同じプラットフォームの古い連携は破棄される。
package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/poll"
	"github.com/such-software/smirk-website/internal/security"
)

// Strategy は連携方式。
type Strategy string

const (
	StrategyManualCode Strategy = "manual_code"
	StrategyDeepLink   Strategy = "deep_link"
	StrategyOAuth      Strategy = "oauth"
)

// Step は連携1件の進行段階。
type Step string

const (
	StepIdle      Step = "idle"
	StepStarting  Step = "starting"
	StepWaiting   Step = "waiting"   // manual_code: ボットへのコード送信待ち
	StepPolling   Step = "polling"   // deep_link: 検証完了待ち
	StepRedirect  Step = "redirect"  // oauth: 認可URLへの遷移待ち
	StepVerifying Step = "verifying" // 確認・コード交換の実行中
	StepFailed    Step = "failed"
)

// DefaultPollInterval はdeep_link方式の確認間隔。
const DefaultPollInterval = 3 * time.Second

const (
	msgInitiateFailed = "Failed to initiate link"
	msgListFailed     = "Failed to get linked accounts"
	msgUnlinkFailed   = "Failed to unlink"
	msgNotVerified    = "Not verified yet. Send the code to the bot, then try again."
	msgInvalidLink    = "Received an invalid link from the server"
)

var (
	// ErrNotLoggedIn はセッションがない場合のエラー。
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrUnknownPlatform は連携方式が設定されていないプラットフォームの場合のエラー。
	ErrUnknownPlatform = errors.New("unsupported platform")
	// ErrUsernameRequired はmanual_code方式でユーザー名が空の場合のエラー。
	ErrUsernameRequired = errors.New("platform username is required")
	// ErrNoAttempt は対象プラットフォームに進行中の連携がない場合のエラー。
	ErrNoAttempt = errors.New("no link attempt in progress")
	// ErrWrongStep は現在の段階では受け付けない操作の場合のエラー。
	ErrWrongStep = errors.New("action not allowed in current link step")
	// ErrNotVerified は確認時点でまだ検証されていない場合のエラー。
	ErrNotVerified = errors.New("platform account not verified yet")
	// ErrSuperseded は連携が新しい連携やキャンセルで置き換えられた場合のエラー。
	ErrSuperseded = errors.New("link attempt superseded")
)

// DefaultStrategies はSOCIAL_LINK_STRATEGIES未指定時の連携方式。
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		"telegram": StrategyDeepLink,
		"discord":  StrategyOAuth,
	}
}

// ParseStrategies は "telegram=deep_link,discord=oauth" 形式の設定を解釈する。
// 空文字列の場合はDefaultStrategiesを返す。
func ParseStrategies(raw string) (map[string]Strategy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultStrategies(), nil
	}

	out := make(map[string]Strategy)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		platform, strategy, ok := strings.Cut(part, "=")
		platform = strings.ToLower(strings.TrimSpace(platform))
		if !ok || platform == "" {
			return nil, fmt.Errorf("invalid link strategy entry %q (want platform=strategy)", part)
		}
		s := Strategy(strings.TrimSpace(strategy))
		switch s {
		case StrategyManualCode, StrategyDeepLink, StrategyOAuth:
		default:
			return nil, fmt.Errorf("unknown link strategy %q for platform %s", s, platform)
		}
		out[platform] = s
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no link strategies in %q", raw)
	}
	return out, nil
}

// Backend は連携に使うバックエンドAPI。
type Backend interface {
	RegisterSocial(ctx context.Context, token, platform, username string) (*model.SocialRegistration, error)
	InitiateLink(ctx context.Context, token, platform string) (*model.LinkInitiation, error)
	LinkedSocials(ctx context.Context, token string) ([]model.LinkedSocial, error)
	UnlinkSocial(ctx context.Context, token, platform string) error
	OAuthURL(ctx context.Context, token, platform string) (string, error)
	CompleteOAuth(ctx context.Context, token, platform, code, state string) (*model.LinkedSocial, error)
}

// TokenSource は現在のアクセストークンを返す。未ログインなら空文字列。
type TokenSource interface {
	AccessToken() string
}

// Config はLinkerの設定。
type Config struct {
	PollInterval time.Duration
	Strategies   map[string]Strategy
}

// BeginOptions は連携開始時の入力。
type BeginOptions struct {
	Username string // manual_code方式でのみ使用
}

// Flow は連携1件の画面描画用の状態。
type Flow struct {
	ID           string     `json:"id"`
	Platform     string     `json:"platform"`
	Strategy     Strategy   `json:"strategy"`
	Step         Step       `json:"step"`
	Code         string     `json:"code,omitempty"`
	BotLink      string     `json:"bot_link,omitempty"`
	DeepLink     string     `json:"deep_link,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	AuthURL      string     `json:"auth_url,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// PlatformState はプラットフォームごとの表示状態。
type PlatformState struct {
	Platform string              `json:"platform"`
	Strategy Strategy            `json:"strategy"`
	Step     Step                `json:"step"`
	Linked   *model.LinkedSocial `json:"linked,omitempty"`
	Flow     *Flow               `json:"flow,omitempty"`
}

// Snapshot は連携画面全体の状態。
type Snapshot struct {
	Platforms []PlatformState `json:"platforms"`
	Error     string          `json:"error,omitempty"`
}

// attempt は進行中の連携。mapに登録されているものだけが有効。
type attempt struct {
	flow Flow
	poll *poll.Handle[[]model.LinkedSocial]
}

func (a *attempt) stop() {
	if a.poll != nil {
		a.poll.Cancel()
	}
}

// Linker はブラウザ1つ分のソーシャル連携状態を管理する。
type Linker struct {
	viewCtx   context.Context
	backend   Backend
	tokens    TokenSource
	cfg       Config
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	sanitizer security.InstructionsSanitizer

	mu      sync.Mutex
	socials []model.LinkedSocial
	listErr string
	flows   map[string]*attempt
}

// NewLinker は新しいLinkerを生成する。
// viewCtxはビューの寿命を表し、終了するとdeep_linkのポーリングも止まる。
func NewLinker(viewCtx context.Context, backend Backend, tokens TokenSource, cfg Config, logger *slog.Logger, mc metrics.MetricsCollector, sanitizer security.InstructionsSanitizer) *Linker {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies()
	}
	if sanitizer == nil {
		sanitizer = security.NewInstructionsSanitizer()
	}
	return &Linker{
		viewCtx:   viewCtx,
		backend:   backend,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger,
		metrics:   mc,
		sanitizer: sanitizer,
		flows:     make(map[string]*attempt),
	}
}

// StrategyFor はプラットフォームの連携方式を返す。
func (l *Linker) StrategyFor(platform string) (Strategy, bool) {
	s, ok := l.cfg.Strategies[platform]
	return s, ok
}

// Refresh は連携済みアカウント一覧を取得し直す。
func (l *Linker) Refresh(ctx context.Context) error {
	token := l.tokens.AccessToken()
	if token == "" {
		return ErrNotLoggedIn
	}

	socials, err := l.backend.LinkedSocials(ctx, token)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.listErr = api.Message(err, msgListFailed)
		return err
	}
	l.socials = socials
	l.listErr = ""
	return nil
}

// BeginLink はプラットフォームの連携を開始する。
// 同じプラットフォームで進行中の連携は破棄し、他のプラットフォームには影響しない。
func (l *Linker) BeginLink(ctx context.Context, platform string, opts BeginOptions) (*Flow, error) {
	strategy, ok := l.StrategyFor(platform)
	if !ok {
		return nil, ErrUnknownPlatform
	}
	token := l.tokens.AccessToken()
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	username := strings.TrimPrefix(strings.TrimSpace(opts.Username), "@")
	if strategy == StrategyManualCode && username == "" {
		return nil, ErrUsernameRequired
	}

	// 1. 古い連携を破棄して新しい連携を登録
	a := &attempt{flow: Flow{
		ID:       uuid.NewString(),
		Platform: platform,
		Strategy: strategy,
		Step:     StepStarting,
	}}
	l.mu.Lock()
	if prev, ok := l.flows[platform]; ok {
		prev.stop()
	}
	l.flows[platform] = a
	l.mu.Unlock()

	l.metrics.RecordLinkAttempt(platform, string(strategy))

	// 2. 方式ごとの開始処理
	var err error
	switch strategy {
	case StrategyManualCode:
		err = l.beginManual(ctx, a, token, username)
	case StrategyDeepLink:
		err = l.beginDeepLink(ctx, a, token)
	case StrategyOAuth:
		err = l.beginOAuth(ctx, a, token)
	}
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			l.logger.Warn("social link start failed",
				slog.String("platform", platform),
				slog.String("strategy", string(strategy)),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	flow := a.flow
	return &flow, nil
}

func (l *Linker) beginManual(ctx context.Context, a *attempt, token, username string) error {
	reg, err := l.backend.RegisterSocial(ctx, token, a.flow.Platform, username)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.currentLocked(a) {
		return ErrSuperseded
	}
	if err != nil {
		l.failLocked(a, api.Message(err, msgInitiateFailed))
		return err
	}

	a.flow.Step = StepWaiting
	a.flow.Code = reg.VerificationCode
	a.flow.Instructions = l.sanitizer.Sanitize(reg.Instructions)
	a.flow.ExpiresAt = timePtr(reg.ExpiresAt)
	if reg.BotLink != "" {
		if verr := security.ValidateLink(reg.BotLink); verr != nil {
			// ボットリンクは補助情報なので、不正なら表示しないだけにする
			l.logger.Warn("dropping invalid bot link",
				slog.String("platform", a.flow.Platform),
				slog.String("error", verr.Error()),
			)
		} else {
			a.flow.BotLink = reg.BotLink
		}
	}
	return nil
}

func (l *Linker) beginDeepLink(ctx context.Context, a *attempt, token string) error {
	res, err := l.backend.InitiateLink(ctx, token, a.flow.Platform)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.currentLocked(a) {
		return ErrSuperseded
	}
	if err != nil {
		l.failLocked(a, api.Message(err, msgInitiateFailed))
		return err
	}
	if verr := security.ValidateLink(res.DeepLink); verr != nil {
		l.failLocked(a, msgInvalidLink)
		return fmt.Errorf("invalid deep link: %w", verr)
	}

	a.flow.Step = StepPolling
	a.flow.DeepLink = res.DeepLink
	a.flow.Code = res.Code
	a.flow.ExpiresAt = timePtr(res.ExpiresAt)
	a.poll = l.startPolling(a)
	return nil
}

// startPolling は検証済みになるまで一覧を取得し続ける。
// 取得エラーは再試行し、ポーリングを止めない。
func (l *Linker) startPolling(a *attempt) *poll.Handle[[]model.LinkedSocial] {
	platform := a.flow.Platform

	fetch := func(ctx context.Context) ([]model.LinkedSocial, error) {
		socials, err := l.backend.LinkedSocials(ctx, l.tokens.AccessToken())
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		if l.currentLocked(a) {
			l.socials = socials
			l.listErr = ""
		}
		l.mu.Unlock()
		return socials, nil
	}
	verified := func(socials []model.LinkedSocial) bool {
		s := model.FindSocial(socials, platform)
		return s != nil && s.Verified
	}

	h := poll.Start(l.viewCtx, poll.Config{
		Interval: l.cfg.PollInterval,
		OnError: func(err error) {
			l.logger.Debug("social link poll failed, retrying",
				slog.String("platform", platform),
				slog.String("error", err.Error()),
			)
		},
		OnResult: func() {
			l.metrics.RecordPollIteration("social_link")
		},
	}, fetch, verified)

	go func() {
		<-h.Done()
		if _, ok := h.Result(); !ok {
			return
		}
		l.mu.Lock()
		done := l.currentLocked(a)
		if done {
			delete(l.flows, platform)
		}
		l.mu.Unlock()
		if done {
			l.metrics.RecordLinkVerified(platform)
			l.logger.Info("social account verified",
				slog.String("platform", platform),
				slog.String("strategy", string(StrategyDeepLink)),
			)
		}
	}()

	return h
}

func (l *Linker) beginOAuth(ctx context.Context, a *attempt, token string) error {
	authURL, err := l.backend.OAuthURL(ctx, token, a.flow.Platform)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.currentLocked(a) {
		return ErrSuperseded
	}
	if err != nil {
		l.failLocked(a, api.Message(err, msgInitiateFailed))
		return err
	}
	if verr := security.ValidateLink(authURL); verr != nil {
		l.failLocked(a, msgInvalidLink)
		return fmt.Errorf("invalid auth url: %w", verr)
	}

	a.flow.Step = StepRedirect
	a.flow.AuthURL = authURL
	return nil
}

// Confirm はmanual_code方式で「確認しました」を受け付け、一覧を再取得する。
// まだ検証されていなければErrNotVerifiedを返し、待機状態に留まる。
func (l *Linker) Confirm(ctx context.Context, platform string) error {
	token := l.tokens.AccessToken()
	if token == "" {
		return ErrNotLoggedIn
	}

	l.mu.Lock()
	a, ok := l.flows[platform]
	if !ok {
		l.mu.Unlock()
		return ErrNoAttempt
	}
	if a.flow.Strategy != StrategyManualCode || a.flow.Step != StepWaiting {
		l.mu.Unlock()
		return ErrWrongStep
	}
	a.flow.Step = StepVerifying
	a.flow.Error = ""
	l.mu.Unlock()

	socials, err := l.backend.LinkedSocials(ctx, token)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.currentLocked(a) {
		return ErrSuperseded
	}
	a.flow.Step = StepWaiting
	if err != nil {
		a.flow.Error = api.Message(err, msgListFailed)
		return err
	}
	l.socials = socials
	l.listErr = ""

	if s := model.FindSocial(socials, platform); s == nil || !s.Verified {
		a.flow.Error = msgNotVerified
		return ErrNotVerified
	}

	delete(l.flows, platform)
	l.metrics.RecordLinkVerified(platform)
	l.logger.Info("social account verified",
		slog.String("platform", platform),
		slog.String("strategy", string(StrategyManualCode)),
	)
	return nil
}

// CompleteOAuth はOAuthの戻りで受け取った認可コードを交換する。
// 失敗しても自動では再試行しない。成功後は一覧を取得し直す。
func (l *Linker) CompleteOAuth(ctx context.Context, platform, code, state string) error {
	if s, ok := l.StrategyFor(platform); !ok || s != StrategyOAuth {
		return ErrUnknownPlatform
	}
	token := l.tokens.AccessToken()

	// ページ遷移を挟むため、戻ってきた時点の連携は新しく作り直す
	a := &attempt{flow: Flow{
		ID:       uuid.NewString(),
		Platform: platform,
		Strategy: StrategyOAuth,
		Step:     StepVerifying,
	}}
	l.mu.Lock()
	if prev, ok := l.flows[platform]; ok {
		prev.stop()
	}
	l.flows[platform] = a
	if token == "" {
		// 戻った時点でセッションがなければコードは交換できない
		l.failLocked(a, "Connect your wallet, then link "+DisplayName(platform)+" again")
		l.mu.Unlock()
		return ErrNotLoggedIn
	}
	l.mu.Unlock()

	_, err := l.backend.CompleteOAuth(ctx, token, platform, code, state)

	l.mu.Lock()
	if !l.currentLocked(a) {
		l.mu.Unlock()
		return ErrSuperseded
	}
	if err != nil {
		l.failLocked(a, api.Message(err, "Failed to link "+DisplayName(platform)))
		l.mu.Unlock()
		l.logger.Warn("oauth link exchange failed",
			slog.String("platform", platform),
			slog.String("error", err.Error()),
		)
		return err
	}
	delete(l.flows, platform)
	l.mu.Unlock()

	l.metrics.RecordLinkVerified(platform)
	l.logger.Info("social account verified",
		slog.String("platform", platform),
		slog.String("strategy", string(StrategyOAuth)),
	)

	if err := l.Refresh(ctx); err != nil {
		l.logger.Warn("failed to refresh linked accounts after oauth",
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Cancel は進行中の連携を破棄する。ポーリング中なら停止する。
func (l *Linker) Cancel(platform string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.flows[platform]; ok {
		a.stop()
		delete(l.flows, platform)
	}
}

// Unlink は連携を解除し、一覧を取得し直す。
func (l *Linker) Unlink(ctx context.Context, platform string) error {
	token := l.tokens.AccessToken()
	if token == "" {
		return ErrNotLoggedIn
	}

	if err := l.backend.UnlinkSocial(ctx, token, platform); err != nil {
		l.mu.Lock()
		l.listErr = api.Message(err, msgUnlinkFailed)
		l.mu.Unlock()
		return err
	}

	l.Cancel(platform)
	l.logger.Info("social account unlinked",
		slog.String("platform", platform),
	)
	return l.Refresh(ctx)
}

// Reset は全ての連携を破棄し一覧を消去する。ログアウト時に使う。
func (l *Linker) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for platform, a := range l.flows {
		a.stop()
		delete(l.flows, platform)
	}
	l.socials = nil
	l.listErr = ""
}

// Close は全てのポーリングを停止する。
func (l *Linker) Close() {
	l.Reset()
}

// Flow は指定プラットフォームの進行中の連携を返す。なければnil。
func (l *Linker) Flow(platform string) *Flow {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.flows[platform]
	if !ok {
		return nil
	}
	flow := a.flow
	return &flow
}

// Snapshot は設定済みの全プラットフォームの状態を名前順で返す。
func (l *Linker) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	platforms := make([]string, 0, len(l.cfg.Strategies))
	for p := range l.cfg.Strategies {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	snap := Snapshot{Error: l.listErr}
	for _, p := range platforms {
		st := PlatformState{Platform: p, Strategy: l.cfg.Strategies[p], Step: StepIdle}
		if s := model.FindSocial(l.socials, p); s != nil {
			linked := *s
			st.Linked = &linked
		}
		if a, ok := l.flows[p]; ok {
			flow := a.flow
			st.Flow = &flow
			st.Step = flow.Step
		}
		snap.Platforms = append(snap.Platforms, st)
	}
	return snap
}

// currentLocked はattemptがまだ有効か（置き換えられていないか）を返す。
func (l *Linker) currentLocked(a *attempt) bool {
	return l.flows[a.flow.Platform] == a
}

func (l *Linker) failLocked(a *attempt, msg string) {
	a.flow.Step = StepFailed
	a.flow.Error = msg
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// DisplayName はプラットフォームの表示名を返す。
func DisplayName(platform string) string {
	if platform == "" {
		return platform
	}
	return strings.ToUpper(platform[:1]) + platform[1:]
}
