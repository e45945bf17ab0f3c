// Package login はチャレンジ・署名・検証によるウェブサイトログインの状態機械を提供する。
// 状態遷移: initial → choose-asset → signing → logged-in。
// 失敗時はメッセージを保持したまま、再試行可能な状態に戻る。
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/session"
)

// State はログイン状態機械の状態。
type State string

const (
	StateInitial     State = "initial"
	StateChooseAsset State = "choose-asset"
	StateSigning     State = "signing"
	StateLoggedIn    State = "logged-in"
)

const (
	msgConnectFailed = "Failed to connect"
	msgAuthFailed    = "Authentication failed"
)

var (
	// ErrBusy は別の遷移が実行中の場合のエラー。
	ErrBusy = errors.New("another login step is in progress")
	// ErrInvalidState は現在の状態では受け付けない操作の場合のエラー。
	ErrInvalidState = errors.New("action not allowed in current login state")
	// ErrInvalidAsset は未対応の資産が指定された場合のエラー。
	ErrInvalidAsset = errors.New("unsupported asset")
	// ErrNoSignature は選択した資産の署名が拡張機能から返されなかった場合のエラー。
	ErrNoSignature = errors.New("no signature for selected asset")
	// ErrSuperseded は実行中の遷移がログアウトで無効になった場合のエラー。
	ErrSuperseded = errors.New("login attempt superseded")
)

// Backend はログインに使うバックエンドAPI。
type Backend interface {
	Challenge(ctx context.Context, origin string) (*model.Challenge, error)
	Verify(ctx context.Context, challengeID string, proof api.SignatureProof) (*model.Session, error)
}

// SessionWriter はログイン結果を書き込むセッションストア。
type SessionWriter interface {
	Write(ctx context.Context, sess model.Session) error
	Clear(ctx context.Context) error
}

// Snapshot は画面描画用の状態。
type Snapshot struct {
	State State       `json:"state"`
	Busy  bool        `json:"busy"`
	Error string      `json:"error,omitempty"`
	Asset string      `json:"asset,omitempty"`
	User  *model.User `json:"user,omitempty"`
}

// Machine はブラウザ1つ分のログイン状態機械。
type Machine struct {
	bridge  extension.Bridge
	backend Backend
	session SessionWriter
	origin  string
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	// commitMu はセッション書き込みとログアウトの順序を保証する。
	commitMu sync.Mutex

	mu         sync.Mutex
	state      State
	busy       bool
	errMsg     string
	asset      string
	keys       extension.PublicKeys
	user       *model.User
	generation uint64
}

// NewMachine は新しいMachineを生成する。originはチャレンジに紐付けるサイトのオリジン。
func NewMachine(bridge extension.Bridge, backend Backend, sess SessionWriter, origin string, logger *slog.Logger, mc metrics.MetricsCollector) *Machine {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Machine{
		bridge:  bridge,
		backend: backend,
		session: sess,
		origin:  origin,
		logger:  logger,
		metrics: mc,
		state:   StateInitial,
	}
}

// Snapshot は現在の状態を返す。
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Busy: m.busy, Error: m.errMsg, Asset: m.asset}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	return snap
}

// Resume はセッション検証の結果を状態機械に反映する。
// 検証済みならlogged-inで始め、未ログインになっていればinitialに戻す。
func (m *Machine) Resume(snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return
	}
	switch {
	case snap.LoggedIn():
		u := *snap.User
		m.user = &u
		m.state = StateLoggedIn
		m.errMsg = ""
	case snap.Status == session.StatusAnonymous && m.state == StateLoggedIn:
		m.generation++
		m.resetLocked()
	}
}

// Connect は拡張機能に接続して公開鍵を取得し、資産選択に進む。
// 失敗した場合はinitialのままメッセージを保持する。
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state != StateInitial && m.state != StateChooseAsset {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.busy = true
	m.errMsg = ""
	gen := m.generation
	m.mu.Unlock()

	keys, err := m.bridge.Connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	// 追い越された遷移の後始末はLogoutが済ませている
	if gen != m.generation {
		return ErrSuperseded
	}
	m.busy = false
	if err != nil {
		m.state = StateInitial
		m.errMsg = extension.UserMessage(err, msgConnectFailed)
		m.logger.Info("extension connect failed",
			slog.String("error", err.Error()),
		)
		return err
	}

	m.keys = keys
	m.state = StateChooseAsset
	return nil
}

// SelectAsset は資産を選んでチャレンジ取得・署名・検証を行い、ログインする。
// いずれかの段階で失敗した場合は接続を保ったままchoose-assetに戻る。
func (m *Machine) SelectAsset(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return ErrBusy
	}
	if m.state != StateChooseAsset {
		m.mu.Unlock()
		return ErrInvalidState
	}
	if !asset.Known(code) {
		m.mu.Unlock()
		return ErrInvalidAsset
	}
	m.busy = true
	m.state = StateSigning
	m.asset = code
	m.errMsg = ""
	gen := m.generation
	m.mu.Unlock()

	sess, msg, err := m.authenticate(ctx, code)
	if err == nil {
		err = m.commit(ctx, gen, sess)
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		if err != nil {
			msg = msgAuthFailed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// 追い越された遷移の後始末はLogoutが済ませている
	if gen != m.generation {
		return ErrSuperseded
	}
	m.busy = false
	if err != nil {
		m.state = StateChooseAsset
		m.errMsg = msg
		m.metrics.RecordLogin("failure")
		m.logger.Warn("website login failed",
			slog.String("asset", code),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// authenticate はチャレンジ取得から検証までを行う。
// チャレンジは試行ごとに必ず新しく取得する。
func (m *Machine) authenticate(ctx context.Context, code string) (model.Session, string, error) {
	// 1. チャレンジ取得
	challenge, err := m.backend.Challenge(ctx, m.origin)
	if err != nil {
		return model.Session{}, api.Message(err, msgAuthFailed), err
	}

	// 2. 拡張機能で署名
	result, err := m.bridge.SignMessage(ctx, challenge.Challenge)
	if err != nil {
		return model.Session{}, extension.UserMessage(err, msgAuthFailed), err
	}

	// 3. 選択した資産の署名のみを使う
	sig, ok := result.For(code)
	if !ok {
		return model.Session{}, fmt.Sprintf("No signature found for %s", code), ErrNoSignature
	}

	// 4. 検証
	sess, err := m.backend.Verify(ctx, challenge.ChallengeID, api.SignatureProof{
		Asset:     code,
		Signature: sig.Signature,
		PublicKey: sig.PublicKey,
	})
	if err != nil {
		return model.Session{}, api.Message(err, msgAuthFailed), err
	}
	if !sess.Complete() {
		return model.Session{}, msgAuthFailed, session.ErrIncompleteSession
	}
	return *sess, "", nil
}

// commit はセッションを書き込みlogged-inに遷移する。
// 書き込み前にログアウトされていた場合は何もしない。
func (m *Machine) commit(ctx context.Context, gen uint64, sess model.Session) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	stale := gen != m.generation
	m.mu.Unlock()
	if stale {
		return ErrSuperseded
	}

	if err := m.session.Write(ctx, sess); err != nil {
		return err
	}

	m.mu.Lock()
	user := sess.User
	m.user = &user
	m.state = StateLoggedIn
	m.mu.Unlock()

	m.metrics.RecordLogin("success")
	m.logger.Info("website login succeeded",
		slog.String("user_id", sess.User.ID),
	)
	return nil
}

// Logout はセッションを削除してinitialに戻る。実行中の遷移の結果は破棄される。
func (m *Machine) Logout(ctx context.Context) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	m.generation++
	m.resetLocked()
	m.mu.Unlock()

	return m.session.Clear(ctx)
}

func (m *Machine) resetLocked() {
	m.state = StateInitial
	m.busy = false
	m.errMsg = ""
	m.asset = ""
	m.keys = extension.PublicKeys{}
	m.user = nil
}
