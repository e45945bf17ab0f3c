// Package session はブラウザごとのセッションストアと起動時検証を提供する。
// 永続化されたトークンの組を唯一の共有状態として扱い、
// 読み書き・削除・変更通知を1か所にまとめる。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/such-software/smirk-website/internal/model"
)

// Status はセッションの状態。
type Status string

const (
	// StatusChecking は検証中。ログイン済み・未ログインどちらの画面も表示しない。
	StatusChecking Status = "checking"
	// StatusAnonymous は未ログイン。
	StatusAnonymous Status = "anonymous"
	// StatusActive はバックエンドで検証済みのログイン状態。
	StatusActive Status = "active"
)

// EventKind はセッション変更の種類。
type EventKind string

const (
	EventWritten   EventKind = "written"
	EventCleared   EventKind = "cleared"
	EventValidated EventKind = "validated"
)

// Snapshot はある時点のセッション状態。
type Snapshot struct {
	Status Status
	User   *model.User
}

// LoggedIn はログイン済みかを返す。
func (s Snapshot) LoggedIn() bool {
	return s.Status == StatusActive && s.User != nil
}

// Event はセッション変更の通知。
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

// Backend はトークン検証に使うバックエンドAPI。
type Backend interface {
	Me(ctx context.Context, token string) (*model.User, error)
}

// ErrIncompleteSession は部分的なセッションを書き込もうとした場合のエラー。
var ErrIncompleteSession = errors.New("session must carry both tokens and a user")

// Store はブラウザ1つ分のセッションストア。
type Store struct {
	browserID string
	storage   Storage
	backend   Backend
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	status     Status
	tokens     model.Tokens
	user       *model.User
	generation uint64
	subs       map[int]func(Event)
	nextSub    int
}

// NewStore は新しいStoreを生成する。Init前の状態はStatusChecking。
func NewStore(browserID string, storage Storage, backend Backend, logger *slog.Logger) *Store {
	return &Store{
		browserID: browserID,
		storage:   storage,
		backend:   backend,
		logger:    logger,
		now:       time.Now,
		status:    StatusChecking,
		subs:      make(map[int]func(Event)),
	}
}

// Init はストレージからトークンを読み込む。
// トークンがあれば検証待ち（checking）、なければ未ログイン（anonymous）になる。
// 読み込み中にWrite/Clearが行われた場合、読み込んだ結果は破棄する。
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	tokens, ok, err := s.storage.Load(ctx, s.browserID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return nil
	}
	if err != nil {
		s.resetLocked()
		return err
	}
	if !ok {
		s.resetLocked()
		return nil
	}
	s.tokens = tokens
	s.user = nil
	s.status = StatusChecking
	return nil
}

// Read は現在の状態を返す。
func (s *Store) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// AccessToken は検証済みセッションのアクセストークンを返す。未ログイン時は空文字列。
func (s *Store) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ""
	}
	return s.tokens.Access
}

// Write はログインで得たセッションを永続化し、ログイン状態にする。
func (s *Store) Write(ctx context.Context, sess model.Session) error {
	if !sess.Complete() {
		return ErrIncompleteSession
	}
	tokens := model.Tokens{Access: sess.AccessToken, Refresh: sess.RefreshToken}
	if err := s.storage.Save(ctx, s.browserID, tokens); err != nil {
		return err
	}

	user := sess.User
	s.mu.Lock()
	s.generation++
	s.tokens = tokens
	s.user = &user
	s.status = StatusActive
	ev := Event{Kind: EventWritten, Snapshot: s.snapshotLocked()}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Clear は両方のトークンを削除し、未ログイン状態にする。
// ストレージの削除に失敗してもメモリ上の状態は必ず未ログインになる。
func (s *Store) Clear(ctx context.Context) error {
	err := s.storage.Delete(ctx, s.browserID)

	s.mu.Lock()
	s.generation++
	s.resetLocked()
	ev := Event{Kind: EventCleared, Snapshot: s.snapshotLocked()}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return err
}

// Subscribe はセッション変更の通知先を登録し、登録解除関数を返す。
// 通知はロック外で同期的に呼ばれる。
func (s *Store) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Bootstrap は永続化されたトークンを読み直し、バックエンドで検証する。
// 検証に失敗した場合（通信エラー、401、不正なレスポンス）は理由を問わず両トークンを削除する。
// 失敗は利用者向けのエラーとしては扱わない。
// 検証中にWrite/Clearが行われた場合、その検証結果は破棄する。
func (s *Store) Bootstrap(ctx context.Context) Snapshot {
	// 1. ストレージから読み直す
	if err := s.Init(ctx); err != nil {
		s.logger.Warn("failed to load stored session",
			slog.String("browser_id", s.browserID),
			slog.String("error", err.Error()),
		)
		return s.Read()
	}

	s.mu.Lock()
	if s.status != StatusChecking {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	gen := s.generation
	token := s.tokens.Access
	s.mu.Unlock()

	// 2. 期限切れのJWTは通信せずに破棄する
	if expired(token, s.now()) {
		s.logger.Info("stored session expired",
			slog.String("browser_id", s.browserID),
		)
		return s.discard(ctx, gen)
	}

	// 3. バックエンドで検証
	user, err := s.backend.Me(ctx, token)
	if err != nil || user == nil || user.ID == "" {
		reason := "empty user"
		if err != nil {
			reason = err.Error()
		}
		s.logger.Info("stored session rejected",
			slog.String("browser_id", s.browserID),
			slog.String("reason", reason),
		)
		return s.discard(ctx, gen)
	}

	s.mu.Lock()
	if s.generation != gen {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap
	}
	s.user = user
	s.status = StatusActive
	ev := Event{Kind: EventValidated, Snapshot: s.snapshotLocked()}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return ev.Snapshot
}

// discard は検証開始時から世代が変わっていなければセッションを削除する。
func (s *Store) discard(ctx context.Context, gen uint64) Snapshot {
	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return s.Read()
	}

	if err := s.Clear(ctx); err != nil {
		s.logger.Error("failed to clear stored session",
			slog.String("browser_id", s.browserID),
			slog.String("error", err.Error()),
		)
	}
	return s.Read()
}

func (s *Store) resetLocked() {
	s.tokens = model.Tokens{}
	s.user = nil
	s.status = StatusAnonymous
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{Status: s.status}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

func (s *Store) subscribersLocked() []func(Event) {
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// expired はトークンが期限切れのJWTかを判定する。
// JWTとして解釈できないトークンや有効期限のないトークンはfalseを返す。
// 署名は検証しない（検証はバックエンドの責務）。
func expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}
