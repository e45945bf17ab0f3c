// Package view はブラウザごとの画面状態（ビュー）を管理する。
//
// 1つのビューはセッションストア、ログイン状態機械、ソーシャル連携、
// チップ一覧、公開チップの受け取りフローと拡張機能の中継を束ねる。
// ビューが破棄されるとコンテキストがキャンセルされ、そのビューが持つポーリングは全て止まる。
package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/such-software/smirk-website/internal/extension"
	"github.com/such-software/smirk-website/internal/login"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/security"
	"github.com/such-software/smirk-website/internal/session"
	"github.com/such-software/smirk-website/internal/social"
	"github.com/such-software/smirk-website/internal/tips"
)

// DefaultBridgeTimeout は拡張機能の操作（署名、受け取り）を待つ最大時間。
const DefaultBridgeTimeout = 2 * time.Minute

// maxClaimFlows は1ビューが保持する公開チップ受け取りフローの上限。
const maxClaimFlows = 8

// Backend はビューの各コンポーネントが使うバックエンドAPIをまとめたもの。
type Backend interface {
	session.Backend
	login.Backend
	social.Backend
	tips.Backend
	tips.PublicBackend
}

// Deps はビューの生成に必要な依存関係。
type Deps struct {
	Backend       Backend
	Storage       session.Storage
	Origin        string
	Logger        *slog.Logger
	Metrics       metrics.MetricsCollector
	Sanitizer     security.InstructionsSanitizer
	Social        social.Config
	TipRefresh    time.Duration
	BridgeTimeout time.Duration
}

// View はブラウザ1つ分の画面状態。
type View struct {
	ID      string
	Relay   *extension.Relay
	Session *session.Store
	Login   *login.Machine
	Social  *social.Linker
	Tips    *tips.Viewer

	ctx           context.Context
	cancel        context.CancelFunc
	deps          Deps
	logger        *slog.Logger
	bridgeTimeout time.Duration
	unsubscribe   func()

	mu       sync.Mutex
	claims     map[string]*tips.ClaimFlow
	claimOrder []string
	lastSeen   time.Time
}

// newView は新しいビューを生成し、セッションの変更を各コンポーネントに反映するよう購読する。
func newView(browserID string, deps Deps, now time.Time) *View {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With(slog.String("browser_id", browserID))

	bridgeTimeout := deps.BridgeTimeout
	if bridgeTimeout <= 0 {
		bridgeTimeout = DefaultBridgeTimeout
	}

	relay := extension.NewRelay(logger)
	store := session.NewStore(browserID, deps.Storage, deps.Backend, logger)

	v := &View{
		ID:            browserID,
		Relay:         relay,
		Session:       store,
		Login:         login.NewMachine(relay, deps.Backend, store, deps.Origin, logger, deps.Metrics),
		Social:        social.NewLinker(ctx, deps.Backend, store, deps.Social, logger, deps.Metrics, deps.Sanitizer),
		Tips:          tips.NewViewer(deps.Backend, store, deps.TipRefresh, logger, deps.Metrics),
		ctx:           ctx,
		cancel:        cancel,
		deps:          deps,
		logger:        logger,
		bridgeTimeout: bridgeTimeout,
		claims:        make(map[string]*tips.ClaimFlow),
		lastSeen:      now,
	}
	v.unsubscribe = store.Subscribe(v.onSessionChange)
	return v
}

// onSessionChange はセッションの変更をログイン状態機械と各一覧に反映する。
func (v *View) onSessionChange(ev session.Event) {
	v.Login.Resume(ev.Snapshot)
	if ev.Kind == session.EventCleared {
		v.Social.Reset()
		v.Tips.Reset()
	}
}

// Context はビューの寿命を表すコンテキストを返す。
func (v *View) Context() context.Context {
	return v.ctx
}

// BridgeContext は拡張機能の応答を待つ操作のためのコンテキストを返す。
// parent（通常はリクエストのコンテキスト）、ビューの寿命、BRIDGE_CALL_TIMEOUTの
// いずれかが終わると打ち切られる。
func (v *View) BridgeContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, v.bridgeTimeout)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ClaimFlow は公開チップの受け取りフローを返す。なければ生成する。
// フラグメントは毎回今回のリンクのものに差し替える。空なら不完全なリンクとして扱われる。
// 保持数がmaxClaimFlowsを超えたら、受け取り中でない最も古いフローを捨てる。
func (v *View) ClaimFlow(tipID, fragment string) *tips.ClaimFlow {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.claims[tipID]
	if ok {
		f.SetFragment(fragment)
	} else {
		f = tips.NewClaimFlow(tipID, fragment, v.deps.Backend, v.Relay, v.logger, v.deps.Metrics)
		v.claims[tipID] = f
	}
	v.markClaimLocked(tipID)
	v.evictClaimsLocked()
	return f
}

// LookupClaimFlow は既存の受け取りフローを返す。
func (v *View) LookupClaimFlow(tipID string) (*tips.ClaimFlow, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.claims[tipID]
	return f, ok
}

// DropClaimFlow は受け取りフローを破棄する。存在しないチップの読み込み後に使う。
func (v *View) DropClaimFlow(tipID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.claims, tipID)
	v.unmarkClaimLocked(tipID)
}

func (v *View) markClaimLocked(tipID string) {
	v.unmarkClaimLocked(tipID)
	v.claimOrder = append(v.claimOrder, tipID)
}

func (v *View) unmarkClaimLocked(tipID string) {
	for i, id := range v.claimOrder {
		if id == tipID {
			v.claimOrder = append(v.claimOrder[:i], v.claimOrder[i+1:]...)
			return
		}
	}
}

func (v *View) evictClaimsLocked() {
	for i := 0; len(v.claims) > maxClaimFlows && i < len(v.claimOrder); {
		id := v.claimOrder[i]
		if v.claims[id].Snapshot().Busy {
			i++
			continue
		}
		delete(v.claims, id)
		v.claimOrder = append(v.claimOrder[:i], v.claimOrder[i+1:]...)
	}
}

func (v *View) touch(now time.Time) {
	v.mu.Lock()
	v.lastSeen = now
	v.mu.Unlock()
}

func (v *View) idleSince() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeen
}

// close はビューのポーリングと実行中の拡張機能呼び出しを止める。
func (v *View) close() {
	v.cancel()
	v.unsubscribe()
	v.Social.Close()
	v.Tips.Stop()
}
