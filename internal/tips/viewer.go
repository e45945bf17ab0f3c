// Package tips はログインユーザーのチップ一覧の表示と、共有リンクからの公開チップ受け取りを提供する。
package tips

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/such-software/smirk-website/internal/api"
	"github.com/such-software/smirk-website/internal/asset"
	"github.com/such-software/smirk-website/internal/metrics"
	"github.com/such-software/smirk-website/internal/model"
	"github.com/such-software/smirk-website/internal/poll"
)

// DefaultRefreshInterval は一覧の定期更新間隔。
const DefaultRefreshInterval = 30 * time.Second

const msgLoadFailed = "Failed to load tips"

// ErrNotLoggedIn はセッションがない場合のエラー。
var ErrNotLoggedIn = errors.New("not logged in")

// Backend はチップ一覧の取得に使うバックエンドAPI。
type Backend interface {
	SentTips(ctx context.Context, token string) ([]model.Tip, error)
	ReceivedTips(ctx context.Context, token string) ([]model.Tip, error)
	ClaimableTips(ctx context.Context, token string) ([]model.ClaimableTip, error)
}

// TokenSource は現在のアクセストークンを返す。未ログインなら空文字列。
type TokenSource interface {
	AccessToken() string
}

// Snapshot は最後に取得できたチップ一覧。
// 取得に失敗した場合も前回の一覧を保持し、Errorにメッセージを入れる。
type Snapshot struct {
	Sent      []model.Tip          `json:"sent"`
	Received  []model.Tip          `json:"received"`
	Claimable []model.ClaimableTip `json:"claimable"`
	Loaded    bool                 `json:"loaded"`
	UpdatedAt time.Time            `json:"updated_at"`
	Error     string               `json:"error,omitempty"`
}

// CanClaim は受け取りボタンを表示してよいかを返す。
// 受信一覧で pending かつ is_claimable であり、さらに受け取り可能一覧にも含まれる場合だけtrue。
// どちらか一方の一覧だけでは判定しない。
func (s Snapshot) CanClaim(t model.Tip) bool {
	if t.Direction != model.TipDirectionReceived {
		return false
	}
	received := s.received(t.ID)
	if received == nil || received.Status != model.TipStatusPending || !received.IsClaimable {
		return false
	}
	for _, c := range s.Claimable {
		if c.ID == t.ID {
			return true
		}
	}
	return false
}

func (s Snapshot) received(id string) *model.Tip {
	for i := range s.Received {
		if s.Received[i].ID == id {
			return &s.Received[i]
		}
	}
	return nil
}

// PendingSent は未受け取りの送信チップ数を返す。
func (s Snapshot) PendingSent() int {
	n := 0
	for _, t := range s.Sent {
		if t.Status == model.TipStatusPending {
			n++
		}
	}
	return n
}

// ClaimableReceived は受け取り可能な受信チップ数を返す。
func (s Snapshot) ClaimableReceived() int {
	n := 0
	for _, t := range s.Received {
		if s.CanClaim(t) {
			n++
		}
	}
	return n
}

// ConfirmingReceived は承認待ちの受信チップ数を返す。
func (s Snapshot) ConfirmingReceived() int {
	n := 0
	for _, t := range s.Received {
		if t.Confirming() {
			n++
		}
	}
	return n
}

// Row は一覧の1行分の表示内容。
type Row struct {
	Tip       model.Tip `json:"tip"`
	AssetName string    `json:"asset_name"`
	Icon      string    `json:"icon"`
	Amount    string    `json:"amount"`
	Badge     string    `json:"badge"`
	Claimable bool      `json:"claimable"`
}

// Rows は表示用の行を返す。
func (s Snapshot) Rows(tips []model.Tip) []Row {
	rows := make([]Row, 0, len(tips))
	for _, t := range tips {
		rows = append(rows, Row{
			Tip:       t,
			AssetName: asset.Name(t.Asset),
			Icon:      asset.Icon(t.Asset),
			Amount:    asset.FormatAmount(t.Amount, t.Asset),
			Badge:     badge(t),
			Claimable: s.CanClaim(t),
		})
	}
	return rows
}

// badge はチップの状態表示を返す。
func badge(t model.Tip) string {
	switch t.Status {
	case model.TipStatusClaimed:
		return "Claimed"
	case model.TipStatusClawedBack:
		return "Clawed back"
	case model.TipStatusPending:
		if t.Confirming() {
			return "Confirming " + strconv.Itoa(t.FundingConfirmations) + "/" + strconv.Itoa(t.ConfirmationsRequired)
		}
		return "Pending"
	}
	return string(t.Status)
}

// Viewer はブラウザ1つ分のチップ一覧を保持し、定期的に更新する。
type Viewer struct {
	backend  Backend
	tokens   TokenSource
	interval time.Duration
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu      sync.Mutex
	snap    Snapshot
	seq     uint64
	applied uint64
	handle  *poll.Handle[struct{}]
}

// NewViewer は新しいViewerを生成する。intervalが0以下ならDefaultRefreshIntervalを使う。
func NewViewer(backend Backend, tokens TokenSource, interval time.Duration, logger *slog.Logger, mc metrics.MetricsCollector) *Viewer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Viewer{
		backend:  backend,
		tokens:   tokens,
		interval: interval,
		logger:   logger,
		metrics:  mc,
	}
}

// Snapshot は現在の一覧を返す。
func (v *Viewer) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Refresh は送信・受信・受け取り可能の3つの一覧を並行して取得する。
// いずれかが失敗した場合は前回の一覧を残し、エラーメッセージだけを更新する。
// 追い越された古い取得結果は反映しない。
func (v *Viewer) Refresh(ctx context.Context) error {
	token := v.tokens.AccessToken()
	if token == "" {
		return ErrNotLoggedIn
	}

	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.mu.Unlock()

	var (
		sent      []model.Tip
		received  []model.Tip
		claimable []model.ClaimableTip
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sent, err = v.backend.SentTips(gctx, token)
		return err
	})
	g.Go(func() error {
		var err error
		received, err = v.backend.ReceivedTips(gctx, token)
		return err
	})
	g.Go(func() error {
		var err error
		claimable, err = v.backend.ClaimableTips(gctx, token)
		return err
	})
	err := g.Wait()

	v.mu.Lock()
	defer v.mu.Unlock()
	if seq < v.applied {
		return nil
	}
	v.applied = seq
	if err != nil {
		v.snap.Error = api.Message(err, msgLoadFailed)
		return err
	}
	v.snap = Snapshot{
		Sent:      sent,
		Received:  received,
		Claimable: claimable,
		Loaded:    true,
		UpdatedAt: time.Now(),
	}
	return nil
}

// Start は直ちに1回取得し、以後intervalごとに更新する。
// ctxが終了するかStopが呼ばれるまで続く。既に動いていれば何もしない。
func (v *Viewer) Start(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle != nil {
		select {
		case <-v.handle.Done():
		default:
			return
		}
	}

	v.handle = poll.Start(ctx, poll.Config{
		Interval:  v.interval,
		Immediate: true,
		OnError: func(err error) {
			if errors.Is(err, ErrNotLoggedIn) {
				return
			}
			v.logger.Warn("tip list refresh failed",
				slog.String("error", err.Error()),
			)
		},
		OnResult: func() {
			v.metrics.RecordPollIteration("tips")
		},
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, v.Refresh(ctx)
	}, nil)
}

// Stop は定期更新を止める。
func (v *Viewer) Stop() {
	v.mu.Lock()
	h := v.handle
	v.handle = nil
	v.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Reset は定期更新を止めて一覧を消去する。ログアウト時に使う。
func (v *Viewer) Reset() {
	v.Stop()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	v.applied = v.seq
	v.snap = Snapshot{}
}
