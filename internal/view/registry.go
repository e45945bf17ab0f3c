package view

import (
	"log/slog"
	"sync"
	"time"

	"github.com/such-software/smirk-website/internal/metrics"
)

// DefaultTTL は最後のアクセスからビューを破棄するまでの時間。
const DefaultTTL = 30 * time.Minute

// Pruner は古いクライアントストレージを削除できるストレージ（メモリ実装）。
type Pruner interface {
	Prune(retention time.Duration) int
}

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	TTL             time.Duration // 最終アクセスからの保持時間
	CleanupInterval time.Duration // 期限切れビューの確認間隔
	Pruner          Pruner        // nilならストレージの削除は行わない
	Retention       time.Duration // Prunerに渡す保持期間
}

// Registry はブラウザIDごとのビューを管理する。
// バックグラウンドで期限切れのビューを破棄する。
type Registry struct {
	deps   Deps
	config RegistryConfig
	now    func() time.Time

	mu    sync.Mutex
	views map[string]*View

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry は新しいRegistryを生成し、クリーンアップを開始する。
func NewRegistry(deps Deps, config RegistryConfig) *Registry {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = config.TTL / 2
	}
	r := &Registry{
		deps:   deps,
		config: config,
		now:    time.Now,
		views:  make(map[string]*View),
		stopCh: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Get はブラウザのビューを返す。なければ生成する。最終アクセス時刻も更新する。
func (r *Registry) Get(browserID string) *View {
	now := r.now()

	r.mu.Lock()
	v, ok := r.views[browserID]
	if !ok {
		v = newView(browserID, r.deps, now)
		r.views[browserID] = v
	}
	n := len(r.views)
	r.mu.Unlock()

	if ok {
		v.touch(now)
	} else {
		r.deps.Metrics.SetActiveViews(n)
	}
	return v
}

// Lookup は既存のビューを返す。生成はしない。
func (r *Registry) Lookup(browserID string) (*View, bool) {
	r.mu.Lock()
	v, ok := r.views[browserID]
	r.mu.Unlock()
	if ok {
		v.touch(r.now())
	}
	return v, ok
}

// Len は管理中のビュー数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Stop はクリーンアップを停止し、全てのビューを破棄する。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()

	for _, v := range views {
		v.close()
	}
	r.deps.Metrics.SetActiveViews(0)
}

// cleanupLoop はバックグラウンドで期限切れビューを定期的に破棄する。
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからTTLを超えたビューを破棄する。
func (r *Registry) cleanup() {
	cutoff := r.now().Add(-r.config.TTL)

	var expired []*View
	r.mu.Lock()
	for id, v := range r.views {
		if v.idleSince().Before(cutoff) {
			expired = append(expired, v)
			delete(r.views, id)
		}
	}
	n := len(r.views)
	r.mu.Unlock()

	for _, v := range expired {
		v.close()
	}
	r.deps.Metrics.SetActiveViews(n)

	if len(expired) > 0 {
		r.deps.Logger.Info("expired idle views",
			slog.Int("count", len(expired)),
			slog.Int("active", n),
		)
	}

	if r.config.Pruner != nil && r.config.Retention > 0 {
		if removed := r.config.Pruner.Prune(r.config.Retention); removed > 0 {
			r.deps.Logger.Info("pruned stale client storage",
				slog.Int("count", removed),
			)
		}
	}
}
