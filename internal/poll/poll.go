// Package poll は「条件を満たすかキャンセルされるまで定期取得する」ループを提供する。
// ソーシャル連携の確認待ちとチップ一覧の定期更新で共通に使う。
package poll

import (
	"context"
	"errors"
	"sync"
	"time"
)

// defaultInterval はIntervalが指定されていない場合の取得間隔。
const defaultInterval = time.Second

// ErrStopped はUntilが条件を満たす前にキャンセルされた場合のエラー。
var ErrStopped = errors.New("poll stopped before condition was met")

// Config はポーリングの設定。
type Config struct {
	Interval  time.Duration // 取得間隔
	Immediate bool          // 開始直後に1回取得するか
	OnError   func(error)   // 取得エラー時のフック（ループは継続する）
	OnResult  func()        // 取得成功時のフック
}

// Handle は実行中のポーリングを表す。
type Handle[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result T
	met    bool
}

// Start はポーリングをバックグラウンドで開始する。
// fetchのエラーは再試行可能として扱い、ループを止めない。
// doneがtrueを返すか、Cancelが呼ばれるか、ctxが終了すると停止する。
// doneがnilの場合は条件による停止を行わない。
func Start[T any](ctx context.Context, cfg Config, fetch func(context.Context) (T, error), done func(T) bool) *Handle[T] {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run(ctx, cfg, fetch, done)
	return h
}

func (h *Handle[T]) run(ctx context.Context, cfg Config, fetch func(context.Context) (T, error), done func(T) bool) {
	defer close(h.done)
	defer h.cancel()

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 起動直後に1回実行
	if cfg.Immediate && h.attempt(ctx, cfg, fetch, done) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.attempt(ctx, cfg, fetch, done) {
				return
			}
		}
	}
}

// attempt は1回取得し、条件を満たした場合にtrueを返す。
func (h *Handle[T]) attempt(ctx context.Context, cfg Config, fetch func(context.Context) (T, error), done func(T) bool) bool {
	v, err := fetch(ctx)
	// キャンセル後に届いた結果は捨てる
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		if cfg.OnError != nil {
			cfg.OnError(err)
		}
		return false
	}
	if cfg.OnResult != nil {
		cfg.OnResult()
	}
	if done == nil || !done(v) {
		return false
	}

	h.mu.Lock()
	h.result = v
	h.met = true
	h.mu.Unlock()
	return true
}

// Cancel はポーリングを停止する。複数回呼んでもよい。
// 実行中の取得は完了まで待たないが、その結果は使われない。
func (h *Handle[T]) Cancel() {
	h.cancel()
}

// Done はポーリングが停止すると閉じられるチャネルを返す。
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Result は条件を満たした取得結果を返す。満たしていなければokはfalse。
func (h *Handle[T]) Result() (v T, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.met
}

// Until は条件を満たすまでポーリングし、その結果を返す。
// 条件を満たす前にctxが終了した場合はErrStoppedを返す。
func Until[T any](ctx context.Context, cfg Config, fetch func(context.Context) (T, error), done func(T) bool) (T, error) {
	h := Start(ctx, cfg, fetch, done)
	<-h.Done()
	if v, ok := h.Result(); ok {
		return v, nil
	}
	var zero T
	return zero, ErrStopped
}
