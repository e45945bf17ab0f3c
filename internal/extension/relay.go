package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// queueSize は未取得の呼び出しを保持できる数。
const queueSize = 16

// Request はページ側のブリッジスクリプトに渡す呼び出し。
// Argsはwindow.smirk[Method]に位置引数としてそのまま渡される。
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// Response はブリッジスクリプトから返される呼び出し結果。
// Errorが空でなければ拡張機能側で失敗したことを表す。
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Relay はHTTPロングポーリングでブラウザ内の拡張機能を呼び出すBridge実装。
// ブラウザ1つにつき1つ生成する。
type Relay struct {
	mu      sync.Mutex
	present bool
	pending map[string]chan Response
	queue   chan Request
	logger  *slog.Logger
}

// NewRelay は新しいRelayを生成する。拡張機能は未検出の状態で始まる。
func NewRelay(logger *slog.Logger) *Relay {
	return &Relay{
		pending: make(map[string]chan Response),
		queue:   make(chan Request, queueSize),
		logger:  logger,
	}
}

// SetPresent はページから報告された拡張機能の有無を記録する。
func (r *Relay) SetPresent(present bool) {
	r.mu.Lock()
	r.present = present
	r.mu.Unlock()
}

// Present は拡張機能が検出されているかを返す。
func (r *Relay) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present
}

// Next は次の呼び出しを待って返す。ctxが終了するとctx.Err()を返す。
// 呼び出し元が既に諦めた呼び出しは読み飛ばす。
func (r *Relay) Next(ctx context.Context) (Request, error) {
	for {
		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case req := <-r.queue:
			r.mu.Lock()
			_, ok := r.pending[req.ID]
			r.mu.Unlock()
			if ok {
				return req, nil
			}
		}
	}
}

// Deliver はページから届いた呼び出し結果を待機中の呼び出し元に渡す。
func (r *Relay) Deliver(resp Response) error {
	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	if ok {
		delete(r.pending, resp.ID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrUnknownCall
	}
	ch <- resp
	return nil
}

// Pending は結果待ちの呼び出し数を返す。
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Connect は拡張機能に接続し、資産ごとの公開鍵を取得する。
func (r *Relay) Connect(ctx context.Context) (PublicKeys, error) {
	var keys PublicKeys
	if err := r.invoke(ctx, "connect", nil, &keys); err != nil {
		return PublicKeys{}, err
	}
	return keys, nil
}

// SignMessage はメッセージへの署名を要求する。
func (r *Relay) SignMessage(ctx context.Context, message string) (SignResult, error) {
	var result SignResult
	if err := r.invoke(ctx, "signMessage", []any{message}, &result); err != nil {
		return SignResult{}, err
	}
	return result, nil
}

// ClaimPublicTip は公開チップの受け取りを要求する。
// fragmentKeyはブラウザにのみ渡し、ログには出力しない。
func (r *Relay) ClaimPublicTip(ctx context.Context, tipID, fragmentKey string) (ClaimResult, error) {
	var result ClaimResult
	if err := r.invoke(ctx, "claimPublicTip", []any{tipID, fragmentKey}, &result); err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// invoke は呼び出しをキューに積み、ページからの結果を待つ。
func (r *Relay) invoke(ctx context.Context, method string, args []any, out any) error {
	if !r.Present() {
		return ErrNotInstalled
	}

	req := Request{ID: uuid.NewString(), Method: method, Args: args}
	if req.Args == nil {
		req.Args = []any{}
	}
	ch := make(chan Response, 1)

	r.mu.Lock()
	r.pending[req.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	// 1. キューへ投入
	select {
	case r.queue <- req:
	case <-ctx.Done():
		return callError(method, ctx.Err())
	}

	// 2. 結果待ち
	var resp Response
	select {
	case resp = <-ch:
	case <-ctx.Done():
		r.logger.Warn("extension call abandoned",
			slog.String("method", method),
			slog.String("call_id", req.ID),
		)
		return callError(method, ctx.Err())
	}

	if resp.Error != "" {
		return &RejectedError{Method: method, Message: resp.Error}
	}
	if len(resp.Result) == 0 {
		return callError(method, errors.New("empty result"))
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return callError(method, fmt.Errorf("failed to decode result: %w", err))
	}
	return nil
}
