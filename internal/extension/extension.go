// Package extension はブラウザに注入される署名拡張機能（window.smirk）との連携を提供する。
// 鍵の管理と署名はすべて拡張機能側で行われ、サーバーは呼び出しを中継するだけである。
package extension

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultRecheckDelay は拡張機能の注入遅延を許容するための再確認までの待ち時間。
const DefaultRecheckDelay = 500 * time.Millisecond

// ErrNotInstalled は拡張機能が検出されていない状態で呼び出しを行った場合のエラー。
var ErrNotInstalled = errors.New("Smirk extension not found")

// ErrUnknownCall は存在しない（またはタイムアウト済みの）呼び出しへの応答を受け取った場合のエラー。
var ErrUnknownCall = errors.New("unknown extension call")

// RejectedError は拡張機能側で呼び出しが拒否・失敗した場合のエラー。
// Messageは拡張機能が返した文言で、そのまま利用者に表示できる。
type RejectedError struct {
	Method  string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *RejectedError) Error() string {
	return e.Message
}

// PublicKeys はconnectで得られる資産ごとの公開鍵。
type PublicKeys struct {
	BTC  string `json:"btc"`
	LTC  string `json:"ltc"`
	XMR  string `json:"xmr"`
	WOW  string `json:"wow"`
	GRIN string `json:"grin"`
}

// For は資産コードに対応する公開鍵を返す。
func (k PublicKeys) For(asset string) string {
	switch asset {
	case "btc":
		return k.BTC
	case "ltc":
		return k.LTC
	case "xmr":
		return k.XMR
	case "wow":
		return k.WOW
	case "grin":
		return k.GRIN
	}
	return ""
}

// Signature は1資産分の署名。
type Signature struct {
	Asset     string `json:"asset"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
}

// SignResult はsignMessageの結果。対応資産それぞれの署名を含む。
type SignResult struct {
	Message    string      `json:"message"`
	Signatures []Signature `json:"signatures"`
}

// For は指定資産の署名を探す。他の資産の署名で代用することはない。
func (r SignResult) For(asset string) (Signature, bool) {
	for _, s := range r.Signatures {
		if s.Asset == asset {
			return s, true
		}
	}
	return Signature{}, false
}

// ClaimResult はclaimPublicTipの結果。
type ClaimResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"txid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Prober は拡張機能の存在を確認する。
type Prober interface {
	Present() bool
}

// Bridge は拡張機能の機能呼び出しを表す。
type Bridge interface {
	Prober
	Connect(ctx context.Context) (PublicKeys, error)
	SignMessage(ctx context.Context, message string) (SignResult, error)
	ClaimPublicTip(ctx context.Context, tipID, fragmentKey string) (ClaimResult, error)
}

// Detect は拡張機能の有無を判定する。
// 最初の確認で見つからなければrecheckDelay待ってもう一度だけ確認する。
// 未検出はエラーではなく、待機中にctxが終了した場合は最後に観測した値を返す。
func Detect(ctx context.Context, p Prober, recheckDelay time.Duration) bool {
	if p.Present() {
		return true
	}
	if recheckDelay <= 0 {
		recheckDelay = DefaultRecheckDelay
	}

	timer := time.NewTimer(recheckDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return p.Present()
	}
}

// UserMessage は拡張機能呼び出しのエラーから利用者向けの文言を取り出す。
// 拒否メッセージが空の場合や原因不明のエラーはfallbackを返す。
func UserMessage(err error, fallback string) string {
	if errors.Is(err, ErrNotInstalled) {
		return ErrNotInstalled.Error()
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	return fallback
}

// callError は中継層のエラーに呼び出し名を付加する。
func callError(method string, err error) error {
	return fmt.Errorf("extension %s failed: %w", method, err)
}
