// Package security はアプリケーションのセキュリティ機能を提供する。
//
// InstructionsSanitizer はバックエンドから受け取ったボット認証手順のHTMLを
// ページに埋め込む前にサニタイズする。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// InstructionsSanitizer は認証手順HTMLのサニタイズ機能のインターフェースを定義する。
type InstructionsSanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, pre, code, strong, em）のみを通過させ、
	// script, iframe, img等およびon*イベント属性を除去する。
	// aタグのhrefはhttpsスキームのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
	Sanitize(rawHTML string) string
}

// instructionsSanitizer はInstructionsSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので複数のビューで共有できる。
type instructionsSanitizer struct {
	policy *bluemonday.Policy
}

// NewInstructionsSanitizer はInstructionsSanitizerの新しいインスタンスを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, pre, code, strong, em
//   - aのhref属性: httpsスキームの絶対URLのみ
//   - 画像は認証手順に不要なため許可しない
func NewInstructionsSanitizer() *instructionsSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"pre", "code",
		"strong", "em",
	)

	// ボットへのリンク（t.me等）は別タブで開く
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return u.Host != ""
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &instructionsSanitizer{
		policy: p,
	}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *instructionsSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
