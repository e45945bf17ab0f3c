// Package web はサイトのHTMLテンプレートと静的ファイルを埋め込む。
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed static
var static embed.FS

// Templates はHTMLテンプレートのファイルシステムを返す。ルートがtemplates/になる。
func Templates() fs.FS {
	sub, err := fs.Sub(templates, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Static は静的ファイルのファイルシステムを返す。ルートがstatic/になる。
func Static() fs.FS {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
