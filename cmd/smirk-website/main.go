// Command smirk-website はSmirkウォレットのWebサイトを配信する。
//
// サブコマンド: serve（デフォルト）, worker, migrate, healthcheck
package main

import (
	"fmt"
	"os"

	"github.com/such-software/smirk-website/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "smirk-website: %v\n", err)
		os.Exit(1)
	}
}
