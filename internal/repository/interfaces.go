// Package repository はデータ永続化のインターフェースとPostgreSQL実装を定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/such-software/smirk-website/internal/model"
)

// ClientStorageRepository はブラウザごとのトークン保存のインターフェース。
// session.Storageを満たし、保持期間を超えた行の削除を加えたもの。
type ClientStorageRepository interface {
	// Load はトークンの組を取得する。片方しかない場合は残りを削除して未保存として返す。
	Load(ctx context.Context, browserID string) (model.Tokens, bool, error)

	// Save はトークンの組を同一トランザクションで保存する。
	Save(ctx context.Context, browserID string, tokens model.Tokens) error

	// Delete はトークンの組を削除する。
	Delete(ctx context.Context, browserID string) error

	// DeleteStale はbeforeより前から更新されていないブラウザの行を削除し、削除件数を返す。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
