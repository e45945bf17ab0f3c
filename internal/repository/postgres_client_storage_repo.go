package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/such-software/smirk-website/internal/model"
)

// tokenKeys はクライアントストレージ上で組として扱うキー。
var tokenKeys = []string{model.AccessTokenKey, model.RefreshTokenKey}

// PostgresClientStorageRepo はPostgreSQLを使用したクライアントストレージリポジトリ。
type PostgresClientStorageRepo struct {
	db *sql.DB
}

// NewPostgresClientStorageRepo はPostgresClientStorageRepoを生成する。
func NewPostgresClientStorageRepo(db *sql.DB) *PostgresClientStorageRepo {
	return &PostgresClientStorageRepo{db: db}
}

// Load はトークンの組を取得する。
func (r *PostgresClientStorageRepo) Load(ctx context.Context, browserID string) (model.Tokens, bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM client_storage
		 WHERE browser_id = $1 AND key = ANY($2)`,
		browserID, pq.Array(tokenKeys),
	)
	if err != nil {
		return model.Tokens{}, false, fmt.Errorf("failed to load client storage: %w", err)
	}
	defer rows.Close()

	var tokens model.Tokens
	found := 0
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Tokens{}, false, fmt.Errorf("failed to scan client storage row: %w", err)
		}
		found++
		switch key {
		case model.AccessTokenKey:
			tokens.Access = value
		case model.RefreshTokenKey:
			tokens.Refresh = value
		}
	}
	if err := rows.Err(); err != nil {
		return model.Tokens{}, false, fmt.Errorf("failed to iterate client storage rows: %w", err)
	}

	if found == 0 {
		return model.Tokens{}, false, nil
	}
	// 片方だけ残っている状態は無効なので削除する
	if !tokens.Complete() {
		if err := r.Delete(ctx, browserID); err != nil {
			return model.Tokens{}, false, err
		}
		return model.Tokens{}, false, nil
	}

	return tokens, true, nil
}

// Save はトークンの組を同一トランザクションでUPSERTする。
func (r *PostgresClientStorageRepo) Save(ctx context.Context, browserID string, tokens model.Tokens) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	values := map[string]string{
		model.AccessTokenKey:  tokens.Access,
		model.RefreshTokenKey: tokens.Refresh,
	}
	for _, key := range tokenKeys {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO client_storage (browser_id, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (browser_id, key)
			 DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			browserID, key, values[key],
		)
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Delete はトークンの組を削除する。
func (r *PostgresClientStorageRepo) Delete(ctx context.Context, browserID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE browser_id = $1 AND key = ANY($2)`,
		browserID, pq.Array(tokenKeys),
	)
	if err != nil {
		return fmt.Errorf("failed to delete client storage: %w", err)
	}
	return nil
}

// DeleteStale はbeforeより前から更新されていない行を削除する。
func (r *PostgresClientStorageRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM client_storage WHERE updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale client storage: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}
