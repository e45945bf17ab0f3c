package session

import (
	"context"
	"sync"
	"time"

	"github.com/such-software/smirk-website/internal/model"
)

// Storage はブラウザごとのトークン永続化のインターフェース。
// Saveは両方のキーをまとめて書き込み、Deleteはまとめて削除する。
// Loadは片方のキーしか見つからない場合、存在しないものとして扱い残りを削除する。
type Storage interface {
	Load(ctx context.Context, browserID string) (model.Tokens, bool, error)
	Save(ctx context.Context, browserID string, tokens model.Tokens) error
	Delete(ctx context.Context, browserID string) error
}

type memoryEntry struct {
	tokens    model.Tokens
	updatedAt time.Time
}

// MemoryStorage はプロセスメモリ上のStorage実装。DATABASE_URL未設定時に使う。
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStorage は新しいMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Load はトークンを読み込む。
func (m *MemoryStorage) Load(_ context.Context, browserID string) (model.Tokens, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[browserID]
	m.mu.RUnlock()
	if !ok {
		return model.Tokens{}, false, nil
	}
	if !e.tokens.Complete() {
		m.mu.Lock()
		delete(m.entries, browserID)
		m.mu.Unlock()
		return model.Tokens{}, false, nil
	}
	return e.tokens, true, nil
}

// Save はトークンの組を保存する。
func (m *MemoryStorage) Save(_ context.Context, browserID string, tokens model.Tokens) error {
	m.mu.Lock()
	m.entries[browserID] = memoryEntry{tokens: tokens, updatedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// Delete はトークンの組を削除する。
func (m *MemoryStorage) Delete(_ context.Context, browserID string) error {
	m.mu.Lock()
	delete(m.entries, browserID)
	m.mu.Unlock()
	return nil
}

// Prune はretentionより長く更新されていないエントリを削除し、削除件数を返す。
func (m *MemoryStorage) Prune(retention time.Duration) int {
	cutoff := m.now().Add(-retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.updatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}
