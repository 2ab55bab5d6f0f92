// Package localstore はクライアントのローカル永続ストレージ（SQLiteのキーバリューテーブル）を提供する。
// 認証情報とログインコンテキストのスナップショットを保存する。
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tuams/tuamail/internal/identity"
	"github.com/tuams/tuamail/internal/model"

	_ "modernc.org/sqlite"
)

// LoginContextKey はログインコンテキストの保存キー。
// 同一オリジンの他画面はこのキーを参照して再認証なしにログイン状態を得る。
const LoginContextKey = "tuamail_login_context"

// authKeyMarkers はClearAuthStorageの削除対象となるキーに含まれる文字列。
var authKeyMarkers = []string{"auth", "identity", "ic-"}

// Store はSQLiteによるキーバリューストア。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open はSQLiteファイルを開く。pathが空の場合はインメモリで開く。
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" {
		inMemory = true
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &Store{db: db, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close はデータベースを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping は疎通確認を行う。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        );`)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Get は値を取得する。キーが存在しない場合は ("", false, nil) を返す。
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set は値を保存する。既存の値は上書きする。
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。存在しないキーの削除はエラーにならない。
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys は保存されている全キーを昇順で返す。
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key;`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SaveLoginContext はログインコンテキストを保存する。
func (s *Store) SaveLoginContext(ctx context.Context, lc model.LoginContext) error {
	data, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("marshal login context: %w", err)
	}
	return s.Set(ctx, LoginContextKey, string(data))
}

// LoadLoginContext はログインコンテキストを読み込む。未保存の場合は (nil, nil) を返す。
func (s *Store) LoadLoginContext(ctx context.Context) (*model.LoginContext, error) {
	value, ok, err := s.Get(ctx, LoginContextKey)
	if err != nil || !ok {
		return nil, err
	}

	var lc model.LoginContext
	if err := json.Unmarshal([]byte(value), &lc); err != nil {
		return nil, fmt.Errorf("%w: login context: %v", identity.ErrStorageCorrupted, err)
	}
	return &lc, nil
}

// ClearLoginContext はログインコンテキストを削除する。
func (s *Store) ClearLoginContext(ctx context.Context) error {
	return s.Delete(ctx, LoginContextKey)
}

// ClearAuthStorage は認証に関係するキーをすべて削除し、削除したキーを返す。
// ストレージ破損からの復旧に使用する。
func (s *Store) ClearAuthStorage(ctx context.Context) ([]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, key := range keys {
		if !isAuthKey(key) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

func isAuthKey(key string) bool {
	for _, marker := range authKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ identity.Storage = (*Store)(nil)
