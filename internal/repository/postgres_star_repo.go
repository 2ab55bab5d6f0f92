package repository

import (
	"context"
	"fmt"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// PostgresStarRepo はPostgreSQLを使用したスターリポジトリ。
type PostgresStarRepo struct {
	db Querier
}

// NewPostgresStarRepo はPostgresStarRepoを生成する。
func NewPostgresStarRepo(db Querier) *PostgresStarRepo {
	return &PostgresStarRepo{db: db}
}

// Set はスター状態を冪等に設定する。
// UNIQUE(user_principal, email_sender, email_timestamp)制約を利用したINSERT ON CONFLICTで実装する。
func (r *PostgresStarRepo) Set(ctx context.Context, user principal.Principal, key model.EmailKey, starred bool) error {
	var err error
	if starred {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO stars (user_principal, email_sender, email_timestamp)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			user, key.Sender, key.Timestamp,
		)
	} else {
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM stars WHERE user_principal = $1 AND email_sender = $2 AND email_timestamp = $3`,
			user, key.Sender, key.Timestamp,
		)
	}
	if err != nil {
		return fmt.Errorf("スター状態の更新に失敗しました: %w", err)
	}
	return nil
}

// IsStarred はスター付きかどうかを返す。
func (r *PostgresStarRepo) IsStarred(ctx context.Context, user principal.Principal, key model.EmailKey) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM stars WHERE user_principal = $1 AND email_sender = $2 AND email_timestamp = $3
		 )`,
		user, key.Sender, key.Timestamp,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("スター状態の取得に失敗しました: %w", err)
	}
	return exists, nil
}

// ListKeys はスター付きメールのキー一覧を返す。
func (r *PostgresStarRepo) ListKeys(ctx context.Context, user principal.Principal) ([]model.EmailKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT email_sender, email_timestamp FROM stars
		 WHERE user_principal = $1
		 ORDER BY email_sender, email_timestamp`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("スター一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	keys := []model.EmailKey{}
	for rows.Next() {
		var k model.EmailKey
		if err := rows.Scan(&k.Sender, &k.Timestamp); err != nil {
			return nil, fmt.Errorf("スターの読み取りに失敗しました: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListEmails はスター付きメールをtimestamp降順で返す。
func (r *PostgresStarRepo) ListEmails(ctx context.Context, user principal.Principal) ([]model.Email, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.sender, e.receiver, e.subject, e.body, e.timestamp, e.read
		 FROM stars s
		 JOIN emails e ON e.sender = s.email_sender AND e.timestamp = s.email_timestamp
		 WHERE s.user_principal = $1
		 ORDER BY e.timestamp DESC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("スター付きメールの取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

// compile-time interface check
var _ StarRepository = (*PostgresStarRepo)(nil)
