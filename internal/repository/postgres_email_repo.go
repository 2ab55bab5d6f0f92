package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

const emailColumns = `sender, receiver, subject, body, timestamp, read`

// PostgresEmailRepo はPostgreSQLを使用したメールリポジトリ。
type PostgresEmailRepo struct {
	db Querier
}

// NewPostgresEmailRepo はPostgresEmailRepoを生成する。
func NewPostgresEmailRepo(db Querier) *PostgresEmailRepo {
	return &PostgresEmailRepo{db: db}
}

// Insert はメールを作成する。同じ (sender, timestamp) が既に存在する場合はfalseを返す。
func (r *PostgresEmailRepo) Insert(ctx context.Context, email *model.Email) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO emails (`+emailColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sender, timestamp) DO NOTHING`,
		email.Sender, email.Receiver, email.Subject, email.Body, email.Timestamp, email.Read,
	)
	if err != nil {
		return false, fmt.Errorf("メールの作成に失敗しました: %w", err)
	}
	return affected(result)
}

// Find は (sender, timestamp) でメールを取得する。見つからない場合はnilを返す。
func (r *PostgresEmailRepo) Find(ctx context.Context, key model.EmailKey) (*model.Email, error) {
	var e model.Email
	err := r.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE sender = $1 AND timestamp = $2`,
		key.Sender, key.Timestamp,
	).Scan(&e.Sender, &e.Receiver, &e.Subject, &e.Body, &e.Timestamp, &e.Read)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メールの取得に失敗しました: %w", err)
	}
	return &e, nil
}

// ListByReceiver は受信者宛てのメールをtimestamp降順で返す。
func (r *PostgresEmailRepo) ListByReceiver(ctx context.Context, receiver principal.Principal) ([]model.Email, error) {
	return r.list(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE receiver = $1 ORDER BY timestamp DESC`,
		receiver,
	)
}

// ListBySender は送信者が送ったメールをtimestamp降順で返す。
func (r *PostgresEmailRepo) ListBySender(ctx context.Context, sender principal.Principal) ([]model.Email, error) {
	return r.list(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE sender = $1 ORDER BY timestamp DESC`,
		sender,
	)
}

// MarkRead は受信者が一致する場合にのみ既読にする。対象がなければfalseを返す。
func (r *PostgresEmailRepo) MarkRead(ctx context.Context, key model.EmailKey, receiver principal.Principal) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE emails SET read = TRUE
		 WHERE sender = $1 AND timestamp = $2 AND receiver = $3`,
		key.Sender, key.Timestamp, receiver,
	)
	if err != nil {
		return false, fmt.Errorf("既読化に失敗しました: %w", err)
	}
	return affected(result)
}

func (r *PostgresEmailRepo) list(ctx context.Context, query string, args ...any) ([]model.Email, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メール一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanEmails(rows)
}

func scanEmails(rows *sql.Rows) ([]model.Email, error) {
	emails := []model.Email{}
	for rows.Next() {
		var e model.Email
		if err := rows.Scan(&e.Sender, &e.Receiver, &e.Subject, &e.Body, &e.Timestamp, &e.Read); err != nil {
			return nil, fmt.Errorf("メールの読み取りに失敗しました: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メール一覧の読み取りに失敗しました: %w", err)
	}
	return emails, nil
}

// compile-time interface check
var _ EmailRepository = (*PostgresEmailRepo)(nil)
