package repository

import (
	"context"
	"fmt"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// PostgresChatRepo はPostgreSQLを使用したチャットリポジトリ。
type PostgresChatRepo struct {
	db Querier
}

// NewPostgresChatRepo はPostgresChatRepoを生成する。
func NewPostgresChatRepo(db Querier) *PostgresChatRepo {
	return &PostgresChatRepo{db: db}
}

// Insert はメッセージを作成する。
func (r *PostgresChatRepo) Insert(ctx context.Context, msg *model.ChatMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (sender, receiver, content, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		msg.Sender, msg.Receiver, msg.Content, msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("チャットメッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// ListConversation は2者間のメッセージをtimestamp昇順で返す。
func (r *PostgresChatRepo) ListConversation(ctx context.Context, a, b principal.Principal) ([]model.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT sender, receiver, content, timestamp FROM chat_messages
		 WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
		 ORDER BY timestamp, id`,
		a, b,
	)
	if err != nil {
		return nil, fmt.Errorf("チャットメッセージの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	msgs := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.Sender, &m.Receiver, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("チャットメッセージの読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead はotherからreaderへの未読メッセージを既読にし、更新件数を返す。
func (r *PostgresChatRepo) MarkRead(ctx context.Context, reader, other principal.Principal) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE chat_messages SET read = TRUE
		 WHERE receiver = $1 AND sender = $2 AND NOT read`,
		reader, other,
	)
	if err != nil {
		return 0, fmt.Errorf("チャットの既読化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// ListPreviews は会話相手ごとの最新メッセージと未読数を最新順で返す。
func (r *PostgresChatRepo) ListPreviews(ctx context.Context, user principal.Principal) ([]model.ChatPreview, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH peers AS (
		     SELECT CASE WHEN sender = $1 THEN receiver ELSE sender END AS other_user,
		            content, timestamp, id,
		            (receiver = $1 AND NOT read) AS unread
		     FROM chat_messages
		     WHERE sender = $1 OR receiver = $1
		 ),
		 latest AS (
		     SELECT DISTINCT ON (other_user) other_user, content, timestamp
		     FROM peers
		     ORDER BY other_user, timestamp DESC, id DESC
		 )
		 SELECT l.other_user, l.content, l.timestamp,
		        (SELECT count(*) FROM peers p WHERE p.other_user = l.other_user AND p.unread)
		 FROM latest l
		 ORDER BY l.timestamp DESC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	previews := []model.ChatPreview{}
	for rows.Next() {
		var p model.ChatPreview
		if err := rows.Scan(&p.OtherUser, &p.LastMessage, &p.LastTimestamp, &p.UnreadCount); err != nil {
			return nil, fmt.Errorf("会話一覧の読み取りに失敗しました: %w", err)
		}
		previews = append(previews, p)
	}
	return previews, rows.Err()
}

// compile-time interface check
var _ ChatRepository = (*PostgresChatRepo)(nil)
