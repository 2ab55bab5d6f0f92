// Package repository はリファレンスバックエンドのデータ永続化インターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByPrincipal は指定プリンシパルのユーザーを取得する。見つからない場合はnilを返す。
	FindByPrincipal(ctx context.Context, p principal.Principal) (*model.User, error)

	// CreateIfNotExists はユーザーを作成する。既に存在する場合は何もせずfalseを返す。
	CreateIfNotExists(ctx context.Context, user *model.User) (bool, error)
}

// EmailRepository はメールデータの永続化インターフェース。
type EmailRepository interface {
	// Insert はメールを作成する。同じ (sender, timestamp) が既に存在する場合はfalseを返す。
	Insert(ctx context.Context, email *model.Email) (bool, error)

	// Find は (sender, timestamp) でメールを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, key model.EmailKey) (*model.Email, error)

	// ListByReceiver は受信者宛てのメールをtimestamp降順で返す。
	ListByReceiver(ctx context.Context, receiver principal.Principal) ([]model.Email, error)

	// ListBySender は送信者が送ったメールをtimestamp降順で返す。
	ListBySender(ctx context.Context, sender principal.Principal) ([]model.Email, error)

	// MarkRead は受信者が一致する場合にのみ既読にする。対象がなければfalseを返す。
	MarkRead(ctx context.Context, key model.EmailKey, receiver principal.Principal) (bool, error)
}

// StarRepository はユーザーごとのスター状態の永続化インターフェース。
type StarRepository interface {
	// Set はスター状態を冪等に設定する。
	Set(ctx context.Context, user principal.Principal, key model.EmailKey, starred bool) error

	// IsStarred はスター付きかどうかを返す。
	IsStarred(ctx context.Context, user principal.Principal, key model.EmailKey) (bool, error)

	// ListKeys はスター付きメールのキー一覧を返す。
	ListKeys(ctx context.Context, user principal.Principal) ([]model.EmailKey, error)

	// ListEmails はスター付きメールをtimestamp降順で返す。
	ListEmails(ctx context.Context, user principal.Principal) ([]model.Email, error)
}

// ChatRepository はチャットメッセージの永続化インターフェース。
type ChatRepository interface {
	// Insert はメッセージを作成する。
	Insert(ctx context.Context, msg *model.ChatMessage) error

	// ListConversation は2者間のメッセージをtimestamp昇順で返す。
	ListConversation(ctx context.Context, a, b principal.Principal) ([]model.ChatMessage, error)

	// MarkRead はotherからreaderへの未読メッセージを既読にし、更新件数を返す。
	MarkRead(ctx context.Context, reader, other principal.Principal) (int64, error)

	// ListPreviews は会話相手ごとの最新メッセージと未読数を最新順で返す。
	ListPreviews(ctx context.Context, user principal.Principal) ([]model.ChatPreview, error)
}

// ReminderRepository はリマインダーの永続化インターフェース。
type ReminderRepository interface {
	// Upsert はリマインダーを作成または上書きする。上書き時は未発火に戻す。
	Upsert(ctx context.Context, r *model.Reminder) error

	// ListByUser はユーザーのリマインダーをremind_at昇順で返す。
	ListByUser(ctx context.Context, user principal.Principal) ([]model.Reminder, error)

	// ClaimDue はremind_atがnow以前の未発火リマインダーを発火済みにして返す。
	ClaimDue(ctx context.Context, user principal.Principal, now uint64) ([]model.Reminder, error)

	// Delete はリマインダーを削除する。unfiredOnlyの場合は未発火のもののみ対象とする。
	// 対象がなければfalseを返す。
	Delete(ctx context.Context, user principal.Principal, key model.EmailKey, unfiredOnly bool) (bool, error)
}

// Querier はQueryContextを抽象化するインターフェース。*sql.DB や *sql.Tx を受け付ける。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
