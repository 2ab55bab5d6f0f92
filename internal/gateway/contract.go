// Package gateway はバックエンド（キャニスター）の型付きRPCバインディングを提供する。
// 各呼び出しは署名付きリクエストとして送信され、{"Ok"}/{"Err"} エンベロープはこの層で
// Goのエラーに変換される。自動リトライは行わない。
package gateway

import (
	"context"
	"encoding/json"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// バックエンドのメソッド名
const (
	MethodGetOrCreateUser  = "get_or_create_user"
	MethodSendEmail        = "send_email"
	MethodGetMyInbox       = "get_my_inbox"
	MethodGetMySentMail    = "get_my_sent_mail"
	MethodMarkAsRead       = "mark_as_read"
	MethodToggleStar       = "toggle_star"
	MethodGetStarredEmails = "get_starred_emails"
	MethodIsStarred        = "is_starred"
	MethodGetMyStarredKeys = "get_my_starred_keys"
	MethodSendChatMessage  = "send_chat_message"
	MethodGetChatMessages  = "get_chat_messages"
	MethodMarkChatRead     = "mark_chat_read"
	MethodGetChatList      = "get_chat_list"
	MethodSetReminder      = "set_reminder"
	MethodGetMyReminders   = "get_my_reminders"
	MethodGetDueReminders  = "get_due_reminders"
	MethodDismissReminder  = "dismiss_reminder"
	MethodCancelReminder   = "cancel_reminder"
)

// 署名ヘッダー
const (
	HeaderSender     = "X-Tuams-Sender"
	HeaderRootKey    = "X-Tuams-Root-Key"
	HeaderDelegation = "X-Tuams-Delegation"
	HeaderExpiry     = "X-Tuams-Expiry"
	HeaderSignature  = "X-Tuams-Signature"
)

// CallPathPrefix は呼び出しエンドポイントのパスプレフィックス。末尾にメソッド名が続く。
const CallPathPrefix = "/api/v1/call/"

// Backend はバックエンドの全操作を表すインターフェース。
type Backend interface {
	GetOrCreateUser(ctx context.Context) (*model.UserResult, error)
	SendEmail(ctx context.Context, receiver principal.Principal, subject, body string) (*model.Email, error)
	GetMyInbox(ctx context.Context) ([]model.Email, error)
	GetMySentMail(ctx context.Context) ([]model.Email, error)
	MarkAsRead(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error)
	ToggleStar(ctx context.Context, sender principal.Principal, timestamp uint64, starred bool) (bool, error)
	GetStarredEmails(ctx context.Context) ([]model.Email, error)
	IsStarred(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error)
	GetMyStarredKeys(ctx context.Context) ([]model.EmailKey, error)
	SendChatMessage(ctx context.Context, receiver principal.Principal, content string) (*model.ChatMessage, error)
	GetChatMessages(ctx context.Context, otherUser principal.Principal) ([]model.ChatMessage, error)
	MarkChatRead(ctx context.Context, otherUser principal.Principal) (bool, error)
	GetChatList(ctx context.Context) ([]model.ChatPreview, error)
	SetReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp, remindAt uint64) (*model.Reminder, error)
	GetMyReminders(ctx context.Context) ([]model.Reminder, error)
	GetDueReminders(ctx context.Context) ([]model.Reminder, error)
	DismissReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error)
	CancelReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error)
}

// Envelope は結果エンベロープ。OkとErrのどちらか一方のみを持つ。
type Envelope struct {
	Ok  json.RawMessage `json:"Ok,omitempty"`
	Err *string         `json:"Err,omitempty"`
}

// SendEmailArgs はsend_emailの引数。
type SendEmailArgs struct {
	Receiver principal.Principal `json:"receiver"`
	Subject  string              `json:"subject"`
	Body     string              `json:"body"`
}

// EmailRefArgs はメールを (sender, timestamp) で参照する操作の引数。
type EmailRefArgs struct {
	Sender    principal.Principal `json:"sender"`
	Timestamp uint64              `json:"timestamp,string"`
}

// ToggleStarArgs はtoggle_starの引数。Starredは切り替え後の状態。
type ToggleStarArgs struct {
	Sender    principal.Principal `json:"sender"`
	Timestamp uint64              `json:"timestamp,string"`
	Starred   bool                `json:"starred"`
}

// SendChatArgs はsend_chat_messageの引数。
type SendChatArgs struct {
	Receiver principal.Principal `json:"receiver"`
	Content  string              `json:"content"`
}

// OtherUserArgs は会話相手を指定する操作の引数。
type OtherUserArgs struct {
	OtherUser principal.Principal `json:"other_user"`
}

// SetReminderArgs はset_reminderの引数。
type SetReminderArgs struct {
	EmailSender    principal.Principal `json:"email_sender"`
	EmailTimestamp uint64              `json:"email_timestamp,string"`
	RemindAt       uint64              `json:"remind_at_ns,string"`
}

// ReminderRefArgs はリマインダーを参照する操作の引数。
type ReminderRefArgs struct {
	EmailSender    principal.Principal `json:"email_sender"`
	EmailTimestamp uint64              `json:"email_timestamp,string"`
}
