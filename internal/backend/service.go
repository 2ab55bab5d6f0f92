// Package backend はリファレンスバックエンドのビジネスルールを提供する。
// 各操作は呼び出し元プリンシパルを受け取り、ルール違反はRuleErrorとして返す。
// RuleErrorはErrエンベロープでクライアントにそのまま表示される。
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
	"github.com/tuams/tuamail/internal/repository"
	"github.com/tuams/tuamail/internal/security"
)

const (
	// MaxSubjectLength は件名の最大文字数。
	MaxSubjectLength = 200
	// MaxBodyLength は本文の最大文字数。
	MaxBodyLength = 50_000
	// MaxChatLength はチャットメッセージの最大文字数。
	MaxChatLength = 5_000

	// maxTimestampAttempts は送信タイムスタンプ衝突時の再試行上限。
	maxTimestampAttempts = 16
)

// ルール違反メッセージ
const (
	msgAnonymousCaller    = "Anonymous principal is not allowed"
	msgAnonymousReceiver  = "Invalid principal: receiver cannot be anonymous"
	msgEmptyEmail         = "Subject and body cannot both be empty"
	msgSubjectTooLong     = "Subject is too long"
	msgBodyTooLong        = "Body is too long"
	msgEmailNotFound      = "Email not found"
	msgNotReceiver        = "Only the receiver can mark an email as read"
	msgChatToSelf         = "Cannot send a message to yourself"
	msgEmptyChat          = "Message cannot be empty"
	msgChatTooLong        = "Message is too long"
	msgReminderNotFuture  = "Reminder time must be in the future"
	msgTimestampExhausted = "Could not allocate a unique timestamp, please retry"
)

// RuleError はビジネスルール違反。メッセージはそのまま呼び出し元に返される。
type RuleError struct {
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *RuleError) Error() string {
	return e.Message
}

func ruleError(msg string) error {
	return &RuleError{Message: msg}
}

// IsRuleError はerrがRuleErrorかどうかを返す。
func IsRuleError(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

// Repositories はServiceが使用するリポジトリの組。
type Repositories struct {
	Users     repository.UserRepository
	Emails    repository.EmailRepository
	Stars     repository.StarRepository
	Chats     repository.ChatRepository
	Reminders repository.ReminderRepository
}

// Service はバックエンドの全操作を提供する。
type Service struct {
	repos     Repositories
	sanitizer security.ContentSanitizer
	logger    *slog.Logger

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time
}

// NewService はServiceを生成する。
func NewService(repos Repositories, sanitizer security.ContentSanitizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repos:     repos,
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) nowNanos() uint64 {
	return uint64(s.now().UnixNano())
}

// GetOrCreateUser は呼び出し元のユーザーを取得し、未登録なら作成する。
func (s *Service) GetOrCreateUser(ctx context.Context, caller principal.Principal) (*model.UserResult, error) {
	if caller.IsAnonymous() {
		return nil, ruleError(msgAnonymousCaller)
	}

	created, err := s.repos.Users.CreateIfNotExists(ctx, &model.User{
		Principal: caller,
		CreatedAt: s.nowNanos(),
		Role:      model.DefaultRole,
	})
	if err != nil {
		return nil, err
	}

	user, err := s.repos.Users.FindByPrincipal(ctx, caller)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s disappeared after creation", caller)
	}

	if created {
		s.logger.Info("user created", slog.String("principal", caller.Text()))
	}
	return &model.UserResult{User: *user, IsNewUser: created}, nil
}

// SendEmail はメールを保存する。件名と本文は無害化され、
// タイムスタンプは送信者ごとに一意になるよう衝突時は1ナノ秒ずつずらす。
func (s *Service) SendEmail(ctx context.Context, caller, receiver principal.Principal, subject, body string) (*model.Email, error) {
	if receiver.IsAnonymous() {
		return nil, ruleError(msgAnonymousReceiver)
	}

	subject = s.sanitizer.SanitizeText(subject)
	body = s.sanitizer.SanitizeBody(body)
	if subject == "" && body == "" {
		return nil, ruleError(msgEmptyEmail)
	}
	if utf8.RuneCountInString(subject) > MaxSubjectLength {
		return nil, ruleError(msgSubjectTooLong)
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, ruleError(msgBodyTooLong)
	}

	email := &model.Email{
		Sender:    caller,
		Receiver:  receiver,
		Subject:   subject,
		Body:      body,
		Timestamp: s.nowNanos(),
	}
	for range maxTimestampAttempts {
		inserted, err := s.repos.Emails.Insert(ctx, email)
		if err != nil {
			return nil, err
		}
		if inserted {
			return email, nil
		}
		email.Timestamp++
	}
	return nil, ruleError(msgTimestampExhausted)
}

// GetMyInbox は呼び出し元宛てのメールを返す。
func (s *Service) GetMyInbox(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	return s.repos.Emails.ListByReceiver(ctx, caller)
}

// GetMySentMail は呼び出し元が送信したメールを返す。
func (s *Service) GetMySentMail(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	return s.repos.Emails.ListBySender(ctx, caller)
}

// visibleEmail は呼び出し元が送信者または受信者であるメールを返す。
// 存在しない場合と見えない場合は区別せずRuleErrorとする。
func (s *Service) visibleEmail(ctx context.Context, caller principal.Principal, key model.EmailKey) (*model.Email, error) {
	email, err := s.repos.Emails.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	if email == nil || (!email.Sender.Equal(caller) && !email.Receiver.Equal(caller)) {
		return nil, ruleError(msgEmailNotFound)
	}
	return email, nil
}

// MarkAsRead はメールを既読にする。受信者のみ実行できる。
func (s *Service) MarkAsRead(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	email, err := s.visibleEmail(ctx, caller, key)
	if err != nil {
		return false, err
	}
	if !email.Receiver.Equal(caller) {
		return false, ruleError(msgNotReceiver)
	}
	if _, err := s.repos.Emails.MarkRead(ctx, key, caller); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleStar はスター状態をstarredに設定し、設定後の状態を返す。
func (s *Service) ToggleStar(ctx context.Context, caller principal.Principal, key model.EmailKey, starred bool) (bool, error) {
	if _, err := s.visibleEmail(ctx, caller, key); err != nil {
		return false, err
	}
	if err := s.repos.Stars.Set(ctx, caller, key, starred); err != nil {
		return false, err
	}
	return starred, nil
}

// GetStarredEmails はスター付きメールを返す。
func (s *Service) GetStarredEmails(ctx context.Context, caller principal.Principal) ([]model.Email, error) {
	return s.repos.Stars.ListEmails(ctx, caller)
}

// IsStarred はメールにスターが付いているかを返す。
func (s *Service) IsStarred(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return s.repos.Stars.IsStarred(ctx, caller, key)
}

// GetMyStarredKeys はスター付きメールのキー一覧を返す。
func (s *Service) GetMyStarredKeys(ctx context.Context, caller principal.Principal) ([]model.EmailKey, error) {
	return s.repos.Stars.ListKeys(ctx, caller)
}

// SendChatMessage はチャットメッセージを保存する。
func (s *Service) SendChatMessage(ctx context.Context, caller, receiver principal.Principal, content string) (*model.ChatMessage, error) {
	if receiver.IsAnonymous() {
		return nil, ruleError(msgAnonymousReceiver)
	}
	if receiver.Equal(caller) {
		return nil, ruleError(msgChatToSelf)
	}

	content = s.sanitizer.SanitizeText(content)
	if content == "" {
		return nil, ruleError(msgEmptyChat)
	}
	if utf8.RuneCountInString(content) > MaxChatLength {
		return nil, ruleError(msgChatTooLong)
	}

	msg := &model.ChatMessage{
		Sender:    caller,
		Receiver:  receiver,
		Content:   content,
		Timestamp: s.nowNanos(),
	}
	if err := s.repos.Chats.Insert(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetChatMessages は会話相手とのメッセージを古い順に返す。
func (s *Service) GetChatMessages(ctx context.Context, caller, other principal.Principal) ([]model.ChatMessage, error) {
	return s.repos.Chats.ListConversation(ctx, caller, other)
}

// MarkChatRead は会話相手からの未読メッセージを既読にする。未読がなくてもtrueを返す。
func (s *Service) MarkChatRead(ctx context.Context, caller, other principal.Principal) (bool, error) {
	if _, err := s.repos.Chats.MarkRead(ctx, caller, other); err != nil {
		return false, err
	}
	return true, nil
}

// GetChatList は会話相手ごとのプレビューを返す。
func (s *Service) GetChatList(ctx context.Context, caller principal.Principal) ([]model.ChatPreview, error) {
	return s.repos.Chats.ListPreviews(ctx, caller)
}

// SetReminder はメールにリマインダーを設定する。既存のリマインダーは上書きされ未発火に戻る。
func (s *Service) SetReminder(ctx context.Context, caller principal.Principal, key model.EmailKey, remindAt uint64) (*model.Reminder, error) {
	if _, err := s.visibleEmail(ctx, caller, key); err != nil {
		return nil, err
	}
	if remindAt <= s.nowNanos() {
		return nil, ruleError(msgReminderNotFuture)
	}

	r := &model.Reminder{
		User:           caller,
		EmailSender:    key.Sender,
		EmailTimestamp: key.Timestamp,
		RemindAt:       remindAt,
	}
	if err := s.repos.Reminders.Upsert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetMyReminders は呼び出し元のリマインダーを返す。
func (s *Service) GetMyReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error) {
	return s.repos.Reminders.ListByUser(ctx, caller)
}

// GetDueReminders は期限到来した未発火のリマインダーを発火済みにして返す。
// 同じリマインダーが二度返ることはない。
func (s *Service) GetDueReminders(ctx context.Context, caller principal.Principal) ([]model.Reminder, error) {
	return s.repos.Reminders.ClaimDue(ctx, caller, s.nowNanos())
}

// DismissReminder は発火状態にかかわらずリマインダーを削除する。存在しなければfalse。
func (s *Service) DismissReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return s.repos.Reminders.Delete(ctx, caller, key, false)
}

// CancelReminder は未発火のリマインダーのみ削除する。対象がなければfalse。
func (s *Service) CancelReminder(ctx context.Context, caller principal.Principal, key model.EmailKey) (bool, error) {
	return s.repos.Reminders.Delete(ctx, caller, key, true)
}
