// Package gatewaytest はgateway.Backendのテスト用モックを提供する。
package gatewaytest

import (
	"context"
	"sync"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// Backend はgateway.Backendのモック。
// 各Fnがnilの場合はゼロ値を返す。呼び出されたメソッド名はCallsに記録される。
type Backend struct {
	GetOrCreateUserFn  func(ctx context.Context) (*model.UserResult, error)
	SendEmailFn        func(ctx context.Context, receiver principal.Principal, subject, body string) (*model.Email, error)
	GetMyInboxFn       func(ctx context.Context) ([]model.Email, error)
	GetMySentMailFn    func(ctx context.Context) ([]model.Email, error)
	MarkAsReadFn       func(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error)
	ToggleStarFn       func(ctx context.Context, sender principal.Principal, timestamp uint64, starred bool) (bool, error)
	GetStarredEmailsFn func(ctx context.Context) ([]model.Email, error)
	IsStarredFn        func(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error)
	GetMyStarredKeysFn func(ctx context.Context) ([]model.EmailKey, error)
	SendChatMessageFn  func(ctx context.Context, receiver principal.Principal, content string) (*model.ChatMessage, error)
	GetChatMessagesFn  func(ctx context.Context, otherUser principal.Principal) ([]model.ChatMessage, error)
	MarkChatReadFn     func(ctx context.Context, otherUser principal.Principal) (bool, error)
	GetChatListFn      func(ctx context.Context) ([]model.ChatPreview, error)
	SetReminderFn      func(ctx context.Context, emailSender principal.Principal, emailTimestamp, remindAt uint64) (*model.Reminder, error)
	GetMyRemindersFn   func(ctx context.Context) ([]model.Reminder, error)
	GetDueRemindersFn  func(ctx context.Context) ([]model.Reminder, error)
	DismissReminderFn  func(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error)
	CancelReminderFn   func(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error)

	mu    sync.Mutex
	calls []string
}

func (b *Backend) record(method string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, method)
}

// Calls は呼び出されたメソッド名を呼び出し順で返す。
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallCount は指定メソッドの呼び出し回数を返す。
func (b *Backend) CallCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (b *Backend) GetOrCreateUser(ctx context.Context) (*model.UserResult, error) {
	b.record(gateway.MethodGetOrCreateUser)
	if b.GetOrCreateUserFn == nil {
		return &model.UserResult{}, nil
	}
	return b.GetOrCreateUserFn(ctx)
}

func (b *Backend) SendEmail(ctx context.Context, receiver principal.Principal, subject, body string) (*model.Email, error) {
	b.record(gateway.MethodSendEmail)
	if b.SendEmailFn == nil {
		return &model.Email{Receiver: receiver, Subject: subject, Body: body}, nil
	}
	return b.SendEmailFn(ctx, receiver, subject, body)
}

func (b *Backend) GetMyInbox(ctx context.Context) ([]model.Email, error) {
	b.record(gateway.MethodGetMyInbox)
	if b.GetMyInboxFn == nil {
		return []model.Email{}, nil
	}
	return b.GetMyInboxFn(ctx)
}

func (b *Backend) GetMySentMail(ctx context.Context) ([]model.Email, error) {
	b.record(gateway.MethodGetMySentMail)
	if b.GetMySentMailFn == nil {
		return []model.Email{}, nil
	}
	return b.GetMySentMailFn(ctx)
}

func (b *Backend) MarkAsRead(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error) {
	b.record(gateway.MethodMarkAsRead)
	if b.MarkAsReadFn == nil {
		return true, nil
	}
	return b.MarkAsReadFn(ctx, sender, timestamp)
}

func (b *Backend) ToggleStar(ctx context.Context, sender principal.Principal, timestamp uint64, starred bool) (bool, error) {
	b.record(gateway.MethodToggleStar)
	if b.ToggleStarFn == nil {
		return starred, nil
	}
	return b.ToggleStarFn(ctx, sender, timestamp, starred)
}

func (b *Backend) GetStarredEmails(ctx context.Context) ([]model.Email, error) {
	b.record(gateway.MethodGetStarredEmails)
	if b.GetStarredEmailsFn == nil {
		return []model.Email{}, nil
	}
	return b.GetStarredEmailsFn(ctx)
}

func (b *Backend) IsStarred(ctx context.Context, sender principal.Principal, timestamp uint64) (bool, error) {
	b.record(gateway.MethodIsStarred)
	if b.IsStarredFn == nil {
		return false, nil
	}
	return b.IsStarredFn(ctx, sender, timestamp)
}

func (b *Backend) GetMyStarredKeys(ctx context.Context) ([]model.EmailKey, error) {
	b.record(gateway.MethodGetMyStarredKeys)
	if b.GetMyStarredKeysFn == nil {
		return []model.EmailKey{}, nil
	}
	return b.GetMyStarredKeysFn(ctx)
}

func (b *Backend) SendChatMessage(ctx context.Context, receiver principal.Principal, content string) (*model.ChatMessage, error) {
	b.record(gateway.MethodSendChatMessage)
	if b.SendChatMessageFn == nil {
		return &model.ChatMessage{Receiver: receiver, Content: content}, nil
	}
	return b.SendChatMessageFn(ctx, receiver, content)
}

func (b *Backend) GetChatMessages(ctx context.Context, otherUser principal.Principal) ([]model.ChatMessage, error) {
	b.record(gateway.MethodGetChatMessages)
	if b.GetChatMessagesFn == nil {
		return []model.ChatMessage{}, nil
	}
	return b.GetChatMessagesFn(ctx, otherUser)
}

func (b *Backend) MarkChatRead(ctx context.Context, otherUser principal.Principal) (bool, error) {
	b.record(gateway.MethodMarkChatRead)
	if b.MarkChatReadFn == nil {
		return true, nil
	}
	return b.MarkChatReadFn(ctx, otherUser)
}

func (b *Backend) GetChatList(ctx context.Context) ([]model.ChatPreview, error) {
	b.record(gateway.MethodGetChatList)
	if b.GetChatListFn == nil {
		return []model.ChatPreview{}, nil
	}
	return b.GetChatListFn(ctx)
}

func (b *Backend) SetReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp, remindAt uint64) (*model.Reminder, error) {
	b.record(gateway.MethodSetReminder)
	if b.SetReminderFn == nil {
		return &model.Reminder{EmailSender: emailSender, EmailTimestamp: emailTimestamp, RemindAt: remindAt}, nil
	}
	return b.SetReminderFn(ctx, emailSender, emailTimestamp, remindAt)
}

func (b *Backend) GetMyReminders(ctx context.Context) ([]model.Reminder, error) {
	b.record(gateway.MethodGetMyReminders)
	if b.GetMyRemindersFn == nil {
		return []model.Reminder{}, nil
	}
	return b.GetMyRemindersFn(ctx)
}

func (b *Backend) GetDueReminders(ctx context.Context) ([]model.Reminder, error) {
	b.record(gateway.MethodGetDueReminders)
	if b.GetDueRemindersFn == nil {
		return []model.Reminder{}, nil
	}
	return b.GetDueRemindersFn(ctx)
}

func (b *Backend) DismissReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error) {
	b.record(gateway.MethodDismissReminder)
	if b.DismissReminderFn == nil {
		return true, nil
	}
	return b.DismissReminderFn(ctx, emailSender, emailTimestamp)
}

func (b *Backend) CancelReminder(ctx context.Context, emailSender principal.Principal, emailTimestamp uint64) (bool, error) {
	b.record(gateway.MethodCancelReminder)
	if b.CancelReminderFn == nil {
		return true, nil
	}
	return b.CancelReminderFn(ctx, emailSender, emailTimestamp)
}

// compile-time interface check
var _ gateway.Backend = (*Backend)(nil)
