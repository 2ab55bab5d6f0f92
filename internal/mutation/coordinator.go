// Package mutation はユーザー操作による書き込み（メール送信、スター、既読、チャット、リマインダー）を
// 調停する。楽観的更新とロールバック、成功後の再取得を担う。
package mutation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/mailbox"
	"github.com/tuams/tuamail/internal/metrics"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

// 通知文言
const (
	msgFailedToSendMessage = "Failed to send message"
	msgReminderSet         = "Reminder set!"
	msgReminderCancelled   = "Reminder cancelled"
	msgReminderFailed      = "Failed to set reminder."

	// reminderTimeLayout はリマインダー設定完了時に表示する日時の形式。
	reminderTimeLayout = "1/2/2006, 3:04:05 PM"
)

// ConversationOpener はアクティブな会話を切り替える。
// セッションは会話ごとの定期タスクの再起動を含めてこれを実装する。
type ConversationOpener interface {
	OpenConversation(ctx context.Context, partner principal.Principal) error
}

// Coordinator はミューテーションを調停する。
type Coordinator struct {
	backend gateway.Backend
	cache   *mailbox.Cache
	sink    notify.Sink
	opener  ConversationOpener
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewCoordinator はCoordinatorを生成する。openerがnilの場合はキャッシュで直接会話を切り替える。
func NewCoordinator(
	backend gateway.Backend,
	cache *mailbox.Cache,
	sink notify.Sink,
	opener ConversationOpener,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Coordinator {
	if opener == nil {
		opener = cache
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Coordinator{
		backend: backend,
		cache:   cache,
		sink:    sink,
		opener:  opener,
		metrics: m,
		logger:  logger,
	}
}

// SendEmail は宛先を検証してからメールを送信し、成功したら送信済み一覧を再取得する。
// 宛先が不正な場合は通信せずにmodel.ErrInvalidRecipientを返す。
// 失敗時も入力は呼び出し元に残り、そのまま再試行できる。
func (c *Coordinator) SendEmail(ctx context.Context, to, subject, body string) (*model.Email, error) {
	receiver, err := principal.FromText(to)
	if err != nil {
		return nil, model.ErrInvalidRecipient
	}

	email, err := c.backend.SendEmail(ctx, receiver, subject, body)
	if err != nil {
		c.logger.Warn("failed to send email",
			slog.String("receiver", receiver.Text()),
			slog.String("error", err.Error()),
		)
		if strings.Contains(err.Error(), "Invalid principal") {
			return nil, model.ErrInvalidRecipient
		}
		return nil, err
	}

	if err := c.cache.RefreshSent(ctx); err != nil {
		c.logger.Warn("failed to refresh sent mail", slog.String("error", err.Error()))
	}
	return email, nil
}

// starToggle はスター切り替えの可逆コマンド。対象キーと切り替え後の状態を呼び出し時に確定する。
type starToggle struct {
	key    model.EmailKey
	target bool
}

// applyStarToggle はローカルのスター状態を反転し、その結果を可逆コマンドとして返す。
func applyStarToggle(cache *mailbox.Cache, key model.EmailKey) starToggle {
	return starToggle{key: key, target: cache.FlipStarredLocal(key)}
}

func (t starToggle) revert(cache *mailbox.Cache) {
	cache.SetStarredLocal(t.key, !t.target)
}

// ToggleStar はスター状態を楽観的に反転してからバックエンドに反映する。
// 失敗した場合はそのキーだけを元の状態に戻す。成功時はスター付き一覧を再取得する。
// 切り替え後の状態を返す。
func (c *Coordinator) ToggleStar(ctx context.Context, key model.EmailKey) (bool, error) {
	cmd := applyStarToggle(c.cache, key)

	if _, err := c.backend.ToggleStar(ctx, key.Sender, key.Timestamp, cmd.target); err != nil {
		cmd.revert(c.cache)
		c.metrics.RecordStarRollback()
		c.logger.Warn("failed to toggle star",
			slog.String("email", key.String()),
			slog.String("error", err.Error()),
		)
		return !cmd.target, err
	}

	if err := c.cache.RefreshStarred(ctx); err != nil {
		c.logger.Warn("failed to refresh starred mail", slog.String("error", err.Error()))
	}
	return cmd.target, nil
}

// MarkAsRead は未読の受信メールを既読にする。既読のメールでは何もしない。
// 成功時は再取得せずにローカルの既読フラグだけを更新する。
func (c *Coordinator) MarkAsRead(ctx context.Context, email model.Email) error {
	if email.Read {
		return nil
	}

	if _, err := c.backend.MarkAsRead(ctx, email.Sender, email.Timestamp); err != nil {
		c.logger.Warn("failed to mark as read",
			slog.String("email", email.Key().String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.cache.MarkReadLocal(email.Key())
	return nil
}

// SendChatMessage はアクティブな会話にメッセージを送信する。
// ローカルへの先行追加は行わず、成功後に会話とプレビュー一覧を再取得する。
func (c *Coordinator) SendChatMessage(ctx context.Context, content string) error {
	partner, ok := c.cache.ActivePartner()
	if !ok {
		return model.NewNoActiveChatError()
	}
	if strings.TrimSpace(content) == "" {
		return model.NewInvalidRequestError("message is empty")
	}

	if _, err := c.backend.SendChatMessage(ctx, partner, content); err != nil {
		c.logger.Warn("failed to send chat message",
			slog.String("receiver", partner.Text()),
			slog.String("error", err.Error()),
		)
		c.sink.Notify(ctx, notify.New(notify.LevelError, msgFailedToSendMessage, ""))
		return err
	}

	if err := c.cache.RefreshActiveConversation(ctx); err != nil {
		c.logger.Warn("failed to refresh conversation", slog.String("error", err.Error()))
	}
	if err := c.cache.RefreshChatList(ctx); err != nil {
		c.logger.Warn("failed to refresh chat list", slog.String("error", err.Error()))
	}
	return nil
}

// StartChat は入力されたプリンシパルとの会話を開始する。
// 不正な入力の場合は通知を出し、アクティブな会話は変更しない。
func (c *Coordinator) StartChat(ctx context.Context, text string) (principal.Principal, error) {
	partner, err := principal.FromText(text)
	if err != nil {
		c.sink.Notify(ctx, notify.New(notify.LevelError, model.ErrInvalidPrincipalID.Error(), ""))
		return principal.Principal{}, model.ErrInvalidPrincipalID
	}

	if err := c.opener.OpenConversation(ctx, partner); err != nil {
		c.logger.Warn("failed to load chat messages",
			slog.String("partner", partner.Text()),
			slog.String("error", err.Error()),
		)
	}
	return partner, nil
}

// SetReminder はメールにリマインダーを設定する。成功時は確認通知を出してリマインダー一覧を再取得する。
func (c *Coordinator) SetReminder(ctx context.Context, key model.EmailKey, at time.Time) (*model.Reminder, error) {
	r, err := c.backend.SetReminder(ctx, key.Sender, key.Timestamp, model.NanosFromTime(at))
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = msgReminderFailed
		}
		c.sink.Notify(ctx, notify.New(notify.LevelError, msg, ""))
		c.logger.Warn("failed to set reminder",
			slog.String("email", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	c.sink.Notify(ctx, notify.New(notify.LevelSuccess, msgReminderSet,
		"You'll be reminded on "+at.Format(reminderTimeLayout)))
	c.refreshReminders(ctx)
	return r, nil
}

// CancelReminder は未発火のリマインダーを取り消し、一覧を再取得する。
// falseの結果は失敗として扱わない。
func (c *Coordinator) CancelReminder(ctx context.Context, key model.EmailKey) (bool, error) {
	ok, err := c.backend.CancelReminder(ctx, key.Sender, key.Timestamp)
	if err != nil {
		c.logger.Warn("failed to cancel reminder",
			slog.String("email", key.String()),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	c.sink.Notify(ctx, notify.New(notify.LevelSuccess, msgReminderCancelled, ""))
	c.refreshReminders(ctx)
	return ok, nil
}

// DismissReminder はリマインダーを消去し、一覧を再取得する。
// falseの結果は失敗として扱わない。
func (c *Coordinator) DismissReminder(ctx context.Context, key model.EmailKey) (bool, error) {
	ok, err := c.backend.DismissReminder(ctx, key.Sender, key.Timestamp)
	if err != nil {
		c.logger.Warn("failed to dismiss reminder",
			slog.String("email", key.String()),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	c.refreshReminders(ctx)
	return ok, nil
}

func (c *Coordinator) refreshReminders(ctx context.Context) {
	if err := c.cache.RefreshReminders(ctx); err != nil {
		c.logger.Warn("failed to refresh reminders", slog.String("error", err.Error()))
	}
}
