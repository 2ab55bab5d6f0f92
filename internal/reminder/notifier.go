// Package reminder は期限を迎えたリマインダーを取得してユーザーに通知する。
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/mailbox"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

const (
	// NotificationDuration はリマインダー通知の表示時間。
	NotificationDuration = 15 * time.Second
	// fallbackSubject は件名を解決できなかったときの表示。
	fallbackSubject = "an email"
	// senderChars は送信者プリンシパルの表示で先頭・末尾に残す文字数。
	senderChars = 8
)

// Dismisser はユーザー操作によるリマインダーの消去を行う。
// 消去後のリマインダー一覧の再取得も含む。
type Dismisser interface {
	DismissReminder(ctx context.Context, key model.EmailKey) (bool, error)
}

// Notifier は期限到来リマインダーの通知を担う。
type Notifier struct {
	backend   gateway.Backend
	cache     *mailbox.Cache
	sink      notify.Sink
	dismisser Dismisser
	logger    *slog.Logger
}

// NewNotifier はNotifierを生成する。
func NewNotifier(backend gateway.Backend, cache *mailbox.Cache, sink notify.Sink, dismisser Dismisser, logger *slog.Logger) *Notifier {
	return &Notifier{
		backend:   backend,
		cache:     cache,
		sink:      sink,
		dismisser: dismisser,
		logger:    logger,
	}
}

// CheckDue は1サイクル分の処理を行う。
// 期限到来のリマインダーごとに通知を出し、操作の有無にかかわらずサーバー側で消去する。
// 1件でもあればサイクルの最後にリマインダー一覧を1回だけ再取得する。
func (n *Notifier) CheckDue(ctx context.Context) error {
	due, err := n.backend.GetDueReminders(ctx)
	if err != nil {
		return fmt.Errorf("get due reminders: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	n.logger.Info("due reminders found", slog.Int("count", len(due)))

	for _, r := range due {
		key := r.EmailKey()
		n.sink.Notify(ctx, n.notification(key))

		if _, err := n.backend.DismissReminder(ctx, key.Sender, key.Timestamp); err != nil {
			n.logger.Warn("リマインダーの消去に失敗",
				slog.String("email", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := n.cache.RefreshReminders(ctx); err != nil {
		n.logger.Warn("failed to refresh reminders", slog.String("error", err.Error()))
	}
	return nil
}

// notification はリマインダー通知を組み立てる。件名は読み込み済みのメールから解決する。
func (n *Notifier) notification(key model.EmailKey) notify.Notification {
	subject := fallbackSubject
	if email, ok := n.cache.FindEmail(key); ok {
		subject = email.Subject
	} else {
		n.logger.Debug("リマインダー対象のメールが読み込まれていない", slog.String("email", key.String()))
	}

	note := notify.New(notify.LevelInfo,
		`Reminder: "`+subject+`"`,
		"From "+principal.Truncate(key.Sender.Text(), senderChars),
	)
	note.Duration = NotificationDuration
	note.Action = &notify.Action{
		Label: "Dismiss",
		Run: func(ctx context.Context) error {
			_, err := n.dismisser.DismissReminder(ctx, key)
			return err
		},
	}
	return note
}
