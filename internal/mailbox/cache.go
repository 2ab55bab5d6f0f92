// Package mailbox はバックエンドから取得したメール・チャット・リマインダーの
// クライアント側キャッシュを提供する。
// 各コレクションは取得完了時に丸ごと置き換えられ（後勝ち）、部分的なマージは行わない。
package mailbox

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tuams/tuamail/internal/gateway"
	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/notify"
	"github.com/tuams/tuamail/internal/principal"
)

// 変更イベントのトピック
const (
	TopicMail         = "mail"
	TopicChatList     = "chat_list"
	TopicConversation = "conversation"
	TopicReminders    = "reminders"
)

// conversation はアクティブな会話。tokenは会話を開くたびに更新される。
type conversation struct {
	partner  principal.Principal
	token    uint64
	messages []model.ChatMessage
}

// Cache はクライアント側のデータキャッシュ。
// コレクションを変更するのはこのパッケージの更新処理とローカル更新メソッドのみ。
type Cache struct {
	backend   gateway.Backend
	publisher notify.Publisher
	logger    *slog.Logger

	mu          sync.RWMutex
	inbox       []model.Email
	sent        []model.Email
	starred     []model.Email
	starredKeys map[model.EmailKey]struct{}
	previews    []model.ChatPreview
	reminders   []model.Reminder
	active      *conversation
	nextToken   uint64
}

// NewCache はCacheを生成する。publisherがnilの場合は変更を通知しない。
func NewCache(backend gateway.Backend, publisher notify.Publisher, logger *slog.Logger) *Cache {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Cache{
		backend:     backend,
		publisher:   publisher,
		logger:      logger,
		starredKeys: make(map[model.EmailKey]struct{}),
	}
}

// RefreshMail は受信・送信済み・スター付き・スターキーの4つを並行に取得し、
// すべて成功した場合にのみまとめて置き換える。
func (c *Cache) RefreshMail(ctx context.Context) error {
	var (
		inbox, sent, starred []model.Email
		keys                 []model.EmailKey
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inbox, err = c.backend.GetMyInbox(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		sent, err = c.backend.GetMySentMail(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		starred, err = c.backend.GetStarredEmails(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		keys, err = c.backend.GetMyStarredKeys(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	model.SortEmailsByTimestampDesc(inbox)
	model.SortEmailsByTimestampDesc(sent)
	model.SortEmailsByTimestampDesc(starred)

	keySet := make(map[model.EmailKey]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}

	c.mu.Lock()
	c.inbox = inbox
	c.sent = sent
	c.starred = starred
	c.starredKeys = keySet
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
	return nil
}

// RefreshSent は送信済みメールを取得して置き換える。
func (c *Cache) RefreshSent(ctx context.Context) error {
	sent, err := c.backend.GetMySentMail(ctx)
	if err != nil {
		return err
	}
	model.SortEmailsByTimestampDesc(sent)

	c.mu.Lock()
	c.sent = sent
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
	return nil
}

// RefreshStarred はスター付きメールを取得して置き換える。スターキーは変更しない。
func (c *Cache) RefreshStarred(ctx context.Context) error {
	starred, err := c.backend.GetStarredEmails(ctx)
	if err != nil {
		return err
	}
	model.SortEmailsByTimestampDesc(starred)

	c.mu.Lock()
	c.starred = starred
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
	return nil
}

// RefreshChatList は会話プレビュー一覧を取得して置き換える。
func (c *Cache) RefreshChatList(ctx context.Context) error {
	previews, err := c.backend.GetChatList(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.previews = previews
	c.mu.Unlock()

	c.publisher.Publish(TopicChatList)
	return nil
}

// RefreshReminders はリマインダー一覧を取得して置き換える。
func (c *Cache) RefreshReminders(ctx context.Context) error {
	reminders, err := c.backend.GetMyReminders(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.reminders = reminders
	c.mu.Unlock()

	c.publisher.Publish(TopicReminders)
	return nil
}

// Inbox は受信メールのコピーを返す。
func (c *Cache) Inbox() []model.Email {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.inbox)
}

// Sent は送信済みメールのコピーを返す。
func (c *Cache) Sent() []model.Email {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.sent)
}

// Starred はスター付きメールのコピーを返す。
func (c *Cache) Starred() []model.Email {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.starred)
}

// Folder は指定フォルダのメールを返す。
func (c *Cache) Folder(f model.Folder) []model.Email {
	switch f {
	case model.FolderInbox:
		return c.Inbox()
	case model.FolderSent:
		return c.Sent()
	case model.FolderStarred:
		return c.Starred()
	default:
		panic("mailbox: unknown folder " + f.String())
	}
}

// IsStarred はキーがスター付きかどうかを返す。
func (c *Cache) IsStarred(key model.EmailKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.starredKeys[key]
	return ok
}

// StarredKeys はスターキーの一覧を文字列表現の昇順で返す。
func (c *Cache) StarredKeys() []model.EmailKey {
	c.mu.RLock()
	keys := make([]model.EmailKey, 0, len(c.starredKeys))
	for k := range c.starredKeys {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	slices.SortFunc(keys, func(a, b model.EmailKey) int {
		if n := a.Sender.Compare(b.Sender); n != 0 {
			return n
		}
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return keys
}

// SetStarredLocal はスターキーの有無をローカルで設定する。
func (c *Cache) SetStarredLocal(key model.EmailKey, starred bool) {
	c.mu.Lock()
	if starred {
		c.starredKeys[key] = struct{}{}
	} else {
		delete(c.starredKeys, key)
	}
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
}

// FlipStarredLocal はスター状態を1回のロックの中で反転し、反転後の状態を返す。
// 同じキーへの同時の切り替えがそれぞれ異なる状態を得るようにする。
func (c *Cache) FlipStarredLocal(key model.EmailKey) bool {
	c.mu.Lock()
	_, starred := c.starredKeys[key]
	if starred {
		delete(c.starredKeys, key)
	} else {
		c.starredKeys[key] = struct{}{}
	}
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
	return !starred
}

// MarkReadLocal は受信メール（とスター付き一覧の同一メール）の既読フラグを立てる。
func (c *Cache) MarkReadLocal(key model.EmailKey) {
	c.mu.Lock()
	c.inbox = markRead(c.inbox, key)
	c.starred = markRead(c.starred, key)
	c.mu.Unlock()

	c.publisher.Publish(TopicMail)
}

// markRead は既読フラグを立てた新しいスライスを返す。取得済みのスライスは書き換えない。
func markRead(emails []model.Email, key model.EmailKey) []model.Email {
	updated := slices.Clone(emails)
	for i := range updated {
		if updated[i].Key() == key {
			updated[i].Read = true
		}
	}
	return updated
}

// FindEmail は受信・送信済みの中からキーに一致するメールを探す。
// ローカルに読み込まれた範囲のみを対象とするベストエフォートの検索。
func (c *Cache) FindEmail(key model.EmailKey) (model.Email, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, list := range [][]model.Email{c.inbox, c.sent} {
		for _, e := range list {
			if e.Key() == key {
				return e, true
			}
		}
	}
	return model.Email{}, false
}

// UnreadCount は受信メールの未読数を返す。
func (c *Cache) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.inbox {
		if !e.Read {
			n++
		}
	}
	return n
}

// ChatPreviews は会話プレビューのコピーを返す。
func (c *Cache) ChatPreviews() []model.ChatPreview {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.previews)
}

// ChatUnreadCount はチャットの未読数の合計を返す。
func (c *Cache) ChatUnreadCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.TotalUnread(c.previews)
}

// Reminders はリマインダーのコピーを返す。
func (c *Cache) Reminders() []model.Reminder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.reminders)
}

// HasActiveReminder はメールに未発火のリマインダーがあるかを返す。
func (c *Cache) HasActiveReminder(key model.EmailKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.reminders {
		if r.EmailKey() == key && !r.Fired {
			return true
		}
	}
	return false
}
