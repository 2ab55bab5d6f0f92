package mailbox

import (
	"context"
	"log/slog"
	"slices"

	"github.com/tuams/tuamail/internal/model"
	"github.com/tuams/tuamail/internal/principal"
)

// OpenConversation はアクティブな会話を切り替え、直ちにメッセージを読み込む。
// 以前の会話に対する実行中の取得結果は破棄される。
func (c *Cache) OpenConversation(ctx context.Context, partner principal.Principal) error {
	c.mu.Lock()
	c.nextToken++
	token := c.nextToken
	c.active = &conversation{partner: partner, token: token}
	c.mu.Unlock()

	c.publisher.Publish(TopicConversation)
	return c.loadConversation(ctx, token)
}

// RefreshActiveConversation はアクティブな会話のメッセージを再取得する。
// 会話が開かれていない場合は何もしない。
func (c *Cache) RefreshActiveConversation(ctx context.Context) error {
	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active == nil {
		return nil
	}
	return c.loadConversation(ctx, active.token)
}

// CloseConversation はアクティブな会話を閉じる。
func (c *Cache) CloseConversation() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()

	c.publisher.Publish(TopicConversation)
}

// ActiveConversation はアクティブな会話相手とメッセージのコピーを返す。
func (c *Cache) ActiveConversation() (principal.Principal, []model.ChatMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return principal.Principal{}, nil, false
	}
	return c.active.partner, slices.Clone(c.active.messages), true
}

// ActivePartner はアクティブな会話相手を返す。
func (c *Cache) ActivePartner() (principal.Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return principal.Principal{}, false
	}
	return c.active.partner, true
}

// loadConversation はメッセージを取得し、会話が切り替わっていなければ反映してから既読にする。
func (c *Cache) loadConversation(ctx context.Context, token uint64) error {
	partner, ok := c.partnerFor(token)
	if !ok {
		return nil
	}

	msgs, err := c.backend.GetChatMessages(ctx, partner)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.active == nil || c.active.token != token {
		c.mu.Unlock()
		c.logger.Debug("stale conversation result discarded", slog.String("partner", partner.Text()))
		return nil
	}
	c.active.messages = msgs
	c.mu.Unlock()
	c.publisher.Publish(TopicConversation)

	if _, err := c.backend.MarkChatRead(ctx, partner); err != nil {
		return err
	}
	c.clearUnreadLocal(partner)
	return nil
}

func (c *Cache) partnerFor(token uint64) (principal.Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil || c.active.token != token {
		return principal.Principal{}, false
	}
	return c.active.partner, true
}

// clearUnreadLocal はmark_chat_read成功後に該当プレビューの未読数を0にする。
func (c *Cache) clearUnreadLocal(partner principal.Principal) {
	c.mu.Lock()
	changed := false
	updated := slices.Clone(c.previews)
	for i := range updated {
		if updated[i].OtherUser.Equal(partner) && updated[i].UnreadCount != 0 {
			updated[i].UnreadCount = 0
			changed = true
		}
	}
	if changed {
		c.previews = updated
	}
	c.mu.Unlock()

	if changed {
		c.publisher.Publish(TopicChatList)
	}
}
