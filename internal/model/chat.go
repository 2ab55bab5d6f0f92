package model

import "github.com/tuams/tuamail/internal/principal"

// ChatMessage はチャットメッセージを表す。クライアントからは追記のみ。
type ChatMessage struct {
	Sender    principal.Principal `json:"sender"`
	Receiver  principal.Principal `json:"receiver"`
	Content   string              `json:"content"`
	Timestamp uint64              `json:"timestamp,string"`
}

// ChatPreview は会話相手ごとの集約情報。
// mark_chat_read後、新着があるまでUnreadCountは増加しない。
type ChatPreview struct {
	OtherUser     principal.Principal `json:"other_user"`
	LastMessage   string              `json:"last_message"`
	LastTimestamp uint64              `json:"last_timestamp,string"`
	UnreadCount   uint64              `json:"unread_count,string"`
}

// TotalUnread はプレビュー一覧の未読数の合計を返す。
func TotalUnread(previews []ChatPreview) uint64 {
	var total uint64
	for _, p := range previews {
		total += p.UnreadCount
	}
	return total
}
