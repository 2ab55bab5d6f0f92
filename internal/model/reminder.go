package model

import "github.com/tuams/tuamail/internal/principal"

// Reminder はメールに対するリマインダー。ユーザーごとに1メール1件まで。
type Reminder struct {
	User           principal.Principal `json:"user"`
	EmailSender    principal.Principal `json:"email_sender"`
	EmailTimestamp uint64              `json:"email_timestamp,string"`
	RemindAt       uint64              `json:"remind_at,string"`
	Fired          bool                `json:"fired"`
}

// EmailKey はリマインダーが参照するメールのキーを返す。
func (r Reminder) EmailKey() EmailKey {
	return EmailKey{Sender: r.EmailSender, Timestamp: r.EmailTimestamp}
}
