package model

import (
	"fmt"
	"slices"

	"github.com/tuams/tuamail/internal/principal"
)

// Email はメールを表す。独立したIDは持たず、(Sender, Timestamp)の組で識別される。
type Email struct {
	Sender    principal.Principal `json:"sender"`
	Receiver  principal.Principal `json:"receiver"`
	Subject   string              `json:"subject"`
	Body      string              `json:"body"`
	Timestamp uint64              `json:"timestamp,string"` // ナノ秒
	Read      bool                `json:"read"`
}

// Key はメールを識別するキーを返す。
func (e Email) Key() EmailKey {
	return EmailKey{Sender: e.Sender, Timestamp: e.Timestamp}
}

// EmailKey はメールの識別子 (sender, timestamp)。
// スターマーカーとリマインダーのメール参照に使用する。
type EmailKey struct {
	Sender    principal.Principal `json:"sender"`
	Timestamp uint64              `json:"timestamp,string"`
}

// String は"<principal>-<timestamp>"形式の文字列を返す。
func (k EmailKey) String() string {
	return fmt.Sprintf("%s-%d", k.Sender.Text(), k.Timestamp)
}

// SortEmailsByTimestampDesc はメールをタイムスタンプ降順に並べ替える。
// 同一タイムスタンプの要素は取得時の順序を維持する（安定ソート）。
func SortEmailsByTimestampDesc(emails []Email) {
	slices.SortStableFunc(emails, func(a, b Email) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		default:
			return 0
		}
	})
}
