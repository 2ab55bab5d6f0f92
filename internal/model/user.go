// Package model はドメインモデルを定義する。
package model

import "github.com/tuams/tuamail/internal/principal"

// DefaultRole は新規ユーザーに割り当てられるロール。
const DefaultRole = "user"

// User はバックエンドに登録されたユーザーを表す。
// 初回の認証済みアクセス時にサーバー側で作成され、クライアント側では不変として扱う。
type User struct {
	Principal principal.Principal `json:"user_principal"`
	CreatedAt uint64              `json:"created_at,string"` // ナノ秒
	Role      string              `json:"role"`
}

// UserResult はget_or_create_userの結果を表す。
type UserResult struct {
	User      User `json:"user"`
	IsNewUser bool `json:"is_new_user"`
}

// LoginContext は同一オリジンの他画面が再認証なしで参照するログイン情報のスナップショット。
// ローカルストレージに固定キーで保存され、ログアウト時に削除される。
type LoginContext struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
	IsNewUser bool   `json:"isNewUser"`
}
