package model

import (
	"errors"
	"fmt"
)

// ErrInvalidPrincipalID はユーザー入力のプリンシパルIDが不正な場合のエラー。
// メッセージはそのままユーザーに表示される。
var ErrInvalidPrincipalID = errors.New("Invalid Principal ID")

// ErrInvalidRecipient はメール作成画面での宛先検証エラー。表示文言は末尾にピリオドが付く。
var ErrInvalidRecipient = fmt.Errorf("%w.", ErrInvalidPrincipalID)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, mail, chat, reminder, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidPrincipal  = "INVALID_PRINCIPAL"
	ErrCodeInvalidFolder     = "INVALID_FOLDER"
	ErrCodeInvalidSection    = "INVALID_SECTION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	ErrCodeUnknownMethod     = "UNKNOWN_METHOD"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeNotAuthenticated  = "NOT_AUTHENTICATED"
	ErrCodeNoActiveChat      = "NO_ACTIVE_CHAT"
	ErrCodeEmailNotFound     = "EMAIL_NOT_FOUND"
	ErrCodeRemoteFailed      = "REMOTE_FAILED"
	ErrCodeLoginFailed       = "LOGIN_FAILED"
	ErrCodeStorageCorrupted  = "STORAGE_CORRUPTED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeCSRFFailed        = "CSRF_FAILED"
)

// NewInvalidPrincipalError はプリンシパルID不正エラーを生成する。
func NewInvalidPrincipalError(text string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPrincipal,
		Message:  fmt.Sprintf("%s: %s", ErrInvalidPrincipalID.Error(), text),
		Category: "validation",
		Action:   "正しいプリンシパルIDを入力してください。",
	}
}

// NewInvalidFolderError は無効なフォルダ指定エラーを生成する。
func NewInvalidFolderError(folder string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFolder,
		Message:  fmt.Sprintf("無効なフォルダです: %s", folder),
		Category: "validation",
		Action:   "フォルダには inbox、sent、starred のいずれかを指定してください。",
	}
}

// NewInvalidSectionError は無効なセクション指定エラーを生成する。
func NewInvalidSectionError(section string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSection,
		Message:  fmt.Sprintf("無効なセクションです: %s", section),
		Category: "validation",
		Action:   "セクションには mail、chat のいずれかを指定してください。",
	}
}

// NewInvalidRequestError はリクエスト形式不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの内容を確認してください。",
	}
}

// NewInvalidTimestampError はタイムスタンプ不正エラーを生成する。
func NewInvalidTimestampError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTimestamp,
		Message:  fmt.Sprintf("無効な日時です: %s", reason),
		Category: "reminder",
		Action:   "未来の日時を指定してください。",
	}
}

// NewUnknownMethodError は未定義のバックエンドメソッド呼び出しエラーを生成する。
func NewUnknownMethodError(method string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownMethod,
		Message:  fmt.Sprintf("未定義のメソッドです: %s", method),
		Category: "system",
		Action:   "クライアントとバックエンドのバージョンを確認してください。",
	}
}

// NewUnauthorizedError は署名検証失敗エラーを生成する。
func NewUnauthorizedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  fmt.Sprintf("認証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  fmt.Sprintf("リクエストを検証できませんでした: %s", reason),
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewNotAuthenticatedError は未ログイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewNoActiveChatError は会話未選択エラーを生成する。
func NewNoActiveChatError() *APIError {
	return &APIError{
		Code:     ErrCodeNoActiveChat,
		Message:  "会話が選択されていません。",
		Category: "chat",
		Action:   "チャット一覧から会話を選択してください。",
	}
}

// NewEmailNotFoundError はメール未検出エラーを生成する。
func NewEmailNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotFound,
		Message:  fmt.Sprintf("指定されたメールが見つかりません: %s", key),
		Category: "mail",
		Action:   "メール一覧を更新してから再度お試しください。",
	}
}

// NewRemoteFailedError はバックエンド呼び出し失敗エラーを生成する。
// バックエンドが返したメッセージはそのまま保持する。
func NewRemoteFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeRemoteFailed,
		Message:  message,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewLoginFailedError はログイン失敗エラーを生成する。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "Internet Identity login failed.",
		Category: "auth",
		Action:   "もう一度ログインしてください。",
	}
}

// NewStorageCorruptedError は認証ストレージ破損エラーを生成する。
func NewStorageCorruptedError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageCorrupted,
		Message:  "Authentication storage is corrupted. Please refresh the page and try again.",
		Category: "auth",
		Action:   "clear-storage を実行してから再度ログインしてください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Retry-After ヘッダーの秒数だけ待ってから再試行してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
