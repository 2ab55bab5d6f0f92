package gateway

import "fmt"

// RemoteError はバックエンドがErrエンベロープで返したエラー。
// Error()はバックエンドのメッセージをそのまま返す。
type RemoteError struct {
	Method  string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *RemoteError) Error() string {
	return e.Message
}

// StatusError はエンベロープを伴わない非200レスポンス（認証失敗・レート制限など）。
type StatusError struct {
	Method     string
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d [%s] %s", e.Method, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Method, e.StatusCode)
}
