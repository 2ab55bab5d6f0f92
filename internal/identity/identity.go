// Package identity はIdentity Session Providerとのやり取りをクライアント側で扱う。
// セッション鍵の生成、委任（delegation）の取得と検証、ローカルストレージへの保存と復元を提供する。
package identity

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/tuams/tuamail/internal/principal"
)

var (
	// ErrLoginFailed はユーザーによるキャンセルやプロバイダーの拒否でログインできなかった場合のエラー。
	ErrLoginFailed = errors.New("Internet Identity login failed.")

	// ErrStorageCorrupted は保存済みの認証情報が解読できない場合のエラー。
	// ストレージを消去して再試行することで復旧できる。
	ErrStorageCorrupted = errors.New("Authentication storage is corrupted. Please refresh the page and try again.")

	// ErrInvalidDelegation は委任の署名・鍵・有効期限が不正な場合のエラー。
	ErrInvalidDelegation = errors.New("invalid delegation")
)

// DefaultMaxTTL は委任の最大有効期間（7日間）。
const DefaultMaxTTL = 7 * 24 * time.Hour

// Identity は認証済みの暗号学的アイデンティティ。
// バックエンド呼び出しの署名に使用する。
type Identity interface {
	// Principal は呼び出し元として扱われるプリンシパルを返す。
	Principal() principal.Principal
	// PublicKey はセッション鍵の公開鍵を返す。
	PublicKey() ed25519.PublicKey
	// Sign はセッション鍵でメッセージに署名する。
	Sign(msg []byte) []byte
	// Delegation はルート鍵からセッション鍵への委任を返す。
	Delegation() *Delegation
	// Expiration は委任の有効期限を返す。
	Expiration() time.Time
}

// DelegatedIdentity はセッション鍵と委任の組。
// 秘密鍵はプロセス外に出さず、ローカルストレージにのみ保存される。
type DelegatedIdentity struct {
	key        ed25519.PrivateKey
	delegation *Delegation
}

// NewDelegatedIdentity はDelegatedIdentityを生成する。
// 委任先の鍵がセッション鍵と一致しない場合はエラーを返す。
func NewDelegatedIdentity(key ed25519.PrivateKey, d *Delegation) (*DelegatedIdentity, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok || !pub.Equal(ed25519.PublicKey(d.SessionKey)) {
		return nil, ErrInvalidDelegation
	}
	return &DelegatedIdentity{key: key, delegation: d}, nil
}

// Principal はルート鍵から導出した自己認証プリンシパルを返す。
func (i *DelegatedIdentity) Principal() principal.Principal {
	return i.delegation.Principal()
}

// PublicKey はセッション鍵の公開鍵を返す。
func (i *DelegatedIdentity) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Sign はセッション鍵でメッセージに署名する。
func (i *DelegatedIdentity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.key, msg)
}

// Delegation は委任を返す。
func (i *DelegatedIdentity) Delegation() *Delegation {
	return i.delegation
}

// Expiration は委任の有効期限を返す。
func (i *DelegatedIdentity) Expiration() time.Time {
	return time.Unix(0, int64(i.delegation.Expiration))
}

// compile-time interface check
var _ Identity = (*DelegatedIdentity)(nil)
