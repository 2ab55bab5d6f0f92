package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tuams/tuamail/internal/principal"
)

// delegationDomain は委任署名のドメイン分離タグ。
const delegationDomain = "tuams-delegation\n"

// Delegation はルート鍵がセッション鍵に対して発行した期限付きの権限委任。
type Delegation struct {
	SessionKey []byte `json:"session_key"`       // Ed25519公開鍵（生バイト）
	Expiration uint64 `json:"expiration,string"` // ナノ秒
	RootKey    []byte `json:"root_key"`          // DERエンコードされたルート公開鍵
	Signature  []byte `json:"signature"`
}

// DelegationMessage はルート鍵が署名するバイト列を返す。
func DelegationMessage(sessionKey []byte, expiration uint64) []byte {
	msg := make([]byte, 0, len(delegationDomain)+len(sessionKey)+8)
	msg = append(msg, delegationDomain...)
	msg = append(msg, sessionKey...)
	return binary.BigEndian.AppendUint64(msg, expiration)
}

// SignDelegation はルート秘密鍵でセッション鍵への委任を発行する。
func SignDelegation(root ed25519.PrivateKey, sessionKey ed25519.PublicKey, expiration uint64) (*Delegation, error) {
	der, err := x509.MarshalPKIXPublicKey(root.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode root key: %w", err)
	}
	return &Delegation{
		SessionKey: append([]byte(nil), sessionKey...),
		Expiration: expiration,
		RootKey:    der,
		Signature:  ed25519.Sign(root, DelegationMessage(sessionKey, expiration)),
	}, nil
}

// Principal はルート鍵から導出されるプリンシパルを返す。
func (d *Delegation) Principal() principal.Principal {
	return principal.SelfAuthenticating(d.RootKey)
}

// Verify は署名と有効期限を検証する。
func (d *Delegation) Verify(now time.Time) error {
	if len(d.SessionKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: session key length %d", ErrInvalidDelegation, len(d.SessionKey))
	}

	pub, err := x509.ParsePKIXPublicKey(d.RootKey)
	if err != nil {
		return fmt.Errorf("%w: root key: %v", ErrInvalidDelegation, err)
	}
	rootKey, ok := pub.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: root key is not ed25519", ErrInvalidDelegation)
	}

	if !ed25519.Verify(rootKey, DelegationMessage(d.SessionKey, d.Expiration), d.Signature) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidDelegation)
	}
	if d.Expiration <= uint64(now.UnixNano()) {
		return fmt.Errorf("%w: expired", ErrInvalidDelegation)
	}
	return nil
}

// EncodeDelegation は委任をURL・ヘッダーに載せられる文字列にエンコードする。
func EncodeDelegation(d *Delegation) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal delegation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeDelegation はEncodeDelegationの逆変換を行う。
func DecodeDelegation(s string) (*Delegation, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}
	var d Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}
	return &d, nil
}
