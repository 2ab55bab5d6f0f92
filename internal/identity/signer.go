package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"strconv"
)

// callDomain はバックエンド呼び出し署名のドメイン分離タグ。
const callDomain = "tuams-call\n"

// RequestDigest はバックエンド呼び出しの署名対象ダイジェストを返す。
// method、ingress expiry（ナノ秒）、リクエストボディを連結してハッシュする。
func RequestDigest(method string, expiry uint64, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte(callDomain))
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatUint(expiry, 10)))
	h.Write([]byte{'\n'})
	h.Write(body)
	return h.Sum(nil)
}

// SignRequest はアイデンティティのセッション鍵で呼び出しに署名する。
func SignRequest(id Identity, method string, expiry uint64, body []byte) []byte {
	return id.Sign(RequestDigest(method, expiry, body))
}

// VerifyRequest は委任とセッション鍵署名の両方を検証する。
func VerifyRequest(d *Delegation, method string, expiry uint64, body, signature []byte) bool {
	if len(d.SessionKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(d.SessionKey), RequestDigest(method, expiry, body), signature)
}
