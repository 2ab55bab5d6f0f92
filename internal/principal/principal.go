// Package principal はInternet Identityのプリンシパル（認証済みIDの識別子）を扱う。
// テキスト表現の解析・検証と、公開鍵からの自己認証プリンシパルの導出を提供する。
package principal

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	// maxLength はプリンシパルのバイト長の上限。
	maxLength = 29
	// groupSize はテキスト表現でダッシュ区切りにする文字数。
	groupSize = 5

	typeSelfAuthenticating byte = 0x02
	typeAnonymous          byte = 0x04
)

// ErrInvalidPrincipal はプリンシパルのテキスト表現が不正な場合のエラー。
var ErrInvalidPrincipal = errors.New("invalid principal")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal は不透明なプリンシパルID。ゼロ値は管理キャニスター（空バイト列）を表す。
type Principal struct {
	raw string
}

// FromBytes はバイト列からPrincipalを生成する。
func FromBytes(b []byte) (Principal, error) {
	if len(b) > maxLength {
		return Principal{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidPrincipal, len(b), maxLength)
	}
	return Principal{raw: string(b)}, nil
}

// FromText はテキスト表現を解析してPrincipalを返す。
// 前後の空白は除去する。チェックサム不一致や正規形でない入力はErrInvalidPrincipalとなる。
func FromText(text string) (Principal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Principal{}, fmt.Errorf("%w: empty text", ErrInvalidPrincipal)
	}

	compact := strings.ReplaceAll(text, "-", "")
	decoded, err := encoding.DecodeString(strings.ToUpper(compact))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %q is not base32", ErrInvalidPrincipal, text)
	}
	if len(decoded) < 4 {
		return Principal{}, fmt.Errorf("%w: %q is too short", ErrInvalidPrincipal, text)
	}

	body := decoded[4:]
	if binary.BigEndian.Uint32(decoded[:4]) != crc32.ChecksumIEEE(body) {
		return Principal{}, fmt.Errorf("%w: checksum mismatch in %q", ErrInvalidPrincipal, text)
	}

	p, err := FromBytes(body)
	if err != nil {
		return Principal{}, err
	}

	// 大文字・区切り位置違いなど非正規形は受け付けない
	if p.Text() != text {
		return Principal{}, fmt.Errorf("%w: %q is not in canonical form", ErrInvalidPrincipal, text)
	}
	return p, nil
}

// MustFromText はFromTextのパニック版。テストと定数定義用。
func MustFromText(text string) Principal {
	p, err := FromText(text)
	if err != nil {
		panic(err)
	}
	return p
}

// SelfAuthenticating はDERエンコードされた公開鍵から自己認証プリンシパルを導出する。
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	b := make([]byte, 0, len(sum)+1)
	b = append(b, sum[:]...)
	b = append(b, typeSelfAuthenticating)
	return Principal{raw: string(b)}
}

// Anonymous は匿名プリンシパルを返す。
func Anonymous() Principal {
	return Principal{raw: string([]byte{typeAnonymous})}
}

// Bytes はプリンシパルのバイト列を返す。
func (p Principal) Bytes() []byte {
	return []byte(p.raw)
}

// IsAnonymous は匿名プリンシパルかどうかを返す。
func (p Principal) IsAnonymous() bool {
	return p.raw == string([]byte{typeAnonymous})
}

// Equal は2つのプリンシパルが同一かどうかを返す。
func (p Principal) Equal(other Principal) bool {
	return p.raw == other.raw
}

// Compare はバイト列の辞書順で比較する。
func (p Principal) Compare(other Principal) int {
	return bytes.Compare([]byte(p.raw), []byte(other.raw))
}

// Text は正規のテキスト表現を返す。
func (p Principal) Text() string {
	b := []byte(p.raw)
	buf := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(b))
	buf = append(buf, b...)

	enc := strings.ToLower(encoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(enc); i += groupSize {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + groupSize
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

// String はfmt.Stringerを実装する。
func (p Principal) String() string {
	return p.Text()
}

// MarshalText はテキスト表現にエンコードする。JSONでも文字列として扱われる。
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.Text()), nil
}

// UnmarshalText はテキスト表現からデコードする。
func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := FromText(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value はdatabase/sql/driver.Valuerを実装する。データベースにはテキスト表現で保存する。
func (p Principal) Value() (driver.Value, error) {
	return p.Text(), nil
}

// Scan はsql.Scannerを実装する。
func (p *Principal) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return p.UnmarshalText([]byte(v))
	case []byte:
		return p.UnmarshalText(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidPrincipal, src)
	}
}

// Truncate は表示用にテキストを先頭・末尾chars文字ずつに短縮する。
func Truncate(text string, chars int) string {
	if len(text) <= chars*2+3 {
		return text
	}
	return text[:chars] + "..." + text[len(text)-chars:]
}
