// Package security はリファレンスバックエンドが保存するユーザー入力の無害化を提供する。
//
// メール本文のHTMLはbluemondayの許可リストポリシーで無害化し、
// 件名とチャットはマークアップを取り除いたプレーンテキストとして保存する。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はユーザー入力の無害化のインターフェース。
type ContentSanitizer interface {
	// SanitizeBody はメール本文を無害化する。
	// HTMLを含まない本文はそのまま返し、HTMLを含む場合は許可タグのみを通過させる。
	SanitizeBody(body string) string

	// SanitizeText は件名やチャットメッセージからマークアップを取り除き、前後の空白を除去する。
	SanitizeText(text string) string
}

// contentSanitizer はContentSanitizerの実装。ポリシーはスレッドセーフに共有される。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img
//   - script, iframe, styleタグおよびon*イベント属性は除去
//   - imgのsrc属性はhttpsスキームのみ
//   - aタグには target="_blank" と rel="noopener noreferrer" を付与
func NewContentSanitizer() ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool {
		return true
	})
	p.AllowURLSchemes("mailto")

	return &contentSanitizer{policy: p}
}

// SanitizeBody はメール本文を無害化する。
func (s *contentSanitizer) SanitizeBody(body string) string {
	if !LooksLikeHTML(body) {
		return body
	}
	return s.policy.Sanitize(body)
}

// SanitizeText は件名やチャットメッセージをプレーンテキストにする。
func (s *contentSanitizer) SanitizeText(text string) string {
	if LooksLikeHTML(text) {
		text = ExtractText(text)
	}
	return strings.TrimSpace(text)
}
