package security

import (
	"strings"

	"golang.org/x/net/html"
)

// blockElements はテキスト抽出時に改行として扱う要素。
var blockElements = map[string]bool{
	"p": true, "br": true, "div": true, "li": true, "tr": true,
	"blockquote": true, "pre": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true,
}

// skipElements は中身ごと捨てる要素。
var skipElements = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// LooksLikeHTML は文字列がHTMLのタグを含むかどうかを判定する。
func LooksLikeHTML(s string) bool {
	if !strings.Contains(s, "<") {
		return false
	}

	tokenizer := html.NewTokenizer(strings.NewReader(s))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			return true
		}
	}
}

// ExtractText はHTMLからテキストを抽出する。
// 実体参照は展開される。ブロック要素の区切りは改行にする。script/style等の中身は捨てる。
func ExtractText(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))

	var sb strings.Builder
	skipDepth := 0
	newline := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(sb.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, _ := tokenizer.TagName()
			name := string(tn)
			if skipElements[name] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if blockElements[name] {
				newline()
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			name := string(tn)
			if skipElements[name] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if blockElements[name] {
				newline()
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			sb.Write(tokenizer.Text())
		}
	}
}
