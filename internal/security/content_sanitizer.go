// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は課題の説明文・コメント本文・取り込んだフィード本文の
// HTMLをサニタイズする。bluemondayの許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
// 課題・コメントの保存前に使用される。
type ContentSanitizerService interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// imgタグのsrc属性はhttpsスキームのみ許可される。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string

	// Clean は前後の空白を除去してからサニタイズし、結果の前後の空白も除去する。
	// 危険なタグだけからなる入力は空文字列になる。
	Clean(rawHTML string) string

	// StripTags は全てのタグを除去したプレーンテキストを返す。
	// 課題タイトルなどHTMLを許可しない項目に使用する。
	StripTags(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。bluemondayのポリシーは並行利用できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// 許可タグ（属性なし）。script, iframe, style等は許可リストにないため除去され、
	// on*イベント属性もbluemondayの既定で除去される。
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	// aタグ: href属性のみ許可、相対URLは不許可、target="_blank"とrelを強制付与
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	// imgタグ: srcはhttpsスキームのみ許可（http, javascript, data等は拒否）
	p.AllowAttrs("src").OnElements("img")
	p.AllowAttrs("alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// Clean は前後の空白を除去してからサニタイズする。
func (s *contentSanitizer) Clean(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(strings.TrimSpace(rawHTML)))
}

// StripTags は全てのタグを除去し、エスケープされた文字実体を元に戻す。
func (s *contentSanitizer) StripTags(rawHTML string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(rawHTML)))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
