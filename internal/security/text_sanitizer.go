// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力するプロフィール、車両、乗降地点などの
// プレーンテキストからマークアップを除去する。
// bluemondayのStrictPolicyで全タグを取り除き、エンティティは元の文字に戻す。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxSanitizePasses はエンティティ経由で埋め込まれたタグを除去するための最大反復回数。
const maxSanitizePasses = 3

// TextSanitizer はプレーンテキスト入力のサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
	// SanitizeURL はhttpまたはhttpsの絶対URLのみを受け付ける。
	// それ以外の場合はok=falseを返す。空文字列は空文字列のまま受け付ける。
	SanitizeURL(raw string) (clean string, ok bool)
}

// textSanitizer はTextSanitizerの実装。
// bluemonday.Policyはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
// "&lt;script&gt;" のようにエスケープされたタグも、復元後に再度除去する。
func (s *textSanitizer) Sanitize(raw string) string {
	out := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	if strings.ContainsAny(out, "<>") {
		out = strings.NewReplacer("<", "", ">", "").Replace(out)
	}
	return strings.TrimSpace(out)
}

// SanitizeURL はアバター画像などのURL入力を検証する。
func (s *textSanitizer) SanitizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
