// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はインジェストされたテキストからマークアップを取り除く。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// script, style の中身は捨てられ、文字参照は元の文字に戻される。
	// 前後の空白は取り除く。
	Sanitize(text string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はマークアップを除去したテキストを返す。
func (s *textSanitizer) Sanitize(text string) string {
	stripped := s.policy.Sanitize(text)
	// StrictPolicyは & < > などをエスケープして返すため、プレーンテキストに戻す
	return strings.TrimSpace(html.UnescapeString(stripped))
}
