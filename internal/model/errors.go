// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// Code はレスポンスボディの error フィールドとしてそのまま返される。
type APIError struct {
	Code     string // エラーコード（レスポンスの error フィールド）
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, item, forward, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeTextRequired  = "text is required"
	ErrCodeNotFound      = "not_found"
	ErrCodeForwardFailed = "forward_failed"
	ErrCodeForwardError  = "forward_error"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal_error"
)

// NewTextRequiredError はインジェスト時のテキスト未指定エラーを生成する。
func NewTextRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTextRequired,
		Category: "validation",
	}
}

// NewItemNotFoundError はアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("item not found: %s", itemID),
		Category: "item",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "too many requests, retry later",
		Category: "system",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、クライアントには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "internal server error",
		Category: "system",
	}
}

// IsNotFound はエラーがアイテム未検出エラーかどうかを返す。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == ErrCodeNotFound
}
