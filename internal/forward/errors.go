package forward

import (
	"fmt"
	"time"
)

// TimeoutError は転送呼び出しが制限時間内に完了しなかったことを表す。
type TimeoutError struct {
	Timeout time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("forward timed out after %s", e.Timeout)
}

// UpstreamError は転送先が成功以外のステータスを返したことを表す。
type UpstreamError struct {
	Status int
	Body   string
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forward target returned status %d", e.Status)
}

// TransportError は接続失敗などトランスポート層の失敗を表す。
type TransportError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	return fmt.Sprintf("forward transport error: %v", e.Err)
}

// Unwrap は元のエラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}
