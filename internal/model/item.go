// Package model はドメインモデルを定義する。
package model

import "time"

// Status はアイテムのライフサイクル状態を表す。
// pending からのみ遷移し、accepted と cancelled は終端状態となる。
type Status string

const (
	// StatusPending は受付直後の未処理状態。
	StatusPending Status = "pending"
	// StatusAccepted は承認済みの終端状態。
	StatusAccepted Status = "accepted"
	// StatusCancelled は取消済みの終端状態。
	StatusCancelled Status = "cancelled"
)

// IsTerminal は状態が終端状態（accepted または cancelled）かどうかを返す。
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusCancelled
}

// Item はインジェストされたテキストと処理状態を表す。
// ID, Text, CreatedAt は生成後に変更されない。
type Item struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	CancelledAt    *time.Time `json:"cancelledAt,omitempty"`
	ForwardSkipped bool       `json:"forwardSkipped,omitempty"`
}

// Clone はタイムスタンプのポインタを含めて独立したコピーを返す。
// ストア外へ渡す値が内部状態と共有されないようにする。
func (it Item) Clone() Item {
	c := it
	if it.AcceptedAt != nil {
		t := *it.AcceptedAt
		c.AcceptedAt = &t
	}
	if it.CancelledAt != nil {
		t := *it.CancelledAt
		c.CancelledAt = &t
	}
	return c
}
