// Package broadcast はアイテムの状態変化を全オブザーバーへ配信するハブを提供する。
//
// ハブはチャネル種別に依存しないイベントレコードを扱い、
// ワイヤーフォーマットへの変換は各エンドポイント（stream, socket）が担う。
package broadcast

import "github.com/hitoshi/itemcast/internal/model"

// Kind はイベント種別を表す。
type Kind string

const (
	// KindInit は接続直後に送る全件スナップショット。Publishでは使用しない。
	KindInit Kind = "init"
	// KindCreated はアイテム生成。ペイロードはアイテム全体。
	KindCreated Kind = "created"
	// KindAccepted はアイテム承認。ペイロードは AcceptedPayload。
	KindAccepted Kind = "accepted"
	// KindCancelled はアイテム取消。ペイロードは CancelledPayload。
	KindCancelled Kind = "cancelled"
)

// Event はハブが配信するイベント。
// ペイロードの形はイベント種別ごとに異なり、統一しない。
type Event struct {
	Kind    Kind
	Payload any
}

// AcceptedPayload は accepted イベントのペイロード。
type AcceptedPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CancelledPayload は cancelled イベントのペイロード。
type CancelledPayload struct {
	ID string `json:"id"`
}

// Snapshot は接続直後に送るinitイベントを生成する。
func Snapshot(items []model.Item) Event {
	if items == nil {
		items = []model.Item{}
	}
	return Event{Kind: KindInit, Payload: items}
}

// Created は created イベントを生成する。
func Created(item model.Item) Event {
	return Event{Kind: KindCreated, Payload: item}
}

// Accepted は accepted イベントを生成する。
func Accepted(item model.Item) Event {
	return Event{Kind: KindAccepted, Payload: AcceptedPayload{ID: item.ID, Text: item.Text}}
}

// Cancelled は cancelled イベントを生成する。
func Cancelled(item model.Item) Event {
	return Event{Kind: KindCancelled, Payload: CancelledPayload{ID: item.ID}}
}

// ForTransition は遷移先の状態に対応するイベントを生成する。
func ForTransition(item model.Item) (Event, bool) {
	switch item.Status {
	case model.StatusAccepted:
		return Accepted(item), true
	case model.StatusCancelled:
		return Cancelled(item), true
	default:
		return Event{}, false
	}
}
