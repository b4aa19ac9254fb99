// Package item はアイテムの受付と状態遷移を行うリクエスト面のサービスを提供する。
//
// ストアへの変更はすべてこのサービスを経由し、変更が適用された場合にのみ
// ハブへイベントを配信する。
package item

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/itemcast/internal/broadcast"
	"github.com/hitoshi/itemcast/internal/model"
	"github.com/hitoshi/itemcast/internal/store"
)

// Forwarder は承認時に外部へアイテムを送る転送クライアントのインターフェース。
type Forwarder interface {
	Forward(ctx context.Context, item model.Item) error
}

// Sanitizer はインジェストされたテキストを整形する。
type Sanitizer interface {
	Sanitize(text string) string
}

// Metrics はサービスが記録するメトリクスのインターフェース。
type Metrics interface {
	RecordItemCreated()
	RecordTransition(status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordItemCreated()      {}
func (nopMetrics) RecordTransition(string) {}

// Service はインジェスト・一覧・承認・取消を提供する。
type Service struct {
	store     *store.Store
	hub       *broadcast.Hub
	forwarder Forwarder // nilの場合は転送を行わない
	sanitizer Sanitizer // nilの場合はテキストをそのまま使う
	metrics   Metrics
	logger    *slog.Logger

	// inflight は同一IDへの並行した承認を1回の転送呼び出しにまとめる。
	inflight singleflight.Group
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithForwarder は承認時の転送クライアントを設定する。
// 設定しない場合、承認は転送なしで即時に適用され forwardSkipped が記録される。
func WithForwarder(f Forwarder) Option {
	return func(s *Service) {
		s.forwarder = f
	}
}

// WithSanitizer はインジェスト時のテキスト整形を設定する。
func WithSanitizer(sanitizer Sanitizer) Option {
	return func(s *Service) {
		s.sanitizer = sanitizer
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(st *store.Store, hub *broadcast.Hub, opts ...Option) *Service {
	s := &Service{
		store:   st,
		hub:     hub,
		metrics: nopMetrics{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForwardEnabled は転送クライアントが設定されているかを返す。
func (s *Service) ForwardEnabled() bool {
	return s.forwarder != nil
}

// Ingest はテキストから新しいアイテムを生成し、created イベントを配信する。
// テキストが空の場合（整形後に空になった場合を含む）はバリデーションエラーを返す。
func (s *Service) Ingest(ctx context.Context, text string) (model.Item, error) {
	if s.sanitizer != nil && text != "" {
		text = s.sanitizer.Sanitize(text)
	}

	item, err := s.store.Create(text, func(created model.Item) {
		s.hub.Publish(broadcast.Created(created))
	})
	if err != nil {
		return model.Item{}, err
	}

	s.metrics.RecordItemCreated()
	s.logger.InfoContext(ctx, "item ingested", slog.String("item_id", item.ID))
	return item, nil
}

// List は全アイテムを新しい順で返す。
func (s *Service) List(ctx context.Context) []model.Item {
	return s.store.List()
}

// Accept はアイテムを承認する。
//
// 既に終端状態のアイテムは転送せずにそのまま返す。転送先が未設定の場合は即時に承認し
// forwardSkipped を記録する。転送先が設定されている場合は転送が成功したときのみ承認し、
// 転送に失敗した場合はストアを変更せずにエラーを返す（アイテムは pending のまま）。
func (s *Service) Accept(ctx context.Context, id string) (model.Item, error) {
	current, err := s.store.Get(id)
	if err != nil {
		return model.Item{}, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}

	if s.forwarder == nil {
		return s.transition(ctx, id, model.StatusAccepted, store.WithForwardSkipped())
	}

	v, err, _ := s.inflight.Do(id, func() (any, error) {
		return s.forwardAndAccept(ctx, id)
	})
	if err != nil {
		return model.Item{}, err
	}
	return v.(model.Item), nil
}

// forwardAndAccept は転送を1回行い、成功した場合のみ承認を適用する。
// 転送中はストアのロックを保持しない。
func (s *Service) forwardAndAccept(ctx context.Context, id string) (model.Item, error) {
	// 先行する承認が完了している可能性があるため取り直す
	current, err := s.store.Get(id)
	if err != nil {
		return model.Item{}, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}

	// クライアントの切断で転送を中断しない。期限は転送クライアント側で設定される
	if err := s.forwarder.Forward(context.WithoutCancel(ctx), current); err != nil {
		return model.Item{}, err
	}

	return s.transition(ctx, id, model.StatusAccepted)
}

// Cancel はアイテムを取り消す。既に終端状態のアイテムはそのまま返す。
func (s *Service) Cancel(ctx context.Context, id string) (model.Item, error) {
	return s.transition(ctx, id, model.StatusCancelled)
}

// Subscribe は現在のスナップショットを取得すると同時にオブザーバを登録する。
// スナップショット取得と登録の間に書き込みが入らないため、以降の変更は
// 返されたオブザーバへちょうど1回ずつ届く。
func (s *Service) Subscribe(channel string) ([]model.Item, *broadcast.Observer) {
	var (
		snapshot []model.Item
		observer *broadcast.Observer
	)
	s.store.View(func(items []model.Item) {
		snapshot = items
		observer = s.hub.Subscribe(channel)
	})
	return snapshot, observer
}

// transition はストアの状態遷移を行い、適用された場合のみイベントを配信する。
func (s *Service) transition(ctx context.Context, id string, target model.Status, opts ...store.TransitionOption) (model.Item, error) {
	item, applied, err := s.store.Transition(id, target, s.publishTransition, opts...)
	if err != nil {
		return model.Item{}, err
	}

	if applied {
		s.metrics.RecordTransition(string(item.Status))
		s.logger.InfoContext(ctx, "item transitioned",
			slog.String("item_id", item.ID),
			slog.String("status", string(item.Status)),
			slog.Bool("forward_skipped", item.ForwardSkipped),
		)
	}
	return item, nil
}

// publishTransition は遷移後の状態に対応するイベントを配信する。
func (s *Service) publishTransition(item model.Item) {
	if evt, ok := broadcast.ForTransition(item); ok {
		s.hub.Publish(evt)
	}
}
