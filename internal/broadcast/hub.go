package broadcast

import (
	"log/slog"
	"sync"
)

// DefaultBufferSize はオブザーバーごとのイベントバッファのデフォルトサイズ。
const DefaultBufferSize = 64

// Metrics はハブが記録するメトリクスのインターフェース。
type Metrics interface {
	ObserverRegistered(channel string)
	ObserverReleased(channel string)
	EventPublished(kind string)
	EventDropped(channel string)
}

type nopMetrics struct{}

func (nopMetrics) ObserverRegistered(string) {}
func (nopMetrics) ObserverReleased(string)   {}
func (nopMetrics) EventPublished(string)     {}
func (nopMetrics) EventDropped(string)       {}

// Hub はイベントを登録中の全オブザーバーへ配信する。
//
// Publishは決してブロックしない。各オブザーバーは専用のバッファを持ち、
// バッファが溢れたオブザーバーは切り離される（クライアントは再接続して
// スナップショットから再同期する）。他のオブザーバーへの配信には影響しない。
type Hub struct {
	mu        sync.RWMutex
	observers map[uint64]*Observer
	nextID    uint64

	bufferSize int
	logger     *slog.Logger
	metrics    Metrics
}

// HubOption はHubの生成オプション。
type HubOption func(*Hub)

// WithBufferSize はオブザーバーごとのバッファサイズを指定する。
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithMetrics はメトリクスの記録先を指定する。
func WithMetrics(m Metrics) HubOption {
	return func(h *Hub) {
		if m != nil {
			h.metrics = m
		}
	}
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		observers:  make(map[uint64]*Observer),
		bufferSize: DefaultBufferSize,
		logger:     logger,
		metrics:    nopMetrics{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe は新しいオブザーバーを登録して返す。
// channelはメトリクスとログの識別用ラベル（"stream", "socket"）。
// 呼び出し元は接続終了時に必ずCloseを呼ぶこと。
func (h *Hub) Subscribe(channel string) *Observer {
	h.mu.Lock()
	h.nextID++
	o := &Observer{
		id:      h.nextID,
		channel: channel,
		events:  make(chan Event, h.bufferSize),
		done:    make(chan struct{}),
		hub:     h,
	}
	h.observers[o.id] = o
	h.mu.Unlock()

	h.metrics.ObserverRegistered(channel)
	h.logger.Debug("observer registered",
		slog.String("channel", channel),
		slog.Uint64("observer_id", o.id),
	)
	return o
}

// Publish はイベントを全オブザーバーへ配信する。
// 登録簿のスナップショットに対して送信するため、並行する登録・解除の影響を受けない。
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	targets := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	h.metrics.EventPublished(string(evt.Kind))

	for _, o := range targets {
		if !o.offer(evt) {
			h.metrics.EventDropped(o.channel)
			h.logger.Warn("observer buffer full, disconnecting",
				slog.String("channel", o.channel),
				slog.Uint64("observer_id", o.id),
				slog.String("event", string(evt.Kind)),
			)
			o.Close()
		}
	}
}

// Count は登録中のオブザーバー数を返す。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// remove はオブザーバーを登録簿から削除する。
func (h *Hub) remove(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o.id]
	delete(h.observers, o.id)
	h.mu.Unlock()

	if ok {
		h.metrics.ObserverReleased(o.channel)
		h.logger.Debug("observer released",
			slog.String("channel", o.channel),
			slog.Uint64("observer_id", o.id),
		)
	}
}

// Observer はハブに登録された1接続分の配信先。
type Observer struct {
	id      uint64
	channel string
	events  chan Event
	done    chan struct{}
	once    sync.Once
	hub     *Hub
}

// ID はオブザーバーの識別子を返す。
func (o *Observer) ID() uint64 {
	return o.id
}

// Events は配信されたイベントを受け取るチャネルを返す。
// このチャネルはクローズされない。終了はDoneで検知する。
func (o *Observer) Events() <-chan Event {
	return o.events
}

// Done はオブザーバーが切り離されたときにクローズされるチャネルを返す。
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Close はオブザーバーを登録解除する。複数回呼んでも安全。
func (o *Observer) Close() {
	o.once.Do(func() {
		close(o.done)
		o.hub.remove(o)
	})
}

// offer はイベントをバッファへ非ブロッキングで投入する。
// 既に切り離されている場合は何もせずtrueを返す。
func (o *Observer) offer(evt Event) bool {
	select {
	case <-o.done:
		return true
	default:
	}

	select {
	case o.events <- evt:
		return true
	default:
		return false
	}
}
