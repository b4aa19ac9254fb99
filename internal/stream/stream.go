// Package stream はServer-Sent Eventsによるイベント配信チャネルを提供する。
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/itemcast/internal/broadcast"
	"github.com/hitoshi/itemcast/internal/model"
)

// Channel はオブザーバ登録時のチャネル名。
const Channel = "stream"

const (
	// DefaultHeartbeat はキープアライブコメントの送信間隔のデフォルト値。
	DefaultHeartbeat = 25 * time.Second
	// DefaultWriteTimeout は1フレームあたりの書き込み期限のデフォルト値。
	DefaultWriteTimeout = 10 * time.Second
)

// Subscriber はスナップショットの取得とオブザーバ登録を原子的に行う。
type Subscriber interface {
	Subscribe(channel string) ([]model.Item, *broadcast.Observer)
}

// Handler は GET /events を処理するSSEハンドラー。
type Handler struct {
	subscriber   Subscriber
	logger       *slog.Logger
	heartbeat    time.Duration
	writeTimeout time.Duration
}

// Option はHandlerの生成オプション。
type Option func(*Handler)

// WithHeartbeat はキープアライブコメントの送信間隔を設定する。
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithWriteTimeout は1フレームあたりの書き込み期限を設定する。
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewHandler はHandlerの新しいインスタンスを生成する。
func NewHandler(subscriber Subscriber, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		subscriber:   subscriber,
		logger:       logger,
		heartbeat:    DefaultHeartbeat,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP はinitフレームを送った後、切断されるまでイベントを配信する。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.ErrorContext(r.Context(), "streaming not supported", slog.String("error", err.Error()))
		return
	}

	snapshot, observer := h.subscriber.Subscribe(Channel)
	defer observer.Close()

	logger := h.logger.With(slog.String("channel", Channel), slog.Uint64("observer_id", observer.ID()))
	logger.DebugContext(r.Context(), "observer connected")

	if err := h.send(rc, w, broadcast.Snapshot(snapshot)); err != nil {
		logger.DebugContext(r.Context(), "observer write failed", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.DebugContext(r.Context(), "observer disconnected")
			return
		case <-observer.Done():
			// バッファ溢れで切断された。クライアントは再接続でinitから同期し直す
			logger.DebugContext(r.Context(), "observer released by hub")
			return
		case evt := <-observer.Events():
			if err := h.send(rc, w, evt); err != nil {
				logger.DebugContext(r.Context(), "observer write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := h.write(rc, func() error {
				_, err := io.WriteString(w, ": ping\n\n")
				return err
			}); err != nil {
				logger.DebugContext(r.Context(), "heartbeat write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// send はイベントを1フレームとして書き込む。
func (h *Handler) send(rc *http.ResponseController, w io.Writer, evt broadcast.Event) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", evt.Kind, err)
	}
	return h.write(rc, func() error {
		return WriteFrame(w, string(evt.Kind), data)
	})
}

// write は書き込み期限を設定してから書き込み、フラッシュする。
func (h *Handler) write(rc *http.ResponseController, fn func() error) error {
	if err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return rc.Flush()
}

// WriteFrame は "event: <kind>\ndata: <json>\n\n" 形式のフレームを書き込む。
func WriteFrame(w io.Writer, kind string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
	return err
}
