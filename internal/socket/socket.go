// Package socket はWebSocketによるイベント配信チャネルを提供する。
//
// 各メッセージは {"type": <kind>, "payload": <payload>} 形式のJSONテキストフレームで送られる。
// クライアントからの受信フレームは読み捨て、切断の検出にのみ使う。
package socket

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/itemcast/internal/broadcast"
	"github.com/hitoshi/itemcast/internal/model"
)

// Channel はオブザーバ登録時のチャネル名。
const Channel = "socket"

// DefaultWriteTimeout は1メッセージあたりの書き込み期限のデフォルト値。
const DefaultWriteTimeout = 10 * time.Second

// Subscriber はスナップショットの取得とオブザーバ登録を原子的に行う。
type Subscriber interface {
	Subscribe(channel string) ([]model.Item, *broadcast.Observer)
}

// OriginPolicy はハンドシェイク時のOriginヘッダーを検査する。
type OriginPolicy interface {
	Allows(origin string) bool
}

// Message はソケットチャネルで送るメッセージ。
type Message struct {
	Type    broadcast.Kind `json:"type"`
	Payload any            `json:"payload"`
}

// Handler は /ws を処理するWebSocketハンドラー。
type Handler struct {
	subscriber   Subscriber
	origins      OriginPolicy
	logger       *slog.Logger
	writeTimeout time.Duration
	server       websocket.Server
}

// Option はHandlerの生成オプション。
type Option func(*Handler)

// WithOriginPolicy はハンドシェイク時のOrigin検査を設定する。
// 設定しない場合はすべてのOriginを受け入れる。
func WithOriginPolicy(p OriginPolicy) Option {
	return func(h *Handler) {
		h.origins = p
	}
}

// WithWriteTimeout は1メッセージあたりの書き込み期限を設定する。
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
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.server = websocket.Server{
		Handshake: h.handshake,
		Handler:   h.serve,
	}
	return h
}

// ServeHTTP はWebSocketへのアップグレードを行う。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// handshake はOriginを検査する。Originを送らない非ブラウザクライアントは常に受け入れる。
func (h *Handler) handshake(config *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" || h.origins == nil {
		return nil
	}
	if !h.origins.Allows(origin) {
		h.logger.WarnContext(r.Context(), "websocket origin rejected", slog.String("origin", origin))
		return fmt.Errorf("origin not allowed: %s", origin)
	}
	return nil
}

// serve はinitメッセージを送った後、切断されるまでイベントを配信する。
func (h *Handler) serve(ws *websocket.Conn) {
	defer ws.Close()
	ctx := ws.Request().Context()

	snapshot, observer := h.subscriber.Subscribe(Channel)
	defer observer.Close()

	logger := h.logger.With(slog.String("channel", Channel), slog.Uint64("observer_id", observer.ID()))
	logger.DebugContext(ctx, "observer connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		discardInbound(ws)
	}()

	if err := h.send(ws, broadcast.Snapshot(snapshot)); err != nil {
		logger.DebugContext(ctx, "observer write failed", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "observer shutting down")
			return
		case <-closed:
			logger.DebugContext(ctx, "observer disconnected")
			return
		case <-observer.Done():
			logger.DebugContext(ctx, "observer released by hub")
			return
		case evt := <-observer.Events():
			if err := h.send(ws, evt); err != nil {
				logger.DebugContext(ctx, "observer write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// send は書き込み期限を設定してイベントを1メッセージとして送る。
func (h *Handler) send(ws *websocket.Conn, evt broadcast.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(ws, Message{Type: evt.Kind, Payload: evt.Payload})
}

// discardInbound は読み込みエラー（切断を含む）まで受信フレームを読み捨てる。
func discardInbound(ws *websocket.Conn) {
	var msg []byte
	for {
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
	}
}
