// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/itemcast/internal/forward"
	"github.com/hitoshi/itemcast/internal/middleware"
	"github.com/hitoshi/itemcast/internal/model"
)

// maxIngestBodySize はインジェストリクエストボディの上限。
const maxIngestBodySize = 1 << 20

// ItemServiceInterface はアイテムハンドラーが必要とするサービスインターフェース。
type ItemServiceInterface interface {
	// Ingest はテキストから新しいアイテムを生成する。
	Ingest(ctx context.Context, text string) (model.Item, error)
	// List は全アイテムを新しい順で返す。
	List(ctx context.Context) []model.Item
	// Accept はアイテムを承認する。転送先が設定されている場合は転送成功時のみ承認する。
	Accept(ctx context.Context, id string) (model.Item, error)
	// Cancel はアイテムを取り消す。
	Cancel(ctx context.Context, id string) (model.Item, error)
}

// ItemHandler はアイテム操作のHTTPハンドラー。
type ItemHandler struct {
	service ItemServiceInterface
	logger  *slog.Logger
}

// NewItemHandler はItemHandlerを生成する。
func NewItemHandler(service ItemServiceInterface, logger *slog.Logger) *ItemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItemHandler{
		service: service,
		logger:  logger,
	}
}

// ingestRequest はインジェストリクエストのボディ。
// 文字列以外のtextを検出するため生のJSONで受け取る。
type ingestRequest struct {
	Text json.RawMessage `json:"text"`
}

// Ingest はテキストを受け付けて新しいアイテムを生成する。
// POST /ingest
func (h *ItemHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeIngestText(w, r)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewTextRequiredError())
		return
	}

	item, err := h.service.Ingest(r.Context(), text)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// ListItems は全アイテムを新しい順で返す。
// GET /items
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items := h.service.List(r.Context())
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// Accept はアイテムを承認する。
// POST /accept/{id}
func (h *ItemHandler) Accept(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Accept(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Cancel はアイテムを取り消す。
// POST /cancel/{id}
func (h *ItemHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Health は稼働確認用のエンドポイント。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeIngestText はリクエストボディからtextを取り出す。
// ボディが不正な場合やtextが文字列でない場合はfalseを返す。
func decodeIngestText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBodySize)).Decode(&req); err != nil {
		return "", false
	}
	var text string
	if len(req.Text) == 0 || json.Unmarshal(req.Text, &text) != nil {
		return "", false
	}
	return text, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPレスポンスに変換する。
func (h *ItemHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr       *model.APIError
		upstreamErr  *forward.UpstreamError
		timeoutErr   *forward.TimeoutError
		transportErr *forward.TransportError
	)

	switch {
	case errors.As(err, &upstreamErr):
		body := upstreamErr.Body
		middleware.WriteErrorBody(w, http.StatusBadGateway, middleware.ErrorResponseBody{
			Error:  model.ErrCodeForwardFailed,
			Status: upstreamErr.Status,
			Body:   &body,
		})
	case errors.As(err, &timeoutErr), errors.As(err, &transportErr):
		middleware.WriteErrorBody(w, http.StatusBadGateway, middleware.ErrorResponseBody{
			Error:   model.ErrCodeForwardError,
			Message: err.Error(),
		})
	case errors.As(err, &apiErr):
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	default:
		// APIError以外のエラーは内部サーバーエラーとして扱う
		h.logger.ErrorContext(r.Context(), "internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeTextRequired:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeForwardFailed, model.ErrCodeForwardError:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでAPIエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
