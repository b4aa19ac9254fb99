package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/itemcast/internal/forward"
	"github.com/hitoshi/itemcast/internal/model"
)

// --- モック定義 ---

// mockItemService はItemServiceInterfaceのモック実装。
type mockItemService struct {
	ingestFn func(ctx context.Context, text string) (model.Item, error)
	listFn   func(ctx context.Context) []model.Item
	acceptFn func(ctx context.Context, id string) (model.Item, error)
	cancelFn func(ctx context.Context, id string) (model.Item, error)
}

func (m *mockItemService) Ingest(ctx context.Context, text string) (model.Item, error) {
	if m.ingestFn != nil {
		return m.ingestFn(ctx, text)
	}
	return model.Item{}, nil
}

func (m *mockItemService) List(ctx context.Context) []model.Item {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil
}

func (m *mockItemService) Accept(ctx context.Context, id string) (model.Item, error) {
	if m.acceptFn != nil {
		return m.acceptFn(ctx, id)
	}
	return model.Item{}, nil
}

func (m *mockItemService) Cancel(ctx context.Context, id string) (model.Item, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, id)
	}
	return model.Item{}, nil
}

// newItemRouter はItemHandlerのルートだけを持つテスト用ルーターを返す。
func newItemRouter(svc ItemServiceInterface) http.Handler {
	h := NewItemHandler(svc, nil)
	r := chi.NewRouter()
	r.Post("/ingest", h.Ingest)
	r.Get("/items", h.ListItems)
	r.Post("/accept/{id}", h.Accept)
	r.Post("/cancel/{id}", h.Cancel)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

// --- POST /ingest テスト ---

func TestItemHandler_Ingest_Success(t *testing.T) {
	created := time.Date(2026, 5, 1, 9, 0, 0, 123000000, time.UTC)
	svc := &mockItemService{
		ingestFn: func(ctx context.Context, text string) (model.Item, error) {
			if text != "hello" {
				t.Errorf("text = %q, want %q", text, "hello")
			}
			return model.Item{ID: "item-1", Text: text, Status: model.StatusPending, CreatedAt: created}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	newItemRouter(svc).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	body := decodeBody(t, w)
	if body["id"] != "item-1" || body["status"] != "pending" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["createdAt"] != "2026-05-01T09:00:00.123Z" {
		t.Errorf("createdAt = %v, want %q", body["createdAt"], "2026-05-01T09:00:00.123Z")
	}
	for _, key := range []string{"acceptedAt", "cancelledAt", "forwardSkipped"} {
		if _, ok := body[key]; ok {
			t.Errorf("pending item should not contain %q", key)
		}
	}
}

func TestItemHandler_Ingest_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"空のボディ", ""},
		{"不正なJSON", "{"},
		{"textなし", `{}`},
		{"textが数値", `{"text":42}`},
		{"textがオブジェクト", `{"text":{"a":1}}`},
		{"textが配列", `["hello"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockItemService{
				ingestFn: func(ctx context.Context, text string) (model.Item, error) {
					t.Error("service should not be called")
					return model.Item{}, nil
				},
			}

			req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			newItemRouter(svc).ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if body := decodeBody(t, w); body["error"] != "text is required" {
				t.Errorf("error = %v, want %q", body["error"], "text is required")
			}
		})
	}
}

func TestItemHandler_Ingest_EmptyTextFromService(t *testing.T) {
	svc := &mockItemService{
		ingestFn: func(ctx context.Context, text string) (model.Item, error) {
			return model.Item{}, model.NewTextRequiredError()
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"text":""}`))
	w := httptest.NewRecorder()

	newItemRouter(svc).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := w.Body.String(); got != "{\"error\":\"text is required\"}\n" {
		t.Errorf("body = %q", got)
	}
}

// --- GET /items テスト ---

func TestItemHandler_ListItems(t *testing.T) {
	svc := &mockItemService{
		listFn: func(ctx context.Context) []model.Item {
			return []model.Item{
				{ID: "b", Text: "second", Status: model.StatusPending},
				{ID: "a", Text: "first", Status: model.StatusCancelled},
			}
		},
	}

	w := httptest.NewRecorder()
	newItemRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var items []model.Item
	if err := json.NewDecoder(w.Body).Decode(&items); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(items) != 2 || items[0].ID != "b" || items[1].ID != "a" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestItemHandler_ListItems_EmptyIsArray(t *testing.T) {
	w := httptest.NewRecorder()
	newItemRouter(&mockItemService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items", nil))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want %q", got, "[]")
	}
}

// --- POST /accept/{id} テスト ---

func TestItemHandler_Accept_Success(t *testing.T) {
	accepted := time.Date(2026, 5, 1, 9, 0, 1, 0, time.UTC)
	svc := &mockItemService{
		acceptFn: func(ctx context.Context, id string) (model.Item, error) {
			if id != "item-1" {
				t.Errorf("id = %q, want %q", id, "item-1")
			}
			return model.Item{ID: id, Text: "hello", Status: model.StatusAccepted, AcceptedAt: &accepted, ForwardSkipped: true}, nil
		},
	}

	w := httptest.NewRecorder()
	newItemRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accept/item-1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decodeBody(t, w)
	if body["status"] != "accepted" || body["forwardSkipped"] != true {
		t.Errorf("unexpected body: %v", body)
	}
	if body["acceptedAt"] != "2026-05-01T09:00:01Z" {
		t.Errorf("acceptedAt = %v", body["acceptedAt"])
	}
}

func TestItemHandler_Accept_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "存在しないアイテム",
			err:        model.NewItemNotFoundError("missing"),
			wantStatus: http.StatusNotFound,
			wantBody:   map[string]any{"error": "not_found"},
		},
		{
			name:       "転送先が失敗を返す",
			err:        &forward.UpstreamError{Status: 503, Body: "unavailable"},
			wantStatus: http.StatusBadGateway,
			wantBody:   map[string]any{"error": "forward_failed", "status": float64(503), "body": "unavailable"},
		},
		{
			name:       "転送先が空の本文で失敗を返す",
			err:        &forward.UpstreamError{Status: 500},
			wantStatus: http.StatusBadGateway,
			wantBody:   map[string]any{"error": "forward_failed", "status": float64(500), "body": ""},
		},
		{
			name:       "転送タイムアウト",
			err:        &forward.TimeoutError{Timeout: 10 * time.Second},
			wantStatus: http.StatusBadGateway,
			wantBody:   map[string]any{"error": "forward_error", "message": "forward timed out after 10s"},
		},
		{
			name:       "転送の接続失敗",
			err:        &forward.TransportError{Err: errors.New("connection refused")},
			wantStatus: http.StatusBadGateway,
			wantBody:   map[string]any{"error": "forward_error", "message": "forward transport error: connection refused"},
		},
		{
			name:       "想定外のエラー",
			err:        errors.New("unexpected"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]any{"error": "internal_error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockItemService{
				acceptFn: func(ctx context.Context, id string) (model.Item, error) {
					return model.Item{}, tt.err
				},
			}

			w := httptest.NewRecorder()
			newItemRouter(svc).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/accept/missing", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeBody(t, w)
			for k, v := range tt.wantBody {
				if body[k] != v {
					t.Errorf("%s = %v, want %v", k, body[k], v)
				}
			}
		})
	}
}

// --- POST /cancel/{id} テスト ---

func TestItemHandler_Cancel(t *testing.T) {
	cancelled := time.Date(2026, 5, 1, 9, 0, 2, 0, time.UTC)
	svc := &mockItemService{
		cancelFn: func(ctx context.Context, id string) (model.Item, error) {
			if id == "missing" {
				return model.Item{}, model.NewItemNotFoundError(id)
			}
			return model.Item{ID: id, Status: model.StatusCancelled, CancelledAt: &cancelled}, nil
		},
	}
	router := newItemRouter(svc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cancel/item-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body := decodeBody(t, w); body["status"] != "cancelled" || body["cancelledAt"] != "2026-05-01T09:00:02Z" {
		t.Errorf("unexpected body: %v", body)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cancel/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- GET /health テスト ---

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %q", got)
	}
}

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeTextRequired, http.StatusBadRequest},
		{model.ErrCodeNotFound, http.StatusNotFound},
		{model.ErrCodeForwardFailed, http.StatusBadGateway},
		{model.ErrCodeForwardError, http.StatusBadGateway},
		{model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{"unknown", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
			t.Errorf("mapAPIErrorToHTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestDecodeIngestText_RejectsOversizedBody(t *testing.T) {
	big := `{"text":"` + strings.Repeat("a", maxIngestBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString(big))
	w := httptest.NewRecorder()

	if _, ok := decodeIngestText(w, req); ok {
		t.Error("expected oversized body to be rejected")
	}
}
