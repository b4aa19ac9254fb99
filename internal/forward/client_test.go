package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/itemcast/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// recordingMetrics はMetricsのテスト用実装。
type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) RecordForward(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

var testItem = model.Item{ID: "item-1", Text: "hello", Status: model.StatusPending}

func TestClient_Forward_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストボディのデコードに失敗: %v", err)
		}
		if body["id"] != "item-1" || body["text"] != "hello" {
			t.Errorf("body = %v, want id=item-1 text=hello", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var buf bytes.Buffer
	m := &recordingMetrics{}
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), m)

	if err := c.Forward(context.Background(), testItem); err != nil {
		t.Fatalf("Forward がエラーを返した: %v", err)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != OutcomeOK {
		t.Errorf("outcomes = %v, want [%s]", m.outcomes, OutcomeOK)
	}
}

func TestClient_Forward_Non2xx_ReturnsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	m := &recordingMetrics{}
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), m)

	err := c.Forward(context.Background(), testItem)

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("err = %v (%T), want *UpstreamError", err, err)
	}
	if upstreamErr.Status != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", upstreamErr.Status, http.StatusServiceUnavailable)
	}
	if upstreamErr.Body != "maintenance" {
		t.Errorf("Body = %q, want %q", upstreamErr.Body, "maintenance")
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != OutcomeUpstream {
		t.Errorf("outcomes = %v, want [%s]", m.outcomes, OutcomeUpstream)
	}
}

func TestClient_Forward_Timeout_ReturnsTimeoutError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	var buf bytes.Buffer
	m := &recordingMetrics{}
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), m)
	c.timeout = 50 * time.Millisecond

	start := time.Now()
	err := c.Forward(context.Background(), testItem)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v (%T), want *TimeoutError", err, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Forward took %v, expected to be cut at the deadline", elapsed)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != OutcomeTimeout {
		t.Errorf("outcomes = %v, want [%s]", m.outcomes, OutcomeTimeout)
	}
}

func TestClient_Forward_ConnectionRefused_ReturnsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, url, newTestLogger(&buf), nil)

	err := c.Forward(context.Background(), testItem)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v (%T), want *TransportError", err, err)
	}
	if transportErr.Unwrap() == nil {
		t.Error("TransportError should wrap the cause")
	}
}

func TestClient_Forward_InvalidEndpoint_ReturnsTransportError(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, "://bad", newTestLogger(&buf), nil)

	err := c.Forward(context.Background(), testItem)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v (%T), want *TransportError", err, err)
	}
}

func TestClient_Forward_LogsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), server.URL, newTestLogger(&buf), nil)

	_ = c.Forward(context.Background(), testItem)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログのパースに失敗: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "forward failed" {
		t.Errorf("msg = %v, want %q", entry["msg"], "forward failed")
	}
	if entry["item_id"] != "item-1" {
		t.Errorf("item_id = %v, want %q", entry["item_id"], "item-1")
	}
}
