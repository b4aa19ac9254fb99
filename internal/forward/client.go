// Package forward はアイテム承認時に外部システムへ送る転送呼び出しを提供する。
// 1回の呼び出しのみでリトライは行わない。失敗時の扱いは呼び出し元が決める。
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/itemcast/internal/model"
)

const (
	// DefaultTimeout は転送呼び出し1回あたりの制限時間。
	DefaultTimeout = 10 * time.Second
	// maxBodySize はエラー時に保持する転送先レスポンスボディの上限。
	maxBodySize = 64 << 10
)

// Metrics は転送結果を記録するメトリクスのインターフェース。
type Metrics interface {
	RecordForward(outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordForward(string, time.Duration) {}

// 転送結果のラベル
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeUpstream  = "upstream_error"
	OutcomeTransport = "transport_error"
)

// request は転送先へ送るリクエストボディ。
type request struct {
	Text string `json:"text"`
	ID   string `json:"id"`
}

// Client は転送先へアイテムをPOSTするクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    Metrics
	endpoint   string
	timeout    time.Duration // テスト用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientのタイムアウトとは別に、呼び出しごとにDefaultTimeoutの期限を設定する。
func NewClient(httpClient *http.Client, endpoint string, logger *slog.Logger, metrics Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		endpoint:   endpoint,
		timeout:    DefaultTimeout,
	}
}

// Endpoint は転送先URLを返す。
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Forward はアイテムの {id, text} を転送先へ1回だけ送信する。
// 2xx以外は *UpstreamError、期限超過は *TimeoutError、
// それ以外の送信失敗は *TransportError を返す。
func (c *Client) Forward(ctx context.Context, item model.Item) error {
	start := time.Now()
	err := c.do(ctx, item)
	c.metrics.RecordForward(outcomeOf(err), time.Since(start))

	if err != nil {
		c.logger.Warn("forward failed",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
		)
		return err
	}

	c.logger.Info("forward succeeded",
		slog.String("item_id", item.ID),
		slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
	)
	return nil
}

func (c *Client) do(ctx context.Context, item model.Item) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request{Text: item.Text, ID: item.ID})
	if err != nil {
		return fmt.Errorf("failed to encode forward request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Timeout: c.timeout}
		}
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// ボディ読み取り失敗時は空文字列として扱う
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		return &UpstreamError{Status: resp.StatusCode, Body: string(raw)}
	}

	// 接続を再利用できるよう残りを読み捨てる
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	return nil
}

// outcomeOf はエラーをメトリクスのラベルへ分類する。
func outcomeOf(err error) string {
	var (
		timeoutErr  *TimeoutError
		upstreamErr *UpstreamError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &timeoutErr):
		return OutcomeTimeout
	case errors.As(err, &upstreamErr):
		return OutcomeUpstream
	default:
		return OutcomeTransport
	}
}
