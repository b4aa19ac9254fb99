// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハブ、転送クライアント、アイテムサービスから利用する。
type MetricsCollector interface {
	RecordItemCreated()
	RecordTransition(status string)
	ObserverRegistered(channel string)
	ObserverReleased(channel string)
	EventPublished(kind string)
	EventDropped(channel string)
	RecordForward(outcome string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	itemsCreated    prometheus.Counter
	transitions     *prometheus.CounterVec
	observers       *prometheus.GaugeVec
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	forwardTotal    *prometheus.CounterVec
	forwardLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		itemsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itemcast_items_created_total",
			Help: "インジェストされたアイテムの合計数",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itemcast_item_transitions_total",
			Help: "遷移先状態別の状態遷移数",
		}, []string{"status"}),
		observers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "itemcast_observers",
			Help: "チャネル別の接続中オブザーバー数",
		}, []string{"channel"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itemcast_events_published_total",
			Help: "種別ごとの配信イベント数",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itemcast_events_dropped_total",
			Help: "バッファ溢れで切り離したオブザーバー数（チャネル別）",
		}, []string{"channel"}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itemcast_forward_requests_total",
			Help: "結果別の転送呼び出し数",
		}, []string{"outcome"}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "itemcast_forward_latency_seconds",
			Help:    "転送呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.itemsCreated,
		c.transitions,
		c.observers,
		c.eventsPublished,
		c.eventsDropped,
		c.forwardTotal,
		c.forwardLatency,
	)

	return c
}

// RecordItemCreated はアイテム生成を記録する。
func (c *Collector) RecordItemCreated() {
	c.itemsCreated.Inc()
}

// RecordTransition は状態遷移を記録する。
func (c *Collector) RecordTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

// ObserverRegistered はオブザーバーの登録を記録する。
func (c *Collector) ObserverRegistered(channel string) {
	c.observers.WithLabelValues(channel).Inc()
}

// ObserverReleased はオブザーバーの解除を記録する。
func (c *Collector) ObserverReleased(channel string) {
	c.observers.WithLabelValues(channel).Dec()
}

// EventPublished はイベント配信を記録する。
func (c *Collector) EventPublished(kind string) {
	c.eventsPublished.WithLabelValues(kind).Inc()
}

// EventDropped はバッファ溢れによる切り離しを記録する。
func (c *Collector) EventDropped(channel string) {
	c.eventsDropped.WithLabelValues(channel).Inc()
}

// RecordForward は転送呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordForward(outcome string, duration time.Duration) {
	c.forwardTotal.WithLabelValues(outcome).Inc()
	c.forwardLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
