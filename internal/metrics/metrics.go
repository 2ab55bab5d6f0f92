// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RPC呼び出し結果のラベル値
const (
	OutcomeOK        = "ok"
	OutcomeRemoteErr = "remote_error"
	OutcomeTransport = "transport_error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ゲートウェイ、ポーラー、ミューテーション層、バックエンドから利用する。
type MetricsCollector interface {
	RecordRPC(method, outcome string, duration time.Duration)
	RecordPollTick(task string)
	RecordStarRollback()
	RecordNotification(level string)
	RecordBackendCall(method, outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	rpcCalls      *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	pollTicks     *prometheus.CounterVec
	starRollbacks prometheus.Counter
	notifications *prometheus.CounterVec
	backendCalls  *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuamail_rpc_calls_total",
			Help: "バックエンド呼び出しのメソッド・結果別の合計数",
		}, []string{"method", "outcome"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tuamail_rpc_latency_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuamail_poll_ticks_total",
			Help: "定期タスクの実行回数",
		}, []string{"task"}),
		starRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tuamail_star_rollbacks_total",
			Help: "スター切り替え失敗によるロールバックの合計数",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuamail_notifications_total",
			Help: "表示した通知のレベル別の合計数",
		}, []string{"level"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuamail_backend_calls_total",
			Help: "バックエンドが処理した呼び出しのメソッド・結果別の合計数",
		}, []string{"method", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tuamail_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.rpcCalls,
		c.rpcLatency,
		c.pollTicks,
		c.starRollbacks,
		c.notifications,
		c.backendCalls,
		c.httpStatus,
	)

	return c
}

// RecordRPC はバックエンド呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordRPC(method, outcome string, duration time.Duration) {
	c.rpcCalls.WithLabelValues(method, outcome).Inc()
	c.rpcLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordPollTick は定期タスクの実行を記録する。
func (c *Collector) RecordPollTick(task string) {
	c.pollTicks.WithLabelValues(task).Inc()
}

// RecordStarRollback はスターのロールバックを記録する。
func (c *Collector) RecordStarRollback() {
	c.starRollbacks.Inc()
}

// RecordNotification は通知の表示を記録する。
func (c *Collector) RecordNotification(level string) {
	c.notifications.WithLabelValues(level).Inc()
}

// RecordBackendCall はバックエンド側で処理した呼び出しを記録する。
func (c *Collector) RecordBackendCall(method, outcome string) {
	c.backendCalls.WithLabelValues(method, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス不要の構成とテストで使用する。
type Nop struct{}

func (Nop) RecordRPC(string, string, time.Duration) {}
func (Nop) RecordPollTick(string)                   {}
func (Nop) RecordStarRollback()                     {}
func (Nop) RecordNotification(string)               {}
func (Nop) RecordBackendCall(string, string)        {}
func (Nop) RecordHTTPStatus(int)                    {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
