// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// バックエンドクライアントや状態機械から利用する。
type MetricsCollector interface {
	RecordBackendRequest(endpoint string, statusCode int, duration time.Duration)
	RecordLogin(outcome string)
	RecordLinkAttempt(platform, strategy string)
	RecordLinkVerified(platform string)
	RecordClaim(outcome string)
	RecordPollIteration(poller string)
	SetActiveViews(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	backendRequests *prometheus.CounterVec
	backendLatency  prometheus.Histogram
	logins          *prometheus.CounterVec
	linkAttempts    *prometheus.CounterVec
	linkVerified    *prometheus.CounterVec
	claims          *prometheus.CounterVec
	pollIterations  *prometheus.CounterVec
	activeViews     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_backend_requests_total",
			Help: "バックエンドAPI呼び出し数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status_code"}),
		backendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smirk_backend_latency_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_logins_total",
			Help: "ログイン試行の結果別合計数",
		}, []string{"outcome"}),
		linkAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_link_attempts_total",
			Help: "ソーシャル連携開始の合計数",
		}, []string{"platform", "strategy"}),
		linkVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_link_verified_total",
			Help: "ソーシャル連携完了の合計数",
		}, []string{"platform"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_tip_claims_total",
			Help: "公開チップ受け取りの結果別合計数",
		}, []string{"outcome"}),
		pollIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smirk_poll_iterations_total",
			Help: "ポーリングの取得回数",
		}, []string{"poller"}),
		activeViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smirk_active_views",
			Help: "保持中のブラウザビュー数",
		}),
	}

	reg.MustRegister(
		c.backendRequests,
		c.backendLatency,
		c.logins,
		c.linkAttempts,
		c.linkVerified,
		c.claims,
		c.pollIterations,
		c.activeViews,
	)

	return c
}

// RecordBackendRequest はバックエンド呼び出しを記録する。通信エラーはステータス0で記録する。
func (c *Collector) RecordBackendRequest(endpoint string, statusCode int, duration time.Duration) {
	c.backendRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.backendLatency.Observe(duration.Seconds())
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordLinkAttempt はソーシャル連携の開始を記録する。
func (c *Collector) RecordLinkAttempt(platform, strategy string) {
	c.linkAttempts.WithLabelValues(platform, strategy).Inc()
}

// RecordLinkVerified はソーシャル連携の完了を記録する。
func (c *Collector) RecordLinkVerified(platform string) {
	c.linkVerified.WithLabelValues(platform).Inc()
}

// RecordClaim は受け取り結果を記録する。
func (c *Collector) RecordClaim(outcome string) {
	c.claims.WithLabelValues(outcome).Inc()
}

// RecordPollIteration はポーリング1回分の取得を記録する。
func (c *Collector) RecordPollIteration(poller string) {
	c.pollIterations.WithLabelValues(poller).Inc()
}

// SetActiveViews は保持中のビュー数を設定する。
func (c *Collector) SetActiveViews(n int) {
	c.activeViews.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordBackendRequest(string, int, time.Duration) {}
func (Nop) RecordLogin(string)                              {}
func (Nop) RecordLinkAttempt(string, string)                {}
func (Nop) RecordLinkVerified(string)                       {}
func (Nop) RecordClaim(string)                              {}
func (Nop) RecordPollIteration(string)                      {}
func (Nop) SetActiveViews(int)                              {}

// NewRegistry はGoランタイムとプロセスのメトリクスを登録済みのレジストリを返す。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 収集に失敗したメトリクスがあっても取得できた分は返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
