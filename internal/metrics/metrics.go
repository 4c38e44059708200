// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ワーカー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordIssueCreated(severity string)
	RecordStatusTransition(from, to string)
	RecordTransitionConflict()
	RecordCommentAdded()
	RecordLoginFailure(reason string)
	RecordHTTPStatus(statusCode int)
	RecordIssuesImported(count int)
	RecordImportLatency(duration time.Duration)
	RecordJobRun(job string, duration time.Duration, failed bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	issuesCreated       *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	transitionConflicts prometheus.Counter
	commentsAdded       prometheus.Counter
	loginFailures       *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
	issuesImported      prometheus.Counter
	importLatency       prometheus.Histogram
	jobDuration         *prometheus.HistogramVec
	jobFailures         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		issuesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuedesk_issues_created_total",
			Help: "重要度別の課題作成数",
		}, []string{"severity"}),
		statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuedesk_status_transitions_total",
			Help: "遷移元・遷移先別のステータス遷移数",
		}, []string{"from", "to"}),
		transitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuedesk_transition_conflicts_total",
			Help: "同時更新により拒否されたステータス遷移の合計数",
		}),
		commentsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuedesk_comments_added_total",
			Help: "追加されたコメントの合計数",
		}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuedesk_login_failures_total",
			Help: "理由別のログイン失敗数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuedesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		issuesImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issuedesk_imported_issues_total",
			Help: "フィードから取り込まれた課題の合計数",
		}),
		importLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "issuedesk_import_latency_seconds",
			Help:    "フィード取り込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "issuedesk_job_duration_seconds",
			Help:    "バックグラウンドジョブの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "issuedesk_job_failures_total",
			Help: "バックグラウンドジョブの失敗数",
		}, []string{"job"}),
	}

	reg.MustRegister(
		c.issuesCreated,
		c.statusTransitions,
		c.transitionConflicts,
		c.commentsAdded,
		c.loginFailures,
		c.httpStatus,
		c.issuesImported,
		c.importLatency,
		c.jobDuration,
		c.jobFailures,
	)

	return c
}

// RecordIssueCreated は課題作成を記録する。
func (c *Collector) RecordIssueCreated(severity string) {
	c.issuesCreated.WithLabelValues(severity).Inc()
}

// RecordStatusTransition はステータス遷移を記録する。
func (c *Collector) RecordStatusTransition(from, to string) {
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordTransitionConflict は遷移の競合を記録する。
func (c *Collector) RecordTransitionConflict() {
	c.transitionConflicts.Inc()
}

// RecordCommentAdded はコメント追加を記録する。
func (c *Collector) RecordCommentAdded() {
	c.commentsAdded.Inc()
}

// RecordLoginFailure はログイン失敗を記録する。
func (c *Collector) RecordLoginFailure(reason string) {
	c.loginFailures.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordIssuesImported は取り込まれた課題数を記録する。
func (c *Collector) RecordIssuesImported(count int) {
	c.issuesImported.Add(float64(count))
}

// RecordImportLatency は取り込みのレイテンシを記録する。
func (c *Collector) RecordImportLatency(duration time.Duration) {
	c.importLatency.Observe(duration.Seconds())
}

// RecordJobRun はバックグラウンドジョブの実行結果を記録する。
func (c *Collector) RecordJobRun(job string, duration time.Duration, failed bool) {
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if failed {
		c.jobFailures.WithLabelValues(job).Inc()
	}
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時に使用する。
type Nop struct{}

func (Nop) RecordIssueCreated(string)                {}
func (Nop) RecordStatusTransition(string, string)    {}
func (Nop) RecordTransitionConflict()                {}
func (Nop) RecordCommentAdded()                      {}
func (Nop) RecordLoginFailure(string)                {}
func (Nop) RecordHTTPStatus(int)                     {}
func (Nop) RecordIssuesImported(int)                 {}
func (Nop) RecordImportLatency(time.Duration)        {}
func (Nop) RecordJobRun(string, time.Duration, bool) {}

// OrNop はcがnilの場合にNopを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
