// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// インテークハンドラー、キュー、コンシューマ、レートリミッターから利用する。
type Recorder interface {
	RecordVerification(mode string)
	RecordNotificationReceived()
	RecordValidationFailure(code string)
	RecordEnqueue(ok bool)
	RecordConsumerProcessed()
	RecordConsumerFailure()
	RecordConsumerDropped()
	RecordConsumerLatency(duration time.Duration)
	RecordRateLimitRejected(path string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	verifications    *prometheus.CounterVec
	received         prometheus.Counter
	validationFail   *prometheus.CounterVec
	enqueued         prometheus.Counter
	enqueueFail      prometheus.Counter
	consumerOK       prometheus.Counter
	consumerFail     prometheus.Counter
	consumerDropped  prometheus.Counter
	consumerLatency  prometheus.Histogram
	rateLimitReject  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytrelay_verifications_total",
			Help: "検証ハンドシェイクの合計数（モード別）",
		}, []string{"mode"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_notifications_received_total",
			Help: "受信した通知リクエストの合計数",
		}),
		validationFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytrelay_notification_validation_fail_total",
			Help: "通知バリデーション失敗の合計数（エラーコード別）",
		}, []string{"code"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_notifications_enqueued_total",
			Help: "キューへの投入に成功した通知の合計数",
		}),
		enqueueFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_notifications_enqueue_fail_total",
			Help: "キューへの投入に失敗した通知の合計数",
		}),
		consumerOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_consumer_processed_total",
			Help: "コンシューマが処理に成功したメッセージの合計数",
		}),
		consumerFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_consumer_fail_total",
			Help: "コンシューマが処理に失敗し再キューしたメッセージの合計数",
		}),
		consumerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ytrelay_consumer_dropped_total",
			Help: "再配達上限に達して破棄されたメッセージの合計数",
		}),
		consumerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ytrelay_consumer_latency_seconds",
			Help:    "メッセージ処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimitReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ytrelay_ratelimit_rejected_total",
			Help: "レート制限により拒否されたリクエストの合計数（パス別）",
		}, []string{"path"}),
	}

	reg.MustRegister(
		c.verifications,
		c.received,
		c.validationFail,
		c.enqueued,
		c.enqueueFail,
		c.consumerOK,
		c.consumerFail,
		c.consumerDropped,
		c.consumerLatency,
		c.rateLimitReject,
	)

	return c
}

// RecordVerification は検証ハンドシェイクを記録する。
func (c *Collector) RecordVerification(mode string) {
	if mode == "" {
		mode = "none"
	}
	c.verifications.WithLabelValues(mode).Inc()
}

// RecordNotificationReceived は通知リクエストの受信を記録する。
func (c *Collector) RecordNotificationReceived() {
	c.received.Inc()
}

// RecordValidationFailure はバリデーション失敗を記録する。
func (c *Collector) RecordValidationFailure(code string) {
	c.validationFail.WithLabelValues(code).Inc()
}

// RecordEnqueue はキュー投入の結果を記録する。
func (c *Collector) RecordEnqueue(ok bool) {
	if ok {
		c.enqueued.Inc()
	} else {
		c.enqueueFail.Inc()
	}
}

// RecordConsumerProcessed は処理成功を記録する。
func (c *Collector) RecordConsumerProcessed() {
	c.consumerOK.Inc()
}

// RecordConsumerFailure は処理失敗（再キュー）を記録する。
func (c *Collector) RecordConsumerFailure() {
	c.consumerFail.Inc()
}

// RecordConsumerDropped は再配達上限による破棄を記録する。
func (c *Collector) RecordConsumerDropped() {
	c.consumerDropped.Inc()
}

// RecordConsumerLatency はメッセージ処理のレイテンシを記録する。
func (c *Collector) RecordConsumerLatency(duration time.Duration) {
	c.consumerLatency.Observe(duration.Seconds())
}

// RecordRateLimitRejected はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitRejected(path string) {
	c.rateLimitReject.WithLabelValues(path).Inc()
}

// NopRecorder は何も記録しないRecorder。テストおよび未配線時に使用する。
type NopRecorder struct{}

func (NopRecorder) RecordVerification(string)               {}
func (NopRecorder) RecordNotificationReceived()             {}
func (NopRecorder) RecordValidationFailure(string)          {}
func (NopRecorder) RecordEnqueue(bool)                      {}
func (NopRecorder) RecordConsumerProcessed()                {}
func (NopRecorder) RecordConsumerFailure()                  {}
func (NopRecorder) RecordConsumerDropped()                  {}
func (NopRecorder) RecordConsumerLatency(time.Duration)     {}
func (NopRecorder) RecordRateLimitRejected(string)          {}

// compile-time interface checks
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = NopRecorder{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
