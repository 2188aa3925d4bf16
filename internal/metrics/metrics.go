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
// サービス層、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordReservation(outcome string)
	RecordRideBooked(rideType string)
	RecordRideStatus(status string)
	RecordRefund(paymentType string, amount float64)
	RecordEventPublished(eventType string)
	RecordEventFailure(eventType string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordJobRun(job string, processed int, duration time.Duration)
	RecordSensorUpdate(outcome string)
	SetWebSocketConnections(n int)
}

// 予約メトリクスのoutcomeラベル
const (
	OutcomeCreated   = "created"
	OutcomeCancelled = "cancelled"
	OutcomeCompleted = "completed"
	OutcomeNoShow    = "no_show"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	reservations   *prometheus.CounterVec
	ridesBooked    *prometheus.CounterVec
	rideStatus     *prometheus.CounterVec
	refunds        *prometheus.CounterVec
	refundAmount   *prometheus.CounterVec
	eventsOut      *prometheus.CounterVec
	eventFailures  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	jobProcessed   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	sensorUpdates  *prometheus.CounterVec
	wsConnections  prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_reservations_total",
			Help: "駐車予約の状態遷移数",
		}, []string{"outcome"}),
		ridesBooked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_rides_booked_total",
			Help: "乗車種別ごとの乗車予約数",
		}, []string{"type"}),
		rideStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_ride_status_changes_total",
			Help: "遷移先ステータスごとの乗車ステータス変更数",
		}, []string{"status"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_refunds_total",
			Help: "支払い種別ごとの返金件数",
		}, []string{"type"}),
		refundAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_refund_amount_total",
			Help: "支払い種別ごとの返金額の合計",
		}, []string{"type"}),
		eventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_events_published_total",
			Help: "発行したドメインイベント数",
		}, []string{"type"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_event_publish_failures_total",
			Help: "発行に失敗したドメインイベント数",
		}, []string{"type"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkride_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		jobProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_job_processed_total",
			Help: "バックグラウンドジョブが処理したレコード数",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parkride_job_duration_seconds",
			Help:    "バックグラウンドジョブ1回あたりの実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		sensorUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkride_sensor_updates_total",
			Help: "センサーメッセージの処理結果",
		}, []string{"outcome"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parkride_websocket_connections",
			Help: "接続中のWebSocketクライアント数",
		}),
	}

	reg.MustRegister(
		c.reservations,
		c.ridesBooked,
		c.rideStatus,
		c.refunds,
		c.refundAmount,
		c.eventsOut,
		c.eventFailures,
		c.httpStatus,
		c.requestLatency,
		c.jobProcessed,
		c.jobDuration,
		c.sensorUpdates,
		c.wsConnections,
	)

	return c
}

// RecordReservation は予約の状態遷移を記録する。
func (c *Collector) RecordReservation(outcome string) {
	c.reservations.WithLabelValues(outcome).Inc()
}

// RecordRideBooked は乗車予約の作成を記録する。
func (c *Collector) RecordRideBooked(rideType string) {
	c.ridesBooked.WithLabelValues(rideType).Inc()
}

// RecordRideStatus は乗車ステータスの変更を記録する。
func (c *Collector) RecordRideStatus(status string) {
	c.rideStatus.WithLabelValues(status).Inc()
}

// RecordRefund は返金件数と金額を記録する。
func (c *Collector) RecordRefund(paymentType string, amount float64) {
	c.refunds.WithLabelValues(paymentType).Inc()
	c.refundAmount.WithLabelValues(paymentType).Add(amount)
}

// RecordEventPublished はイベント発行を記録する。
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsOut.WithLabelValues(eventType).Inc()
}

// RecordEventFailure はイベント発行の失敗を記録する。
func (c *Collector) RecordEventFailure(eventType string) {
	c.eventFailures.WithLabelValues(eventType).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordJobRun はバックグラウンドジョブ1回分の処理件数と実行時間を記録する。
func (c *Collector) RecordJobRun(job string, processed int, duration time.Duration) {
	c.jobProcessed.WithLabelValues(job).Add(float64(processed))
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordSensorUpdate はセンサーメッセージの処理結果を記録する。
func (c *Collector) RecordSensorUpdate(outcome string) {
	c.sensorUpdates.WithLabelValues(outcome).Inc()
}

// SetWebSocketConnections は接続中のWebSocketクライアント数を設定する。
func (c *Collector) SetWebSocketConnections(n int) {
	c.wsConnections.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordReservation(string) {}
func (Nop) RecordRideBooked(string) {}
func (Nop) RecordRideStatus(string) {}
func (Nop) RecordRefund(string, float64) {}
func (Nop) RecordEventPublished(string) {}
func (Nop) RecordEventFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordJobRun(string, int, time.Duration) {}
func (Nop) RecordSensorUpdate(string) {}
func (Nop) SetWebSocketConnections(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute はworker用の運用HTTPハンドラーを返す。
// /metricsでPrometheusスクレイプに応答し、healthがnilでなければ/healthに割り当てる。
func SetupMetricsRoute(gatherer prometheus.Gatherer, health http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	if health != nil {
		mux.Handle("GET /health", health)
	}
	return mux
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
