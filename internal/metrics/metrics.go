// Package metrics はPrometheusメトリクスを定義する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 操作結果のラベル値。
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// Metrics はレジストリのメトリクスをまとめる。
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	StoredCredentials prometheus.Gauge
	FlushFailures     prometheus.Counter
	FlushQueueDepth   prometheus.Gauge
}

// New は reg にメトリクスを登録して返す。
// テストでは prometheus.NewRegistry() を渡して重複登録を避ける。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credential_registry_operations_total",
			Help: "Total number of credential operations by operation and result",
		}, []string{"operation", "result"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credential_registry_operation_duration_seconds",
			Help:    "Latency of credential operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StoredCredentials: f.NewGauge(prometheus.GaugeOpts{
			Name: "credential_registry_stored_credentials",
			Help: "Current number of stored credential entries",
		}),
		FlushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "credential_registry_flush_failures_total",
			Help: "Total number of mutations that failed to reach the persistence backend",
		}),
		FlushQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "credential_registry_flush_queue_depth",
			Help: "Number of mutations waiting to be flushed",
		}),
	}
}

// ObserveOperation は操作の結果と所要時間を記録する。nil レシーバでも安全。
func (m *Metrics) ObserveOperation(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(seconds)
}
