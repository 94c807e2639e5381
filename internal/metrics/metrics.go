// Package metrics は配信処理のPrometheusメトリクスを定義する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "exposure_distribution"

// 処理結果のラベル値。
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics は配信・公開・フェデレーションの各メトリクスを保持する。
// nil の *Metrics に対する記録は何もしない。
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	FilesWritten      prometheus.Counter
	KeysDistributed   prometheus.Gauge
	PublishedObjects  *prometheus.CounterVec
	FederationKeys    *prometheus.CounterVec
	FederationBatches *prometheus.CounterVec
}

// New はメトリクスを reg に登録して返す。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by kind and status",
			},
			[]string{"kind", "status"}, // kind: distribution/upload/download/retention
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"kind"},
		),
		FilesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_written_total",
			Help:      "Number of files written to the output sink",
		}),
		KeysDistributed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys_distributed",
			Help:      "Number of diagnosis keys read by the last distribution run",
		}),
		PublishedObjects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "published_objects_total",
				Help:      "Object store operations by result",
			},
			[]string{"result"}, // uploaded/skipped/failed/deleted
		),
		FederationKeys: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "federation_keys_total",
				Help:      "Keys exchanged with the federation gateway",
			},
			[]string{"direction", "result"},
		),
		FederationBatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "federation_batches_total",
				Help:      "Federation batches by direction and resulting status",
			},
			[]string{"direction", "status"},
		),
	}
}

// ObserveRun は1回の処理結果を記録する。
func (m *Metrics) ObserveRun(kind string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.RunsTotal.WithLabelValues(kind, status).Inc()
	m.RunDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// FileWritten はファイル1件の書き出しを記録する。
func (m *Metrics) FileWritten() {
	if m == nil {
		return
	}
	m.FilesWritten.Inc()
}

// SetKeysDistributed は配信対象の鍵数を記録する。
func (m *Metrics) SetKeysDistributed(n int) {
	if m == nil {
		return
	}
	m.KeysDistributed.Set(float64(n))
}

// AddPublished はオブジェクトストアの操作件数を記録する。
func (m *Metrics) AddPublished(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PublishedObjects.WithLabelValues(result).Add(float64(n))
}

// AddFederationKeys はフェデレーションで送受信した鍵数を記録する。
func (m *Metrics) AddFederationKeys(direction, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FederationKeys.WithLabelValues(direction, result).Add(float64(n))
}

// FederationBatch はバッチ1件の処理結果を記録する。
func (m *Metrics) FederationBatch(direction, status string) {
	if m == nil {
		return
	}
	m.FederationBatches.WithLabelValues(direction, status).Inc()
}
