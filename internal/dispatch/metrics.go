package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は配信サイクルのPrometheusメトリクス。
type Metrics struct {
	cycles   *prometheus.CounterVec
	skipped  prometheus.Counter
	outcomes *prometheus.CounterVec
	marked   prometheus.Counter
	duration prometheus.Histogram
}

// NewMetrics はメトリクスを生成してregに登録する。regがnilの場合は登録しない。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushboard",
			Subsystem: "dispatch",
			Name:      "cycles_total",
			Help:      "実行した配信サイクル数（result: ok, error, panic）。",
		}, []string{"result"}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pushboard",
			Subsystem: "dispatch",
			Name:      "cycles_skipped_total",
			Help:      "前回のサイクルが実行中のためスキップした回数。",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pushboard",
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "配信試行の結果ごとの件数。",
		}, []string{"result"}),
		marked: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pushboard",
			Subsystem: "dispatch",
			Name:      "marked_sent_total",
			Help:      "配信済みに遷移した通知の件数。",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pushboard",
			Subsystem: "dispatch",
			Name:      "cycle_duration_seconds",
			Help:      "配信サイクルの所要時間。",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
