package metrics

import "github.com/prometheus/client_golang/prometheus"

// Upload pipeline Prometheus metrics.
var (
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stashdoc",
			Name:      "uploads_total",
			Help:      "Total coordinator invocations by kind and outcome",
		},
		[]string{"kind", "status", "category"},
	)

	UploadStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stashdoc",
			Name:      "upload_step_duration_seconds",
			Help:      "Per-checkpoint duration of the upload pipeline",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"step"},
	)

	RollbackActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stashdoc",
			Name:      "rollback_actions_total",
			Help:      "Compensating delete attempts by action and result",
		},
		[]string{"action", "result"},
	)

	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stashdoc",
			Name:      "search_requests_total",
			Help:      "Search requests by mode and outcome",
		},
		[]string{"mode", "status"},
	)
)

var pipelineMetricsRegistered bool

// RegisterPipelineMetrics registers pipeline metrics. Must be called once from main.
func RegisterPipelineMetrics() {
	if pipelineMetricsRegistered {
		return
	}
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadStepDuration)
	prometheus.MustRegister(RollbackActionsTotal)
	prometheus.MustRegister(SearchRequestsTotal)
	pipelineMetricsRegistered = true
}
