package metrics

import (
	"net/http"

	"github.com/gustycube/sensorwatch/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	RPCCalls        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_rpc_calls_total", Help: "backend protocol calls"}, []string{"method", "outcome"})
	RPCDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "sensorwatch_rpc_call_seconds", Help: "backend call latency including process startup", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)}, []string{"method"})
	DimensionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_dimension_errors_total", Help: "failed dimension queries"}, []string{"dimension"})
	Indicators      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sensorwatch_threat_indicators", Help: "threat indicators in the latest snapshot"}, []string{"kind"})
	Assessments     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_assessments_total", Help: "risk assessments by method"}, []string{"method"})
	Runs            = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_runs_total", Help: "pipeline runs by terminal status"}, []string{"status"})
	Stages          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_stage_total", Help: "pipeline stage outcomes"}, []string{"stage", "status"})
	RunDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sensorwatch_run_seconds", Help: "pipeline run wall-clock duration", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})
	Uploads         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_uploads_total", Help: "artifact uploads"}, []string{"outcome"})
	SkippedTriggers = prometheus.NewCounter(prometheus.CounterOpts{Name: "sensorwatch_skipped_triggers_total", Help: "triggers rejected because a run was active"})
	ModelCalls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sensorwatch_model_calls_total", Help: "chat completion attempts per endpoint"}, []string{"endpoint", "outcome"})
	BreakerState    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sensorwatch_breaker_state", Help: "0 closed, 1 open, 2 half-open"}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(RPCCalls, RPCDuration, DimensionErrors, Indicators, Assessments, Runs, Stages, RunDuration, Uploads, SkippedTriggers, ModelCalls, BreakerState)
}

// Mux builds the observability mux: /metrics, health probes, and any extra routes.
func Mux(healthHandler *health.Handler, extra map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return mux
}

// Serve blocks serving Mux on addr.
func Serve(srv *http.Server, log *zap.SugaredLogger) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warnw("metrics server stopped", "err", err)
	}
}
