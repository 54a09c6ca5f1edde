package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfyrun",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service launches.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfyrun",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of auto restarts after an unexpected exit.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfyrun",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfyrun",
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Readiness probe requests issued per service.",
		}, []string{"name"},
	)
	readinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comfyrun",
			Subsystem: "service",
			Name:      "readiness_seconds",
			Help:      "Time from launch until the readiness gate opened.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"name"},
	)
	servicesUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "comfyrun",
			Subsystem: "service",
			Name:      "up",
			Help:      "Whether the service is currently alive (1) or not (0).",
		}, []string{"name"},
	)
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comfyrun",
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Image generation jobs processed per tier.",
		}, []string{"tier", "outcome"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comfyrun",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "End-to-end workflow execution time.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"tier"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceStops,
		probeAttempts, readinessDuration, servicesUp,
		jobsProcessed, jobDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op before Register.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncProbeAttempt(name string) {
	if regOK.Load() {
		probeAttempts.WithLabelValues(name).Inc()
	}
}

func ObserveReadiness(name string, seconds float64) {
	if regOK.Load() {
		readinessDuration.WithLabelValues(name).Observe(seconds)
	}
}

func SetUp(name string, up bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	servicesUp.WithLabelValues(name).Set(v)
}

func IncJob(tier, outcome string) {
	if regOK.Load() {
		jobsProcessed.WithLabelValues(tier, outcome).Inc()
	}
}

func ObserveJobDuration(tier string, seconds float64) {
	if regOK.Load() {
		jobDuration.WithLabelValues(tier).Observe(seconds)
	}
}
