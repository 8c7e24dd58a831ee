// Package metrics holds the Prometheus collectors of cvexctl.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cvex"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the collectors, registered on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	RemoteOperations *prometheus.CounterVec
	HostsEntries     *prometheus.CounterVec
	TraceSessions    *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RemoteOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_operations_total",
			Help:      "Provisioning and tracing steps run against a guest.",
		}, []string{"guest", "step", "outcome"}),
		HostsEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hosts_entries_appended_total",
			Help:      "Entries appended to the hosts table of a guest.",
		}, []string{"guest"}),
		TraceSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_sessions_total",
			Help:      "Trace session lifecycle events per guest.",
		}, []string{"guest", "event"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of provisioning and tracing steps.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"step"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RemoteOperations,
		m.HostsEntries,
		m.TraceSessions,
		m.StepDuration,
	)
	return m
}

// ObserveStep records the outcome and duration of a step started at start.
func (m *Metrics) ObserveStep(guest, step string, start time.Time, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.RemoteOperations.WithLabelValues(guest, step, outcome).Inc()
	m.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// NewServer returns an HTTP server exposing the registry on path.
func (m *Metrics) NewServer(port int, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
