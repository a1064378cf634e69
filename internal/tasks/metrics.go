package tasks

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stone-age-io/svcstart/internal/servicestart"
)

// Metrics holds the Prometheus collectors for start requests
type Metrics struct {
	registry *prometheus.Registry

	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
	probes   prometheus.Histogram
	statuses *prometheus.GaugeVec
}

// NewMetrics creates a private registry with the start collectors plus the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "svcstart_start_outcomes_total",
			Help: "Start requests by outcome and severity",
		}, []string{"outcome", "severity"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "svcstart_start_duration_seconds",
			Help:    "Wall time of a start request including the wait phase",
			Buckets: []float64{0.1, 0.5, 1, 3, 6, 15, 30, 60, 120, 300},
		}),
		probes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "svcstart_wait_probes",
			Help:    "Status checks made while waiting for a service to settle",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 100},
		}),
		statuses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "svcstart_service_running",
			Help: "1 if the watched service reported Running at the last check",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		m.outcomes,
		m.duration,
		m.probes,
		m.statuses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry for HTTP exposition
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOutcome records a finished start request
func (m *Metrics) ObserveOutcome(o servicestart.Outcome, elapsed time.Duration) {
	m.outcomes.WithLabelValues(string(o.Kind), o.Severity.String()).Inc()
	m.duration.Observe(elapsed.Seconds())
	if o.Probes > 0 {
		m.probes.Observe(float64(o.Probes))
	}
}

// ObserveStatuses updates the running gauge for each reported service
func (m *Metrics) ObserveStatuses(statuses []ServiceStatus) {
	for _, s := range statuses {
		running := 0.0
		if s.Status == string(servicestart.StatusRunning) {
			running = 1
		}
		m.statuses.WithLabelValues(s.Name).Set(running)
	}
}

// Exposition renders the registry in the Prometheus text format
func (m *Metrics) Exposition() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeFamilies(&buf, families); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeFamilies writes metric families using expfmt
func encodeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
