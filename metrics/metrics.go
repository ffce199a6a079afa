// Package metrics exposes Prometheus metrics for the pyramid strategy:
//
//   - pyramid_steps_opened_total{instrument,direction}
//   - pyramid_admissions_rejected_total{instrument,reason}
//   - pyramid_protective_modifications_total{instrument,kind}
//   - pyramid_execution_failures_total{instrument,op}
//   - pyramid_reversals_total{instrument,direction}
//   - pyramid_open_steps{instrument,direction}
//   - pyramid_equity
//
// A nil *Metrics is valid and records nothing, so components can run
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	stepsOpened   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	modifications *prometheus.CounterVec
	failures      *prometheus.CounterVec
	reversals     *prometheus.CounterVec
	openSteps     *prometheus.GaugeVec
	equity        prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewWith(reg)
	m.gatherer = reg
	return m
}

// NewWith registers the metrics on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_steps_opened_total",
				Help: "Pyramid steps opened",
			},
			[]string{"instrument", "direction"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_admissions_rejected_total",
				Help: "Entry signals rejected by the admission rules",
			},
			[]string{"instrument", "reason"},
		),
		modifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_protective_modifications_total",
				Help: "Accepted stop and target changes by kind",
			},
			[]string{"instrument", "kind"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_execution_failures_total",
				Help: "Broker requests that failed",
			},
			[]string{"instrument", "op"},
		),
		reversals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pyramid_reversals_total",
				Help: "Steps force-closed on trend reversal",
			},
			[]string{"instrument", "direction"},
		),
		openSteps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pyramid_open_steps",
				Help: "Tracked steps per group",
			},
			[]string{"instrument", "direction"},
		),
		equity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pyramid_equity",
				Help: "Account equity in account currency",
			},
		),
	}
	reg.MustRegister(m.stepsOpened, m.rejections, m.modifications, m.failures, m.reversals, m.openSteps, m.equity)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) StepOpened(instrument, direction string) {
	if m == nil {
		return
	}
	m.stepsOpened.WithLabelValues(instrument, direction).Inc()
}

func (m *Metrics) AdmissionRejected(instrument, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(instrument, reason).Inc()
}

func (m *Metrics) Modified(instrument, kind string) {
	if m == nil {
		return
	}
	m.modifications.WithLabelValues(instrument, kind).Inc()
}

func (m *Metrics) ExecutionFailed(instrument, op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(instrument, op).Inc()
}

func (m *Metrics) Reversal(instrument, direction string) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(instrument, direction).Inc()
}

func (m *Metrics) SetOpenSteps(instrument, direction string, n int) {
	if m == nil {
		return
	}
	m.openSteps.WithLabelValues(instrument, direction).Set(float64(n))
}

func (m *Metrics) SetEquity(v float64) {
	if m == nil {
		return
	}
	m.equity.Set(v)
}
