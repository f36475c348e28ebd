// Package metrics exports call and sampler counters to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vonai"

// Failure kinds.
const (
	FailureStart      = "start"
	FailureStop       = "stop"
	FailureMicrophone = "microphone"
)

type Metrics struct {
	callsStarted  prometheus.Counter
	failures      *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	amplitude     prometheus.Gauge
	samplerActive prometheus.Gauge
	callDuration  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Call start attempts issued to the voice service.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Recovered failures by kind (start, stop, microphone).",
		}, []string{"kind"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_suppressed_total",
			Help:      "Voice service events dropped after a stop or in a state they do not apply to.",
		}, []string{"event"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Call state transitions.",
		}, []string{"from", "to"}),
		amplitude: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "amplitude",
			Help:      "Last published microphone amplitude (1.0 is the silent baseline).",
		}),
		samplerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sampler",
			Name:      "active",
			Help:      "1 while a sampling loop holds the microphone.",
		}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from leaving idle to returning to idle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
	m.amplitude.Set(1)
	reg.MustRegister(m.callsStarted, m.failures, m.suppressed, m.transitions,
		m.amplitude, m.samplerActive, m.callDuration)
	return m
}

// Handler serves the metrics in g over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsStarted.Inc()
}

func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Suppressed(event string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(event).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Amplitude(v float64) {
	if m == nil {
		return
	}
	m.amplitude.Set(v)
}

func (m *Metrics) SamplerActive(on bool) {
	if m == nil {
		return
	}
	if on {
		m.samplerActive.Set(1)
	} else {
		m.samplerActive.Set(0)
	}
}

func (m *Metrics) CallEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.Observe(d.Seconds())
}
