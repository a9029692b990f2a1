package bridge

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts exchanges with decision components. A nil *Metrics records
// nothing.
type Metrics struct {
	Calls     *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Decisions *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

// NewMetrics creates the bridge metrics and registers them on reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edc_take_decisions_total",
				Help: "Total number of take_decisions calls by component",
			},
			[]string{"component"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edc_rejected_replies_total",
				Help: "Total number of component replies refused by the core",
			},
			[]string{"component"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edc_decisions_total",
				Help: "Total number of decisions applied by component and event type",
			},
			[]string{"component", "type"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edc_take_decisions_seconds",
				Help:    "Wall-clock time spent in take_decisions",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"component"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Rejected, m.Decisions, m.Latency)
	}
	return m
}

func (m *Metrics) observeCall(component int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(component)
	m.Calls.WithLabelValues(label).Inc()
	m.Latency.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRejected(component int) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(strconv.Itoa(component)).Inc()
}

func (m *Metrics) observeDecisions(component int, counts map[string]int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(component)
	for typ, n := range counts {
		m.Decisions.WithLabelValues(label, typ).Add(float64(n))
	}
}
