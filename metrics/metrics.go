// Package metrics exports query counters to prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/blockdns/instrumentation"
)

// Metrics type
type Metrics struct {
	queries   *prometheus.CounterVec
	responses *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// New return new metrics registered with reg, or the default registerer
// when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_queries_total",
				Help: "How many DNS queries processed",
			},
			[]string{"qtype", "decision"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dns_responses_total",
				Help: "How many DNS responses sent",
			},
			[]string{"rcode"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dns_query_duration_seconds",
				Help:    "Time from query arrival to answer",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"decision"},
		),
	}

	m.queries = register(reg, m.queries)
	m.responses = register(reg, m.responses)
	m.latency = register(reg, m.latency)

	return m
}

// register returns the collector already registered under the same
// description when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Record implements instrumentation.Recorder.
func (m *Metrics) Record(ev instrumentation.Event) {
	decision := ev.Decision.String()

	qtype := ""
	if ev.Type != 0 {
		qtype = ev.Type.String()
	}

	m.queries.With(prometheus.Labels{
		"qtype":    qtype,
		"decision": decision,
	}).Inc()

	if ev.Latency > 0 {
		m.latency.WithLabelValues(decision).Observe(ev.Latency.Seconds())
	}
}

// Response counts a reply sent to a client.
func (m *Metrics) Response(rcode dnswire.Rcode) {
	m.responses.WithLabelValues(rcode.String()).Inc()
}
