package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_queries_dropped_total",
		Help: "Queries dropped before an answer, by reason",
	}, []string{"reason"})

	repliesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_replies_dropped_total",
		Help: "Replies dropped because the reply queue was full",
	})
)

func init() {
	prometheus.MustRegister(queriesDropped)
	prometheus.MustRegister(repliesDropped)
}
