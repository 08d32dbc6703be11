package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	occurrencesTotal    *prometheus.CounterVec
	groupsCreatedTotal  *prometheus.CounterVec
	groupsReopenedTotal *prometheus.CounterVec
)

// InitMetrics registers the ingest-side Prometheus metrics. Call once from
// main; components tolerate it never being called (tests).
func InitMetrics() {
	occurrencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errsight",
			Name:      "occurrences_total",
			Help:      "Total number of recorded error occurrences.",
		},
		[]string{"application", "severity"},
	)
	groupsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errsight",
			Name:      "groups_created_total",
			Help:      "Total number of newly created error groups.",
		},
		[]string{"application"},
	)
	groupsReopenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "errsight",
			Name:      "groups_reopened_total",
			Help:      "Total number of resolved groups reopened by a new occurrence.",
		},
		[]string{"application"},
	)
	prometheus.MustRegister(occurrencesTotal, groupsCreatedTotal, groupsReopenedTotal)
}

func observeRecorded(application, severity string, created, reopened bool) {
	if occurrencesTotal == nil {
		return
	}
	occurrencesTotal.WithLabelValues(application, severity).Inc()
	if created {
		groupsCreatedTotal.WithLabelValues(application).Inc()
	}
	if reopened {
		groupsReopenedTotal.WithLabelValues(application).Inc()
	}
}
