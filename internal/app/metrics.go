package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Name:      "lock_transitions_total",
		Help:      "Lock state transitions by target status.",
	}, []string{"status"})

	authorizationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Name:      "authorization_transitions_total",
		Help:      "Mint authorization state transitions by target status.",
	}, []string{"status"})

	certificationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Name:      "certification_runs_total",
		Help:      "Finished certification workflow runs by outcome.",
	}, []string{"status"})

	certificationStepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treasury",
		Name:      "certification_step_seconds",
		Help:      "Duration of certification workflow steps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	outboxDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treasury",
		Name:      "outbox_deliveries_total",
		Help:      "Outbox delivery attempts by event type and result.",
	}, []string{"event_type", "result"})
)
