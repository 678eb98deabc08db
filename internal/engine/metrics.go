package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Change events handled by the engine, by source platform and outcome.",
	}, []string{"platform", "outcome"})

	deliveriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "deliveries_total",
		Help:      "Outbound delivery attempts by target platform and result.",
	}, []string{"platform", "result"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of outbound ApplyChange calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	deadLettersCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "dead_letters_total",
		Help:      "Attempts moved to the dead-letter state, by platform and failure class.",
	}, []string{"platform", "class"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "ready_attempts",
		Help:      "Attempts waiting for a dispatch worker.",
	})

	persistFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "persist_failures_total",
		Help:      "Item records the state store failed to save.",
	})

	parkedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksync",
		Subsystem: "engine",
		Name:      "parked_attempts",
		Help:      "Pending attempts held back because their platform is down.",
	})
)

func init() {
	prometheus.MustRegister(eventsCounter, deliveriesCounter, deliveryLatency, deadLettersCounter, pendingGauge, parkedGauge, persistFailuresCounter)
}
