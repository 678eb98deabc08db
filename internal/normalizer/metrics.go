package normalizer

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "ingress",
		Name:      "webhooks_total",
		Help:      "Webhook payloads by platform and normalization outcome.",
	}, []string{"platform", "outcome"})

	dedupEntriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksync",
		Subsystem: "ingress",
		Name:      "dedup_entries",
		Help:      "Event ids currently held in the deduplication window.",
	})
)

func init() {
	prometheus.MustRegister(webhookCounter, dedupEntriesGauge)
}

func recordOutcome(platform string, outcome Outcome) {
	webhookCounter.WithLabelValues(platform, string(outcome)).Inc()
}
