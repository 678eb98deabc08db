package httpapi

import "github.com/prometheus/client_golang/prometheus"

var (
	webhookResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "http",
		Name:      "webhook_responses_total",
		Help:      "Webhook requests by platform and how they were answered.",
	}, []string{"platform", "result"})

	streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tasksync",
		Subsystem: "http",
		Name:      "stream_clients",
		Help:      "Connected notification stream clients.",
	})

	streamDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "http",
		Name:      "stream_dropped_total",
		Help:      "Notifications dropped because a stream client fell behind.",
	})
)

func init() {
	prometheus.MustRegister(webhookResponses, streamClients, streamDropped)
}

func recordWebhookResponse(platform, result string) {
	webhookResponses.WithLabelValues(platform, result).Inc()
}
