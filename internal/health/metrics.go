package health

import "github.com/prometheus/client_golang/prometheus"

var (
	platformUpGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tasksync",
		Subsystem: "health",
		Name:      "platform_up",
		Help:      "1 when the platform is healthy, 0.5 when degraded, 0 when down.",
	}, []string{"platform"})

	probeFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tasksync",
		Subsystem: "health",
		Name:      "probe_failures_total",
		Help:      "Failed health probes per platform.",
	}, []string{"platform"})
)

func init() {
	prometheus.MustRegister(platformUpGauge, probeFailureCounter)
}

func recordProbe(platform string, status Status, failed bool) {
	switch status {
	case Healthy:
		platformUpGauge.WithLabelValues(platform).Set(1)
	case Degraded:
		platformUpGauge.WithLabelValues(platform).Set(0.5)
	default:
		platformUpGauge.WithLabelValues(platform).Set(0)
	}
	if failed {
		probeFailureCounter.WithLabelValues(platform).Inc()
	}
}
