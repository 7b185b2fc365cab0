package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacompass_dq",
			Name:      "evaluations_total",
			Help:      "Expectation evaluations handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "datacompass_dq",
			Name:      "deliveries_total",
			Help:      "Notification deliveries, partitioned by channel type and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	runSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "datacompass_dq",
			Name:      "run_seconds",
			Help:      "Scheduled evaluation run latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

// Register attaches the engine's collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{evaluationsTotal, deliveriesTotal, runSeconds}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ObserveEvaluation(outcome string) {
	evaluationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveDelivery(channelType, outcome string) {
	deliveriesTotal.WithLabelValues(channelType, outcome).Inc()
}

func ObserveRun(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	runSeconds.Observe(duration.Seconds())
}
