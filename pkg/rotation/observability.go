package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rotationFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrotate_rotation_fetch_total",
			Help: "Total number of key fetch attempts by outcome",
		},
		[]string{"status"},
	)

	rotationFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyrotate_rotation_fetch_duration_seconds",
			Help:    "Duration of upstream fetches",
			Buckets: prometheus.DefBuckets,
		},
	)

	rotationScheduledKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrotate_rotation_scheduled_keys",
			Help: "Number of keys with a pending timer",
		},
	)

	rotationInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrotate_rotation_inflight",
			Help: "Number of fetches currently in flight",
		},
	)

	rotationAutoRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrotate_rotation_auto_running",
			Help: "1 when this process drives rotations, 0 otherwise",
		},
	)

	rotationPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyrotate_rotation_panics_total",
			Help: "Total number of panics recovered in the fire handler",
		},
	)

	rotationOwnershipRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrotate_rotation_ownership_renew_total",
			Help: "Total number of owner lease renewals by outcome",
		},
		[]string{"status"},
	)
)

func recordFetch(status string, seconds float64) {
	rotationFetchTotal.WithLabelValues(status).Inc()
	rotationFetchDuration.Observe(seconds)
}

func setAutoRunningGauge(running bool) {
	if running {
		rotationAutoRunning.Set(1)
		return
	}
	rotationAutoRunning.Set(0)
}

// Collectors returns the scheduler metrics for registration on a custom registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		rotationFetchTotal,
		rotationFetchDuration,
		rotationScheduledKeys,
		rotationInFlight,
		rotationAutoRunning,
		rotationPanicsTotal,
		rotationOwnershipRenewTotal,
	}
}
