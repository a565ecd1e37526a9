package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	samplesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "watcher",
		Name:      "samples_total",
		Help:      "Number of successful probe samples per watcher.",
	}, []string{"watcher"})

	timeoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "watcher",
		Name:      "probe_timeouts_total",
		Help:      "Number of ticks lost to a probe call exceeding its timeout.",
	}, []string{"watcher"})

	errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "watcher",
		Name:      "probe_errors_total",
		Help:      "Number of ticks lost to a transient probe error.",
	}, []string{"watcher"})

	disabledGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deskwatch",
		Subsystem: "watcher",
		Name:      "disabled",
		Help:      "1 when the watcher's backend is unavailable and it has stopped polling.",
	}, []string{"watcher"})
)

func init() {
	prometheus.MustRegister(samplesCounter, timeoutCounter, errorCounter, disabledGauge)
}
