package reporter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "reporter",
		Name:      "heartbeats_sent_total",
		Help:      "Number of heartbeats acknowledged by the event store.",
	}, []string{"bucket"})

	failureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "reporter",
		Name:      "failures_total",
		Help:      "Number of failed store requests grouped by reason.",
	}, []string{"reason"})

	droppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deskwatch",
		Subsystem: "reporter",
		Name:      "dropped_total",
		Help:      "Number of events dropped without delivery.",
	}, []string{"bucket"})

	pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deskwatch",
		Subsystem: "reporter",
		Name:      "pending",
		Help:      "Number of events waiting for delivery per bucket.",
	}, []string{"bucket"})
)

func init() {
	prometheus.MustRegister(sentCounter, failureCounter, droppedCounter, pendingGauge)
}

func failureReason(err error) string {
	var connErr *ConnectionError
	var statusErr *StatusError
	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 500 {
			return "server"
		}
		return "rejected"
	}
	return "other"
}
