package courier

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsCapturedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_courier_client_events_captured_total",
			Help: "Total events accepted by Enqueue",
		},
		[]string{"stream"},
	)
	serializeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_courier_client_serialize_failures_total",
			Help: "Total events dropped because serialization failed",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(eventsCapturedTotal)
	prometheus.MustRegister(serializeFailuresTotal)
}
