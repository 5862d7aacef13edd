package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	transportRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_transport_requests_total",
		Help: "Batch POST attempts",
	}, []string{"stream"})

	transportRequestBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_transport_request_bytes_total",
		Help: "Payload bytes put on the wire, after compression",
	}, []string{"stream", "compression"})

	transportRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "event_courier_transport_request_duration_seconds",
		Help:    "Wall time of one batch POST",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(transportRequestsTotal)
	prometheus.MustRegister(transportRequestBytesTotal)
	prometheus.MustRegister(transportRequestDuration)
}
