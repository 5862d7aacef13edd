package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	receiverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_courier_receiver_requests_total",
			Help: "Total ingest requests received per stream",
		},
		[]string{"stream"},
	)
	receiverRecordsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_courier_receiver_records_accepted_total",
			Help: "Total events parsed and handed to a courier",
		},
		[]string{"stream"},
	)
	receiverErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_courier_receiver_errors_total",
			Help: "Total rejected ingest requests by reason",
		},
		[]string{"stream", "reason"},
	)
	receiverFlushRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_courier_receiver_flush_requests_total",
			Help: "Total manual flush requests",
		},
	)
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverRecordsAcceptedTotal)
	prometheus.MustRegister(receiverErrorsTotal)
	prometheus.MustRegister(receiverFlushRequestsTotal)
}
