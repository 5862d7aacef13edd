package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queueMaxSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_queue_max_size",
		Help: "Configured maximum number of queued records",
	}, []string{"stream"})

	queueEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_queue_enqueued_total",
		Help: "Records accepted into the queue",
	}, []string{"stream"})

	queueEvictedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_queue_evicted_total",
		Help: "Oldest records evicted because the queue was full",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(queueMaxSize)
	prometheus.MustRegister(queueEnqueuedTotal)
	prometheus.MustRegister(queueEvictedTotal)
}
