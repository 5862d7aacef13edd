package delivery

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeDelivered = "delivered"
	outcomeRetryable = "retryable"
	outcomePermanent = "permanent"
	outcomeTooLarge  = "too_large"
)

var (
	flushCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_delivery_flush_cycles_total",
		Help: "Total delivery cycles started",
	}, []string{"stream"})

	batchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_delivery_batch_outcomes_total",
		Help: "Total delivery batch attempts by outcome",
	}, []string{"stream", "outcome"})

	recordsDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_delivery_records_delivered_total",
		Help: "Total records accepted by the endpoint",
	}, []string{"stream"})

	recordsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_delivery_records_dropped_total",
		Help: "Total records dropped after a permanent rejection",
	}, []string{"stream"})

	batchLimitShrinksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_delivery_batch_limit_shrinks_total",
		Help: "Total times the batch limits were halved after an oversized payload rejection",
	}, []string{"stream"})

	adjustedMaxBatchSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_delivery_adjusted_max_batch_size",
		Help: "Current max records per delivery request",
	}, []string{"stream"})

	adjustedFlushAt = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_delivery_adjusted_flush_at",
		Help: "Current backlog length that triggers a flush on enqueue",
	}, []string{"stream"})

	consecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_delivery_consecutive_failures",
		Help: "Consecutive failed delivery attempts since the last success",
	}, []string{"stream"})

	deliveryPaused = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_delivery_paused",
		Help: "Whether delivery is paused by retry backoff (1 = paused)",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(flushCyclesTotal)
	prometheus.MustRegister(batchOutcomesTotal)
	prometheus.MustRegister(recordsDeliveredTotal)
	prometheus.MustRegister(recordsDroppedTotal)
	prometheus.MustRegister(batchLimitShrinksTotal)
	prometheus.MustRegister(adjustedMaxBatchSize)
	prometheus.MustRegister(adjustedFlushAt)
	prometheus.MustRegister(consecutiveFailures)
	prometheus.MustRegister(deliveryPaused)
}
