package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	storageRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_storage_records",
		Help: "Records currently indexed on disk",
	}, []string{"stream"})

	storagePendingWrites = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "event_courier_storage_pending_writes",
		Help: "Background record writes currently in flight",
	}, []string{"stream"})

	storageWriteFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_write_failures_total",
		Help: "Record writes that failed; the record is dropped",
	}, []string{"stream"})

	storageCorruptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_courier_storage_corrupt_records_total",
		Help: "Records discarded because their file was unreadable or not JSON",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(storageRecords)
	prometheus.MustRegister(storagePendingWrites)
	prometheus.MustRegister(storageWriteFailuresTotal)
	prometheus.MustRegister(storageCorruptTotal)
}
