// Package metrics holds the Prometheus collectors shared by the store and the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enqueued counts objects accepted into a queue's staging buffer.
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_enqueued_total",
		Help: "Objects accepted into a queue",
	}, []string{"queue"})

	// Rejected counts objects refused because the queue exceeded its size limit.
	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_rejected_total",
		Help: "Objects rejected because the queue was full",
	}, []string{"queue"})

	// Batches counts delivery attempts by outcome.
	// Labels:
	//   - status: "success", "rejected" (parsed reply reported failure),
	//     "unparseable" or "transport"
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_batches_total",
		Help: "Delivery attempts by outcome",
	}, []string{"queue", "status"})

	// Dropped counts objects removed from a queue after a parseable reply,
	// whether the server accepted them or not.
	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_dropped_objects_total",
		Help: "Objects removed from a queue after delivery",
	}, []string{"queue"})

	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventq_delivery_duration_seconds",
		Help:    "Duration of a single delivery request",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// QueueLength is the durable length observed at the last dequeue.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eventq_queue_length",
		Help: "Objects pending in each queue",
	}, []string{"queue"})

	BackoffFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventq_backoff_failures",
		Help: "Consecutive 5xx responses seen by the backoff controller",
	})
)
