package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueuePushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_queue_pushed_total",
			Help: "Total number of items pushed, by queue path.",
		},
		[]string{"queue"},
	)

	QueueRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_queue_removed_total",
			Help: "Total number of items removed, by queue path.",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_queue_depth",
			Help: "Items present in a queue path at the last sweep.",
		},
		[]string{"queue"},
	)

	StageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_stage_runs_total",
			Help: "Stage invocations by outcome.",
		},
		[]string{"stage", "outcome"}, // ok, failed, marked, skipped
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poolwatch_stage_duration_seconds",
			Help:    "Wall time of one stage invocation.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)

	ActivitiesFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_activities_filtered_total",
			Help: "Activity records seen by the filter stage, kept or discarded.",
		},
		[]string{"result"},
	)

	CommentaryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_commentary_attempts_total",
			Help: "Language model attempts by outcome.",
		},
		[]string{"provider", "outcome"}, // ok, request_error, invalid_response
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_deliveries_total",
			Help: "Total number of chat deliveries by status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolwatch_delivery_latency_seconds",
			Help:    "Latency of chat webhook requests.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_sweep_requeued_total",
			Help: "Items re-queued by the recovery sweep.",
		},
		[]string{"queue"},
	)

	SweepDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwatch_sweep_dropped_total",
			Help: "Items dropped after exceeding the retry ceiling.",
		},
		[]string{"queue"},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwatch_nsq_topic_depth",
			Help: "Current depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		QueuePushedTotal,
		QueueRemovedTotal,
		QueueDepth,
		StageRunsTotal,
		StageDuration,
		ActivitiesFilteredTotal,
		CommentaryAttemptsTotal,
		DeliveriesTotal,
		DeliveryLatency,
		SweepRequeuedTotal,
		SweepDroppedTotal,
		NSQTopicDepth,
	)
}

func RecordPush(queue string) {
	QueuePushedTotal.WithLabelValues(queue).Inc()
}

func RecordRemove(queue string) {
	QueueRemovedTotal.WithLabelValues(queue).Inc()
}

func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordStage counts one stage run and its duration.
func RecordStage(stage, outcome string, d time.Duration) {
	StageRunsTotal.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordFiltered(kept, discarded int) {
	ActivitiesFilteredTotal.WithLabelValues("kept").Add(float64(kept))
	ActivitiesFilteredTotal.WithLabelValues("discarded").Add(float64(discarded))
}

func RecordCommentaryAttempt(provider, outcome string) {
	CommentaryAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

func RecordDelivery(status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatency.Observe(d.Seconds())
}

func RecordRequeue(queue string) {
	SweepRequeuedTotal.WithLabelValues(queue).Inc()
}

func RecordDrop(queue string) {
	SweepDroppedTotal.WithLabelValues(queue).Inc()
}

func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
