package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters, partitioned by source type where that makes sense.

var (
	// Polling
	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total completed poll cycles",
	}, []string{"source"})

	ItemsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "poller",
		Name:      "items_fetched_total",
		Help:      "Total raw items fetched from sources",
	}, []string{"source"})

	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "poller",
		Name:      "events_recorded_total",
		Help:      "Total classified events recorded",
	}, []string{"source", "event_type"})

	// Dispatch
	NotificationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "dispatch",
		Name:      "enqueued_total",
		Help:      "Total notifications accepted into the dispatch queue",
	}, []string{"rule"})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "dispatch",
		Name:      "delivered_total",
		Help:      "Total notification deliveries by outcome",
	}, []string{"channel", "outcome"})

	RetrySweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "monitorbot",
		Subsystem: "dispatch",
		Name:      "retry_sweeps_total",
		Help:      "Total failed-notification retry sweeps",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "monitorbot",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Current depth of the dispatch queue",
	})
)
