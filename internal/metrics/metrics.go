package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hardal_events_enqueued_total",
		Help: "Total number of send operations placed on delivery queues, labelled by wire type.",
	}, []string{"type"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hardal_deliveries_total",
		Help: "Total number of finished deliveries, labelled by status (sent, failed, skipped).",
	}, []string{"status"})

	Suppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hardal_suppressed_total",
		Help: "Total number of events short-circuited before sending, labelled by reason.",
	}, []string{"reason"})

	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hardal_delivery_duration_ms",
		Help:    "Send latency against the collection endpoint in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	VendorRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hardal_vendor_records_total",
		Help: "Total number of third-party requests recognized by the network tap, labelled by source.",
	}, []string{"source"})

	Pageviews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hardal_pageviews_total",
		Help: "Total number of pageview events requested by navigation interception.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hardal_active_sessions",
		Help: "Number of instrumented page sessions currently attached.",
	})
)
