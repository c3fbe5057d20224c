package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counter: Total HTTP requests served by the Media Server.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castplane_http_requests_total",
			Help: "The total number of processed HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Histogram: Media Server response time.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castplane_http_request_duration_seconds",
			Help:    "The latency of the HTTP requests",
			Buckets: prometheus.DefBuckets, // .005s to 10s
		},
		[]string{"method", "path"},
	)

	// Gauge: Active Streams (Goes up and down)
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "castplane_active_streams_current",
			Help: "The current number of active media streams",
		},
	)

	// Gauge: current renderer count by status.
	RenderersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "castplane_renderers_current",
			Help: "The current number of renderers by status",
		},
		[]string{"status"},
	)

	// Counter: assignment outcomes.
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castplane_assignments_total",
			Help: "Total assignment attempts by outcome",
		},
		[]string{"outcome"}, // activated, preempted, failed, retried
	)

	// Counter: supervisor-driven restarts, by reason.
	SupervisorRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castplane_supervisor_restarts_total",
			Help: "Total playback restarts issued by the supervisor, by reason",
		},
		[]string{"reason"}, // stopped_loop, stall, pre_emptive, no_media
	)

	// Histogram: SOAP call latency by action.
	SOAPCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castplane_soap_call_duration_seconds",
			Help:    "Latency of outbound SOAP AVTransport calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "outcome"},
	)

	// Counter: SSDP discovery events observed.
	DiscoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castplane_discovery_events_total",
			Help: "Total SSDP discovery events by kind",
		},
		[]string{"kind"}, // appeared, refreshed, byebye
	)
)
