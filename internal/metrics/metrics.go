// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PIABufferedBytes tracks bytes currently retained by PIA buffers
	PIABufferedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpd_pia_buffered_bytes",
			Help: "Bytes currently retained by PIA buffers awaiting a protocol decision",
		},
		[]string{"buffer"},
	)

	// PIAStateTransitionsTotal counts buffer state changes
	PIAStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_pia_state_transitions_total",
			Help: "Total number of PIA buffer state transitions by target state",
		},
		[]string{"transport", "buffer", "state"},
	)

	// PIAActivationsTotal counts analyzers attached by signature match
	PIAActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_pia_activations_total",
			Help: "Total number of analyzers activated by protocol identification",
		},
		[]string{"transport", "analyzer"},
	)

	// PIADeactivationsTotal counts analyzers detached again
	PIADeactivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_pia_deactivations_total",
			Help: "Total number of activated analyzers removed again",
		},
		[]string{"transport", "analyzer"},
	)

	// PIALateMatchesTotal counts activations refused because the buffered
	// history was incomplete
	PIALateMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_pia_late_matches_total",
			Help: "Total number of signature matches that arrived after buffered data was discarded",
		},
		[]string{"transport", "analyzer"},
	)

	// PIAReplayedBytesTotal counts bytes replayed into activated analyzers
	PIAReplayedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_pia_replayed_bytes_total",
			Help: "Total number of buffered bytes replayed into activated analyzers",
		},
		[]string{"buffer"},
	)

	// SignatureMatchesTotal counts rule hits
	SignatureMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_signature_matches_total",
			Help: "Total number of signature matches by rule",
		},
		[]string{"rule"},
	)

	// SessionConnectionsActive tracks connections in the session table
	SessionConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dpd_session_connections_active",
			Help: "Number of connections currently tracked",
		},
		[]string{"transport"},
	)

	// SessionPacketsTotal counts packets dispatched to connections
	SessionPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_session_packets_total",
			Help: "Total number of packets dispatched to connections",
		},
		[]string{"transport"},
	)

	// SessionDropsTotal counts packets that could not be dispatched
	SessionDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dpd_session_drops_total",
			Help: "Total number of packets dropped before dispatch",
		},
		[]string{"reason"},
	)

	// SessionGapBytesTotal counts bytes missing from reassembled streams
	SessionGapBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dpd_session_gap_bytes_total",
			Help: "Total number of bytes reported missing by TCP reassembly",
		},
	)

	// SessionPacketLatencySeconds measures per-packet dispatch latency
	SessionPacketLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dpd_session_packet_latency_seconds",
			Help:    "Latency of dispatching one packet through decode, reassembly and PIA in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"transport"},
	)
)
